package battery

import (
	"time"

	"github.com/resident-x/go-battery/internal/datapoint"
)

// Details is the closed set of vendor specific statistics.
type Details interface {
	Kind() string
	clone() Details
}

// PylontechCAN holds the fields of the Pylontech CAN protocol.
type PylontechCAN struct {
	ChargeVoltage         float64 `json:"charge_voltage"`
	ChargeCurrentLimit    float64 `json:"charge_current_limit"`
	DischargeVoltageLimit float64 `json:"discharge_voltage_limit"`
	StateOfHealth         uint16  `json:"state_of_health"`
	Temperature           float64 `json:"temperature"`
	ChargeEnabled         bool    `json:"charge_enabled"`
	DischargeEnabled      bool    `json:"discharge_enabled"`
	ChargeImmediately     bool    `json:"charge_immediately"`
	ModuleCount           uint8   `json:"module_count"`
}

func (*PylontechCAN) Kind() string { return "pylontech-can" }
func (d *PylontechCAN) clone() Details {
	c := *d
	return &c
}

// ManufacturerInfo is the answer to the RS485 manufacturer info command.
type ManufacturerInfo struct {
	DeviceName       string `json:"device_name"`
	SoftwareVersion  string `json:"software_version"`
	ManufacturerName string `json:"manufacturer_name"`
}

// SystemParameters are the limits reported by an RS485 BMS.
type SystemParameters struct {
	CellHighVoltageLimit          float64 `json:"cell_high_voltage_limit"`
	CellLowVoltageLimit           float64 `json:"cell_low_voltage_limit"`
	CellUnderVoltageLimit         float64 `json:"cell_under_voltage_limit"`
	ChargeHighTemperatureLimit    float64 `json:"charge_high_temperature_limit"`
	ChargeLowTemperatureLimit     float64 `json:"charge_low_temperature_limit"`
	ChargeCurrentLimit            float64 `json:"charge_current_limit"`
	ModuleHighVoltageLimit        float64 `json:"module_high_voltage_limit"`
	ModuleLowVoltageLimit         float64 `json:"module_low_voltage_limit"`
	ModuleUnderVoltageLimit       float64 `json:"module_under_voltage_limit"`
	DischargeHighTemperatureLimit float64 `json:"discharge_high_temperature_limit"`
	DischargeLowTemperatureLimit  float64 `json:"discharge_low_temperature_limit"`
	DischargeCurrentLimit         float64 `json:"discharge_current_limit"`
}

// ChargeDischargeInfo is the charge/discharge management answer.
type ChargeDischargeInfo struct {
	ChargeVoltageLimit    float64 `json:"charge_voltage_limit"`
	DischargeVoltageLimit float64 `json:"discharge_voltage_limit"`
	ChargeCurrentLimit    float64 `json:"charge_current_limit"`
	DischargeCurrentLimit float64 `json:"discharge_current_limit"`
	ChargeEnabled         bool    `json:"charge_enabled"`
	DischargeEnabled      bool    `json:"discharge_enabled"`
	ChargeImmediately1    bool    `json:"charge_immediately1"`
	ChargeImmediately2    bool    `json:"charge_immediately2"`
	FullChargeRequest     bool    `json:"full_charge_request"`
}

// AnalogValue is one pack's analog measurement set.
type AnalogValue struct {
	CellVoltages           []float64 `json:"cell_voltages"`
	CellMinVoltage         float64   `json:"cell_min_voltage"`
	CellMaxVoltage         float64   `json:"cell_max_voltage"`
	CellDiffVoltage        float64   `json:"cell_diff_voltage"`
	BMSTemperature         float64   `json:"bms_temperature"`
	CellTemperatures       []float64 `json:"cell_temperatures"`
	AverageCellTemperature float64   `json:"average_cell_temperature"`
	MinCellTemperature     float64   `json:"min_cell_temperature"`
	MaxCellTemperature     float64   `json:"max_cell_temperature"`
	Current                float64   `json:"current"`
	Voltage                float64   `json:"voltage"`
	Power                  float64   `json:"power"`
	RemainingCapacity      float64   `json:"remaining_capacity"`
	Capacity               float64   `json:"capacity"`
	SoC                    float64   `json:"soc"`
	Cycles                 uint16    `json:"cycles"`
}

// AlarmInfo is one pack's decoded alarm answer.
type AlarmInfo struct {
	CellStates        []byte  `json:"cell_states"`
	TemperatureStates []byte  `json:"temperature_states"`
	Status            [5]byte `json:"status"`
	Alarm             Alarm   `json:"alarm"`
	Warning           Warning `json:"warning"`
}

// Pack is everything known about one RS485 battery module.
type Pack struct {
	Address             uint8               `json:"address"`
	DeviceName          string              `json:"device_name"`
	SoftwareVersion     string              `json:"software_version"`
	ManufacturerVersion string              `json:"manufacturer_version"`
	MainlineVersion     string              `json:"mainline_version"`
	SerialNumber        string              `json:"serial_number"`
	Analog              AnalogValue         `json:"analog"`
	Alarms              AlarmInfo           `json:"alarms"`
	ChargeDischarge     ChargeDischargeInfo `json:"charge_discharge"`
	Updated             time.Time           `json:"updated"`
}

// RS485 is the state shared by the Pylontech and Gobel RS485 protocols.
type RS485 struct {
	MasterAddress   uint8               `json:"master_address"`
	ProtocolVersion string              `json:"protocol_version"`
	Manufacturer    ManufacturerInfo    `json:"manufacturer"`
	PackCount       uint8               `json:"pack_count"`
	Packs           []Pack              `json:"packs"`
	System          SystemParameters    `json:"system"`
	ChargeDischarge ChargeDischargeInfo `json:"charge_discharge"`
	Totals          Totals              `json:"totals"`
}

// Pack returns the pack at address, growing the pack list as needed.
func (r *RS485) Pack(address uint8) *Pack {
	for i := range r.Packs {
		if r.Packs[i].Address == address {
			return &r.Packs[i]
		}
	}
	r.Packs = append(r.Packs, Pack{Address: address})
	return &r.Packs[len(r.Packs)-1]
}

func (r RS485) cloneRS485() RS485 {
	out := r
	out.Packs = make([]Pack, len(r.Packs))
	for i, p := range r.Packs {
		p.Analog.CellVoltages = append([]float64(nil), p.Analog.CellVoltages...)
		p.Analog.CellTemperatures = append([]float64(nil), p.Analog.CellTemperatures...)
		p.Alarms.CellStates = append([]byte(nil), p.Alarms.CellStates...)
		p.Alarms.TemperatureStates = append([]byte(nil), p.Alarms.TemperatureStates...)
		out.Packs[i] = p
	}
	return out
}

// PylontechRS485 holds the Pylontech RS485 multi-pack state.
type PylontechRS485 struct {
	RS485
}

func (*PylontechRS485) Kind() string { return "pylontech-rs485" }
func (d *PylontechRS485) clone() Details {
	return &PylontechRS485{RS485: d.cloneRS485()}
}

// Gobel holds the Gobel RS485 state.
type Gobel struct {
	RS485
	RemainingCapacity float64 `json:"remaining_capacity"`
	FullCapacity      float64 `json:"full_capacity"`
	DesignCapacity    float64 `json:"design_capacity"`
	BuzzerEnabled     bool    `json:"buzzer_enabled"`
	LastResponseCode  byte    `json:"last_response_code"`
}

func (*Gobel) Kind() string { return "gobel-rs485" }
func (d *Gobel) clone() Details {
	c := *d
	c.RS485 = d.cloneRS485()
	return &c
}

// Pytes holds the fields of the Pytes CAN protocol.
type Pytes struct {
	ChargeVoltageLimit           float64 `json:"charge_voltage_limit"`
	ChargeCurrentLimit           float64 `json:"charge_current_limit"`
	DischargeVoltageLimit        float64 `json:"discharge_voltage_limit"`
	StateOfHealth                uint16  `json:"state_of_health"`
	ChargeCycles                 int     `json:"charge_cycles"`
	Balance                      int     `json:"balance"`
	Temperature                  float64 `json:"temperature"`
	CellMinMilliVolt             uint16  `json:"cell_min_millivolt"`
	CellMaxMilliVolt             uint16  `json:"cell_max_millivolt"`
	CellMinTemperature           float64 `json:"cell_min_temperature"`
	CellMaxTemperature           float64 `json:"cell_max_temperature"`
	CellMinVoltageName           string  `json:"cell_min_voltage_name"`
	CellMaxVoltageName           string  `json:"cell_max_voltage_name"`
	CellMinTemperatureName       string  `json:"cell_min_temperature_name"`
	CellMaxTemperatureName       string  `json:"cell_max_temperature_name"`
	ModuleCountOnline            uint8   `json:"module_count_online"`
	ModuleCountOffline           uint8   `json:"module_count_offline"`
	ModuleCountBlockingCharge    uint8   `json:"module_count_blocking_charge"`
	ModuleCountBlockingDischarge uint8   `json:"module_count_blocking_discharge"`
	TotalCapacity                float64 `json:"total_capacity"`
	AvailableCapacity            float64 `json:"available_capacity"`
	CapacityPrecision            int     `json:"capacity_precision"`
	ChargedEnergy                float64 `json:"charged_energy"`
	DischargedEnergy             float64 `json:"discharged_energy"`
	ChargeEnabled                bool    `json:"charge_enabled"`
	DischargeEnabled             bool    `json:"discharge_enabled"`
	ChargeImmediately            bool    `json:"charge_immediately"`
	SerialPart1                  string  `json:"-"`
	SerialPart2                  string  `json:"-"`
}

func (*Pytes) Kind() string { return "pytes-can" }
func (d *Pytes) clone() Details {
	c := *d
	return &c
}

// SBS holds the fields of the SBS Unipower CAN protocol.
type SBS struct {
	ChargeVoltage         float64 `json:"charge_voltage"`
	ChargeCurrentLimit    float64 `json:"charge_current_limit"`
	DischargeCurrentLimit float64 `json:"discharge_current_limit"`
	StateOfHealth         uint16  `json:"state_of_health"`
	Temperature           float64 `json:"temperature"`
	State                 string  `json:"state"`
	ChargeEnabled         bool    `json:"charge_enabled"`
	DischargeEnabled      bool    `json:"discharge_enabled"`
}

func (*SBS) Kind() string { return "sbs-can" }
func (d *SBS) clone() Details {
	c := *d
	return &c
}

// CellSummary is derived from the data points of JK and JBD style BMS.
type CellSummary struct {
	DataPoints         *datapoint.Container `json:"datapoints"`
	MinTemperature     int16                `json:"min_temperature"`
	MaxTemperature     int16                `json:"max_temperature"`
	CellMinMilliVolt   uint16               `json:"cell_min_millivolt"`
	CellAvgMilliVolt   uint16               `json:"cell_avg_millivolt"`
	CellMaxMilliVolt   uint16               `json:"cell_max_millivolt"`
	CellVoltageUpdated time.Time            `json:"cell_voltage_updated"`
	ChargeEnabled      bool                 `json:"charge_enabled"`
	DischargeEnabled   bool                 `json:"discharge_enabled"`
	ChargeImmediately1 bool                 `json:"charge_immediately1"`
	ChargeImmediately2 bool                 `json:"charge_immediately2"`
	FullChargeRequest  bool                 `json:"full_charge_request"`
}

// NewCellSummary returns a summary with an empty data point store.
func NewCellSummary() CellSummary {
	return CellSummary{DataPoints: datapoint.NewContainer(), MinTemperature: 100, MaxTemperature: -100}
}

func (c CellSummary) cloneSummary() CellSummary {
	out := c
	out.DataPoints = c.DataPoints.Snapshot()
	return out
}

// JK holds the JK BMS data points and derived values.
type JK struct {
	CellSummary
}

func (*JK) Kind() string { return "jkbms" }
func (d *JK) clone() Details {
	return &JK{CellSummary: d.cloneSummary()}
}

// JBD holds the JBD BMS data points and derived values.
type JBD struct {
	CellSummary
}

func (*JBD) Kind() string { return "jbdbms" }
func (d *JBD) clone() Details {
	return &JBD{CellSummary: d.cloneSummary()}
}

// DalyThresholds are alarm or warning levels read from a Daly BMS.
type DalyThresholds struct {
	MaxCellVoltage          float64 `json:"max_cell_voltage"`
	MinCellVoltage          float64 `json:"min_cell_voltage"`
	MaxPackVoltage          float64 `json:"max_pack_voltage"`
	MinPackVoltage          float64 `json:"min_pack_voltage"`
	MaxPackChargeCurrent    float64 `json:"max_pack_charge_current"`
	MaxPackDischargeCurrent float64 `json:"max_pack_discharge_current"`
	MaxSoC                  float64 `json:"max_soc"`
	MinSoC                  float64 `json:"min_soc"`
	CellVoltageDifference   float64 `json:"cell_voltage_difference"`
	TemperatureDifference   float64 `json:"temperature_difference"`
}

// Daly holds the Daly BMS data points and derived values.
type Daly struct {
	DataPoints         *datapoint.Container `json:"datapoints"`
	AlarmValues        DalyThresholds       `json:"alarm_values"`
	WarningValues      DalyThresholds       `json:"warning_values"`
	MinTemperature     float64              `json:"min_temperature"`
	MaxTemperature     float64              `json:"max_temperature"`
	ChargingMOS        bool                 `json:"charging_mos"`
	DischargingMOS     bool                 `json:"discharging_mos"`
	ChargeImmediately1 bool                 `json:"charge_immediately1"`
	ChargeImmediately2 bool                 `json:"charge_immediately2"`
	CellBalanceActive  bool                 `json:"cell_balance_active"`
	Failures           []string             `json:"failures"`
}

func (*Daly) Kind() string { return "daly" }
func (d *Daly) clone() Details {
	c := *d
	c.DataPoints = d.DataPoints.Snapshot()
	c.Failures = append([]string(nil), d.Failures...)
	return &c
}

// VictronShunt holds the fields of a Victron SmartShunt.
type VictronShunt struct {
	Temperature          float64 `json:"temperature"`
	TemperaturePresent   bool    `json:"temperature_present"`
	ChargeCycles         uint32  `json:"charge_cycles"`
	TimeToGo             int32   `json:"time_to_go"`
	ChargedEnergy        float64 `json:"charged_energy"`
	DischargedEnergy     float64 `json:"discharged_energy"`
	InstantaneousPower   int32   `json:"instantaneous_power"`
	MidpointVoltage      float64 `json:"midpoint_voltage"`
	MidpointDeviation    float64 `json:"midpoint_deviation"`
	ConsumedAmpHours     float64 `json:"consumed_amp_hours"`
	LastFullCharge       int32   `json:"last_full_charge"`
	AlarmLowVoltage      bool    `json:"alarm_low_voltage"`
	AlarmHighVoltage     bool    `json:"alarm_high_voltage"`
	AlarmLowSoC          bool    `json:"alarm_low_soc"`
	AlarmLowTemperature  bool    `json:"alarm_low_temperature"`
	AlarmHighTemperature bool    `json:"alarm_high_temperature"`
}

func (*VictronShunt) Kind() string { return "victron-shunt" }
func (d *VictronShunt) clone() Details {
	c := *d
	return &c
}

// MQTT marks stats sourced from MQTT topics.
type MQTT struct {
	SoCTopic     string `json:"soc_topic"`
	VoltageTopic string `json:"voltage_topic"`
}

func (*MQTT) Kind() string { return "mqtt" }
func (d *MQTT) clone() Details {
	c := *d
	return &c
}
