package vedirect

import (
	"time"

	"github.com/resident-x/go-battery/internal/datapoint"
	"github.com/resident-x/go-battery/internal/domain"
)

// HexExpiry is how long a hex register value stays valid without refresh.
const HexExpiry = 30 * time.Second

// minHexFirmware is the first firmware that keeps streaming text frames
// while hex requests are answered.
const minHexFirmware = 153

// capabilityLoadOutput is the Capabilities bit of devices with a load output.
const capabilityLoadOutput = 1 << 0

// efficiencyWindow is the number of samples the efficiency is averaged over.
const efficiencyWindow = 5

// MpptData is everything known about one charge controller.
type MpptData struct {
	TextData

	TrackerState            uint8   `json:"mppt"`
	PanelPowerWatts         int32   `json:"ppv"`
	PanelVoltageMilliVolt   uint32  `json:"vpv"`
	LoadOutput              bool    `json:"load"`
	LoadCurrentMilliAmps    uint32  `json:"il"`
	ChargeState             uint8   `json:"cs"`
	ErrorCode               uint8   `json:"err"`
	OffReason               uint32  `json:"or"`
	DaySequence             uint16  `json:"hsds"`
	YieldTotalWattHours     uint32  `json:"h19"`
	YieldTodayWattHours     uint32  `json:"h20"`
	MaxPowerTodayWatts      int32   `json:"h21"`
	YieldYesterdayWattHours uint32  `json:"h22"`
	MaxPowerYesterdayWatts  int32   `json:"h23"`
	OutputPowerWatts        int32   `json:"p"`
	PanelCurrentMilliAmps   uint32  `json:"ipv"`
	EfficiencyPercent       float64 `json:"e"`

	Capabilities                 datapoint.Timestamped[uint32] `json:"capabilities"`
	MpptTemperatureMilliCelsius  datapoint.Timestamped[int32]  `json:"mppt_temperature_mc"`
	BatterySenseMilliCelsius     datapoint.Timestamped[int32]  `json:"smart_battery_sense_mc"`
	LoadOutputState              datapoint.Timestamped[uint8]  `json:"load_output_state"`
	LoadOutputControl            datapoint.Timestamped[uint8]  `json:"load_output_control"`
	LoadOutputMilliVolt          datapoint.Timestamped[uint32] `json:"load_output_mv"`
	LoadCurrentHexMilliAmps      datapoint.Timestamped[uint32] `json:"load_current_ma"`
	ChargerMilliVolt             datapoint.Timestamped[uint32] `json:"charger_mv"`
	ChargerMilliAmps             datapoint.Timestamped[uint32] `json:"charger_ma"`
	ChargerMaximumMilliAmps      datapoint.Timestamped[uint32] `json:"charger_max_ma"`
	VoltageSettingsRange         datapoint.Timestamped[uint16] `json:"voltage_settings_range"`
	NetworkTotalDcInputMilliWatt datapoint.Timestamped[uint32] `json:"network_total_dc_input_mw"`
	DeviceMode                   datapoint.Timestamped[uint8]  `json:"device_mode"`
	DeviceState                  datapoint.Timestamped[uint8]  `json:"device_state"`
	RemoteControlUsed            datapoint.Timestamped[uint8]  `json:"remote_control_used"`
	BatteryMaximumMilliAmps      datapoint.Timestamped[uint32] `json:"battery_max_ma"`
	BatteryAbsorptionMilliVolt   datapoint.Timestamped[uint32] `json:"battery_absorption_mv"`
	BatteryFloatMilliVolt        datapoint.Timestamped[uint32] `json:"battery_float_mv"`
	BatteryType                  datapoint.Timestamped[uint8]  `json:"battery_type"`
	BatteryVoltageSetting        datapoint.Timestamped[uint8]  `json:"battery_voltage_setting"`
	PanelPowerMilliWatt          datapoint.Timestamped[uint32] `json:"panel_power_mw"`
	PanelVoltageHexMilliVolt     datapoint.Timestamped[uint32] `json:"panel_voltage_mv"`
	PanelCurrentHexMilliAmps     datapoint.Timestamped[uint32] `json:"panel_current_ma"`
}

// HasLoadOutput reports whether the device announced a load output.
func (d *MpptData) HasLoadOutput() bool {
	caps, ok := d.Capabilities.Get()
	return ok && caps&capabilityLoadOutput != 0
}

func (d *MpptData) textRecord(name, value string) bool {
	switch name {
	case "IL":
		d.LoadCurrentMilliAmps = uint32(parseInt(value))
	case "LOAD":
		d.LoadOutput = value == "ON"
	case "CS":
		d.ChargeState = uint8(parseInt(value))
	case "ERR":
		d.ErrorCode = uint8(parseInt(value))
	case "OR":
		d.OffReason = uint32(parseNumber(value))
	case "MPPT":
		d.TrackerState = uint8(parseInt(value))
	case "HSDS":
		d.DaySequence = uint16(parseInt(value))
	case "VPV":
		d.PanelVoltageMilliVolt = uint32(parseInt(value))
	case "PPV":
		d.PanelPowerWatts = int32(parseInt(value))
	case "H19":
		d.YieldTotalWattHours = uint32(parseInt(value)) * 10
	case "H20":
		d.YieldTodayWattHours = uint32(parseInt(value)) * 10
	case "H21":
		d.MaxPowerTodayWatts = int32(parseInt(value))
	case "H22":
		d.YieldYesterdayWattHours = uint32(parseInt(value)) * 10
	case "H23":
		d.MaxPowerYesterdayWatts = int32(parseInt(value))
	default:
		return d.TextData.textRecord(name, value)
	}
	return true
}

// derive computes the values the device does not send.
func (d *MpptData) derive(efficiency *movingAverage) {
	volts := float64(d.BatteryVoltageMilliVolt) / 1000
	d.OutputPowerWatts = int32(volts * float64(d.BatteryCurrentMilliAmps) / 1000)

	if d.PanelVoltageMilliVolt > 0 && d.PanelPowerWatts >= 1 {
		d.PanelCurrentMilliAmps = uint32(float64(d.PanelPowerWatts) * 1e6 / float64(d.PanelVoltageMilliVolt))
	} else {
		d.PanelCurrentMilliAmps = 0
	}

	if d.PanelPowerWatts > 0 {
		total := (float64(d.LoadCurrentMilliAmps) + float64(d.BatteryCurrentMilliAmps)) / 1000 * volts
		efficiency.add(total * 100 / float64(d.PanelPowerWatts))
		d.EfficiencyPercent = efficiency.average()
	} else {
		d.EfficiencyPercent = 0
	}
}

// expire zeroes the timestamps of hex values older than HexExpiry.
func (d *MpptData) expire(now time.Time) {
	d.Capabilities.Expire(now, HexExpiry)
	d.MpptTemperatureMilliCelsius.Expire(now, HexExpiry)
	d.BatterySenseMilliCelsius.Expire(now, HexExpiry)
	if d.Capabilities.Value&capabilityLoadOutput != 0 {
		d.LoadOutputState.Expire(now, HexExpiry)
		d.LoadOutputControl.Expire(now, HexExpiry)
		d.LoadOutputMilliVolt.Expire(now, HexExpiry)
		d.LoadCurrentHexMilliAmps.Expire(now, HexExpiry)
	}
	d.ChargerMilliVolt.Expire(now, HexExpiry)
	d.ChargerMilliAmps.Expire(now, HexExpiry)
	d.ChargerMaximumMilliAmps.Expire(now, HexExpiry)
	d.VoltageSettingsRange.Expire(now, HexExpiry)
	d.NetworkTotalDcInputMilliWatt.Expire(now, HexExpiry)
	d.BatteryMaximumMilliAmps.Expire(now, HexExpiry)
	d.BatteryAbsorptionMilliVolt.Expire(now, HexExpiry)
	d.BatteryFloatMilliVolt.Expire(now, HexExpiry)
	d.BatteryType.Expire(now, HexExpiry)
	d.BatteryVoltageSetting.Expire(now, HexExpiry)
	d.PanelPowerMilliWatt.Expire(now, HexExpiry)
	d.PanelVoltageHexMilliVolt.Expire(now, HexExpiry)
	d.PanelCurrentHexMilliAmps.Expire(now, HexExpiry)
}

// setScaled stores value*scale unless the message carries the
// not-available marker, in which case the field is cleared.
func setScaled(t *datapoint.Timestamped[uint32], d HexData, scale uint32, ts time.Time) {
	if d.Unavailable() {
		*t = datapoint.Timestamped[uint32]{}
		return
	}
	t.Set(d.Value*scale, ts)
}

func (d *MpptData) hexData(h HexData, ts time.Time) bool {
	if h.Response != RspGet && h.Response != RspAsync {
		return false
	}

	switch h.Register {
	case RegBatteryVoltageSetting:
		d.BatteryVoltageSetting.Set(uint8(h.Value), ts)
	case RegCapabilities:
		d.Capabilities.Set(h.Value, ts)
	case RegChargeControllerTemperature:
		// 0.01 °C, signed
		d.MpptTemperatureMilliCelsius.Set(int32(int16(h.Value))*10, ts)
	case RegSmartBatterySenseTemperature:
		// 0.01 K; keep the last reading when no sensor answers
		if !h.Unavailable() {
			d.BatterySenseMilliCelsius.Set(int32(h.Value)*10-273150, ts)
		}
	case RegLoadOutputState:
		d.LoadOutputState.Set(uint8(h.Value), ts)
	case RegLoadOutputControl:
		d.LoadOutputControl.Set(uint8(h.Value), ts)
	case RegLoadOutputVoltage:
		setScaled(&d.LoadOutputMilliVolt, h, 10, ts)
	case RegLoadCurrent:
		setScaled(&d.LoadCurrentHexMilliAmps, h, 100, ts)
	case RegChargerVoltage:
		setScaled(&d.ChargerMilliVolt, h, 10, ts)
	case RegChargerCurrent:
		setScaled(&d.ChargerMilliAmps, h, 100, ts)
	case RegChargerMaximumCurrent:
		setScaled(&d.ChargerMaximumMilliAmps, h, 100, ts)
	case RegVoltageSettingsRange:
		d.VoltageSettingsRange.Set(uint16(h.Value), ts)
	case RegNetworkTotalDcInputPower:
		setScaled(&d.NetworkTotalDcInputMilliWatt, h, 10, ts)
	case RegBatteryMaximumCurrent:
		setScaled(&d.BatteryMaximumMilliAmps, h, 100, ts)
	case RegBatteryAbsorptionVoltage:
		setScaled(&d.BatteryAbsorptionMilliVolt, h, 10, ts)
	case RegBatteryFloatVoltage:
		setScaled(&d.BatteryFloatMilliVolt, h, 10, ts)
	case RegBatteryType:
		d.BatteryType.Set(uint8(h.Value), ts)
	case RegDeviceMode:
		d.DeviceMode.Set(uint8(h.Value), ts)
	case RegDeviceState:
		d.DeviceState.Set(uint8(h.Value), ts)
	case RegRemoteControlUsed:
		d.RemoteControlUsed.Set(uint8(h.Value), ts)
	case RegPanelPower:
		setScaled(&d.PanelPowerMilliWatt, h, 10, ts)
	case RegPanelVoltage:
		setScaled(&d.PanelVoltageHexMilliVolt, h, 10, ts)
	case RegPanelCurrent:
		setScaled(&d.PanelCurrentHexMilliAmps, h, 100, ts)
	default:
		// history records are answered but not kept
		return h.Register.History()
	}
	return true
}

// PollPriorityHigh re-reads a register on every turn of the rotation.
const PollPriorityHigh = 1

type pollSlot struct {
	register Register
	// period is the minimum number of text frames between two reads
	period   int
	needLoad bool
}

var mpptRotation = []pollSlot{
	{RegCapabilities, 25, false},
	{RegBatteryType, 25, false},
	{RegChargeControllerTemperature, PollPriorityHigh, false},
	{RegNetworkTotalDcInputPower, PollPriorityHigh, false},
	{RegChargerMaximumCurrent, 25, false},
	{RegLoadOutputState, 5, true},
	{RegLoadCurrent, PollPriorityHigh, true},
	{RegPanelCurrent, PollPriorityHigh, false},
	{RegBatteryMaximumCurrent, 25, false},
	{RegVoltageSettingsRange, 30, false},
	{RegBatteryVoltageSetting, 30, false},
	{RegSmartBatterySenseTemperature, 5, false},
	{RegBatteryFloatVoltage, 25, false},
	{RegBatteryAbsorptionVoltage, 25, false},
}

type movingAverage struct {
	window [efficiencyWindow]float64
	sum    float64
	index  int
	count  int
}

func (m *movingAverage) add(v float64) {
	if m.count < len(m.window) {
		m.count++
	} else {
		m.sum -= m.window[m.index]
	}
	m.window[m.index] = v
	m.sum += v
	m.index = (m.index + 1) % len(m.window)
}

func (m *movingAverage) average() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

// MpptController reads a Victron charge controller.
type MpptController struct {
	*FrameHandler

	tmp        MpptData
	data       MpptData
	efficiency movingAverage

	frames   int
	slot     int
	lastRead []int
}

// NewMpptController creates a controller reading from port.
func NewMpptController(port domain.Port, opts Options) *MpptController {
	c := &MpptController{lastRead: make([]int, len(mpptRotation))}
	for i := range c.lastRead {
		c.lastRead[i] = -1
	}
	c.FrameHandler = newFrameHandler(port, opts, "vedirect-mppt", c)
	return c
}

// Data returns a copy of the data published with the last valid frame.
func (c *MpptController) Data() MpptData { return c.data }

// Loop reads pending bytes and expires stale hex values.
func (c *MpptController) Loop() {
	c.FrameHandler.Loop()
	c.tmp.expire(c.now())
}

func (c *MpptController) textRecord(name, value string) bool {
	return c.tmp.textRecord(name, value)
}

func (c *MpptController) hexData(d HexData, ts time.Time) bool {
	return c.tmp.hexData(d, ts)
}

func (c *MpptController) frameValid(ts time.Time) {
	c.tmp.derive(&c.efficiency)
	c.data = c.tmp
	c.frames++

	if !c.canSend {
		return
	}
	// older firmware stops streaming text once it is queried
	if c.tmp.FirmwareNumber() < minHexFirmware {
		return
	}
	c.requestNext()
}

// requestNext sends one GET for the next due register of the rotation.
func (c *MpptController) requestNext() {
	for range mpptRotation {
		i := c.slot
		c.slot = (c.slot + 1) % len(mpptRotation)

		s := mpptRotation[i]
		if s.needLoad && !c.tmp.HasLoadOutput() {
			continue
		}
		if c.lastRead[i] >= 0 && c.frames-c.lastRead[i] < s.period {
			continue
		}
		if c.SendHexCommand(CmdGet, s.register, 0, 0) {
			c.lastRead[i] = c.frames
		}
		return
	}
}
