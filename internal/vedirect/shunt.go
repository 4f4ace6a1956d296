package vedirect

import (
	"time"

	"github.com/resident-x/go-battery/internal/domain"
)

// Alarm reason bits of the AR record.
const (
	AlarmReasonLowVoltage      = 1 << 0
	AlarmReasonHighVoltage     = 1 << 1
	AlarmReasonLowSoC          = 1 << 2
	AlarmReasonLowTemperature  = 1 << 5
	AlarmReasonHighTemperature = 1 << 6
)

// ShuntData is everything a SmartShunt or BMV reports.
type ShuntData struct {
	TextData

	Temperature        int32  `json:"t"`
	TemperaturePresent bool   `json:"temp_present"`
	PowerWatts         int32  `json:"p"`
	ConsumedMilliAmpHr int32  `json:"ce"`
	SoCPermille        int32  `json:"soc"`
	TimeToGoMinutes    int32  `json:"ttg"`
	Alarm              bool   `json:"alarm"`
	AlarmReason        uint32 `json:"ar"`
	MidpointMilliVolt  int32  `json:"vm"`
	MidpointDeviation  int32  `json:"dm"`

	DeepestDischarge       int32 `json:"h1"`
	LastDischarge          int32 `json:"h2"`
	AverageDischarge       int32 `json:"h3"`
	ChargeCycles           int32 `json:"h4"`
	FullDischarges         int32 `json:"h5"`
	CumulativeAmpHours     int32 `json:"h6"`
	MinVoltage             int32 `json:"h7"`
	MaxVoltage             int32 `json:"h8"`
	SecondsSinceFullCharge int32 `json:"h9"`
	AutoSyncs              int32 `json:"h10"`
	LowVoltageAlarms       int32 `json:"h11"`
	HighVoltageAlarms      int32 `json:"h12"`
	LowAuxVoltageAlarms    int32 `json:"h13"`
	HighAuxVoltageAlarms   int32 `json:"h14"`
	MinAuxVoltage          int32 `json:"h15"`
	MaxAuxVoltage          int32 `json:"h16"`
	DischargedEnergy       int32 `json:"h17"`
	ChargedEnergy          int32 `json:"h18"`
}

func (d *ShuntData) textRecord(name, value string) bool {
	n := int32(parseInt(value))
	switch name {
	case "T":
		d.Temperature = n
		d.TemperaturePresent = true
	case "P":
		d.PowerWatts = n
	case "CE":
		d.ConsumedMilliAmpHr = n
	case "SOC":
		d.SoCPermille = n
	case "TTG":
		d.TimeToGoMinutes = n
	case "Alarm", "ALARM":
		d.Alarm = value == "ON"
	case "AR":
		d.AlarmReason = uint32(parseNumber(value))
	case "VM":
		d.MidpointMilliVolt = n
	case "DM":
		d.MidpointDeviation = n
	case "H1":
		d.DeepestDischarge = n
	case "H2":
		d.LastDischarge = n
	case "H3":
		d.AverageDischarge = n
	case "H4":
		d.ChargeCycles = n
	case "H5":
		d.FullDischarges = n
	case "H6":
		d.CumulativeAmpHours = n
	case "H7":
		d.MinVoltage = n
	case "H8":
		d.MaxVoltage = n
	case "H9":
		d.SecondsSinceFullCharge = n
	case "H10":
		d.AutoSyncs = n
	case "H11":
		d.LowVoltageAlarms = n
	case "H12":
		d.HighVoltageAlarms = n
	case "H13":
		d.LowAuxVoltageAlarms = n
	case "H14":
		d.HighAuxVoltageAlarms = n
	case "H15":
		d.MinAuxVoltage = n
	case "H16":
		d.MaxAuxVoltage = n
	case "H17":
		d.DischargedEnergy = n
	case "H18":
		d.ChargedEnergy = n
	default:
		return d.TextData.textRecord(name, value)
	}
	return true
}

// ShuntController reads a SmartShunt or BMV battery monitor. It never sends.
type ShuntController struct {
	*FrameHandler

	tmp  ShuntData
	data ShuntData
}

// NewShuntController creates a controller reading from port.
func NewShuntController(port domain.Port, opts Options) *ShuntController {
	opts.TxEnabled = false
	c := &ShuntController{}
	c.FrameHandler = newFrameHandler(port, opts, "vedirect-shunt", c)
	return c
}

// Data returns a copy of the data published with the last valid frame.
func (c *ShuntController) Data() ShuntData { return c.data }

func (c *ShuntController) textRecord(name, value string) bool {
	return c.tmp.textRecord(name, value)
}

func (c *ShuntController) frameValid(time.Time) {
	c.data = c.tmp
}

func (c *ShuntController) hexData(HexData, time.Time) bool { return false }
