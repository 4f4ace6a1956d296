package battery

import "math"

// Totals combines the readings of all packs of a multi-pack installation.
type Totals struct {
	Voltage                float64             `json:"voltage"`
	Current                float64             `json:"current"`
	Power                  float64             `json:"power"`
	Capacity               float64             `json:"capacity"`
	RemainingCapacity      float64             `json:"remaining_capacity"`
	SoC                    float64             `json:"soc"`
	Cycles                 uint16              `json:"cycles"`
	CellMinVoltage         float64             `json:"cell_min_voltage"`
	CellMaxVoltage         float64             `json:"cell_max_voltage"`
	CellDiffVoltage        float64             `json:"cell_diff_voltage"`
	AverageBMSTemperature  float64             `json:"average_bms_temperature"`
	AverageCellTemperature float64             `json:"average_cell_temperature"`
	MinCellTemperature     float64             `json:"min_cell_temperature"`
	MaxCellTemperature     float64             `json:"max_cell_temperature"`
	ChargeDischarge        ChargeDischargeInfo `json:"charge_discharge"`
	Alarm                  Alarm               `json:"alarm"`
	Warning                Warning             `json:"warning"`
}

// Reducer folds one field across packs.
type Reducer int

const (
	Sum Reducer = iota
	Max
	Min
	Mean
)

func (r Reducer) String() string {
	switch r {
	case Sum:
		return "sum"
	case Max:
		return "max"
	case Min:
		return "min"
	case Mean:
		return "mean"
	default:
		return "unknown"
	}
}

func (r Reducer) fold(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	acc := values[0]
	for _, v := range values[1:] {
		switch r {
		case Sum, Mean:
			acc += v
		case Max:
			acc = math.Max(acc, v)
		case Min:
			acc = math.Min(acc, v)
		}
	}
	if r == Mean {
		acc /= float64(len(values))
	}
	return acc
}

type totalsField struct {
	reduce Reducer
	get    func(*AnalogValue) float64
	set    func(*Totals, float64)
}

var totalsFields = []totalsField{
	{Mean, func(a *AnalogValue) float64 { return a.Voltage }, func(t *Totals, v float64) { t.Voltage = v }},
	{Sum, func(a *AnalogValue) float64 { return a.Current }, func(t *Totals, v float64) { t.Current = v }},
	{Sum, func(a *AnalogValue) float64 { return a.Power }, func(t *Totals, v float64) { t.Power = v }},
	{Sum, func(a *AnalogValue) float64 { return a.Capacity }, func(t *Totals, v float64) { t.Capacity = v }},
	{Sum, func(a *AnalogValue) float64 { return a.RemainingCapacity }, func(t *Totals, v float64) { t.RemainingCapacity = v }},
	{Max, func(a *AnalogValue) float64 { return float64(a.Cycles) }, func(t *Totals, v float64) { t.Cycles = uint16(v) }},
	{Min, func(a *AnalogValue) float64 { return a.CellMinVoltage }, func(t *Totals, v float64) { t.CellMinVoltage = v }},
	{Max, func(a *AnalogValue) float64 { return a.CellMaxVoltage }, func(t *Totals, v float64) { t.CellMaxVoltage = v }},
	{Mean, func(a *AnalogValue) float64 { return a.BMSTemperature }, func(t *Totals, v float64) { t.AverageBMSTemperature = v }},
	{Mean, func(a *AnalogValue) float64 { return a.AverageCellTemperature }, func(t *Totals, v float64) { t.AverageCellTemperature = v }},
	{Min, func(a *AnalogValue) float64 { return a.MinCellTemperature }, func(t *Totals, v float64) { t.MinCellTemperature = v }},
	{Max, func(a *AnalogValue) float64 { return a.MaxCellTemperature }, func(t *Totals, v float64) { t.MaxCellTemperature = v }},
}

// Aggregate combines per-pack analog readings. Currents, powers and
// capacities add up, the extremes take the most extreme pack, voltages and
// average temperatures are averaged and the SoC is recomputed from the
// summed capacities.
func Aggregate(packs []AnalogValue) Totals {
	var t Totals
	if len(packs) == 0 {
		return t
	}

	values := make([]float64, len(packs))
	for _, f := range totalsFields {
		for i := range packs {
			values[i] = f.get(&packs[i])
		}
		f.set(&t, f.reduce.fold(values))
	}

	t.CellDiffVoltage = t.CellMaxVoltage - t.CellMinVoltage
	if t.Capacity > 0 {
		t.SoC = 100 * t.RemainingCapacity / t.Capacity
	}
	return t
}

// AggregatePacks combines full RS485 pack records. Alarms of any pack raise
// the total alarm; charging is allowed only when every pack allows it.
func AggregatePacks(packs []Pack) Totals {
	analog := make([]AnalogValue, len(packs))
	for i := range packs {
		analog[i] = packs[i].Analog
	}
	t := Aggregate(analog)
	if len(packs) == 0 {
		return t
	}

	cd := ChargeDischargeInfo{
		ChargeVoltageLimit:    math.MaxFloat64,
		DischargeVoltageLimit: 0,
		ChargeEnabled:         true,
		DischargeEnabled:      true,
	}
	for _, p := range packs {
		t.Alarm |= p.Alarms.Alarm
		t.Warning |= p.Alarms.Warning

		pcd := p.ChargeDischarge
		cd.ChargeVoltageLimit = math.Min(cd.ChargeVoltageLimit, pcd.ChargeVoltageLimit)
		cd.DischargeVoltageLimit = math.Max(cd.DischargeVoltageLimit, pcd.DischargeVoltageLimit)
		cd.ChargeCurrentLimit += pcd.ChargeCurrentLimit
		cd.DischargeCurrentLimit += pcd.DischargeCurrentLimit
		cd.ChargeEnabled = cd.ChargeEnabled && pcd.ChargeEnabled
		cd.DischargeEnabled = cd.DischargeEnabled && pcd.DischargeEnabled
		cd.ChargeImmediately1 = cd.ChargeImmediately1 || pcd.ChargeImmediately1
		cd.ChargeImmediately2 = cd.ChargeImmediately2 || pcd.ChargeImmediately2
		cd.FullChargeRequest = cd.FullChargeRequest || pcd.FullChargeRequest
	}
	t.ChargeDischarge = cd
	return t
}
