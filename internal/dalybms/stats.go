package dalybms

import (
	"time"

	"github.com/resident-x/go-battery/internal/battery"
	"github.com/resident-x/go-battery/internal/datapoint"
)

// Manufacturer is reported for every Daly BMS.
const Manufacturer = "Daly"

// levelLabels are the threshold registers of one alarm level.
type levelLabels struct {
	maxCell, minCell    datapoint.Label[uint16]
	maxPack, minPack    datapoint.Label[uint16]
	maxCharge, maxDisch datapoint.Label[uint16]
	maxSoC, minSoC      datapoint.Label[uint16]
	cellDiff            datapoint.Label[uint16]
	temperatureDiff     datapoint.Label[uint8]
}

var (
	warningLevel = levelLabels{
		MaxCellVoltageLevel1MilliVolt, MinCellVoltageLevel1MilliVolt,
		MaxPackVoltageLevel1DeciVolt, MinPackVoltageLevel1DeciVolt,
		MaxChargeCurrentLevel1DeciAmps, MaxDischargeCurrentLevel1DeciAmps,
		MaxSoCLevel1Permille, MinSoCLevel1Permille,
		CellVoltageDiffLevel1MilliVolt, TemperatureDiffLevel1Celsius,
	}
	alarmLevel = levelLabels{
		MaxCellVoltageLevel2MilliVolt, MinCellVoltageLevel2MilliVolt,
		MaxPackVoltageLevel2DeciVolt, MinPackVoltageLevel2DeciVolt,
		MaxChargeCurrentLevel2DeciAmps, MaxDischargeCurrentLevel2DeciAmps,
		MaxSoCLevel2Permille, MinSoCLevel2Permille,
		CellVoltageDiffLevel2MilliVolt, TemperatureDiffLevel2Celsius,
	}
)

// Apply merges decoded data points into stats.
func Apply(stats *battery.Stats, dp *datapoint.Container, ts time.Time) {
	d, ok := stats.Details.(*battery.Daly)
	if !ok {
		return
	}
	d.DataPoints.UpdateFrom(dp)
	all := d.DataPoints

	stats.SetManufacturer(Manufacturer, ts)
	if v, ok := datapoint.Get(all, BatteryVoltageMilliVolt); ok {
		stats.SetVoltage(float64(v)/1000, ts)
	}
	if v, ok := datapoint.Get(all, BatteryCurrentMilliAmps); ok {
		stats.SetCurrent(float64(v)/1000, 1, ts)
	}
	if v, ok := datapoint.Get(all, BatterySoCPermille); ok {
		stats.SetSoC(float64(v)/10, 1, ts)
	}
	if v, ok := datapoint.Get(all, BmsSoftwareVersion); ok {
		stats.FirmwareVersion = v
	}
	if v, ok := datapoint.Get(all, BmsHardwareVersion); ok {
		stats.HardwareVersion = v
	}
	if v, ok := datapoint.Get(all, BatteryCode); ok {
		stats.Serial = v
	}

	if v, ok := datapoint.Get(all, MinTemperatureCelsius); ok {
		d.MinTemperature = float64(v)
	}
	if v, ok := datapoint.Get(all, MaxTemperatureCelsius); ok {
		d.MaxTemperature = float64(v)
	}
	if v, ok := datapoint.Get(all, ChargingMOS); ok {
		d.ChargingMOS = v
	}
	if v, ok := datapoint.Get(all, DischargingMOS); ok {
		d.DischargingMOS = v
	}
	if v, ok := datapoint.Get(all, CellBalanceActive); ok {
		d.CellBalanceActive = v
	}

	d.WarningValues = thresholds(all, warningLevel)
	d.AlarmValues = thresholds(all, alarmLevel)

	levels, okLevels := datapoint.Get(all, FailureLevelBits)
	hardware, okHardware := datapoint.Get(all, FailureHardwareBits)
	if okLevels && okHardware {
		f := UnpackFailures(levels, hardware)
		d.Failures = f.Names()
		stats.Alarms, stats.Warnings = mapFailures(f)
		d.ChargeImmediately1 = f.Has(2, 6)
		d.ChargeImmediately2 = f.Has(2, 7)
	}

	stats.Touch(ts)
}

func thresholds(dp *datapoint.Container, l levelLabels) battery.DalyThresholds {
	get := func(label datapoint.Label[uint16], div float64) float64 {
		v, _ := datapoint.Get(dp, label)
		return float64(v) / div
	}
	td, _ := datapoint.Get(dp, l.temperatureDiff)
	return battery.DalyThresholds{
		MaxCellVoltage:          get(l.maxCell, 1000),
		MinCellVoltage:          get(l.minCell, 1000),
		MaxPackVoltage:          get(l.maxPack, 10),
		MinPackVoltage:          get(l.minPack, 10),
		MaxPackChargeCurrent:    get(l.maxCharge, 10),
		MaxPackDischargeCurrent: get(l.maxDisch, 10),
		MaxSoC:                  get(l.maxSoC, 10),
		MinSoC:                  get(l.minSoC, 10),
		CellVoltageDifference:   get(l.cellDiff, 1000),
		TemperatureDifference:   float64(td),
	}
}

// mapFailures reports level 2 conditions as alarms and level 1 conditions
// as warnings.
func mapFailures(f Failures) (battery.Alarm, battery.Warning) {
	var a battery.Alarm
	var w battery.Warning

	w = w.With(battery.WarningHighVoltage, f.Has(0, 0) || f.Has(0, 4))
	a = a.With(battery.AlarmOverVoltage, f.Has(0, 1) || f.Has(0, 5))
	w = w.With(battery.WarningLowVoltage, f.Has(0, 2) || f.Has(0, 6))
	a = a.With(battery.AlarmUnderVoltage, f.Has(0, 3) || f.Has(0, 7))

	w = w.With(battery.WarningHighTemperatureCharge, f.Has(1, 0))
	a = a.With(battery.AlarmOverTemperatureCharge, f.Has(1, 1))
	w = w.With(battery.WarningLowTemperatureCharge, f.Has(1, 2))
	a = a.With(battery.AlarmUnderTemperatureCharge, f.Has(1, 3))
	w = w.With(battery.WarningHighTemperature, f.Has(1, 4))
	a = a.With(battery.AlarmOverTemperature, f.Has(1, 5))
	w = w.With(battery.WarningLowTemperature, f.Has(1, 6))
	a = a.With(battery.AlarmUnderTemperature, f.Has(1, 7))

	w = w.With(battery.WarningHighCurrentCharge, f.Has(2, 0))
	a = a.With(battery.AlarmOverCurrentCharge, f.Has(2, 1))
	w = w.With(battery.WarningHighCurrentDischarge, f.Has(2, 2))
	a = a.With(battery.AlarmOverCurrentDischarge, f.Has(2, 3) || f.Has(6, 2))

	w = w.With(battery.WarningCellImbalance, f.Has(3, 0))
	a = a.With(battery.AlarmCellImbalance, f.Has(3, 1))

	internal := f[4] != 0 || f[5] != 0 || f.Has(6, 0) || f.Has(6, 1) || f.Has(6, 3)
	a = a.With(battery.AlarmBMSInternal, internal)

	return a, w
}
