package jkbms

import (
	"time"

	"github.com/resident-x/go-battery/internal/battery"
	"github.com/resident-x/go-battery/internal/datapoint"
)

// Apply merges freshly decoded data points into stats and refreshes the
// values derived from them.
func Apply(stats *battery.Stats, dp *datapoint.Container, ts time.Time) {
	d, ok := stats.Details.(*battery.JK)
	if !ok {
		return
	}
	d.DataPoints.UpdateFrom(dp)
	all := d.DataPoints

	if v, ok := datapoint.Get(all, BatteryVoltageMilliVolt); ok {
		stats.SetVoltage(float64(v)/1000, ts)
	}
	if v, ok := datapoint.Get(all, BatteryCurrentMilliAmps); ok {
		stats.SetCurrent(float64(v)/1000, 2, ts)
	}
	if v, ok := datapoint.Get(all, BatterySoCPercent); ok {
		stats.SetSoC(float64(v), 0, ts)
	}

	if v, ok := datapoint.Get(all, BmsSoftwareVersion); ok {
		stats.HardwareVersion, stats.FirmwareVersion = SplitVersion(v)
	}
	if v, ok := datapoint.Get(all, ProductID); ok {
		stats.SetManufacturer(Manufacturer(v), ts)
	}

	updateTemperatures(d, all)

	if cells, ok := datapoint.Get(dp, CellsMilliVolt); ok && len(cells) > 0 {
		d.CellMinMilliVolt, d.CellAvgMilliVolt, d.CellMaxMilliVolt = cellSummary(cells)
		d.CellVoltageUpdated = ts
	}

	if status, ok := datapoint.Get(all, StatusBitmask); ok {
		d.ChargeEnabled = status&StatusChargingActive != 0
		d.DischargeEnabled = status&StatusDischargingActive != 0
	}

	if alarms, ok := datapoint.Get(all, AlarmsBitmask); ok {
		d.ChargeImmediately1 = alarms&AlarmLowCapacity != 0
		stats.Alarms = mapAlarms(alarms)
	}

	stats.Touch(ts)
}

// Battery sensors take precedence over the MOSFET sensor of the BMS.
func updateTemperatures(d *battery.JK, all *datapoint.Container) {
	var temps []int16
	for _, l := range []datapoint.Label[int16]{BatteryTempOneCelsius, BatteryTempTwoCelsius} {
		if v, ok := datapoint.Get(all, l); ok {
			temps = append(temps, v)
		}
	}
	if len(temps) == 0 {
		if v, ok := datapoint.Get(all, BmsTempCelsius); ok {
			temps = append(temps, v)
		}
	}
	if len(temps) == 0 {
		return
	}
	d.MinTemperature, d.MaxTemperature = temps[0], temps[0]
	for _, t := range temps[1:] {
		d.MinTemperature = min(d.MinTemperature, t)
		d.MaxTemperature = max(d.MaxTemperature, t)
	}
}

func cellSummary(cells datapoint.CellVoltages) (lo, avg, hi uint16) {
	var sum uint32
	first := true
	for _, mv := range cells {
		if first {
			lo, hi = mv, mv
			first = false
		}
		lo = min(lo, mv)
		hi = max(hi, mv)
		sum += uint32(mv)
	}
	return lo, uint16(sum / uint32(len(cells))), hi
}

func mapAlarms(bits uint16) battery.Alarm {
	has := func(m uint16) bool { return bits&m != 0 }

	var a battery.Alarm
	a = a.With(battery.AlarmOverVoltage, has(AlarmChargingOvervoltage|AlarmCellOvervoltage))
	a = a.With(battery.AlarmUnderVoltage, has(AlarmDischargeUndervoltage|AlarmCellUndervoltage))
	a = a.With(battery.AlarmOverTemperature, has(AlarmBatteryOvertemperature|AlarmBatteryBoxOvertemperature))
	a = a.With(battery.AlarmUnderTemperature, has(AlarmBatteryUndertemperature))
	a = a.With(battery.AlarmOverCurrentCharge, has(AlarmChargingOvercurrent))
	a = a.With(battery.AlarmOverCurrentDischarge, has(AlarmDischargeOvercurrent))
	a = a.With(battery.AlarmCellImbalance, has(AlarmCellVoltageDifference))
	a = a.With(battery.AlarmBMSInternal, has(AlarmBmsOvertemperature|AlarmAProtect|AlarmBProtect))
	return a
}
