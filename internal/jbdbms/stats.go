package jbdbms

import (
	"slices"
	"time"

	"github.com/resident-x/go-battery/internal/battery"
	"github.com/resident-x/go-battery/internal/datapoint"
)

// Manufacturer is reported for every JBD BMS; the protocol carries no vendor name.
const Manufacturer = "JBD"

// Apply merges decoded data points into stats.
func Apply(stats *battery.Stats, dp *datapoint.Container, ts time.Time) {
	d, ok := stats.Details.(*battery.JBD)
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
		stats.SetCurrent(float64(v)/1000, 2, ts)
	}
	if v, ok := datapoint.Get(all, BatterySoCPercent); ok {
		stats.SetSoC(float64(v), 0, ts)
	}
	if v, ok := datapoint.Get(all, BmsSoftwareVersion); ok {
		stats.FirmwareVersion = v
	}
	if v, ok := datapoint.Get(all, BmsHardwareVersion); ok {
		stats.HardwareVersion = v
	}

	var temps []int16
	for _, l := range []datapoint.Label[int16]{BatteryTempOneCelsius, BatteryTempTwoCelsius} {
		if v, ok := datapoint.Get(all, l); ok {
			temps = append(temps, v)
		}
	}
	if len(temps) > 0 {
		d.MinTemperature = slices.Min(temps)
		d.MaxTemperature = slices.Max(temps)
	}

	if cells, ok := datapoint.Get(dp, CellsMilliVolt); ok && len(cells) > 0 {
		var sum uint32
		d.CellMinMilliVolt, d.CellMaxMilliVolt = 0xFFFF, 0
		for _, mv := range cells {
			d.CellMinMilliVolt = min(d.CellMinMilliVolt, mv)
			d.CellMaxMilliVolt = max(d.CellMaxMilliVolt, mv)
			sum += uint32(mv)
		}
		d.CellAvgMilliVolt = uint16(sum / uint32(len(cells)))
		d.CellVoltageUpdated = ts
	}

	if v, ok := datapoint.Get(all, BatteryChargeEnabled); ok {
		d.ChargeEnabled = v
	}
	if v, ok := datapoint.Get(all, BatteryDischargeEnabled); ok {
		d.DischargeEnabled = v
	}
	if v, ok := datapoint.Get(all, AlarmsBitmask); ok {
		stats.Alarms = mapAlarms(v)
	}

	stats.Touch(ts)
}

func mapAlarms(bits uint16) battery.Alarm {
	has := func(m uint16) bool { return bits&m != 0 }

	var a battery.Alarm
	a = a.With(battery.AlarmOverVoltage, has(AlarmCellOverVoltage|AlarmPackOverVoltage))
	a = a.With(battery.AlarmUnderVoltage, has(AlarmCellUnderVoltage|AlarmPackUnderVoltage))
	a = a.With(battery.AlarmOverTemperatureCharge, has(AlarmChargingOverTemperature))
	a = a.With(battery.AlarmUnderTemperatureCharge, has(AlarmChargingLowTemperature))
	a = a.With(battery.AlarmOverTemperature, has(AlarmDischargingOverTemperature))
	a = a.With(battery.AlarmUnderTemperature, has(AlarmDischargingLowTemperature))
	a = a.With(battery.AlarmOverCurrentCharge, has(AlarmChargingOverCurrent))
	a = a.With(battery.AlarmOverCurrentDischarge, has(AlarmDischargeOverCurrent|AlarmShortCircuit))
	a = a.With(battery.AlarmBMSInternal, has(AlarmIcFrontEndError|AlarmMosSoftwareLock))
	return a
}
