package jbdbms

import "github.com/resident-x/go-battery/internal/datapoint"

var (
	CellsMilliVolt                 = datapoint.NewLabel[datapoint.CellVoltages](1, "CellsMilliVolt", "mV")
	BatteryTempOneCelsius          = datapoint.NewLabel[int16](2, "BatteryTempOneCelsius", "°C")
	BatteryTempTwoCelsius          = datapoint.NewLabel[int16](3, "BatteryTempTwoCelsius", "°C")
	BatteryVoltageMilliVolt        = datapoint.NewLabel[uint32](4, "BatteryVoltageMilliVolt", "mV")
	BatteryCurrentMilliAmps        = datapoint.NewLabel[int32](5, "BatteryCurrentMilliAmps", "mA")
	BatterySoCPercent              = datapoint.NewLabel[uint8](6, "BatterySoCPercent", "%")
	BatteryTemperatureSensorAmount = datapoint.NewLabel[uint8](7, "BatteryTemperatureSensorAmount", "")
	BatteryCycles                  = datapoint.NewLabel[uint16](8, "BatteryCycles", "")
	BatteryCellAmount              = datapoint.NewLabel[uint16](9, "BatteryCellAmount", "")
	AlarmsBitmask                  = datapoint.NewLabel[uint16](10, "AlarmsBitmask", "")
	BalancingEnabled               = datapoint.NewLabel[bool](11, "BalancingEnabled", "")
	BatteryCapacitySettingAmpHours = datapoint.NewLabel[uint32](12, "BatteryCapacitySettingAmpHours", "Ah")
	BatteryChargeEnabled           = datapoint.NewLabel[bool](13, "BatteryChargeEnabled", "")
	BatteryDischargeEnabled        = datapoint.NewLabel[bool](14, "BatteryDischargeEnabled", "")
	DateOfManufacturing            = datapoint.NewLabel[string](15, "DateOfManufacturing", "")
	BmsSoftwareVersion             = datapoint.NewLabel[string](16, "BmsSoftwareVersion", "")
	BmsHardwareVersion             = datapoint.NewLabel[string](17, "BmsHardwareVersion", "")
	ActualBatteryCapacityAmpHours  = datapoint.NewLabel[uint32](18, "ActualBatteryCapacityAmpHours", "Ah")
)

// Protection status bits of AlarmsBitmask.
const (
	AlarmCellOverVoltage uint16 = 1 << iota
	AlarmCellUnderVoltage
	AlarmPackOverVoltage
	AlarmPackUnderVoltage
	AlarmChargingOverTemperature
	AlarmChargingLowTemperature
	AlarmDischargingOverTemperature
	AlarmDischargingLowTemperature
	AlarmChargingOverCurrent
	AlarmDischargeOverCurrent
	AlarmShortCircuit
	AlarmIcFrontEndError
	AlarmMosSoftwareLock
)

var alarmNames = []string{
	"CellOverVoltage", "CellUnderVoltage", "PackOverVoltage", "PackUnderVoltage",
	"ChargingOverTemperature", "ChargingLowTemperature",
	"DischargingOverTemperature", "DischargingLowTemperature",
	"ChargingOverCurrent", "DischargeOverCurrent", "ShortCircuit",
	"IcFrontEndError", "MosSoftwareLock",
}

// AlarmNames lists the active protection conditions.
func AlarmNames(bits uint16) []string {
	var out []string
	for i, name := range alarmNames {
		if bits&(1<<i) != 0 {
			out = append(out, name)
		}
	}
	return out
}
