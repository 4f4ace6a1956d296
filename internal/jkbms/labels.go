package jkbms

import "github.com/resident-x/go-battery/internal/datapoint"

// Data point labels. The id is the field id used on the wire.
var (
	CellsMilliVolt                    = datapoint.NewLabel[datapoint.CellVoltages](0x79, "CellsMilliVolt", "mV")
	BmsTempCelsius                    = datapoint.NewLabel[int16](0x80, "BmsTempCelsius", "°C")
	BatteryTempOneCelsius             = datapoint.NewLabel[int16](0x81, "BatteryTempOneCelsius", "°C")
	BatteryTempTwoCelsius             = datapoint.NewLabel[int16](0x82, "BatteryTempTwoCelsius", "°C")
	BatteryVoltageMilliVolt           = datapoint.NewLabel[uint32](0x83, "BatteryVoltageMilliVolt", "mV")
	BatteryCurrentMilliAmps           = datapoint.NewLabel[int32](0x84, "BatteryCurrentMilliAmps", "mA")
	BatterySoCPercent                 = datapoint.NewLabel[uint8](0x85, "BatterySoCPercent", "%")
	BatteryTemperatureSensorAmount    = datapoint.NewLabel[uint8](0x86, "BatteryTemperatureSensorAmount", "")
	BatteryCycles                     = datapoint.NewLabel[uint16](0x87, "BatteryCycles", "")
	BatteryCycleCapacity              = datapoint.NewLabel[uint32](0x89, "BatteryCycleCapacity", "Ah")
	BatteryCellAmount                 = datapoint.NewLabel[uint16](0x8A, "BatteryCellAmount", "")
	AlarmsBitmask                     = datapoint.NewLabel[uint16](0x8B, "AlarmsBitmask", "")
	StatusBitmask                     = datapoint.NewLabel[uint16](0x8C, "StatusBitmask", "")
	TotalOvervoltageThresholdMilliV   = datapoint.NewLabel[uint32](0x8E, "TotalOvervoltageThresholdMilliVolt", "mV")
	TotalUndervoltageThresholdMilliV  = datapoint.NewLabel[uint32](0x8F, "TotalUndervoltageThresholdMilliVolt", "mV")
	CellOvervoltageThresholdMilliV    = datapoint.NewLabel[uint16](0x90, "CellOvervoltageThresholdMilliVolt", "mV")
	CellOvervoltageRecoveryMilliV     = datapoint.NewLabel[uint16](0x91, "CellVoltageOvervoltageRecoveryMilliVolt", "mV")
	CellOvervoltageDelaySeconds       = datapoint.NewLabel[uint16](0x92, "CellOvervoltageProtectionDelaySeconds", "s")
	CellUndervoltageThresholdMilliV   = datapoint.NewLabel[uint16](0x93, "CellUndervoltageThresholdMilliVolt", "mV")
	CellUndervoltageRecoveryMilliV    = datapoint.NewLabel[uint16](0x94, "CellUndervoltageRecoveryMilliVolt", "mV")
	CellUndervoltageDelaySeconds      = datapoint.NewLabel[uint16](0x95, "CellUndervoltageProtectionDelaySeconds", "s")
	CellVoltageDiffThresholdMilliV    = datapoint.NewLabel[uint16](0x96, "CellVoltageDiffThresholdMilliVolt", "mV")
	DischargeOvercurrentThresholdA    = datapoint.NewLabel[uint16](0x97, "DischargeOvercurrentThresholdAmperes", "A")
	DischargeOvercurrentDelaySeconds  = datapoint.NewLabel[uint16](0x98, "DischargeOvercurrentDelaySeconds", "s")
	ChargeOvercurrentThresholdA       = datapoint.NewLabel[uint16](0x99, "ChargeOvercurrentThresholdAmps", "A")
	ChargeOvercurrentDelaySeconds     = datapoint.NewLabel[uint16](0x9A, "ChargeOvercurrentDelaySeconds", "s")
	BalanceCellVoltageThresholdMilliV = datapoint.NewLabel[uint16](0x9B, "BalanceCellVoltageThresholdMilliVolt", "mV")
	BalanceVoltageDiffThresholdMilliV = datapoint.NewLabel[uint16](0x9C, "BalanceVoltageDiffThresholdMilliVolt", "mV")
	BalancingEnabled                  = datapoint.NewLabel[bool](0x9D, "BalancingEnabled", "")
	BmsTempProtectionThreshold        = datapoint.NewLabel[uint16](0x9E, "BmsTempProtectionThresholdCelsius", "°C")
	BmsTempRecoveryThreshold          = datapoint.NewLabel[uint16](0x9F, "BmsTempRecoveryThresholdCelsius", "°C")
	BatteryTempProtectionThreshold    = datapoint.NewLabel[uint16](0xA0, "BatteryTempProtectionThresholdCelsius", "°C")
	BatteryTempRecoveryThreshold      = datapoint.NewLabel[uint16](0xA1, "BatteryTempRecoveryThresholdCelsius", "°C")
	BatteryTempDiffThreshold          = datapoint.NewLabel[uint16](0xA2, "BatteryTempDiffThresholdCelsius", "°C")
	ChargeHighTempThreshold           = datapoint.NewLabel[uint16](0xA3, "ChargeHighTempThresholdCelsius", "°C")
	DischargeHighTempThreshold        = datapoint.NewLabel[uint16](0xA4, "DischargeHighTempThresholdCelsius", "°C")
	ChargeLowTempProtection           = datapoint.NewLabel[int16](0xA5, "ChargeLowTempProtectionThresholdCelsius", "°C")
	ChargeLowTempRecovery             = datapoint.NewLabel[int16](0xA6, "ChargeLowTempRecoveryThresholdCelsius", "°C")
	DischargeLowTempProtection        = datapoint.NewLabel[int16](0xA7, "DischargeLowTempProtectionThresholdCelsius", "°C")
	DischargeLowTempRecovery          = datapoint.NewLabel[int16](0xA8, "DischargeLowTempRecoveryThresholdCelsius", "°C")
	CellAmountSetting                 = datapoint.NewLabel[uint8](0xA9, "CellAmountSetting", "")
	BatteryCapacitySettingAmpHours    = datapoint.NewLabel[uint32](0xAA, "BatteryCapacitySettingAmpHours", "Ah")
	BatteryChargeEnabled              = datapoint.NewLabel[bool](0xAB, "BatteryChargeEnabled", "")
	BatteryDischargeEnabled           = datapoint.NewLabel[bool](0xAC, "BatteryDischargeEnabled", "")
	CurrentCalibrationMilliAmps       = datapoint.NewLabel[uint16](0xAD, "CurrentCalibrationMilliAmps", "mA")
	BmsAddress                        = datapoint.NewLabel[uint8](0xAE, "BmsAddress", "")
	BatteryType                       = datapoint.NewLabel[uint8](0xAF, "BatteryType", "")
	SleepWaitTime                     = datapoint.NewLabel[uint16](0xB0, "SleepWaitTime", "s")
	LowCapacityAlarmThreshold         = datapoint.NewLabel[uint8](0xB1, "LowCapacityAlarmThresholdPercent", "%")
	ModificationPassword              = datapoint.NewLabel[string](0xB2, "ModificationPassword", "")
	DedicatedChargerSwitch            = datapoint.NewLabel[bool](0xB3, "DedicatedChargerSwitch", "")
	EquipmentID                       = datapoint.NewLabel[string](0xB4, "EquipmentId", "")
	DateOfManufacturing               = datapoint.NewLabel[string](0xB5, "DateOfManufacturing", "")
	BmsHourMeterMinutes               = datapoint.NewLabel[uint32](0xB6, "BmsHourMeterMinutes", "min")
	BmsSoftwareVersion                = datapoint.NewLabel[string](0xB7, "BmsSoftwareVersion", "")
	CurrentCalibration                = datapoint.NewLabel[bool](0xB8, "CurrentCalibration", "")
	ActualBatteryCapacityAmpHours     = datapoint.NewLabel[uint32](0xB9, "ActualBatteryCapacityAmpHours", "Ah")
	ProductID                         = datapoint.NewLabel[string](0xBA, "ProductId", "")
	ProtocolVersion                   = datapoint.NewLabel[uint8](0xC0, "ProtocolVersion", "")
)

// Alarm bits of AlarmsBitmask.
const (
	AlarmLowCapacity uint16 = 1 << iota
	AlarmBmsOvertemperature
	AlarmChargingOvervoltage
	AlarmDischargeUndervoltage
	AlarmBatteryOvertemperature
	AlarmChargingOvercurrent
	AlarmDischargeOvercurrent
	AlarmCellVoltageDifference
	AlarmBatteryBoxOvertemperature
	AlarmBatteryUndertemperature
	AlarmCellOvervoltage
	AlarmCellUndervoltage
	AlarmAProtect
	AlarmBProtect
)

// Status bits of StatusBitmask.
const (
	StatusChargingActive uint16 = 1 << iota
	StatusDischargingActive
	StatusBalancingActive
	StatusBatteryOnline
)
