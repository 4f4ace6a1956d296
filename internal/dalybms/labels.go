package dalybms

import "github.com/resident-x/go-battery/internal/datapoint"

// Parameters, read once after startup.
var (
	RatedCapacityMilliAmpHours         = datapoint.NewLabel[uint32](1, "RatedCapacity", "mAh")
	NominalCellVoltageMilliVolt        = datapoint.NewLabel[uint16](2, "NominalCellVoltage", "mV")
	AcquisitionBoards                  = datapoint.NewLabel[uint8](3, "AcquisitionBoards", "")
	CumulativeChargeDeciAmpHours       = datapoint.NewLabel[uint32](4, "CumulativeCharge", "0.1Ah")
	CumulativeDischargeDeciAmpHours    = datapoint.NewLabel[uint32](5, "CumulativeDischarge", "0.1Ah")
	BatteryType                        = datapoint.NewLabel[string](6, "BatteryType", "")
	FirmwareIndex                      = datapoint.NewLabel[uint8](7, "FirmwareIndex", "")
	IPAddress                          = datapoint.NewLabel[string](8, "IP", "")
	BatteryCode                        = datapoint.NewLabel[string](9, "BatteryCode", "")
	MaxCellVoltageLevel1MilliVolt      = datapoint.NewLabel[uint16](10, "MaxCellVoltageLevel1", "mV")
	MaxCellVoltageLevel2MilliVolt      = datapoint.NewLabel[uint16](11, "MaxCellVoltageLevel2", "mV")
	MinCellVoltageLevel1MilliVolt      = datapoint.NewLabel[uint16](12, "MinCellVoltageLevel1", "mV")
	MinCellVoltageLevel2MilliVolt      = datapoint.NewLabel[uint16](13, "MinCellVoltageLevel2", "mV")
	MaxPackVoltageLevel1DeciVolt       = datapoint.NewLabel[uint16](14, "MaxPackVoltageLevel1", "0.1V")
	MaxPackVoltageLevel2DeciVolt       = datapoint.NewLabel[uint16](15, "MaxPackVoltageLevel2", "0.1V")
	MinPackVoltageLevel1DeciVolt       = datapoint.NewLabel[uint16](16, "MinPackVoltageLevel1", "0.1V")
	MinPackVoltageLevel2DeciVolt       = datapoint.NewLabel[uint16](17, "MinPackVoltageLevel2", "0.1V")
	MaxChargeCurrentLevel1DeciAmps     = datapoint.NewLabel[uint16](18, "MaxChargeCurrentLevel1", "0.1A")
	MaxChargeCurrentLevel2DeciAmps     = datapoint.NewLabel[uint16](19, "MaxChargeCurrentLevel2", "0.1A")
	MaxDischargeCurrentLevel1DeciAmps  = datapoint.NewLabel[uint16](20, "MaxDischargeCurrentLevel1", "0.1A")
	MaxDischargeCurrentLevel2DeciAmps  = datapoint.NewLabel[uint16](21, "MaxDischargeCurrentLevel2", "0.1A")
	MaxSoCLevel1Permille               = datapoint.NewLabel[uint16](22, "MaxSoCLevel1", "0.1%")
	MaxSoCLevel2Permille               = datapoint.NewLabel[uint16](23, "MaxSoCLevel2", "0.1%")
	MinSoCLevel1Permille               = datapoint.NewLabel[uint16](24, "MinSoCLevel1", "0.1%")
	MinSoCLevel2Permille               = datapoint.NewLabel[uint16](25, "MinSoCLevel2", "0.1%")
	CellVoltageDiffLevel1MilliVolt     = datapoint.NewLabel[uint16](26, "CellVoltageDiffLevel1", "mV")
	CellVoltageDiffLevel2MilliVolt     = datapoint.NewLabel[uint16](27, "CellVoltageDiffLevel2", "mV")
	TemperatureDiffLevel1Celsius       = datapoint.NewLabel[uint8](28, "TemperatureDiffLevel1", "°C")
	TemperatureDiffLevel2Celsius       = datapoint.NewLabel[uint8](29, "TemperatureDiffLevel2", "°C")
	BalanceStartVoltageMilliVolt       = datapoint.NewLabel[uint16](30, "BalanceStartVoltage", "mV")
	BalanceStartDiffMilliVolt          = datapoint.NewLabel[uint16](31, "BalanceStartDiff", "mV")
	ShortCircuitCurrentAmps            = datapoint.NewLabel[uint16](32, "ShortCircuitCurrent", "A")
	CurrentSamplingResistanceMicroOhms = datapoint.NewLabel[uint16](33, "CurrentSamplingResistance", "µΩ")
	RealTimeClock                      = datapoint.NewLabel[string](34, "RTC", "")
	BmsSoftwareVersion                 = datapoint.NewLabel[string](35, "SoftwareVersion", "")
	BmsHardwareVersion                 = datapoint.NewLabel[string](36, "HardwareVersion", "")
)

// Measurements, read every poll cycle.
var (
	BatteryVoltageMilliVolt        = datapoint.NewLabel[uint32](50, "BatteryVoltage", "mV")
	AcquiredVoltageMilliVolt       = datapoint.NewLabel[uint32](51, "AcquiredVoltage", "mV")
	BatteryCurrentMilliAmps        = datapoint.NewLabel[int32](52, "BatteryCurrent", "mA")
	BatterySoCPermille             = datapoint.NewLabel[uint16](53, "BatterySoC", "0.1%")
	MaxCellMilliVolt               = datapoint.NewLabel[uint16](54, "MaxCellVoltage", "mV")
	MaxCellNumber                  = datapoint.NewLabel[uint8](55, "MaxCellNumber", "")
	MinCellMilliVolt               = datapoint.NewLabel[uint16](56, "MinCellVoltage", "mV")
	MinCellNumber                  = datapoint.NewLabel[uint8](57, "MinCellNumber", "")
	MaxTemperatureCelsius          = datapoint.NewLabel[int16](58, "MaxTemperature", "°C")
	MaxTemperatureSensor           = datapoint.NewLabel[uint8](59, "MaxTemperatureSensor", "")
	MinTemperatureCelsius          = datapoint.NewLabel[int16](60, "MinTemperature", "°C")
	MinTemperatureSensor           = datapoint.NewLabel[uint8](61, "MinTemperatureSensor", "")
	ChargeDischargeStatus          = datapoint.NewLabel[string](62, "ChargeDischargeStatus", "")
	ChargingMOS                    = datapoint.NewLabel[bool](63, "ChargingMOS", "")
	DischargingMOS                 = datapoint.NewLabel[bool](64, "DischargingMOS", "")
	BmsHeartBeat                   = datapoint.NewLabel[uint8](65, "BmsHeartBeat", "")
	RemainingCapacityMilliAmpHours = datapoint.NewLabel[uint32](66, "RemainingCapacity", "mAh")
	CellCount                      = datapoint.NewLabel[uint8](67, "CellCount", "")
	TemperatureSensorCount         = datapoint.NewLabel[uint8](68, "TemperatureSensorCount", "")
	ChargerConnected               = datapoint.NewLabel[bool](69, "ChargerConnected", "")
	LoadConnected                  = datapoint.NewLabel[bool](70, "LoadConnected", "")
	DigitalIO                      = datapoint.NewLabel[uint8](71, "DigitalIO", "")
	BatteryCycles                  = datapoint.NewLabel[uint16](72, "BatteryCycles", "")
	CellsMilliVolt                 = datapoint.NewLabel[datapoint.CellVoltages](73, "CellsMilliVolt", "mV")
	CellTemperatures               = datapoint.NewLabel[string](74, "CellTemperatures", "°C")
	CellBalanceActive              = datapoint.NewLabel[bool](75, "CellBalanceActive", "")
	FailureLevelBits               = datapoint.NewLabel[uint32](76, "FailureLevelBits", "")
	FailureHardwareBits            = datapoint.NewLabel[uint32](77, "FailureHardwareBits", "")
	FaultCode                      = datapoint.NewLabel[uint8](78, "FaultCode", "")
)
