package protocol

import (
	"errors"
	"testing"

	"github.com/resident-x/go-battery/internal/battery"
	"github.com/resident-x/go-battery/internal/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func analogFixture(userDefined byte) []byte {
	info := []byte{
		0x00, 0x02, // infoflag, address
		0x02, 0x0C, 0xE4, 0x0C, 0xEE, // cells
		0x03, 0x0B, 0xA5, 0x0B, 0x9B, 0x0B, 0xAF, // temperatures
		0x00, 0x32, // current
		0xC8, 0x00, // voltage
		0x61, 0xA8, // remaining
		userDefined,
		0xC3, 0x50, // total
		0x00, 0x0C, // cycles
	}
	if userDefined > 2 {
		info = append(info, 0x01, 0x86, 0xA0, 0x03, 0x0D, 0x40)
	}
	return info
}

func TestDecodeAnalogValue(t *testing.T) {
	got, err := DecodeAnalogValue(analogFixture(2))
	require.NoError(t, err)

	a := got.Value
	assert.Equal(t, uint8(2), got.Address)
	assert.Equal(t, []float64{3.3, 3.31}, a.CellVoltages)
	assert.Equal(t, 3.3, a.CellMinVoltage)
	assert.Equal(t, 3.31, a.CellMaxVoltage)
	assert.InDelta(t, 10, a.CellDiffVoltage, 1e-6)
	assert.Equal(t, 25.0, a.BMSTemperature)
	assert.Equal(t, []float64{24, 26}, a.CellTemperatures)
	assert.Equal(t, 24.0, a.MinCellTemperature)
	assert.Equal(t, 26.0, a.MaxCellTemperature)
	assert.InDelta(t, 25, a.AverageCellTemperature, 1e-9)
	assert.Equal(t, 5.0, a.Current)
	assert.Equal(t, 51.2, a.Voltage)
	assert.InDelta(t, 256, a.Power, 1e-9)
	assert.Equal(t, 25.0, a.RemainingCapacity)
	assert.Equal(t, 50.0, a.Capacity)
	assert.InDelta(t, 50, a.SoC, 1e-9)
	assert.Equal(t, uint16(12), a.Cycles)
}

func TestDecodeAnalogValueWideCapacity(t *testing.T) {
	got, err := DecodeAnalogValue(analogFixture(4))
	require.NoError(t, err)
	assert.Equal(t, 100.0, got.Value.RemainingCapacity)
	assert.Equal(t, 200.0, got.Value.Capacity)
	assert.InDelta(t, 50, got.Value.SoC, 1e-9)
}

func TestDecodeAnalogValueTruncated(t *testing.T) {
	info := analogFixture(2)
	_, err := DecodeAnalogValue(info[:len(info)-1])
	require.Error(t, err)
	assert.True(t, errors.Is(err, frame.ErrTruncated))
}

func TestDecodeAlarmInfo(t *testing.T) {
	info := []byte{
		0x00, 0x02, // dataflag, command value
		0x02, StateNormal, StateAboveLimit,
		0x02, StateNormal, StateBelowLimit,
		StateAboveLimit, StateNormal, StateNormal,
		Status1ModuleUnderVoltage, 0x00, 0x00, 0x02, 0x00,
	}

	tests := []struct {
		name      string
		lowLimit  float64
		wantUnder bool
	}{
		{"bms above discharge limit", 0, false},
		{"bms below discharge limit", 30, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ai, err := DecodeAlarmInfo(info, 25, tt.lowLimit)
			require.NoError(t, err)

			assert.Equal(t, []byte{StateNormal, StateAboveLimit}, ai.CellStates)
			assert.True(t, ai.Warning.Has(battery.WarningHighVoltage))
			assert.True(t, ai.Warning.Has(battery.WarningLowTemperature))
			assert.True(t, ai.Warning.Has(battery.WarningHighCurrentCharge))
			assert.False(t, ai.Warning.Has(battery.WarningLowVoltage))

			assert.True(t, ai.Alarm.Has(battery.AlarmUnderVoltage))
			assert.True(t, ai.Alarm.Has(battery.AlarmOverVoltage), "cell error bit on an over limit cell")
			assert.False(t, ai.Alarm.Has(battery.AlarmOverCurrentCharge))
			assert.Equal(t, tt.wantUnder, ai.Alarm.Has(battery.AlarmUnderTemperature))
		})
	}
}

func TestDecodeChargeDischargeInfo(t *testing.T) {
	cd, err := DecodeChargeDischargeInfo([]byte{0x02, 0xCF, 0xD0, 0xAB, 0xE0, 0x03, 0xE8, 0xFC, 0x18, 0xC8})
	require.NoError(t, err)

	assert.Equal(t, battery.ChargeDischargeInfo{
		ChargeVoltageLimit:    53.2,
		DischargeVoltageLimit: 44,
		ChargeCurrentLimit:    100,
		DischargeCurrentLimit: -100,
		ChargeEnabled:         true,
		DischargeEnabled:      true,
		FullChargeRequest:     true,
	}, cd)
}

func TestDecodeSystemParameters(t *testing.T) {
	info := []byte{0x00,
		0x0E, 0x74, 0x0B, 0xEA, 0x0B, 0x54, 0x0C, 0x9F, 0x0A, 0xAB, 0x03, 0xFC,
		0xD2, 0xF0, 0xB3, 0xB0, 0xAD, 0xD4, 0x0D, 0x03, 0x0A, 0x47, 0x05, 0xDC,
	}
	p, err := DecodeSystemParameters(info)
	require.NoError(t, err)

	assert.Equal(t, 3.7, p.CellHighVoltageLimit)
	assert.Equal(t, 3.05, p.CellLowVoltageLimit)
	assert.Equal(t, 2.9, p.CellUnderVoltageLimit)
	assert.Equal(t, 50.0, p.ChargeHighTemperatureLimit)
	assert.Equal(t, 0.0, p.ChargeLowTemperatureLimit)
	assert.Equal(t, 102.0, p.ChargeCurrentLimit)
	assert.Equal(t, 54.0, p.ModuleHighVoltageLimit)
	assert.Equal(t, 46.0, p.ModuleLowVoltageLimit)
	assert.Equal(t, 44.5, p.ModuleUnderVoltageLimit)
	assert.Equal(t, 60.0, p.DischargeHighTemperatureLimit)
	assert.Equal(t, -10.0, p.DischargeLowTemperatureLimit)
	assert.Equal(t, 150.0, p.DischargeCurrentLimit)
}

func TestDecodeManufacturerInfo(t *testing.T) {
	info := append([]byte("US2000C\x00\x00\x00"), 0x01, 0x02)
	info = append(info, []byte("PYLON---------------")...)

	m, err := DecodeManufacturerInfo(info)
	require.NoError(t, err)
	assert.Equal(t, "US2000C", m.DeviceName)
	assert.Equal(t, "1.2", m.SoftwareVersion)
	assert.Equal(t, "PYLON", m.ManufacturerName)
}

func TestDecodeFirmwareAndSerial(t *testing.T) {
	mv, ml, err := DecodeFirmwareInfo([]byte{0x02, 0x01, 0x03, 0x02, 0x0A, 0x05})
	require.NoError(t, err)
	assert.Equal(t, "1.3", mv)
	assert.Equal(t, "2.10.5", ml)

	sn, err := DecodeSerialNumber(append([]byte{0x02}, []byte("PPTAP01234567890")...))
	require.NoError(t, err)
	assert.Equal(t, "PPTAP01234567890", sn)

	n, err := DecodePackCount([]byte{0x03})
	require.NoError(t, err)
	assert.Equal(t, uint8(3), n)
}

func TestDecodeProtocolVersion(t *testing.T) {
	assert.Equal(t, "3.5", DecodeProtocolVersion(&Response{Version: 0x35}))
}

func TestDecodePackCapacity(t *testing.T) {
	pc, err := DecodePackCapacity([]byte{0x03, 0xE8, 0x07, 0xD0, 0x07, 0xD0})
	require.NoError(t, err)
	assert.Equal(t, PackCapacity{Remaining: 100, Full: 200, Design: 200}, pc)
}
