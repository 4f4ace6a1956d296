package dalybms

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/resident-x/go-battery/internal/datapoint"
	"github.com/resident-x/go-battery/internal/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bmsAddress = 0x01

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	require.NoError(t, err)
	return b
}

func response(cmd Command, data ...byte) []byte {
	return Encode(bmsAddress, cmd, data)
}

// decode runs a full single-frame exchange.
func decode(t *testing.T, d *Decoder, cmd Command, data ...byte) *datapoint.Container {
	t.Helper()
	d.Expect(cmd)
	dp, done, err := d.Decode(response(cmd, data...), time.Unix(1, 0))
	require.NoError(t, err)
	require.True(t, done)
	return dp
}

func get[T datapoint.Value](t *testing.T, dp *datapoint.Container, l datapoint.Label[T]) T {
	t.Helper()
	v, ok := datapoint.Get(dp, l)
	require.True(t, ok, "missing %s", l.Name)
	return v
}

func TestRequestEncoding(t *testing.T) {
	assert.Equal(t, mustHex(t, "a5 40 90 08 00 00 00 00 00 00 00 00 7d"), Request(HostAddress, CmdBatteryLevel))
	assert.Equal(t,
		mustHex(t, "a5 01 90 08 02 10 00 00 75 a8 01 f4 62"),
		response(CmdBatteryLevel, 0x02, 0x10, 0x00, 0x00, 0x75, 0xA8, 0x01, 0xF4))
}

func TestRotations(t *testing.T) {
	require.Len(t, ParameterCommands, 17)
	require.Len(t, DataCommands, 9)
	assert.Equal(t, CmdRatedCapacityCellVoltage, ParameterCommands[0])
	assert.Equal(t, CmdBmsHardwareVersion, ParameterCommands[16])
	assert.Equal(t, CmdBatteryLevel, DataCommands[0])
	assert.Equal(t, CmdFailureCodes, DataCommands[8])
}

func TestDecodeMeasurements(t *testing.T) {
	d := NewDecoder()

	dp := decode(t, d, CmdBatteryLevel, 0x02, 0x10, 0x00, 0x00, 0x75, 0xA8, 0x01, 0xF4)
	assert.Equal(t, uint32(52800), get(t, dp, BatteryVoltageMilliVolt))
	assert.Equal(t, int32(12000), get(t, dp, BatteryCurrentMilliAmps))
	assert.Equal(t, uint16(500), get(t, dp, BatterySoCPermille))

	dp = decode(t, d, CmdBatteryLevel, 0x02, 0x10, 0x00, 0x00, 0x74, 0xE0, 0x01, 0xF4)
	assert.Equal(t, int32(-8000), get(t, dp, BatteryCurrentMilliAmps), "below the offset means discharging")

	dp = decode(t, d, CmdMinMaxVoltage, 0x0D, 0x05, 0x03, 0x0C, 0xF8, 0x01)
	assert.Equal(t, uint16(3333), get(t, dp, MaxCellMilliVolt))
	assert.Equal(t, uint8(3), get(t, dp, MaxCellNumber))
	assert.Equal(t, uint16(3320), get(t, dp, MinCellMilliVolt))
	assert.Equal(t, uint8(1), get(t, dp, MinCellNumber))

	dp = decode(t, d, CmdMinMaxTemperature, 0x41, 0x01, 0x27, 0x02)
	assert.Equal(t, int16(25), get(t, dp, MaxTemperatureCelsius))
	assert.Equal(t, int16(-1), get(t, dp, MinTemperatureCelsius))

	dp = decode(t, d, CmdMOS, 0x01, 0x01, 0x00, 0x2A, 0x00, 0x01, 0x86, 0xA0)
	assert.Equal(t, "Charge", get(t, dp, ChargeDischargeStatus))
	assert.True(t, get(t, dp, ChargingMOS))
	assert.False(t, get(t, dp, DischargingMOS))
	assert.Equal(t, uint8(42), get(t, dp, BmsHeartBeat))
	assert.Equal(t, uint32(100000), get(t, dp, RemainingCapacityMilliAmpHours))

	dp = decode(t, d, CmdStatus, 0x04, 0x02, 0x01, 0x00, 0x05, 0x00, 0x0C)
	assert.Equal(t, uint8(4), get(t, dp, CellCount))
	assert.True(t, get(t, dp, ChargerConnected))
	assert.False(t, get(t, dp, LoadConnected))
	assert.Equal(t, uint16(12), get(t, dp, BatteryCycles))
	assert.Equal(t, 4, d.Cells())

	dp = decode(t, d, CmdCellBalanceStates, 0x00, 0x00, 0x00, 0x00, 0x00, 0x04)
	assert.True(t, get(t, dp, CellBalanceActive))

	dp = decode(t, d, CmdFailureCodes, 0x00, 0x00, 0x40, 0x00, 0x00, 0x08, 0x00, 0x07)
	f := UnpackFailures(get(t, dp, FailureLevelBits), get(t, dp, FailureHardwareBits))
	assert.Equal(t, []string{"SOC low level 1", "EEPROM error"}, f.Names())
	assert.Equal(t, uint8(7), get(t, dp, FaultCode))
}

func TestDecodeParameters(t *testing.T) {
	d := NewDecoder()

	dp := decode(t, d, CmdRatedCapacityCellVoltage, 0x00, 0x01, 0x86, 0xA0, 0x00, 0x00, 0x0C, 0xE4)
	assert.Equal(t, uint32(100000), get(t, dp, RatedCapacityMilliAmpHours))
	assert.Equal(t, uint16(3300), get(t, dp, NominalCellVoltageMilliVolt))

	dp = decode(t, d, CmdMinMaxPackVoltage, 0x02, 0x3A, 0x02, 0x44, 0x01, 0xC2, 0x01, 0xB8)
	assert.Equal(t, uint16(570), get(t, dp, MaxPackVoltageLevel1DeciVolt))
	assert.Equal(t, uint16(440), get(t, dp, MinPackVoltageLevel2DeciVolt))

	// 30000 + 1000 and 30000 - 1500 in 0.1 A
	dp = decode(t, d, CmdMaxPackDischargeChargeCurrent, 0x79, 0x18, 0x79, 0x18, 0x6F, 0x54, 0x6F, 0x54)
	assert.Equal(t, uint16(1000), get(t, dp, MaxChargeCurrentLevel1DeciAmps))
	assert.Equal(t, uint16(1500), get(t, dp, MaxDischargeCurrentLevel2DeciAmps))

	dp = decode(t, d, CmdBatteryTypeInfo, 0x00)
	assert.Equal(t, "LFP", get(t, dp, BatteryType))

	dp = decode(t, d, CmdRTC, 24, 6, 15, 12, 30, 5)
	assert.Equal(t, "2024-06-15 12:30:05", get(t, dp, RealTimeClock))
}

func TestDecodeCellVoltagesAcrossFrames(t *testing.T) {
	d := NewDecoder()
	decode(t, d, CmdStatus, 0x04, 0x02, 0x00, 0x00, 0x00, 0x00, 0x01)

	require.Equal(t, 2, d.Expect(CmdCellVoltages))
	dp, done, err := d.Decode(response(CmdCellVoltages, 0x01, 0x0C, 0xE4, 0x0C, 0xEE, 0x0C, 0xDA), time.Unix(1, 0))
	require.NoError(t, err)
	assert.False(t, done)
	assert.Nil(t, dp)

	// a repeated frame index is rejected
	_, _, err = d.Decode(response(CmdCellVoltages, 0x01, 0x0C, 0xE4, 0x0C, 0xEE, 0x0C, 0xDA), time.Unix(1, 0))
	assert.ErrorIs(t, err, frame.ErrFraming)

	dp, done, err = d.Decode(response(CmdCellVoltages, 0x02, 0x0C, 0xE9, 0x0C, 0xFF, 0x0C, 0xFF), time.Unix(1, 0))
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, datapoint.CellVoltages{1: 3300, 2: 3310, 3: 3290, 4: 3305}, get(t, dp, CellsMilliVolt))

	require.Equal(t, 1, d.Expect(CmdTemperatures))
	dp, done, err = d.Decode(response(CmdTemperatures, 0x01, 0x41, 0x3F, 0x50), time.Unix(1, 0))
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, "1:25 2:23", get(t, dp, CellTemperatures))
}

func TestDecodeTextAcrossFrames(t *testing.T) {
	d := NewDecoder()
	require.Equal(t, 2, d.Expect(CmdBmsSoftwareVersion))

	_, done, err := d.Decode(response(CmdBmsSoftwareVersion, 0x02, 'A', 'B', 'C'), time.Unix(1, 0))
	require.NoError(t, err)
	assert.False(t, done)

	dp, done, err := d.Decode(response(CmdBmsSoftwareVersion, 0x01, '2', '0', '2', '1', '0', '8', '-'), time.Unix(1, 0))
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, "202108-ABC", get(t, dp, BmsSoftwareVersion))
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name   string
		expect bool
		raw    []byte
		target error
	}{
		{"unsolicited", false, response(CmdBatteryLevel), ErrUnsolicited},
		{"sleeping", true, Encode(0x20, CmdBatteryLevel, nil), ErrSleeping},
		{"zero checksum", true, response(CmdBatteryLevel, 0xC2), frame.ErrNoData},
		{"truncated", true, response(CmdBatteryLevel)[:12], frame.ErrTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDecoder()
			if tt.expect {
				d.Expect(CmdBatteryLevel)
			}
			_, done, err := d.Decode(tt.raw, time.Unix(1, 0))
			assert.ErrorIs(t, err, tt.target)
			assert.False(t, done)
		})
	}

	t.Run("implausible cell count", func(t *testing.T) {
		d := NewDecoder()
		d.Expect(CmdStatus)
		_, _, err := d.Decode(response(CmdStatus, 49, 1), time.Unix(1, 0))
		assert.Error(t, err)
		assert.Zero(t, d.Cells())
	})
}

func TestFramerResynchronizes(t *testing.T) {
	good := response(CmdBatteryLevel, 0x02, 0x10, 0x00, 0x00, 0x75, 0xA8, 0x01, 0xF4)
	stream := append([]byte{0x00, 0xFF}, 0xA5, bmsAddress, byte(CmdBatteryLevel))
	stream = append(stream, good...)

	f := NewFramer()
	var frames [][]byte
	var framing, checksums int
	for _, b := range stream {
		out, err := f.Feed(b)
		switch {
		case errors.Is(err, frame.ErrChecksum):
			checksums++
		case errors.Is(err, frame.ErrFraming):
			framing++
		case out != nil:
			frames = append(frames, out)
		}
	}

	assert.Equal(t, 2, framing, "noise before the first start byte")
	assert.Equal(t, 1, checksums)
	require.Len(t, frames, 1)
	assert.Equal(t, good, frames[0])
	assert.True(t, f.Idle())
}

func TestFailureNames(t *testing.T) {
	f := Failures{0x03, 0, 0, 0x10, 0, 0, 0x04}
	assert.Equal(t, []string{
		"Cell voltage high level 1",
		"Cell voltage high level 2",
		"Reserved 3.4",
		"Short circuit protect fault",
	}, f.Names())
	assert.Equal(t, f, UnpackFailures(f.Pack()))
}
