// Package jkbms implements the JK BMS serial protocol: a single "read all"
// request answered by one frame of id-tagged fields.
package jkbms

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/resident-x/go-battery/internal/checksum"
	"github.com/resident-x/go-battery/internal/cursor"
	"github.com/resident-x/go-battery/internal/datapoint"
	"github.com/resident-x/go-battery/internal/frame"
)

const (
	startMarker     uint16 = 0x4E57
	startMarkerHigh byte   = 0x4E
	startMarkerLow  byte   = 0x57
	endMarker       byte   = 0x68

	// CommandReadAll asks the BMS for every field it knows.
	CommandReadAll byte = 0x06

	frameSourcePC byte = 0x03

	// header: marker, length, terminal number, command, source, type
	headerLength = 11
	// trailer: record number, end marker, checksum
	trailerLength = 9

	// MaxFrameLength bounds the receive buffer.
	MaxFrameLength = 1024
)

// ErrUnknownField reports a field id without a known size. Decoding stops there.
var ErrUnknownField = errors.New("unknown field id")

// Command builds a request frame for cmd.
func Command(cmd byte) []byte {
	raw := make([]byte, headerLength+1+trailerLength)
	binary.BigEndian.PutUint16(raw[0:], startMarker)
	binary.BigEndian.PutUint16(raw[2:], uint16(len(raw)-2))
	raw[8] = cmd
	raw[9] = frameSourcePC
	raw[len(raw)-5] = endMarker
	binary.BigEndian.PutUint16(raw[len(raw)-2:], checksum.Sum16(raw[:len(raw)-4]))
	return raw
}

// ReadAll is the only request the controller sends.
func ReadAll() []byte { return Command(CommandReadAll) }

type readState int

const (
	stateIdle readState = iota
	stateWaitingForFrameStart
	stateFrameStartReceived
	stateStartMarkerReceived
	stateFrameLengthMsbReceived
	stateReadingFrame
)

func (s readState) String() string {
	switch s {
	case stateIdle:
		return "Idle"
	case stateWaitingForFrameStart:
		return "WaitingForFrameStart"
	case stateFrameStartReceived:
		return "FrameStartReceived"
	case stateStartMarkerReceived:
		return "StartMarkerReceived"
	case stateFrameLengthMsbReceived:
		return "FrameLengthMsbReceived"
	case stateReadingFrame:
		return "ReadingFrame"
	}
	return "unknown"
}

// Framer assembles frames from the marker and the length field. It does not
// check the checksum; Decode does.
type Framer struct {
	buf       *frame.Buffer
	state     readState
	remaining int
}

// NewFramer creates an idle framer.
func NewFramer() *Framer {
	return &Framer{buf: frame.NewBuffer(MaxFrameLength)}
}

// Arm marks that a request went out and a response is expected.
func (f *Framer) Arm() {
	f.Reset()
	f.state = stateWaitingForFrameStart
}

// Feed consumes one byte.
func (f *Framer) Feed(b byte) ([]byte, error) {
	if err := f.buf.Append(b); err != nil {
		f.Reset()
		return nil, err
	}

	switch f.state {
	case stateIdle, stateWaitingForFrameStart:
		// the BMS may also send unsolicited frames
		if b == startMarkerHigh {
			f.state = stateFrameStartReceived
			return nil, nil
		}
	case stateFrameStartReceived:
		if b == startMarkerLow {
			f.state = stateStartMarkerReceived
			return nil, nil
		}
	case stateStartMarkerReceived:
		f.remaining = int(b) << 8
		f.state = stateFrameLengthMsbReceived
		return nil, nil
	case stateFrameLengthMsbReceived:
		f.remaining |= int(b)
		// the length field counts itself
		f.remaining -= 2
		if f.remaining <= 0 || f.remaining+4 > MaxFrameLength {
			err := fmt.Errorf("%w: implausible frame length %d", frame.ErrFraming, f.remaining+2)
			f.Reset()
			return nil, err
		}
		f.state = stateReadingFrame
		return nil, nil
	case stateReadingFrame:
		f.remaining--
		if f.remaining > 0 {
			return nil, nil
		}
		out := f.buf.Bytes()
		f.Reset()
		return out, nil
	}

	state := f.state
	f.Reset()
	// the offending byte may itself open the next frame
	if b == startMarkerHigh {
		_ = f.buf.Append(b)
		f.state = stateFrameStartReceived
	}
	return nil, frame.Unexpected(state.String(), b)
}

// Reset drops any partial frame.
func (f *Framer) Reset() {
	f.buf.Reset()
	f.state = stateIdle
	f.remaining = 0
}

// Idle reports whether the framer neither expects nor reads a frame.
func (f *Framer) Idle() bool { return f.state == stateIdle }

// Validate checks markers, length, command and checksum of a complete frame.
func Validate(raw []byte) error {
	if len(raw) < headerLength+trailerLength {
		return fmt.Errorf("%w: %d bytes", frame.ErrTruncated, len(raw))
	}
	if binary.BigEndian.Uint16(raw) != startMarker {
		return fmt.Errorf("%w: bad start marker 0x%04X", frame.ErrFraming, binary.BigEndian.Uint16(raw))
	}
	if n := int(binary.BigEndian.Uint16(raw[2:])); n != len(raw)-2 {
		return fmt.Errorf("%w: length field %d for %d bytes", frame.ErrFraming, n, len(raw))
	}
	if raw[len(raw)-5] != endMarker {
		return fmt.Errorf("%w: bad end marker 0x%02X", frame.ErrFraming, raw[len(raw)-5])
	}
	want := checksum.Sum16(raw[:len(raw)-4])
	if got := binary.BigEndian.Uint16(raw[len(raw)-2:]); got != want {
		return frame.Mismatch(uint32(want), uint32(got))
	}
	if raw[8] != CommandReadAll {
		return fmt.Errorf("%w: unexpected command 0x%02X", frame.ErrFraming, raw[8])
	}
	return nil
}

// temperature decodes the JK encoding where values above 100 are negative.
func temperature(raw uint16) int16 {
	if raw <= 100 {
		return int16(raw)
	}
	return -int16(raw - 100)
}

// current decodes field 0x84. Protocol version 0 uses an offset of 10000,
// later versions a direction bit where set means charging.
func current(raw uint16, protocolVersion uint8) int32 {
	if protocolVersion == 0x00 {
		return (int32(raw) - 10000) * 10
	}
	v := int32(raw&0x7FFF) * 10
	if raw&0x8000 == 0 {
		v = -v
	}
	return v
}

// Decode validates raw and extracts its data points. protocolVersion is the
// last version the BMS reported, or 0xFF when not yet known.
//
// On ErrUnknownField the fields decoded so far are returned alongside the error.
func Decode(raw []byte, protocolVersion uint8, ts time.Time) (*datapoint.Container, error) {
	if err := Validate(raw); err != nil {
		return nil, err
	}

	dp := datapoint.NewContainer()
	r := cursor.NewReader(raw[headerLength : len(raw)-trailerLength])

	u16 := func(l datapoint.Label[uint16]) { datapoint.Add(dp, l, r.U16BE(), ts) }
	u32 := func(l datapoint.Label[uint32]) { datapoint.Add(dp, l, r.U32BE(), ts) }
	u8 := func(l datapoint.Label[uint8]) { datapoint.Add(dp, l, r.U8(), ts) }
	flag := func(l datapoint.Label[bool]) { datapoint.Add(dp, l, r.U8() != 0, ts) }
	i16 := func(l datapoint.Label[int16]) { datapoint.Add(dp, l, r.I16BE(), ts) }
	temp := func(l datapoint.Label[int16]) { datapoint.Add(dp, l, temperature(r.U16BE()), ts) }
	str := func(l datapoint.Label[string], n int) { datapoint.Add(dp, l, r.String(n), ts) }

	for r.Remaining() > 0 && r.Err() == nil {
		id := r.U8()
		switch id {
		case 0x79:
			n := int(r.U8()) / 3
			cells := make(datapoint.CellVoltages, n)
			for i := 0; i < n; i++ {
				idx := r.U8()
				cells[int(idx)] = r.U16BE()
			}
			datapoint.Add(dp, CellsMilliVolt, cells, ts)
		case 0x80:
			temp(BmsTempCelsius)
		case 0x81:
			temp(BatteryTempOneCelsius)
		case 0x82:
			temp(BatteryTempTwoCelsius)
		case 0x83:
			datapoint.Add(dp, BatteryVoltageMilliVolt, uint32(r.U16BE())*10, ts)
		case 0x84:
			datapoint.Add(dp, BatteryCurrentMilliAmps, current(r.U16BE(), protocolVersion), ts)
		case 0x85:
			u8(BatterySoCPercent)
		case 0x86:
			u8(BatteryTemperatureSensorAmount)
		case 0x87:
			u16(BatteryCycles)
		case 0x89:
			u32(BatteryCycleCapacity)
		case 0x8A:
			u16(BatteryCellAmount)
		case 0x8B:
			u16(AlarmsBitmask)
		case 0x8C:
			u16(StatusBitmask)
		case 0x8E:
			datapoint.Add(dp, TotalOvervoltageThresholdMilliV, uint32(r.U16BE())*10, ts)
		case 0x8F:
			datapoint.Add(dp, TotalUndervoltageThresholdMilliV, uint32(r.U16BE())*10, ts)
		case 0x90:
			u16(CellOvervoltageThresholdMilliV)
		case 0x91:
			u16(CellOvervoltageRecoveryMilliV)
		case 0x92:
			u16(CellOvervoltageDelaySeconds)
		case 0x93:
			u16(CellUndervoltageThresholdMilliV)
		case 0x94:
			u16(CellUndervoltageRecoveryMilliV)
		case 0x95:
			u16(CellUndervoltageDelaySeconds)
		case 0x96:
			u16(CellVoltageDiffThresholdMilliV)
		case 0x97:
			u16(DischargeOvercurrentThresholdA)
		case 0x98:
			u16(DischargeOvercurrentDelaySeconds)
		case 0x99:
			u16(ChargeOvercurrentThresholdA)
		case 0x9A:
			u16(ChargeOvercurrentDelaySeconds)
		case 0x9B:
			u16(BalanceCellVoltageThresholdMilliV)
		case 0x9C:
			u16(BalanceVoltageDiffThresholdMilliV)
		case 0x9D:
			flag(BalancingEnabled)
		case 0x9E:
			u16(BmsTempProtectionThreshold)
		case 0x9F:
			u16(BmsTempRecoveryThreshold)
		case 0xA0:
			u16(BatteryTempProtectionThreshold)
		case 0xA1:
			u16(BatteryTempRecoveryThreshold)
		case 0xA2:
			u16(BatteryTempDiffThreshold)
		case 0xA3:
			u16(ChargeHighTempThreshold)
		case 0xA4:
			u16(DischargeHighTempThreshold)
		case 0xA5:
			i16(ChargeLowTempProtection)
		case 0xA6:
			i16(ChargeLowTempRecovery)
		case 0xA7:
			i16(DischargeLowTempProtection)
		case 0xA8:
			i16(DischargeLowTempRecovery)
		case 0xA9:
			u8(CellAmountSetting)
		case 0xAA:
			u32(BatteryCapacitySettingAmpHours)
		case 0xAB:
			flag(BatteryChargeEnabled)
		case 0xAC:
			flag(BatteryDischargeEnabled)
		case 0xAD:
			u16(CurrentCalibrationMilliAmps)
		case 0xAE:
			u8(BmsAddress)
		case 0xAF:
			u8(BatteryType)
		case 0xB0:
			u16(SleepWaitTime)
		case 0xB1:
			u8(LowCapacityAlarmThreshold)
		case 0xB2:
			str(ModificationPassword, 10)
		case 0xB3:
			flag(DedicatedChargerSwitch)
		case 0xB4:
			str(EquipmentID, 8)
		case 0xB5:
			str(DateOfManufacturing, 4)
		case 0xB6:
			u32(BmsHourMeterMinutes)
		case 0xB7:
			str(BmsSoftwareVersion, 15)
		case 0xB8:
			flag(CurrentCalibration)
		case 0xB9:
			u32(ActualBatteryCapacityAmpHours)
		case 0xBA:
			str(ProductID, 24)
		case 0xC0:
			u8(ProtocolVersion)
		default:
			return dp, fmt.Errorf("%w: 0x%02X", ErrUnknownField, id)
		}
	}

	if err := r.Err(); err != nil {
		return dp, err
	}
	return dp, nil
}

// SplitVersion splits the software version field, e.g. "11.XW_S11.262H_",
// into hardware "11.XW" and software "11.262H" versions.
func SplitVersion(raw string) (hw, sw string) {
	first := strings.IndexByte(raw, '_')
	if first < 0 {
		return "", raw
	}
	hw = raw[:first]
	rest := strings.TrimPrefix(raw[first+1:], "S")
	if second := strings.IndexByte(rest, '_'); second >= 0 {
		rest = rest[:second]
	}
	return hw, rest
}

// Manufacturer extracts the BMS name from the product id. The first twelve
// bytes are user data; a "JK" prefix marks the model name when present.
func Manufacturer(productID string) string {
	if i := strings.LastIndex(productID, "JK"); i >= 0 {
		return productID[i:]
	}
	if len(productID) > 12 {
		return strings.Trim(productID[12:], "\x00")
	}
	return ""
}
