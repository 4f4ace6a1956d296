// Package jbdbms implements the JBD ("Xiaoxiang") BMS serial protocol.
package jbdbms

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/resident-x/go-battery/internal/checksum"
	"github.com/resident-x/go-battery/internal/cursor"
	"github.com/resident-x/go-battery/internal/datapoint"
	"github.com/resident-x/go-battery/internal/frame"
)

const (
	startMarker byte = 0xDD
	endMarker   byte = 0x77

	// MaxFrameLength covers the largest possible data length plus envelope.
	MaxFrameLength = 255 + 7
)

// Status is the second byte of a request.
type Status byte

const (
	StatusRead  Status = 0xA5
	StatusWrite Status = 0x5A
)

// Command is the register a request addresses.
type Command byte

const (
	CmdInit                      Command = 0x00
	CmdReadBasicInformation      Command = 0x03
	CmdReadCellVoltages          Command = 0x04
	CmdReadHardwareVersionNumber Command = 0x05
)

func (c Command) String() string {
	switch c {
	case CmdInit:
		return "Init"
	case CmdReadBasicInformation:
		return "ReadBasicInformation"
	case CmdReadCellVoltages:
		return "ReadCellVoltages"
	case CmdReadHardwareVersionNumber:
		return "ReadHardwareVersionNumber"
	}
	return fmt.Sprintf("0x%02X", byte(c))
}

// Next returns the command that follows c in the polling cycle. The hardware
// version is read once, then basic information and cell voltages alternate.
func (c Command) Next() Command {
	switch c {
	case CmdInit:
		return CmdReadHardwareVersionNumber
	case CmdReadBasicInformation:
		return CmdReadCellVoltages
	default:
		return CmdReadBasicInformation
	}
}

// Encode builds a request frame.
func Encode(status Status, cmd Command, data []byte) []byte {
	raw := make([]byte, 0, len(data)+7)
	raw = append(raw, startMarker, byte(status), byte(cmd), byte(len(data)))
	raw = append(raw, data...)
	raw = binary.BigEndian.AppendUint16(raw, checksum.JBD(raw[2:]))
	return append(raw, endMarker)
}

// Read builds a read request for cmd.
func Read(cmd Command) []byte { return Encode(StatusRead, cmd, nil) }

type readState int

const (
	stateIdle readState = iota
	stateWaitingForFrameStart
	stateFrameStartReceived
	stateStateReceived
	stateCommandCodeReceived
	stateReadingDataContent
	stateDataContentReceived
	stateReadingChecksum
	stateChecksumReceived
)

var stateNames = [...]string{
	"Idle", "WaitingForFrameStart", "FrameStartReceived", "StateReceived",
	"CommandCodeReceived", "ReadingDataContent", "DataContentReceived",
	"ReadingCheckSum", "CheckSumReceived",
}

func (s readState) String() string { return stateNames[s] }

// Framer walks through one state per envelope field.
type Framer struct {
	buf       *frame.Buffer
	state     readState
	remaining int
}

func NewFramer() *Framer {
	return &Framer{buf: frame.NewBuffer(MaxFrameLength)}
}

// Arm marks that a request went out and a response is expected.
func (f *Framer) Arm() {
	f.Reset()
	f.state = stateWaitingForFrameStart
}

func (f *Framer) Feed(b byte) ([]byte, error) {
	if err := f.buf.Append(b); err != nil {
		f.Reset()
		return nil, err
	}

	switch f.state {
	case stateIdle, stateWaitingForFrameStart:
		if b == startMarker {
			f.state = stateFrameStartReceived
			return nil, nil
		}
	case stateFrameStartReceived:
		f.state = stateStateReceived
		return nil, nil
	case stateStateReceived:
		f.state = stateCommandCodeReceived
		return nil, nil
	case stateCommandCodeReceived:
		f.remaining = int(b)
		if f.remaining == 0 {
			f.state = stateDataContentReceived
		} else {
			f.state = stateReadingDataContent
		}
		return nil, nil
	case stateReadingDataContent:
		f.remaining--
		if f.remaining == 0 {
			f.state = stateDataContentReceived
		}
		return nil, nil
	case stateDataContentReceived:
		f.state = stateReadingChecksum
		return nil, nil
	case stateReadingChecksum:
		f.state = stateChecksumReceived
		return nil, nil
	case stateChecksumReceived:
		if b == endMarker {
			out := f.buf.Bytes()
			f.Reset()
			return out, nil
		}
	}

	state := f.state
	f.Reset()
	return nil, frame.Unexpected(state.String(), b)
}

func (f *Framer) Reset() {
	f.buf.Reset()
	f.state = stateIdle
	f.remaining = 0
}

func (f *Framer) Idle() bool { return f.state == stateIdle }

// Response is a validated answer.
type Response struct {
	Command Command
	Status  byte
	Data    []byte
}

// ParseResponse validates the envelope of a complete frame.
func ParseResponse(raw []byte) (*Response, error) {
	if len(raw) < 7 {
		return nil, fmt.Errorf("%w: %d bytes", frame.ErrTruncated, len(raw))
	}
	if raw[0] != startMarker || raw[len(raw)-1] != endMarker {
		return nil, fmt.Errorf("%w: bad frame markers", frame.ErrFraming)
	}
	n := int(raw[3])
	if len(raw) != n+7 {
		return nil, fmt.Errorf("%w: data length %d in %d byte frame", frame.ErrFraming, n, len(raw))
	}
	want := checksum.JBD(raw[2 : 4+n])
	if got := binary.BigEndian.Uint16(raw[4+n:]); got != want {
		return nil, frame.Mismatch(uint32(want), uint32(got))
	}
	if raw[2] != 0x00 {
		return nil, fmt.Errorf("BMS reported error status 0x%02X for %s", raw[2], Command(raw[1]))
	}
	return &Response{Command: Command(raw[1]), Status: raw[2], Data: raw[4 : 4+n]}, nil
}

// Decode validates raw and extracts its data points.
func Decode(raw []byte, ts time.Time) (*datapoint.Container, Command, error) {
	resp, err := ParseResponse(raw)
	if err != nil {
		return nil, 0, err
	}

	dp := datapoint.NewContainer()
	r := cursor.NewReader(resp.Data)

	switch resp.Command {
	case CmdReadBasicInformation:
		decodeBasicInformation(dp, r, ts)
	case CmdReadCellVoltages:
		cells := make(datapoint.CellVoltages, len(resp.Data)/2)
		for i := 1; r.Remaining() >= 2; i++ {
			cells[i] = r.U16BE()
		}
		datapoint.Add(dp, CellsMilliVolt, cells, ts)
	case CmdReadHardwareVersionNumber:
		datapoint.Add(dp, BmsHardwareVersion, r.String(len(resp.Data)), ts)
	default:
		return nil, resp.Command, fmt.Errorf("%w: unexpected command %s", frame.ErrFraming, resp.Command)
	}

	if err := r.Err(); err != nil {
		return nil, resp.Command, err
	}
	return dp, resp.Command, nil
}

func decodeBasicInformation(dp *datapoint.Container, r *cursor.Reader, ts time.Time) {
	datapoint.Add(dp, BatteryVoltageMilliVolt, uint32(r.U16BE())*10, ts)
	datapoint.Add(dp, BatteryCurrentMilliAmps, int32(r.I16BE())*10, ts)
	// capacities in 10 mAh
	datapoint.Add(dp, ActualBatteryCapacityAmpHours, uint32(r.U16BE())/100, ts)
	datapoint.Add(dp, BatteryCapacitySettingAmpHours, uint32(r.U16BE())/100, ts)
	datapoint.Add(dp, BatteryCycles, r.U16BE(), ts)

	date := r.U16BE()
	datapoint.Add(dp, DateOfManufacturing,
		fmt.Sprintf("%04d-%02d-%02d", 2000+int(date>>9), (date>>5)&0x0F, date&0x1F), ts)

	balanceLow, balanceHigh := r.U16BE(), r.U16BE()
	datapoint.Add(dp, BalancingEnabled, balanceLow|balanceHigh != 0, ts)
	datapoint.Add(dp, AlarmsBitmask, r.U16BE(), ts)

	sw := r.U8()
	datapoint.Add(dp, BmsSoftwareVersion, fmt.Sprintf("%d.%d", sw>>4, sw&0x0F), ts)
	datapoint.Add(dp, BatterySoCPercent, r.U8(), ts)

	fet := r.U8()
	datapoint.Add(dp, BatteryChargeEnabled, fet&0x01 != 0, ts)
	datapoint.Add(dp, BatteryDischargeEnabled, fet&0x02 != 0, ts)
	datapoint.Add(dp, BatteryCellAmount, uint16(r.U8()), ts)

	sensors := r.U8()
	datapoint.Add(dp, BatteryTemperatureSensorAmount, sensors, ts)
	// temperatures in 0.1 K
	labels := []datapoint.Label[int16]{BatteryTempOneCelsius, BatteryTempTwoCelsius}
	for i := 0; i < int(sensors) && r.Remaining() >= 2; i++ {
		c := (int16(r.U16BE()) - 2731) / 10
		if i < len(labels) {
			datapoint.Add(dp, labels[i], c, ts)
		}
	}
}
