// Package dalybms implements the Daly BMS UART protocol: fixed 13 byte frames
// anchored on 0xA5, one request per register and multi-frame responses for
// cell voltages, temperatures and text registers.
package dalybms

import (
	"bytes"
	"errors"
	"fmt"
	"math/bits"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/resident-x/go-battery/internal/checksum"
	"github.com/resident-x/go-battery/internal/cursor"
	"github.com/resident-x/go-battery/internal/datapoint"
	"github.com/resident-x/go-battery/internal/frame"
)

const (
	startByte byte = 0xA5

	// HostAddress is the address requests are sent from unless configured otherwise.
	HostAddress byte = 0x40

	// FrameLength is the size of every request and response frame.
	FrameLength = 13
	dataLength  = 8

	temperatureOffset = 40
	currentOffset     = 30000

	// responses from a sleeping BMS carry an address at or above this value
	sleepAddress = 0x20

	cellsPerFrame   = 3
	sensorsPerFrame = 7

	minCells   = 1
	maxCells   = 48
	minSensors = 1
	maxSensors = 16
)

var (
	// ErrSleeping reports a response sent while the BMS is asleep.
	ErrSleeping = errors.New("BMS sleeping")
	// ErrUnsolicited reports a response nobody asked for.
	ErrUnsolicited = errors.New("unsolicited response")
)

// Command is the register a request reads.
type Command byte

const (
	CmdRatedCapacityCellVoltage      Command = 0x50
	CmdAcquisitionBoardInfo          Command = 0x51
	CmdCumulativeCapacity            Command = 0x52
	CmdBatteryTypeInfo               Command = 0x53
	CmdFirmwareIndex                 Command = 0x54
	CmdIP                            Command = 0x56
	CmdBatteryCode                   Command = 0x57
	CmdMinMaxCellVoltage             Command = 0x59
	CmdMinMaxPackVoltage             Command = 0x5A
	CmdMaxPackDischargeChargeCurrent Command = 0x5B
	CmdMinMaxSoCLimit                Command = 0x5D
	CmdVoltageTemperatureDifference  Command = 0x5E
	CmdBalanceStartDiffVoltage       Command = 0x5F
	CmdShortCurrentResistance        Command = 0x60
	CmdRTC                           Command = 0x61
	CmdBmsSoftwareVersion            Command = 0x62
	CmdBmsHardwareVersion            Command = 0x63
	CmdBatteryLevel                  Command = 0x90
	CmdMinMaxVoltage                 Command = 0x91
	CmdMinMaxTemperature             Command = 0x92
	CmdMOS                           Command = 0x93
	CmdStatus                        Command = 0x94
	CmdCellVoltages                  Command = 0x95
	CmdTemperatures                  Command = 0x96
	CmdCellBalanceStates             Command = 0x97
	CmdFailureCodes                  Command = 0x98
)

var commandNames = map[Command]string{
	CmdRatedCapacityCellVoltage:      "RatedCapacityCellVoltage",
	CmdAcquisitionBoardInfo:          "AcquisitionBoardInfo",
	CmdCumulativeCapacity:            "CumulativeCapacity",
	CmdBatteryTypeInfo:               "BatteryTypeInfo",
	CmdFirmwareIndex:                 "FirmwareIndex",
	CmdIP:                            "IP",
	CmdBatteryCode:                   "BatteryCode",
	CmdMinMaxCellVoltage:             "MinMaxCellVoltage",
	CmdMinMaxPackVoltage:             "MinMaxPackVoltage",
	CmdMaxPackDischargeChargeCurrent: "MaxPackDischargeChargeCurrent",
	CmdMinMaxSoCLimit:                "MinMaxSoCLimit",
	CmdVoltageTemperatureDifference:  "VoltageTemperatureDifference",
	CmdBalanceStartDiffVoltage:       "BalanceStartDiffVoltage",
	CmdShortCurrentResistance:        "ShortCurrentResistance",
	CmdRTC:                           "RTC",
	CmdBmsSoftwareVersion:            "BmsSoftwareVersion",
	CmdBmsHardwareVersion:            "BmsHardwareVersion",
	CmdBatteryLevel:                  "BatteryLevel",
	CmdMinMaxVoltage:                 "MinMaxVoltage",
	CmdMinMaxTemperature:             "MinMaxTemperature",
	CmdMOS:                           "MOS",
	CmdStatus:                        "Status",
	CmdCellVoltages:                  "CellVoltages",
	CmdTemperatures:                  "Temperatures",
	CmdCellBalanceStates:             "CellBalanceStates",
	CmdFailureCodes:                  "FailureCodes",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", byte(c))
}

// ParameterCommands are read once after startup.
var ParameterCommands = []Command{
	CmdRatedCapacityCellVoltage,
	CmdAcquisitionBoardInfo,
	CmdCumulativeCapacity,
	CmdBatteryTypeInfo,
	CmdFirmwareIndex,
	CmdIP,
	CmdBatteryCode,
	CmdMinMaxCellVoltage,
	CmdMinMaxPackVoltage,
	CmdMaxPackDischargeChargeCurrent,
	CmdMinMaxSoCLimit,
	CmdVoltageTemperatureDifference,
	CmdBalanceStartDiffVoltage,
	CmdShortCurrentResistance,
	CmdRTC,
	CmdBmsSoftwareVersion,
	CmdBmsHardwareVersion,
}

// DataCommands are read once per poll interval.
var DataCommands = []Command{
	CmdBatteryLevel,
	CmdMinMaxVoltage,
	CmdMinMaxTemperature,
	CmdMOS,
	CmdStatus,
	CmdCellVoltages,
	CmdTemperatures,
	CmdCellBalanceStates,
	CmdFailureCodes,
}

// textFrames is the number of frames a text register spans. Each frame
// carries its 1-based index followed by seven characters.
var textFrames = map[Command]int{
	CmdIP:                 2,
	CmdBatteryCode:        5,
	CmdBmsSoftwareVersion: 2,
	CmdBmsHardwareVersion: 2,
}

var batteryTypes = map[uint8]string{0: "LFP", 1: "NMC", 2: "LTO"}

var chargeDischargeStates = map[uint8]string{0: "Stationary", 1: "Charge", 2: "Discharge"}

// Encode builds a frame. data is zero padded to eight bytes.
func Encode(address byte, cmd Command, data []byte) []byte {
	raw := make([]byte, FrameLength)
	raw[0], raw[1], raw[2], raw[3] = startByte, address, byte(cmd), dataLength
	copy(raw[4:FrameLength-1], data)
	raw[FrameLength-1] = checksum.Sum8(raw[:FrameLength-1])
	return raw
}

// Request builds a read request for cmd.
func Request(address byte, cmd Command) []byte { return Encode(address, cmd, nil) }

// Framer cuts the byte stream into 13 byte frames starting with 0xA5.
type Framer struct {
	buf [FrameLength]byte
	n   int
}

func NewFramer() *Framer { return &Framer{} }

// Feed adds b and returns a frame once thirteen bytes with a valid checksum
// are buffered. After a mismatch the buffer is rescanned for the next start
// byte so a frame beginning inside the discarded bytes is kept.
func (f *Framer) Feed(b byte) ([]byte, error) {
	if f.n == 0 && b != startByte {
		return nil, frame.Unexpected("WaitingForStartByte", b)
	}
	f.buf[f.n] = b
	f.n++
	if f.n < FrameLength {
		return nil, nil
	}

	want, got := checksum.Sum8(f.buf[:FrameLength-1]), f.buf[FrameLength-1]
	if want != got {
		f.resync()
		return nil, frame.Mismatch(uint32(want), uint32(got))
	}
	out := make([]byte, FrameLength)
	copy(out, f.buf[:])
	f.n = 0
	return out, nil
}

func (f *Framer) resync() {
	next := bytes.IndexByte(f.buf[1:f.n], startByte)
	if next < 0 {
		f.n = 0
		return
	}
	f.n = copy(f.buf[:], f.buf[next+1:f.n])
}

func (f *Framer) Reset() { f.n = 0 }

func (f *Framer) Idle() bool { return f.n == 0 }

// Frame is a validated response frame.
type Frame struct {
	Address byte
	Command Command
	Data    []byte
}

// ParseFrame validates the envelope of raw. A zero checksum means the BMS
// sent nothing useful and yields frame.ErrNoData.
func ParseFrame(raw []byte) (*Frame, error) {
	if len(raw) != FrameLength {
		return nil, fmt.Errorf("%w: %d bytes", frame.ErrTruncated, len(raw))
	}
	if raw[0] != startByte {
		return nil, frame.Unexpected("StartByte", raw[0])
	}
	sum := checksum.Sum8(raw[:FrameLength-1])
	if sum != raw[FrameLength-1] {
		return nil, frame.Mismatch(uint32(sum), uint32(raw[FrameLength-1]))
	}
	if sum == 0 {
		return nil, frame.ErrNoData
	}
	if raw[1] >= sleepAddress {
		return nil, fmt.Errorf("%w: address 0x%02X", ErrSleeping, raw[1])
	}
	if raw[3] != dataLength {
		return nil, fmt.Errorf("%w: data length %d", frame.ErrFraming, raw[3])
	}
	return &Frame{Address: raw[1], Command: Command(raw[2]), Data: raw[4 : FrameLength-1]}, nil
}

// Decoder turns response frames into data points. It remembers the cell and
// sensor counts, which determine how many frames the multi-frame responses span.
type Decoder struct {
	cells   int
	sensors int

	active  bool
	pending Command
	want    int
	seen    uint64

	cellMV datapoint.CellVoltages
	temps  map[int]int16
	text   [][]byte
}

func NewDecoder() *Decoder { return &Decoder{} }

// Expect prepares for the response to cmd and returns the number of frames
// it will span.
func (d *Decoder) Expect(cmd Command) int {
	d.active = true
	d.pending = cmd
	d.seen = 0
	d.want = 1

	switch cmd {
	case CmdCellVoltages:
		d.want = max(1, (d.cells+cellsPerFrame-1)/cellsPerFrame)
		d.cellMV = make(datapoint.CellVoltages, d.cells)
	case CmdTemperatures:
		d.want = max(1, (d.sensors+sensorsPerFrame-1)/sensorsPerFrame)
		d.temps = make(map[int]int16, d.sensors)
	default:
		if n, ok := textFrames[cmd]; ok {
			d.want = n
			d.text = make([][]byte, n)
		}
	}
	return d.want
}

// Cells returns the cell count the BMS reported.
func (d *Decoder) Cells() int { return d.cells }

// Decode consumes one response frame. done is true once every frame of the
// expected response arrived; dp then holds its data points.
func (d *Decoder) Decode(raw []byte, ts time.Time) (dp *datapoint.Container, done bool, err error) {
	f, err := ParseFrame(raw)
	if err != nil {
		return nil, false, err
	}
	if !d.active || f.Command != d.pending {
		return nil, false, fmt.Errorf("%w: %s", ErrUnsolicited, f.Command)
	}

	multi := f.Command == CmdCellVoltages || f.Command == CmdTemperatures || textFrames[f.Command] > 0
	if multi {
		done, err = d.collect(f)
	} else {
		dp = datapoint.NewContainer()
		err = d.decodeSingle(dp, f, ts)
		done = err == nil
	}
	if err != nil || !done {
		return nil, false, err
	}

	if dp == nil {
		dp = d.assemble(f.Command, ts)
	}
	d.active = false
	return dp, true, nil
}

// collect stores one part of a multi-frame response.
func (d *Decoder) collect(f *Frame) (bool, error) {
	idx := int(f.Data[0])
	if idx < 1 || idx > d.want {
		return false, fmt.Errorf("%w: %s frame %d of %d", frame.ErrFraming, f.Command, idx, d.want)
	}
	if d.seen&(1<<idx) != 0 {
		return false, fmt.Errorf("%w: duplicate %s frame %d", frame.ErrFraming, f.Command, idx)
	}
	d.seen |= 1 << idx

	payload := f.Data[1:]
	switch f.Command {
	case CmdCellVoltages:
		for j := 0; j < cellsPerFrame; j++ {
			cell := (idx-1)*cellsPerFrame + j + 1
			if d.cells > 0 && cell > d.cells {
				break
			}
			d.cellMV[cell] = uint16(payload[2*j])<<8 | uint16(payload[2*j+1])
		}
	case CmdTemperatures:
		for j := 0; j < sensorsPerFrame; j++ {
			sensor := (idx-1)*sensorsPerFrame + j + 1
			if d.sensors > 0 && sensor > d.sensors {
				break
			}
			d.temps[sensor] = int16(payload[j]) - temperatureOffset
		}
	default:
		d.text[idx-1] = append([]byte(nil), payload...)
	}

	return bits.OnesCount64(d.seen) == d.want, nil
}

func (d *Decoder) assemble(cmd Command, ts time.Time) *datapoint.Container {
	dp := datapoint.NewContainer()
	switch cmd {
	case CmdCellVoltages:
		datapoint.Add(dp, CellsMilliVolt, d.cellMV, ts)
	case CmdTemperatures:
		ids := make([]int, 0, len(d.temps))
		for i := range d.temps {
			ids = append(ids, i)
		}
		sort.Ints(ids)
		parts := make([]string, 0, len(ids))
		for _, i := range ids {
			parts = append(parts, fmt.Sprintf("%d:%d", i, d.temps[i]))
		}
		datapoint.Add(dp, CellTemperatures, strings.Join(parts, " "), ts)
	default:
		text := strings.Trim(string(bytes.Join(d.text, nil)), "\x00 ")
		switch cmd {
		case CmdIP:
			datapoint.Add(dp, IPAddress, text, ts)
		case CmdBatteryCode:
			datapoint.Add(dp, BatteryCode, text, ts)
		case CmdBmsSoftwareVersion:
			datapoint.Add(dp, BmsSoftwareVersion, text, ts)
		case CmdBmsHardwareVersion:
			datapoint.Add(dp, BmsHardwareVersion, text, ts)
		}
	}
	return dp
}

func (d *Decoder) decodeSingle(dp *datapoint.Container, f *Frame, ts time.Time) error {
	r := cursor.NewReader(f.Data)

	switch f.Command {
	case CmdRatedCapacityCellVoltage:
		datapoint.Add(dp, RatedCapacityMilliAmpHours, r.U32BE(), ts)
		r.Skip(2)
		datapoint.Add(dp, NominalCellVoltageMilliVolt, r.U16BE(), ts)
	case CmdAcquisitionBoardInfo:
		datapoint.Add(dp, AcquisitionBoards, r.U8(), ts)
	case CmdCumulativeCapacity:
		datapoint.Add(dp, CumulativeChargeDeciAmpHours, r.U32BE(), ts)
		datapoint.Add(dp, CumulativeDischargeDeciAmpHours, r.U32BE(), ts)
	case CmdBatteryTypeInfo:
		t := r.U8()
		name, ok := batteryTypes[t]
		if !ok {
			name = fmt.Sprintf("unknown (%d)", t)
		}
		datapoint.Add(dp, BatteryType, name, ts)
	case CmdFirmwareIndex:
		datapoint.Add(dp, FirmwareIndex, r.U8(), ts)
	case CmdMinMaxCellVoltage:
		datapoint.Add(dp, MaxCellVoltageLevel1MilliVolt, r.U16BE(), ts)
		datapoint.Add(dp, MaxCellVoltageLevel2MilliVolt, r.U16BE(), ts)
		datapoint.Add(dp, MinCellVoltageLevel1MilliVolt, r.U16BE(), ts)
		datapoint.Add(dp, MinCellVoltageLevel2MilliVolt, r.U16BE(), ts)
	case CmdMinMaxPackVoltage:
		datapoint.Add(dp, MaxPackVoltageLevel1DeciVolt, r.U16BE(), ts)
		datapoint.Add(dp, MaxPackVoltageLevel2DeciVolt, r.U16BE(), ts)
		datapoint.Add(dp, MinPackVoltageLevel1DeciVolt, r.U16BE(), ts)
		datapoint.Add(dp, MinPackVoltageLevel2DeciVolt, r.U16BE(), ts)
	case CmdMaxPackDischargeChargeCurrent:
		datapoint.Add(dp, MaxChargeCurrentLevel1DeciAmps, offsetCurrent(r.U16BE()), ts)
		datapoint.Add(dp, MaxChargeCurrentLevel2DeciAmps, offsetCurrent(r.U16BE()), ts)
		datapoint.Add(dp, MaxDischargeCurrentLevel1DeciAmps, offsetCurrent(r.U16BE()), ts)
		datapoint.Add(dp, MaxDischargeCurrentLevel2DeciAmps, offsetCurrent(r.U16BE()), ts)
	case CmdMinMaxSoCLimit:
		datapoint.Add(dp, MaxSoCLevel1Permille, r.U16BE(), ts)
		datapoint.Add(dp, MaxSoCLevel2Permille, r.U16BE(), ts)
		datapoint.Add(dp, MinSoCLevel1Permille, r.U16BE(), ts)
		datapoint.Add(dp, MinSoCLevel2Permille, r.U16BE(), ts)
	case CmdVoltageTemperatureDifference:
		datapoint.Add(dp, CellVoltageDiffLevel1MilliVolt, r.U16BE(), ts)
		datapoint.Add(dp, CellVoltageDiffLevel2MilliVolt, r.U16BE(), ts)
		datapoint.Add(dp, TemperatureDiffLevel1Celsius, r.U8(), ts)
		datapoint.Add(dp, TemperatureDiffLevel2Celsius, r.U8(), ts)
	case CmdBalanceStartDiffVoltage:
		datapoint.Add(dp, BalanceStartVoltageMilliVolt, r.U16BE(), ts)
		datapoint.Add(dp, BalanceStartDiffMilliVolt, r.U16BE(), ts)
	case CmdShortCurrentResistance:
		datapoint.Add(dp, ShortCircuitCurrentAmps, r.U16BE(), ts)
		datapoint.Add(dp, CurrentSamplingResistanceMicroOhms, r.U16BE(), ts)
	case CmdRTC:
		b := r.Bytes(6)
		if len(b) == 6 {
			datapoint.Add(dp, RealTimeClock, fmt.Sprintf("20%02d-%02d-%02d %02d:%02d:%02d",
				b[0], b[1], b[2], b[3], b[4], b[5]), ts)
		}

	case CmdBatteryLevel:
		datapoint.Add(dp, BatteryVoltageMilliVolt, uint32(r.U16BE())*100, ts)
		datapoint.Add(dp, AcquiredVoltageMilliVolt, uint32(r.U16BE())*100, ts)
		datapoint.Add(dp, BatteryCurrentMilliAmps, (int32(r.U16BE())-currentOffset)*100, ts)
		datapoint.Add(dp, BatterySoCPermille, r.U16BE(), ts)
	case CmdMinMaxVoltage:
		datapoint.Add(dp, MaxCellMilliVolt, r.U16BE(), ts)
		datapoint.Add(dp, MaxCellNumber, r.U8(), ts)
		datapoint.Add(dp, MinCellMilliVolt, r.U16BE(), ts)
		datapoint.Add(dp, MinCellNumber, r.U8(), ts)
	case CmdMinMaxTemperature:
		datapoint.Add(dp, MaxTemperatureCelsius, int16(r.U8())-temperatureOffset, ts)
		datapoint.Add(dp, MaxTemperatureSensor, r.U8(), ts)
		datapoint.Add(dp, MinTemperatureCelsius, int16(r.U8())-temperatureOffset, ts)
		datapoint.Add(dp, MinTemperatureSensor, r.U8(), ts)
	case CmdMOS:
		state := r.U8()
		name, ok := chargeDischargeStates[state]
		if !ok {
			name = fmt.Sprintf("unknown (%d)", state)
		}
		datapoint.Add(dp, ChargeDischargeStatus, name, ts)
		datapoint.Add(dp, ChargingMOS, r.U8() != 0, ts)
		datapoint.Add(dp, DischargingMOS, r.U8() != 0, ts)
		datapoint.Add(dp, BmsHeartBeat, r.U8(), ts)
		datapoint.Add(dp, RemainingCapacityMilliAmpHours, r.U32BE(), ts)
	case CmdStatus:
		cells, sensors := r.U8(), r.U8()
		if cells < minCells || cells > maxCells {
			return fmt.Errorf("implausible cell count %d", cells)
		}
		if sensors < minSensors || sensors > maxSensors {
			return fmt.Errorf("implausible temperature sensor count %d", sensors)
		}
		d.cells, d.sensors = int(cells), int(sensors)
		datapoint.Add(dp, CellCount, cells, ts)
		datapoint.Add(dp, TemperatureSensorCount, sensors, ts)
		datapoint.Add(dp, ChargerConnected, r.U8() != 0, ts)
		datapoint.Add(dp, LoadConnected, r.U8() != 0, ts)
		datapoint.Add(dp, DigitalIO, r.U8(), ts)
		datapoint.Add(dp, BatteryCycles, r.U16BE(), ts)
	case CmdCellBalanceStates:
		datapoint.Add(dp, CellBalanceActive, slices.ContainsFunc(r.Bytes(6), func(b byte) bool { return b != 0 }), ts)
	case CmdFailureCodes:
		var f Failures
		copy(f[:], r.Bytes(len(f)))
		levels, hardware := f.Pack()
		datapoint.Add(dp, FailureLevelBits, levels, ts)
		datapoint.Add(dp, FailureHardwareBits, hardware, ts)
		datapoint.Add(dp, FaultCode, r.U8(), ts)
	default:
		return fmt.Errorf("%w: no decoder for %s", frame.ErrFraming, f.Command)
	}

	return r.Err()
}

// offsetCurrent converts a biased current threshold to its magnitude in 0.1 A.
func offsetCurrent(raw uint16) uint16 {
	v := int(raw) - currentOffset
	if v < 0 {
		v = -v
	}
	return uint16(v)
}
