// Package vedirect reads Victron devices over VE.Direct: the continuously
// streamed text protocol and the hex register protocol interleaved with it.
package vedirect

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/resident-x/go-battery/internal/checksum"
	"github.com/resident-x/go-battery/internal/domain"
	"github.com/resident-x/go-battery/internal/frame"
	"github.com/resident-x/go-battery/internal/session"
	"github.com/rs/zerolog"
)

const (
	// DefaultBaud is the fixed VE.Direct line speed.
	DefaultBaud = 19200

	// MaxValueLen bounds record names and values.
	MaxValueLen = 32
	// MaxHexLen bounds a hex message including the leading ':'.
	MaxHexLen = 100

	// ByteGap resets a half received frame.
	ByteGap = 500 * time.Millisecond
	// ValidFor is how long decoded data counts as current.
	ValidFor = 10 * time.Second

	checksumName = "CHECKSUM"
)

type state int

const (
	stateIdle state = iota
	stateRecordBegin
	stateRecordName
	stateRecordValue
	stateChecksum
	stateRecordHex
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "Idle"
	case stateRecordBegin:
		return "RecordBegin"
	case stateRecordName:
		return "RecordName"
	case stateRecordValue:
		return "RecordValue"
	case stateChecksum:
		return "Checksum"
	case stateRecordHex:
		return "RecordHex"
	default:
		return "Unknown"
	}
}

// decoder is implemented by the device specific controllers.
type decoder interface {
	// textRecord applies one record of a checksum-valid frame and reports
	// whether the name was known
	textRecord(name, value string) bool

	// frameValid runs after all records of a valid frame were applied
	frameValid(ts time.Time)

	// hexData applies a hex message and reports whether it was understood
	hexData(d HexData, ts time.Time) bool
}

type record struct {
	name  string
	value string
}

// Options configure a controller.
type Options struct {
	// Name identifies the controller in logs
	Name string

	// Verbose logs every record and hex message
	Verbose bool

	// TxEnabled allows hex requests to be sent
	TxEnabled bool

	Logger zerolog.Logger
	Link   *session.Link
	Now    func() time.Time
}

// FrameHandler runs the byte-level state machine shared by all VE.Direct
// controllers.
type FrameHandler struct {
	port    domain.Port
	link    *session.Link
	logger  zerolog.Logger
	verbose bool
	canSend bool
	now     func() time.Time
	decoder decoder

	state     state
	prevState state
	name      *frame.Buffer
	value     *frame.Buffer
	hex       *frame.Buffer
	checksum  checksum.VETextSum
	lastByte  time.Time
	records   []record

	lastUpdate time.Time
}

func newFrameHandler(port domain.Port, opts Options, component string, dec decoder) *FrameHandler {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger.With().Str("component", component).Logger()
	if opts.Name != "" {
		logger = logger.With().Str("controller", opts.Name).Logger()
	}
	link := opts.Link
	if link == nil {
		link = session.NewLink(opts.Name, component, "", now)
	}
	return &FrameHandler{
		port:    port,
		link:    link,
		logger:  logger,
		verbose: opts.Verbose,
		canSend: opts.TxEnabled,
		now:     now,
		decoder: dec,
		name:    frame.NewBuffer(MaxValueLen),
		value:   frame.NewBuffer(MaxValueLen),
		hex:     frame.NewBuffer(MaxHexLen),
	}
}

// LastUpdate returns when the last valid text frame completed.
func (h *FrameHandler) LastUpdate() time.Time { return h.lastUpdate }

// IsDataValid reports whether a valid frame arrived within ValidFor.
func (h *FrameHandler) IsDataValid() bool {
	return !h.lastUpdate.IsZero() && h.now().Sub(h.lastUpdate) < ValidFor
}

// Link returns the transport counters.
func (h *FrameHandler) Link() *session.Link { return h.link }

// Idle reports whether the state machine waits for the next frame.
func (h *FrameHandler) Idle() bool { return h.state == stateIdle }

// Reset drops any partial frame.
func (h *FrameHandler) Reset() {
	h.state = stateIdle
	h.prevState = stateIdle
	h.checksum = 0
	h.name.Reset()
	h.value.Reset()
	h.hex.Reset()
	h.records = h.records[:0]
}

// Loop consumes every byte the port has buffered.
func (h *FrameHandler) Loop() {
	for h.port.Available() > 0 {
		b, err := h.port.ReadByte()
		if err != nil {
			h.logger.Warn().Err(err).Msg("Read failed")
			return
		}
		h.link.AddBytesReceived(1)
		h.Feed(b)
	}
}

// Feed advances the state machine by one byte.
func (h *FrameHandler) Feed(b byte) {
	now := h.now()
	if h.state != stateIdle && !h.lastByte.IsZero() && now.Sub(h.lastByte) > ByteGap {
		h.logger.Debug().Str("state", h.state.String()).Msg("Resetting state machine after receive gap")
		h.link.FramingError()
		h.Reset()
	}
	h.lastByte = now

	if b == ':' && h.state != stateChecksum && h.state != stateRecordHex {
		h.prevState = h.state
		h.state = stateRecordHex
		h.hex.Reset()
	}
	if h.state != stateRecordHex {
		h.checksum.Add(b)
	}
	if b >= 'a' && b <= 'z' {
		b -= 'a' - 'A'
	}

	switch h.state {
	case stateIdle:
		if b == '\n' {
			h.state = stateRecordBegin
		}
	case stateRecordBegin:
		h.name.Reset()
		h.value.Reset()
		h.state = stateRecordName
		h.appendName(b)
	case stateRecordName:
		switch b {
		case '\t':
			if string(h.name.Bytes()) == checksumName {
				h.state = stateChecksum
				break
			}
			h.state = stateRecordValue
		case '#':
			// appears in some serial number names, never part of the key
		default:
			h.appendName(b)
		}
	case stateRecordValue:
		switch b {
		case '\n':
			h.records = append(h.records, record{name: string(h.name.Bytes()), value: string(h.value.Bytes())})
			h.state = stateRecordBegin
		case '\r':
		default:
			if err := h.value.Append(b); err != nil {
				h.overflow(err)
			}
		}
	case stateChecksum:
		h.frameEnd(now)
	case stateRecordHex:
		h.hexByte(b, now)
	}
}

func (h *FrameHandler) appendName(b byte) {
	if err := h.name.Append(b); err != nil {
		h.overflow(err)
	}
}

func (h *FrameHandler) overflow(err error) {
	h.logger.Warn().Err(err).Str("state", h.state.String()).Msg("Discarding frame")
	h.link.FramingError()
	h.Reset()
}

func (h *FrameHandler) frameEnd(ts time.Time) {
	valid := h.checksum.Valid()
	records := h.records
	h.records = nil
	h.checksum = 0
	h.state = stateIdle

	if !valid {
		h.link.ChecksumError()
		h.logger.Warn().Int("records", len(records)).Msg("Checksum error, discarding frame")
		return
	}

	for _, r := range records {
		if h.verbose {
			h.logger.Debug().Str("name", r.name).Str("value", r.value).Msg("Text record")
		}
		if !h.decoder.textRecord(r.name, r.value) {
			h.logger.Debug().Str("name", r.name).Str("value", r.value).Msg("Unknown text record")
		}
	}
	h.link.FrameReceived()
	h.lastUpdate = ts
	h.decoder.frameValid(ts)
}

func (h *FrameHandler) hexByte(b byte, ts time.Time) {
	if b != '\n' {
		if err := h.hex.Append(b); err != nil {
			h.logger.Warn().Err(err).Msg("Hex message too long")
			h.link.FramingError()
			h.Reset()
		}
		return
	}

	msg := h.hex.Bytes()
	h.hex.Reset()
	h.state = h.prevState

	d, err := Disassemble(msg)
	if err != nil {
		if errors.Is(err, frame.ErrChecksum) {
			h.link.ChecksumError()
		} else {
			h.link.FramingError()
		}
		h.logger.Warn().Err(err).Str("msg", string(msg)).Msg("Discarded hex message")
		return
	}
	if h.verbose {
		h.logger.Debug().
			Str("response", d.Response.String()).
			Str("register", d.Register.String()).
			Uint8("flags", d.Flags).
			Uint32("value", d.Value).
			Msg("Hex message")
	}
	if !h.decoder.hexData(d, ts) {
		h.logger.Debug().Str("response", d.Response.String()).Str("register", d.Register.String()).Msg("Unhandled hex message")
	}
}

// SendHexCommand transmits a hex request. It reports false when sending is
// disabled or the port is busy.
func (h *FrameHandler) SendHexCommand(cmd Command, reg Register, value uint32, size int) bool {
	if !h.canSend {
		return false
	}
	if !h.port.AvailableForWrite() {
		return false
	}
	msg, err := EncodeCommand(cmd, reg, value, size)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode hex command")
		return false
	}
	if err := domain.WriteHalfDuplex(h.port, msg); err != nil {
		h.logger.Error().Err(err).Str("register", reg.String()).Msg("Failed to send hex command")
		return false
	}
	h.link.AddRequest(len(msg))
	if h.verbose {
		h.logger.Debug().Str("msg", strings.TrimSpace(string(msg))).Str("register", reg.String()).Msg("Sent hex command")
	}
	return true
}

// TextData holds the records every VE.Direct device sends.
type TextData struct {
	ProductID               uint16 `json:"product_id"`
	Serial                  string `json:"serial"`
	Firmware                string `json:"firmware"`
	BatteryVoltageMilliVolt uint32 `json:"battery_voltage_mv"`
	BatteryCurrentMilliAmps int32  `json:"battery_current_ma"`
}

func (t *TextData) textRecord(name, value string) bool {
	switch name {
	case "PID":
		t.ProductID = uint16(parseNumber(value))
	case "SER":
		t.Serial = value
	case "FW":
		t.Firmware = value
	case "V":
		t.BatteryVoltageMilliVolt = uint32(parseInt(value))
	case "I":
		t.BatteryCurrentMilliAmps = int32(parseInt(value))
	default:
		return false
	}
	return true
}

// ProductName returns the device model for the product id.
func (t TextData) ProductName() string {
	return productName(t.ProductID)
}

// FirmwareNumber returns the firmware release as an integer, e.g. 159 for
// v1.59. Letter prefixes are skipped; 0 means unknown.
func (t TextData) FirmwareNumber() int {
	s := strings.TrimLeftFunc(t.Firmware, func(r rune) bool { return r < '0' || r > '9' })
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// FirmwareFormatted returns the firmware release as "major.minor".
func (t TextData) FirmwareFormatted() string {
	n := t.FirmwareNumber()
	if n == 0 {
		return t.Firmware
	}
	return strconv.Itoa(n/100) + "." + strconv.Itoa(n%100/10) + strconv.Itoa(n%10)
}

// parseInt reads a decimal value; garbage reads as 0.
func parseInt(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// parseNumber also accepts 0x prefixed hex.
func parseNumber(s string) int64 {
	s = strings.TrimSpace(s)
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		n, err := strconv.ParseUint(s[2:], 16, 32)
		if err != nil {
			return 0
		}
		return int64(n)
	}
	return parseInt(s)
}
