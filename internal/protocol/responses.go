package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/resident-x/go-battery/internal/checksum"
	"github.com/resident-x/go-battery/internal/frame"
)

// ReturnCode is the RTN field of a response, sent in the CID2 position.
type ReturnCode byte

const (
	RTNNormal              ReturnCode = 0x00
	RTNVersionError        ReturnCode = 0x01
	RTNChecksumError       ReturnCode = 0x02
	RTNLengthChecksumError ReturnCode = 0x03
	RTNInvalidCID2         ReturnCode = 0x04
	RTNCommandFormatError  ReturnCode = 0x05
	RTNInvalidData         ReturnCode = 0x06
	RTNOperationError      ReturnCode = 0x09
	RTNAddressError        ReturnCode = 0x90
	RTNCommunicationError  ReturnCode = 0x91
)

func (r ReturnCode) String() string {
	switch r {
	case RTNNormal:
		return "normal"
	case RTNVersionError:
		return "version error"
	case RTNChecksumError:
		return "checksum error"
	case RTNLengthChecksumError:
		return "length checksum error"
	case RTNInvalidCID2:
		return "invalid CID2"
	case RTNCommandFormatError:
		return "command format error"
	case RTNInvalidData:
		return "invalid data"
	case RTNOperationError:
		return "operation or write error"
	case RTNAddressError:
		return "address error"
	case RTNCommunicationError:
		return "communication error"
	default:
		return fmt.Sprintf("unknown (0x%02X)", byte(r))
	}
}

// ErrLengthChecksum reports a length field whose check nibble does not match.
var ErrLengthChecksum = fmt.Errorf("%w: length field", frame.ErrChecksum)

// headerLen is the number of hex characters before the info field.
const headerLen = 12

// Response is a decoded frame.
type Response struct {
	Version byte
	Address byte
	CID1    byte
	RTN     ReturnCode
	Info    []byte
}

// DecodeResponse validates a raw frame (SOI through EOI) and decodes it.
func DecodeResponse(raw []byte) (*Response, error) {
	if len(raw) < headerLen+6 || raw[0] != SOI || raw[len(raw)-1] != EOI {
		return nil, fmt.Errorf("%w: %d byte frame", frame.ErrTruncated, len(raw))
	}

	body := raw[1 : len(raw)-5]
	sumText := string(raw[len(raw)-5 : len(raw)-1])
	got, err := strconv.ParseUint(sumText, 16, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: checksum %q", frame.ErrFraming, sumText)
	}
	if want := checksum.Pylontech(body); uint16(got) != want {
		return nil, frame.Mismatch(uint32(want), uint32(got))
	}

	header := make([]byte, headerLen/2)
	if _, err := hex.Decode(header, body[:headerLen]); err != nil {
		return nil, fmt.Errorf("%w: header: %v", frame.ErrFraming, err)
	}

	length := uint16(header[4])<<8 | uint16(header[5])
	if !checksum.ValidPylontechLength(length) {
		return nil, fmt.Errorf("%w: 0x%04X", ErrLengthChecksum, length)
	}
	infoText := body[headerLen:]
	if int(length&0x0FFF) != len(infoText) {
		return nil, fmt.Errorf("%w: length field %d, info has %d chars",
			frame.ErrTruncated, length&0x0FFF, len(infoText))
	}

	info := make([]byte, len(infoText)/2)
	if _, err := hex.Decode(info, infoText); err != nil {
		return nil, fmt.Errorf("%w: info: %v", frame.ErrFraming, err)
	}

	return &Response{
		Version: header[0],
		Address: header[1],
		CID1:    header[2],
		RTN:     ReturnCode(header[3]),
		Info:    info,
	}, nil
}

// IsChecksumError reports whether err is a frame or length checksum failure.
func IsChecksumError(err error) bool {
	return errors.Is(err, frame.ErrChecksum)
}

// Framer collects bytes between SOI and EOI. Bytes outside a frame are
// counted as noise.
type Framer struct {
	buf     *frame.Buffer
	started bool
	noise   int
}

// NewFramer creates a framer bounded to MaxFrameLength.
func NewFramer() *Framer {
	return &Framer{buf: frame.NewBuffer(MaxFrameLength)}
}

// Feed consumes one byte and returns the raw frame once EOI arrives.
func (f *Framer) Feed(b byte) ([]byte, error) {
	if !f.started {
		if b != SOI {
			f.noise++
			return nil, nil
		}
		f.started = true
		return nil, f.buf.Append(b)
	}

	switch {
	case b == SOI:
		// a new start marker abandons the partial frame
		f.noise += f.buf.Len()
		f.buf.Reset()
		return nil, f.buf.Append(b)
	case b == EOI:
		if err := f.buf.Append(b); err != nil {
			f.Reset()
			return nil, err
		}
		out := f.buf.Bytes()
		f.Reset()
		return out, nil
	case !isHexDigit(b):
		f.Reset()
		return nil, frame.Unexpected("ReadingFrame", b)
	}

	if err := f.buf.Append(b); err != nil {
		f.Reset()
		return nil, err
	}
	return nil, nil
}

// Reset drops a partial frame.
func (f *Framer) Reset() {
	f.buf.Reset()
	f.started = false
}

// Idle reports whether no frame is in progress.
func (f *Framer) Idle() bool { return !f.started }

// TakeNoise returns and clears the number of discarded bytes.
func (f *Framer) TakeNoise() int {
	n := f.noise
	f.noise = 0
	return n
}

func isHexDigit(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'A' && b <= 'F') || (b >= 'a' && b <= 'f')
}
