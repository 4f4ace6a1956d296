// Package frame holds the pieces shared by every byte-oriented protocol framer:
// the error classification, the Framer contract and a bounded receive buffer.
package frame

import (
	"errors"
	"fmt"
)

var (
	// ErrFraming reports an unexpected byte for the current framer state.
	ErrFraming = errors.New("framing error")
	// ErrOverflow reports a frame that outgrew its receive buffer.
	ErrOverflow = errors.New("frame buffer overflow")
	// ErrChecksum reports a complete frame whose checksum does not validate.
	ErrChecksum = errors.New("checksum mismatch")
	// ErrNoData reports a frame that carries no payload (e.g. all-zero checksum).
	ErrNoData = errors.New("no data")
	// ErrTruncated reports a decode that ran past the end of a frame.
	ErrTruncated = errors.New("frame truncated")
)

// Framer turns a byte stream into complete frames.
//
// Feed returns a non-nil frame once a frame is complete. On any error the
// framer has already reset itself to its idle state.
type Framer interface {
	Feed(b byte) ([]byte, error)
	Reset()
	Idle() bool
}

// Unexpected wraps ErrFraming with the offending byte and framer state.
func Unexpected(state string, b byte) error {
	return fmt.Errorf("%w: unexpected byte 0x%02X in state %s", ErrFraming, b, state)
}

// Mismatch wraps ErrChecksum with the expected and received values.
func Mismatch(expected, got uint32) error {
	return fmt.Errorf("%w: expected 0x%04X, got 0x%04X", ErrChecksum, expected, got)
}

// Buffer is an append-only byte buffer that refuses to grow past its limit.
type Buffer struct {
	data []byte
	max  int
}

// NewBuffer creates a buffer holding at most max bytes.
func NewBuffer(max int) *Buffer {
	return &Buffer{data: make([]byte, 0, max), max: max}
}

// Append adds b, failing with ErrOverflow when the buffer is full.
func (b *Buffer) Append(c byte) error {
	if len(b.data) >= b.max {
		return fmt.Errorf("%w: limit %d bytes", ErrOverflow, b.max)
	}
	b.data = append(b.data, c)
	return nil
}

// Bytes returns a copy of the buffered bytes.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Max returns the buffer limit.
func (b *Buffer) Max() int { return b.max }

// Reset drops all buffered bytes.
func (b *Buffer) Reset() { b.data = b.data[:0] }
