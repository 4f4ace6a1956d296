// Package cursor provides a bounds-checked reader for decoding binary frames.
package cursor

import (
	"fmt"
	"strings"

	"github.com/resident-x/go-battery/internal/frame"
)

// Cursor reads fixed-width values from a byte slice and advances past them.
// A failed read leaves the position unchanged.
type Cursor struct {
	buf []byte
	pos int
}

// New returns a cursor positioned at the start of buf.
func New(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// Pos returns the current read offset.
func (c *Cursor) Pos() int { return c.pos }

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int { return len(c.buf) - c.pos }

func (c *Cursor) take(n int) ([]byte, error) {
	if n < 0 || c.pos+n > len(c.buf) {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d",
			frame.ErrTruncated, n, c.pos, len(c.buf)-c.pos)
	}
	out := c.buf[c.pos : c.pos+n]
	c.pos += n
	return out, nil
}

// Skip advances n bytes.
func (c *Cursor) Skip(n int) error {
	_, err := c.take(n)
	return err
}

// Bytes returns a copy of the next n bytes.
func (c *Cursor) Bytes(n int) ([]byte, error) {
	b, err := c.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// String reads n bytes and returns them as text with trailing NULs removed.
func (c *Cursor) String(n int) (string, error) {
	b, err := c.take(n)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\x00"), nil
}

func (c *Cursor) U8() (uint8, error) {
	b, err := c.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *Cursor) U16BE() (uint16, error) {
	b, err := c.take(2)
	if err != nil {
		return 0, err
	}
	return uint16(b[0])<<8 | uint16(b[1]), nil
}

func (c *Cursor) U16LE() (uint16, error) {
	b, err := c.take(2)
	if err != nil {
		return 0, err
	}
	return uint16(b[1])<<8 | uint16(b[0]), nil
}

func (c *Cursor) I16BE() (int16, error) {
	v, err := c.U16BE()
	return int16(v), err
}

func (c *Cursor) I16LE() (int16, error) {
	v, err := c.U16LE()
	return int16(v), err
}

func (c *Cursor) U24BE() (uint32, error) {
	b, err := c.take(3)
	if err != nil {
		return 0, err
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]), nil
}

// I24LE reads a sign-extended 24 bit little-endian value.
func (c *Cursor) I24LE() (int32, error) {
	b, err := c.take(3)
	if err != nil {
		return 0, err
	}
	v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
	if v&0x800000 != 0 {
		v -= 1 << 24
	}
	return v, nil
}

func (c *Cursor) U32BE() (uint32, error) {
	b, err := c.take(4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}

func (c *Cursor) U32LE() (uint32, error) {
	b, err := c.take(4)
	if err != nil {
		return 0, err
	}
	return uint32(b[3])<<24 | uint32(b[2])<<16 | uint32(b[1])<<8 | uint32(b[0]), nil
}

// ScaledU16BE reads an unsigned big-endian value and divides it by div.
func (c *Cursor) ScaledU16BE(div float64) (float64, error) {
	v, err := c.U16BE()
	return float64(v) / div, err
}

// ScaledI16BE reads a signed big-endian value and divides it by div.
func (c *Cursor) ScaledI16BE(div float64) (float64, error) {
	v, err := c.I16BE()
	return float64(v) / div, err
}

// ScaledU16LE reads an unsigned little-endian value and divides it by div.
func (c *Cursor) ScaledU16LE(div float64) (float64, error) {
	v, err := c.U16LE()
	return float64(v) / div, err
}

// ScaledI16LE reads a signed little-endian value and divides it by div.
func (c *Cursor) ScaledI16LE(div float64) (float64, error) {
	v, err := c.I16LE()
	return float64(v) / div, err
}

// Reader collects the first error of a sequence of reads so a decoder can
// read a whole layout and check once at the end.
type Reader struct {
	*Cursor
	err error
}

// NewReader wraps buf in an error-accumulating reader.
func NewReader(buf []byte) *Reader {
	return &Reader{Cursor: New(buf)}
}

// Err returns the first read error, if any.
func (r *Reader) Err() error { return r.err }

func (r *Reader) keep(err error) bool {
	if r.err != nil {
		return false
	}
	if err != nil {
		r.err = err
		return false
	}
	return true
}

func (r *Reader) U8() uint8 {
	if r.err != nil {
		return 0
	}
	v, err := r.Cursor.U8()
	r.keep(err)
	return v
}

func (r *Reader) U16BE() uint16 {
	if r.err != nil {
		return 0
	}
	v, err := r.Cursor.U16BE()
	r.keep(err)
	return v
}

func (r *Reader) U16LE() uint16 {
	if r.err != nil {
		return 0
	}
	v, err := r.Cursor.U16LE()
	r.keep(err)
	return v
}

func (r *Reader) I16BE() int16 {
	if r.err != nil {
		return 0
	}
	v, err := r.Cursor.I16BE()
	r.keep(err)
	return v
}

func (r *Reader) I16LE() int16 {
	if r.err != nil {
		return 0
	}
	v, err := r.Cursor.I16LE()
	r.keep(err)
	return v
}

func (r *Reader) U24BE() uint32 {
	if r.err != nil {
		return 0
	}
	v, err := r.Cursor.U24BE()
	r.keep(err)
	return v
}

func (r *Reader) I24LE() int32 {
	if r.err != nil {
		return 0
	}
	v, err := r.Cursor.I24LE()
	r.keep(err)
	return v
}

func (r *Reader) U32BE() uint32 {
	if r.err != nil {
		return 0
	}
	v, err := r.Cursor.U32BE()
	r.keep(err)
	return v
}

func (r *Reader) U32LE() uint32 {
	if r.err != nil {
		return 0
	}
	v, err := r.Cursor.U32LE()
	r.keep(err)
	return v
}

func (r *Reader) String(n int) string {
	if r.err != nil {
		return ""
	}
	v, err := r.Cursor.String(n)
	r.keep(err)
	return v
}

func (r *Reader) Bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	v, err := r.Cursor.Bytes(n)
	r.keep(err)
	return v
}

func (r *Reader) Skip(n int) {
	if r.err != nil {
		return
	}
	r.keep(r.Cursor.Skip(n))
}
