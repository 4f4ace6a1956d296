// Package transport provides the serial, RS485 and CAN transports the
// protocol controllers run on, plus an in-memory loopback.
package transport

import (
	"errors"
	"io"
	"sync"

	"github.com/resident-x/go-battery/internal/domain"
)

// ErrClosed is returned by operations on a closed port.
var ErrClosed = errors.New("port closed")

// LoopbackPort is an in-memory Port. Bytes injected with Inject are read by
// the controller; everything the controller writes is recorded.
type LoopbackPort struct {
	mu       sync.Mutex
	rx       []byte
	writes   [][]byte
	writable bool
	closed   bool
	rts      []bool

	// OnWrite, when set, is called with every write after it was recorded.
	OnWrite func(p []byte)
}

// NewLoopbackPort returns a writable, empty loopback port.
func NewLoopbackPort() *LoopbackPort {
	return &LoopbackPort{writable: true}
}

// Inject queues bytes for the reader.
func (l *LoopbackPort) Inject(p []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rx = append(l.rx, p...)
}

func (l *LoopbackPort) Available() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rx)
}

func (l *LoopbackPort) ReadByte() (byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	if len(l.rx) == 0 {
		return 0, io.EOF
	}
	b := l.rx[0]
	l.rx = l.rx[1:]
	return b, nil
}

func (l *LoopbackPort) Write(p []byte) (int, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, ErrClosed
	}
	l.writes = append(l.writes, append([]byte(nil), p...))
	hook := l.OnWrite
	l.mu.Unlock()

	if hook != nil {
		hook(p)
	}
	return len(p), nil
}

func (l *LoopbackPort) AvailableForWrite() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writable && !l.closed
}

func (l *LoopbackPort) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// SetRTS records the direction line level.
func (l *LoopbackPort) SetRTS(high bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rts = append(l.rts, high)
	return nil
}

// Flush is a no-op; loopback writes complete immediately.
func (l *LoopbackPort) Flush() error { return nil }

// SetWritable toggles AvailableForWrite.
func (l *LoopbackPort) SetWritable(w bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writable = w
}

// Writes returns a copy of every recorded write.
func (l *LoopbackPort) Writes() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.writes))
	for i, w := range l.writes {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// TakeWrites returns and clears the recorded writes.
func (l *LoopbackPort) TakeWrites() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.writes
	l.writes = nil
	return out
}

// RTSHistory returns every level set through SetRTS.
func (l *LoopbackPort) RTSHistory() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.rts...)
}

// Closed reports whether Close was called.
func (l *LoopbackPort) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

var (
	_ domain.Port             = (*LoopbackPort)(nil)
	_ domain.DirectionControl = (*LoopbackPort)(nil)
	_ domain.Flusher          = (*LoopbackPort)(nil)
)

// LoopbackBus is an in-memory FrameSource.
type LoopbackBus struct {
	mu     sync.Mutex
	frames []domain.CANFrame
	closed bool
}

// NewLoopbackBus returns an empty bus.
func NewLoopbackBus() *LoopbackBus {
	return &LoopbackBus{}
}

// Inject queues a frame with the given id and payload.
func (b *LoopbackBus) Inject(id uint32, data ...byte) {
	f := domain.CANFrame{ID: id}
	f.Length = uint8(copy(f.Data[:], data))

	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, f)
}

// InjectFrame queues a frame.
func (b *LoopbackBus) InjectFrame(f domain.CANFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, f)
}

func (b *LoopbackBus) Receive() (domain.CANFrame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || len(b.frames) == 0 {
		return domain.CANFrame{}, false
	}
	f := b.frames[0]
	b.frames = b.frames[1:]
	return f, true
}

func (b *LoopbackBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Pending returns the number of queued frames.
func (b *LoopbackBus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

var _ domain.FrameSource = (*LoopbackBus)(nil)
