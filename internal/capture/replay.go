package capture

import (
	"fmt"
	"sync"
	"time"

	"github.com/resident-x/go-battery/internal/domain"
	"github.com/resident-x/go-battery/internal/transport"
)

// schedule releases records once they are due. Timed records count from
// the first poll; OnWrite records count from the write that released them.
type schedule struct {
	now     func() time.Time
	start   time.Time
	next    int
	written time.Time
	armed   bool
}

func (s *schedule) due(records []Record) (Record, bool) {
	now := s.now()
	if s.start.IsZero() {
		s.start = now
	}
	if s.next >= len(records) {
		return Record{}, false
	}
	r := records[s.next]
	if r.OnWrite {
		if !s.armed || now.Sub(s.written) < r.Offset() {
			return Record{}, false
		}
		s.armed = false
	} else if now.Sub(s.start) < r.Offset() {
		return Record{}, false
	}
	s.next++
	return r, true
}

func (s *schedule) wrote() {
	s.written = s.now()
	s.armed = true
}

// SerialReplay is a Port that feeds a serial capture to its reader.
type SerialReplay struct {
	mu    sync.Mutex
	file  *File
	port  *transport.LoopbackPort
	sched schedule
}

// ReplayPort creates a port replaying f in real time according to now.
func ReplayPort(f *File, now func() time.Time) (*SerialReplay, error) {
	if f.Kind != KindSerial {
		return nil, fmt.Errorf("%w: %q capture cannot feed a serial port", ErrFormat, f.Kind)
	}
	if now == nil {
		now = time.Now
	}
	r := &SerialReplay{file: f, port: transport.NewLoopbackPort(), sched: schedule{now: now}}
	r.port.OnWrite = func([]byte) { r.sched.wrote() }
	return r, nil
}

// pump moves every due record into the loopback.
func (r *SerialReplay) pump() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		rec, ok := r.sched.due(r.file.Records)
		if !ok {
			return
		}
		b, err := rec.SerialBytes()
		if err != nil {
			continue
		}
		r.port.Inject(b)
	}
}

func (r *SerialReplay) Available() int {
	r.pump()
	return r.port.Available()
}

func (r *SerialReplay) ReadByte() (byte, error) {
	return r.port.ReadByte()
}

func (r *SerialReplay) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.port.Write(p)
}

func (r *SerialReplay) AvailableForWrite() bool { return r.port.AvailableForWrite() }
func (r *SerialReplay) Close() error            { return r.port.Close() }
func (r *SerialReplay) SetRTS(high bool) error  { return r.port.SetRTS(high) }

// Writes returns every request the controller sent.
func (r *SerialReplay) Writes() [][]byte { return r.port.Writes() }

// Done reports whether every record was delivered and read.
func (r *SerialReplay) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sched.next >= len(r.file.Records) && r.port.Available() == 0
}

// CANReplay is a FrameSource that feeds a CAN capture.
type CANReplay struct {
	mu    sync.Mutex
	file  *File
	bus   *transport.LoopbackBus
	sched schedule
}

// ReplayCAN creates a frame source replaying f in real time according to now.
func ReplayCAN(f *File, now func() time.Time) (*CANReplay, error) {
	if f.Kind != KindCAN {
		return nil, fmt.Errorf("%w: %q capture cannot feed a CAN bus", ErrFormat, f.Kind)
	}
	if now == nil {
		now = time.Now
	}
	return &CANReplay{file: f, bus: transport.NewLoopbackBus(), sched: schedule{now: now}}, nil
}

func (b *CANReplay) Receive() (domain.CANFrame, bool) {
	b.mu.Lock()
	for {
		rec, ok := b.sched.due(b.file.Records)
		if !ok {
			break
		}
		if f, err := rec.Frame(); err == nil {
			b.bus.InjectFrame(f)
		}
	}
	b.mu.Unlock()
	return b.bus.Receive()
}

func (b *CANReplay) Close() error { return b.bus.Close() }

// Done reports whether every frame was delivered and received.
func (b *CANReplay) Done() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sched.next >= len(b.file.Records) && b.bus.Pending() == 0
}

var (
	_ domain.Port             = (*SerialReplay)(nil)
	_ domain.DirectionControl = (*SerialReplay)(nil)
	_ domain.FrameSource      = (*CANReplay)(nil)
)
