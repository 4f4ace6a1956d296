package capture

import (
	"sync"
	"time"

	"github.com/resident-x/go-battery/internal/domain"
)

// Recorder wraps a live port and records what the controller reads. Bytes
// read back to back form one record; a record is closed when the port
// runs dry or the controller writes.
type Recorder struct {
	domain.Port

	mu      sync.Mutex
	now     func() time.Time
	start   time.Time
	file    File
	chunk   []byte
	chunkAt time.Time
	lastTx  time.Time
}

// NewRecorder starts a serial recording of port.
func NewRecorder(port domain.Port, protocol, device string, baud int, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	start := now()
	return &Recorder{
		Port:  port,
		now:   now,
		start: start,
		file: File{
			Kind:     KindSerial,
			Protocol: protocol,
			Device:   device,
			Baud:     baud,
			Created:  start.UTC(),
		},
	}
}

func (r *Recorder) Available() int {
	n := r.Port.Available()
	if n == 0 {
		r.mu.Lock()
		r.flushLocked()
		r.mu.Unlock()
	}
	return n
}

func (r *Recorder) ReadByte() (byte, error) {
	b, err := r.Port.ReadByte()
	if err != nil {
		return b, err
	}
	r.mu.Lock()
	if len(r.chunk) == 0 {
		r.chunkAt = r.now()
	}
	r.chunk = append(r.chunk, b)
	r.mu.Unlock()
	return b, nil
}

func (r *Recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	r.flushLocked()
	r.lastTx = r.now()
	r.mu.Unlock()
	return r.Port.Write(p)
}

// SetRTS forwards to the wrapped port when it drives an RS485 transceiver.
func (r *Recorder) SetRTS(high bool) error {
	if dc, ok := r.Port.(domain.DirectionControl); ok {
		return dc.SetRTS(high)
	}
	return nil
}

// flushLocked closes the open chunk. Chunks that follow a request are
// replayed as answers to the next write.
func (r *Recorder) flushLocked() {
	if len(r.chunk) == 0 {
		return
	}
	var rec Record
	if !r.lastTx.IsZero() {
		rec = SerialRecord(r.chunkAt.Sub(r.lastTx), r.chunk)
		rec.OnWrite = true
		r.lastTx = time.Time{}
	} else {
		rec = SerialRecord(r.chunkAt.Sub(r.start), r.chunk)
	}
	r.file.Records = append(r.file.Records, rec)
	r.chunk = nil
}

// File returns the recording so far.
func (r *Recorder) File() *File {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushLocked()
	out := r.file
	out.Records = append([]Record(nil), r.file.Records...)
	return &out
}

// Save writes the recording to path.
func (r *Recorder) Save(path string) error {
	return Save(path, r.File())
}

var _ domain.Port = (*Recorder)(nil)
