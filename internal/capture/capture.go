// Package capture stores raw transport traffic in YAML files and replays
// it through in-memory ports, so controllers can run against recordings.
package capture

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/resident-x/go-battery/internal/domain"
	"github.com/sigurn/crc16"
	"gopkg.in/yaml.v3"
)

// Kind selects the transport a capture was taken from.
type Kind string

const (
	KindSerial Kind = "serial"
	KindCAN    Kind = "can"
)

var (
	// ErrCorrupt is returned when a record fails its CRC.
	ErrCorrupt = errors.New("capture record corrupt")

	// ErrFormat is returned for files that cannot be interpreted.
	ErrFormat = errors.New("invalid capture file")
)

var crcTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// Checksum is the CRC-16/MODBUS of data.
func Checksum(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}

// File is one recording.
type File struct {
	Kind     Kind      `yaml:"kind"`
	Protocol string    `yaml:"protocol"`
	Device   string    `yaml:"device,omitempty"`
	Baud     int       `yaml:"baud,omitempty"`
	Created  time.Time `yaml:"created"`
	Comment  string    `yaml:"comment,omitempty"`
	Records  []Record  `yaml:"records"`
}

// Record is one received serial chunk or CAN frame.
type Record struct {
	// OffsetMs is the delivery time relative to the start of the replay,
	// or to the triggering write for OnWrite records.
	OffsetMs int64 `yaml:"offset_ms"`

	// OnWrite holds the record back until the controller wrote a request.
	OnWrite bool `yaml:"on_write,omitempty"`

	Bytes string `yaml:"bytes,omitempty"`
	ID    uint32 `yaml:"id,omitempty"`
	Data  string `yaml:"data,omitempty"`
	CRC   uint16 `yaml:"crc"`
}

// SerialRecord builds a record of received bytes.
func SerialRecord(offset time.Duration, b []byte) Record {
	return Record{
		OffsetMs: offset.Milliseconds(),
		Bytes:    strings.ToUpper(hex.EncodeToString(b)),
		CRC:      Checksum(b),
	}
}

// CANRecord builds a record of a received frame.
func CANRecord(offset time.Duration, f domain.CANFrame) Record {
	return Record{
		OffsetMs: offset.Milliseconds(),
		ID:       f.ID,
		Data:     strings.ToUpper(hex.EncodeToString(f.Payload())),
		CRC:      Checksum(canBytes(f.ID, f.Payload())),
	}
}

// canBytes is the CRC input of a frame: the big endian id then the payload.
func canBytes(id uint32, payload []byte) []byte {
	out := make([]byte, 4, 4+len(payload))
	binary.BigEndian.PutUint32(out, id)
	return append(out, payload...)
}

// Offset returns the record's delay.
func (r Record) Offset() time.Duration {
	return time.Duration(r.OffsetMs) * time.Millisecond
}

// SerialBytes decodes and verifies a serial record.
func (r Record) SerialBytes() ([]byte, error) {
	b, err := hex.DecodeString(r.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: bytes: %v", ErrFormat, err)
	}
	if got := Checksum(b); got != r.CRC {
		return nil, fmt.Errorf("%w: crc 0x%04X, computed 0x%04X", ErrCorrupt, r.CRC, got)
	}
	return b, nil
}

// Frame decodes and verifies a CAN record.
func (r Record) Frame() (domain.CANFrame, error) {
	payload, err := hex.DecodeString(r.Data)
	if err != nil {
		return domain.CANFrame{}, fmt.Errorf("%w: data: %v", ErrFormat, err)
	}
	if len(payload) > 8 {
		return domain.CANFrame{}, fmt.Errorf("%w: %d data bytes", ErrFormat, len(payload))
	}
	if got := Checksum(canBytes(r.ID, payload)); got != r.CRC {
		return domain.CANFrame{}, fmt.Errorf("%w: crc 0x%04X, computed 0x%04X", ErrCorrupt, r.CRC, got)
	}
	f := domain.CANFrame{ID: r.ID}
	f.Length = uint8(copy(f.Data[:], payload))
	return f, nil
}

// Validate checks the kind and every record.
func (f *File) Validate() error {
	var prev int64
	for i, r := range f.Records {
		var err error
		switch f.Kind {
		case KindSerial:
			_, err = r.SerialBytes()
		case KindCAN:
			_, err = r.Frame()
		default:
			return fmt.Errorf("%w: unknown kind %q", ErrFormat, f.Kind)
		}
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		if !r.OnWrite && r.OffsetMs < prev {
			return fmt.Errorf("record %d: %w: offset %d before %d", i, ErrFormat, r.OffsetMs, prev)
		}
		if !r.OnWrite {
			prev = r.OffsetMs
		}
	}
	return nil
}

// Parse reads and validates a capture.
func Parse(r io.Reader) (*File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Load reads and validates the capture at path.
func Load(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	f, err := Parse(fh)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Write encodes f as YAML.
func (f *File) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return err
	}
	return enc.Close()
}

// Save writes f to path.
func Save(path string, f *File) error {
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
