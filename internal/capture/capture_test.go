package capture

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/resident-x/go-battery/internal/domain"
	"github.com/resident-x/go-battery/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestChecksum(t *testing.T) {
	// CRC-16/MODBUS check value
	assert.Equal(t, uint16(0x4B37), Checksum([]byte("123456789")))
}

func TestSaveLoadSerial(t *testing.T) {
	f := &File{
		Kind:     KindSerial,
		Protocol: "vedirect-mppt",
		Device:   "/dev/ttyUSB0",
		Baud:     19200,
		Created:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Records: []Record{
			SerialRecord(0, []byte("\r\nV\t48000")),
			SerialRecord(1500*time.Millisecond, []byte{0x00, 0xFF, 0x7E}),
		},
	}
	path := filepath.Join(t.TempDir(), "mppt.yaml")
	require.NoError(t, Save(path, f))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, f, loaded)

	b, err := loaded.Records[1].SerialBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xFF, 0x7E}, b)
	assert.Equal(t, 1500*time.Millisecond, loaded.Records[1].Offset())
}

func TestCANRecordRoundTrip(t *testing.T) {
	in := domain.CANFrame{ID: 0x359, Length: 3, Data: [8]byte{0x01, 0x02, 0x03}}
	rec := CANRecord(250*time.Millisecond, in)
	assert.Equal(t, "010203", rec.Data)

	out, err := rec.Frame()
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestCorruptCRCRejected(t *testing.T) {
	doc := `kind: serial
protocol: pylontech-rs485
created: 2024-05-01T12:00:00Z
records:
  - offset_ms: 0
    bytes: "7E3230"
    crc: 1234
`
	_, err := Parse(strings.NewReader(doc))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorrupt))
	assert.Contains(t, err.Error(), "record 0")
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{
			name: "unknown kind",
			doc:  "kind: usb\nprotocol: x\nrecords:\n  - offset_ms: 0\n    bytes: \"00\"\n    crc: 16560\n",
			want: ErrFormat,
		},
		{
			name: "bad hex",
			doc:  "kind: serial\nprotocol: x\nrecords:\n  - offset_ms: 0\n    bytes: \"0G\"\n    crc: 0\n",
			want: ErrFormat,
		},
		{
			name: "unknown field",
			doc:  "kind: serial\nprotocol: x\nspeed: 9600\nrecords: []\n",
			want: ErrFormat,
		},
		{
			name: "too many can bytes",
			doc:  "kind: can\nprotocol: x\nrecords:\n  - offset_ms: 0\n    id: 1\n    data: \"000102030405060708\"\n    crc: 0\n",
			want: ErrFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.doc))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestOffsetsMustNotGoBackwards(t *testing.T) {
	f := &File{Kind: KindSerial, Records: []Record{
		SerialRecord(time.Second, []byte{1}),
		SerialRecord(0, []byte{2}),
	}}
	assert.ErrorIs(t, f.Validate(), ErrFormat)
}

func TestReplayPortTiming(t *testing.T) {
	c := &clock{t: time.Unix(100, 0)}
	f := &File{Kind: KindSerial, Records: []Record{
		SerialRecord(0, []byte("ab")),
		SerialRecord(time.Second, []byte("c")),
	}}
	p, err := ReplayPort(f, c.now)
	require.NoError(t, err)

	assert.Equal(t, 2, p.Available())
	p.ReadByte()
	p.ReadByte()
	assert.Zero(t, p.Available())
	assert.False(t, p.Done())

	c.advance(time.Second)
	require.Equal(t, 1, p.Available())
	b, err := p.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte('c'), b)
	assert.True(t, p.Done())
}

func TestReplayPortAnswersWrites(t *testing.T) {
	c := &clock{t: time.Unix(100, 0)}
	reply := SerialRecord(50*time.Millisecond, []byte("pong"))
	reply.OnWrite = true
	f := &File{Kind: KindSerial, Records: []Record{reply}}

	p, err := ReplayPort(f, c.now)
	require.NoError(t, err)

	c.advance(time.Minute)
	assert.Zero(t, p.Available(), "answers wait for a request")

	require.NoError(t, domain.WriteHalfDuplex(p, []byte("ping")))
	assert.Zero(t, p.Available())
	c.advance(50 * time.Millisecond)
	assert.Equal(t, 4, p.Available())
	assert.Equal(t, [][]byte{[]byte("ping")}, p.Writes())
}

func TestReplayCAN(t *testing.T) {
	c := &clock{t: time.Unix(100, 0)}
	f := &File{Kind: KindCAN, Records: []Record{
		CANRecord(0, domain.CANFrame{ID: 0x355, Length: 2, Data: [8]byte{0x50, 0x00}}),
		CANRecord(time.Second, domain.CANFrame{ID: 0x356, Length: 1, Data: [8]byte{0x01}}),
	}}
	bus, err := ReplayCAN(f, c.now)
	require.NoError(t, err)

	fr, ok := bus.Receive()
	require.True(t, ok)
	assert.Equal(t, uint32(0x355), fr.ID)
	_, ok = bus.Receive()
	assert.False(t, ok)

	c.advance(time.Second)
	fr, ok = bus.Receive()
	require.True(t, ok)
	assert.Equal(t, uint32(0x356), fr.ID)
	assert.True(t, bus.Done())

	_, err = ReplayPort(f, c.now)
	assert.ErrorIs(t, err, ErrFormat)
}

func TestRecorder(t *testing.T) {
	c := &clock{t: time.Unix(100, 0)}
	live := transport.NewLoopbackPort()
	rec := NewRecorder(live, "jk-bms", "/dev/ttyS1", 115200, c.now)

	live.Inject([]byte("hello"))
	c.advance(200 * time.Millisecond)
	for rec.Available() > 0 {
		rec.ReadByte()
	}
	rec.Available()

	require.NoError(t, domain.WriteHalfDuplex(rec, []byte{0x4E, 0x57}))
	c.advance(30 * time.Millisecond)
	live.Inject([]byte{0x01, 0x02})
	for rec.Available() > 0 {
		rec.ReadByte()
	}

	f := rec.File()
	require.Len(t, f.Records, 2)
	assert.Equal(t, int64(200), f.Records[0].OffsetMs)
	assert.False(t, f.Records[0].OnWrite)
	assert.Equal(t, int64(30), f.Records[1].OffsetMs)
	assert.True(t, f.Records[1].OnWrite)
	assert.Equal(t, [][]byte{{0x4E, 0x57}}, live.Writes())
	require.NoError(t, f.Validate())

	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	back, err := Parse(&buf)
	require.NoError(t, err)
	assert.Equal(t, f.Records, back.Records)
}
