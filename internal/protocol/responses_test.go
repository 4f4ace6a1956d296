package protocol

import (
	"errors"
	"math/rand"
	"os"
	"strconv"
	"testing"

	"github.com/resident-x/go-battery/internal/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedAll(f *Framer, data []byte) ([][]byte, []error) {
	var frames [][]byte
	var errs []error
	for _, b := range data {
		raw, err := f.Feed(b)
		if err != nil {
			errs = append(errs, err)
		}
		if raw != nil {
			frames = append(frames, raw)
		}
	}
	return frames, errs
}

func TestDecodeResponse(t *testing.T) {
	resp, err := DecodeResponse([]byte("~20024600E00203FD38\r"))
	require.NoError(t, err)

	assert.Equal(t, VersionPylontech, resp.Version)
	assert.Equal(t, byte(2), resp.Address)
	assert.Equal(t, CID1Battery, resp.CID1)
	assert.Equal(t, RTNNormal, resp.RTN)
	assert.Equal(t, []byte{0x03}, resp.Info)
}

func TestDecodeResponseRoundTrip(t *testing.T) {
	builder := NewCommandBuilder(VersionGobel)
	infos := [][]byte{
		nil,
		{0x00},
		{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A, 0x0B},
		make([]byte, 120),
	}
	for _, info := range infos {
		raw := builder.Encode(7, byte(RTNOperationError), info)
		resp, err := DecodeResponse(raw)
		require.NoError(t, err)
		assert.Equal(t, RTNOperationError, resp.RTN)
		assert.Equal(t, byte(7), resp.Address)
		assert.Equal(t, len(info), len(resp.Info))
		if len(info) > 0 {
			assert.Equal(t, info, resp.Info)
		}
	}
}

func TestDecodeResponseErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"too short", "~2002\r", frame.ErrTruncated},
		{"bad checksum", "~20024600E00203FD39\r", frame.ErrChecksum},
		{"bad length checksum", "~20024600F00203FD37\r", ErrLengthChecksum},
		{"length mismatch", "~20024600C00403FD38\r", frame.ErrTruncated},
		{"not hex", "~2002460GE00203FD21\r", frame.ErrFraming},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeResponse([]byte(tt.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestChecksumSingleBitFlip(t *testing.T) {
	seed := int64(20240131)
	if s := os.Getenv("FUZZ_SEED"); s != "" {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			seed = v
		}
	}
	t.Logf("FUZZ_SEED=%d", seed)
	rng := rand.New(rand.NewSource(seed))

	info := make([]byte, 24)
	rng.Read(info)
	raw := NewCommandBuilder(VersionPylontech).Encode(2, 0, info)

	// checksum text is parsed case-insensitively, so only the body is flipped
	for i := 1; i < len(raw)-5; i++ {
		for bit := 0; bit < 8; bit++ {
			corrupted := append([]byte(nil), raw...)
			corrupted[i] ^= 1 << bit
			_, err := DecodeResponse(corrupted)
			assert.Error(t, err, "flip of bit %d in byte %d accepted", bit, i)
		}
	}
}

func TestFramerResync(t *testing.T) {
	valid := NewCommandBuilder(VersionPylontech).Encode(2, 0, []byte{0x03})

	stream := append([]byte("\x00\xff~2002"), valid...)
	f := NewFramer()
	frames, _ := feedAll(f, stream)

	require.Len(t, frames, 1)
	assert.Equal(t, valid, frames[0])
	assert.True(t, f.Idle())
	assert.Equal(t, 7, f.TakeNoise(), "two stray bytes plus the abandoned partial frame")
	assert.Equal(t, 0, f.TakeNoise())
}

func TestFramerRejectsGarbageInsideFrame(t *testing.T) {
	f := NewFramer()
	frames, errs := feedAll(f, []byte("~2002Z46"))
	assert.Empty(t, frames)
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], frame.ErrFraming))
	assert.True(t, f.Idle())
}

func TestFramerOverflow(t *testing.T) {
	f := NewFramer()
	data := append([]byte{SOI}, make([]byte, MaxFrameLength)...)
	for i := 1; i < len(data); i++ {
		data[i] = '0'
	}

	_, errs := feedAll(f, data)
	require.NotEmpty(t, errs)
	assert.True(t, errors.Is(errs[0], frame.ErrOverflow))
	assert.True(t, f.Idle())
}

func TestReturnCodeString(t *testing.T) {
	assert.Equal(t, "normal", RTNNormal.String())
	assert.Equal(t, "operation or write error", RTNOperationError.String())
	assert.Equal(t, "unknown (0x42)", ReturnCode(0x42).String())
}
