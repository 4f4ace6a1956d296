package frame

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferBounds(t *testing.T) {
	b := NewBuffer(3)
	require.NoError(t, b.Append(1))
	require.NoError(t, b.Append(2))
	require.NoError(t, b.Append(3))

	err := b.Append(4)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOverflow))
	assert.Equal(t, []byte{1, 2, 3}, b.Bytes())

	b.Reset()
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 3, b.Max())
}

func TestBufferBytesIsCopy(t *testing.T) {
	b := NewBuffer(4)
	require.NoError(t, b.Append(0xAA))
	out := b.Bytes()
	out[0] = 0
	assert.Equal(t, []byte{0xAA}, b.Bytes())
}

func TestErrorHelpers(t *testing.T) {
	err := Unexpected("IDLE", 0x41)
	assert.True(t, errors.Is(err, ErrFraming))
	assert.Contains(t, err.Error(), "0x41")
	assert.Contains(t, err.Error(), "IDLE")

	err = Mismatch(0x1234, 0x4321)
	assert.True(t, errors.Is(err, ErrChecksum))
	assert.Contains(t, err.Error(), "expected 0x1234, got 0x4321")
}
