package transport

import (
	"errors"
	"io"
	"testing"

	"github.com/resident-x/go-battery/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopbackPort(t *testing.T) {
	p := NewLoopbackPort()
	assert.Equal(t, 0, p.Available())

	_, err := p.ReadByte()
	assert.True(t, errors.Is(err, io.EOF))

	p.Inject([]byte{0x4E, 0x57})
	assert.Equal(t, 2, p.Available())
	b, err := p.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x4E), b)

	var echoed []byte
	p.OnWrite = func(w []byte) { echoed = append(echoed, w...) }
	n, err := p.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []byte{1, 2, 3}, echoed)
	assert.Equal(t, [][]byte{{1, 2, 3}}, p.TakeWrites())
	assert.Empty(t, p.Writes())

	p.SetWritable(false)
	assert.False(t, p.AvailableForWrite())
	p.SetWritable(true)

	require.NoError(t, p.Close())
	assert.True(t, p.Closed())
	assert.False(t, p.AvailableForWrite())
	_, err = p.Write([]byte{1})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWriteHalfDuplexTogglesRTS(t *testing.T) {
	p := NewLoopbackPort()
	require.NoError(t, domain.WriteHalfDuplex(p, []byte{0xA5, 0x40}))

	assert.Equal(t, []bool{true, false}, p.RTSHistory())
	assert.Equal(t, [][]byte{{0xA5, 0x40}}, p.Writes())
}

func TestLoopbackBus(t *testing.T) {
	bus := NewLoopbackBus()
	bus.Inject(0x355, 0x50, 0x00, 0x63, 0x00)
	bus.InjectFrame(domain.CANFrame{ID: 0x356, Length: 6})
	assert.Equal(t, 2, bus.Pending())

	f, ok := bus.Receive()
	require.True(t, ok)
	assert.Equal(t, uint32(0x355), f.ID)
	assert.Equal(t, []byte{0x50, 0x00, 0x63, 0x00}, f.Payload())

	f, ok = bus.Receive()
	require.True(t, ok)
	assert.Equal(t, uint8(6), f.Length)

	_, ok = bus.Receive()
	assert.False(t, ok)

	bus.Inject(0x351)
	require.NoError(t, bus.Close())
	_, ok = bus.Receive()
	assert.False(t, ok)
}
