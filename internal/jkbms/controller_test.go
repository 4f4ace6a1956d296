package jkbms

import (
	"testing"
	"time"

	"github.com/resident-x/go-battery/internal/battery"
	"github.com/resident-x/go-battery/internal/config"
	"github.com/resident-x/go-battery/internal/domain"
	"github.com/resident-x/go-battery/internal/session"
	"github.com/resident-x/go-battery/internal/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newController(t *testing.T, port domain.Port, c *clock, ifc int) (*Controller, *session.Manager) {
	t.Helper()
	cfg := config.DefaultConfig().Battery
	cfg.Enabled = true
	cfg.Provider = config.ProviderJKBMS
	cfg.PollIntervalSeconds = 5
	cfg.JKBMS.Interface = ifc
	links := session.NewManager(c.now)
	p := New(battery.Env{
		Config:     cfg,
		Logger:     zerolog.Nop(),
		Ports:      domain.NewPortManager(3, zerolog.Nop()),
		OpenSerial: func(string, int) (domain.Port, error) { return port, nil },
		Links:      links,
		Now:        c.now,
	}).(*Controller)
	return p, links
}

func TestControllerReadsSampleFrame(t *testing.T) {
	c := &clock{t: time.Unix(1000, 0)}
	port := transport.NewLoopbackPort()
	frame := mustHex(t, sampleFrame)
	port.OnWrite = func([]byte) { port.Inject(frame) }

	p, links := newController(t, port, c, config.JKInterfaceUART)
	require.NoError(t, p.Init())
	defer p.Deinit()

	p.Loop() // sends the request, the fake BMS answers immediately
	p.Loop() // reads the answer

	writes := port.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, ReadAll(), writes[0])
	assert.Empty(t, port.RTSHistory(), "UART interface must not drive RTS")

	s := p.Stats()
	d := s.Details.(*battery.JK)
	assert.InDelta(t, 53.15, s.Voltage.Value, 1e-9)
	assert.InDelta(t, 10.12, s.Current.Value, 1e-9)
	assert.Equal(t, 2, s.CurrentPrecision)
	assert.Equal(t, 46.0, s.SoC.Value)
	assert.Equal(t, "JK_B1A24S15P", s.Manufacturer.Value)
	assert.Equal(t, "11.XW", s.HardwareVersion)
	assert.Equal(t, "11.262H", s.FirmwareVersion)
	assert.Equal(t, uint16(3319), d.CellMinMilliVolt)
	assert.Equal(t, uint16(3329), d.CellMaxMilliVolt)
	assert.Equal(t, uint16(3322), d.CellAvgMilliVolt)
	assert.Equal(t, int16(18), d.MinTemperature)
	assert.Equal(t, int16(18), d.MaxTemperature)
	assert.True(t, d.ChargeEnabled)
	assert.True(t, d.DischargeEnabled)
	assert.Equal(t, battery.Alarm(0), s.Alarms)
	assert.Equal(t, uint8(1), p.protocolVersion)
	assert.Equal(t, c.now(), s.LastUpdate)

	link, ok := links.Get("battery")
	require.True(t, ok)
	st := link.GetStats()
	assert.Equal(t, int64(1), st.FramesReceived)
	assert.Equal(t, int64(291), st.BytesReceived)
}

func TestControllerPacesRequests(t *testing.T) {
	c := &clock{t: time.Unix(1000, 0)}
	port := transport.NewLoopbackPort()
	frame := mustHex(t, sampleFrame)
	port.OnWrite = func([]byte) { port.Inject(frame) }

	p, _ := newController(t, port, c, config.JKInterfaceTransceiver)
	require.NoError(t, p.Init())
	defer p.Deinit()

	p.Loop()
	p.Loop()
	c.advance(4 * time.Second)
	p.Loop()
	assert.Len(t, port.Writes(), 1, "poll interval has not elapsed")

	c.advance(time.Second)
	p.Loop()
	assert.Len(t, port.Writes(), 2)
	assert.Equal(t, []bool{true, false, true, false}, port.RTSHistory())
}

func TestControllerTimeout(t *testing.T) {
	c := &clock{t: time.Unix(1000, 0)}
	port := transport.NewLoopbackPort()

	p, links := newController(t, port, c, config.JKInterfaceUART)
	require.NoError(t, p.Init())
	defer p.Deinit()

	p.Loop()
	require.Len(t, port.Writes(), 1)

	// busy until the deadline of twice the interval plus slack
	c.advance(10*time.Second + 250*time.Millisecond)
	p.Loop()
	assert.Len(t, port.Writes(), 1)
	assert.False(t, p.framer.Idle())

	c.advance(time.Millisecond)
	p.Loop()
	assert.True(t, p.framer.Idle())

	link, _ := links.Get("battery")
	assert.Equal(t, int64(1), link.GetStats().Timeouts)

	p.Loop()
	assert.Len(t, port.Writes(), 2, "a new request follows the timeout")
}

func TestControllerCountsCorruptFrames(t *testing.T) {
	c := &clock{t: time.Unix(1000, 0)}
	port := transport.NewLoopbackPort()
	frame := mustHex(t, sampleFrame)
	frame[100] ^= 0xFF
	port.OnWrite = func([]byte) { port.Inject(frame) }

	p, links := newController(t, port, c, config.JKInterfaceUART)
	require.NoError(t, p.Init())
	defer p.Deinit()

	p.Loop()
	p.Loop()

	assert.True(t, p.Stats().LastUpdate.IsZero())
	link, _ := links.Get("battery")
	assert.Equal(t, int64(1), link.GetStats().ChecksumErrors)
}

func TestControllerRejectsInvalidInterface(t *testing.T) {
	c := &clock{t: time.Unix(1000, 0)}
	p, _ := newController(t, transport.NewLoopbackPort(), c, 7)
	assert.Error(t, p.Init())
}
