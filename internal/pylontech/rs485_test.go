package pylontech

import (
	"fmt"
	"testing"
	"time"

	"github.com/resident-x/go-battery/internal/battery"
	"github.com/resident-x/go-battery/internal/config"
	"github.com/resident-x/go-battery/internal/domain"
	"github.com/resident-x/go-battery/internal/protocol"
	"github.com/resident-x/go-battery/internal/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type request struct {
	cmd protocol.Command
	adr byte
}

// fakeStack answers requests like a stack of two packs.
type fakeStack struct {
	port     *transport.LoopbackPort
	builder  *protocol.CommandBuilder
	requests []request
	silent   bool
}

func newFakeStack() *fakeStack {
	f := &fakeStack{
		port:    transport.NewLoopbackPort(),
		builder: protocol.NewCommandBuilder(protocol.VersionPylontech),
	}
	f.port.OnWrite = f.answer
	return f
}

func (f *fakeStack) answer(p []byte) {
	req, err := protocol.DecodeResponse(p)
	if err != nil {
		panic(fmt.Sprintf("controller sent an invalid frame %q: %v", p, err))
	}
	cmd := protocol.Command(req.RTN)
	f.requests = append(f.requests, request{cmd, req.Address})
	if f.silent {
		return
	}
	f.port.Inject(f.builder.Encode(req.Address, byte(protocol.RTNNormal), infoFor(cmd, req.Address)))
}

func infoFor(cmd protocol.Command, adr byte) []byte {
	switch cmd {
	case protocol.CmdGetManufacturerInfo:
		info := append([]byte("US2000C\x00\x00\x00"), 0x01, 0x02)
		return append(info, []byte("PYLON---------------")...)
	case protocol.CmdGetSerialNumber:
		return append([]byte{adr}, []byte(fmt.Sprintf("PPTAP0123456789%d", adr))...)
	case protocol.CmdGetFirmwareInfo:
		return []byte{adr, 0x01, 0x03, 0x02, 0x0A, 0x05}
	case protocol.CmdGetSystemParameter:
		return []byte{0x00,
			0x0E, 0x74, 0x0B, 0xEA, 0x0B, 0x54, 0x0C, 0x9F, 0x0A, 0xAB, 0x03, 0xFC,
			0xD2, 0xF0, 0xB3, 0xB0, 0xAD, 0xD4, 0x0D, 0x03, 0x0A, 0x47, 0x05, 0xDC}
	case protocol.CmdGetPackCount:
		return []byte{0x02}
	case protocol.CmdGetChargeDischargeManagementInfo:
		return []byte{adr, 0xCF, 0xD0, 0xAB, 0xE0, 0x03, 0xE8, 0xFC, 0x18, 0xC0}
	case protocol.CmdGetAnalogValue:
		return []byte{0x00, adr,
			0x02, 0x0C, 0xE4, 0x0C, 0xEE,
			0x03, 0x0B, 0xA5, 0x0B, 0x9B, 0x0B, 0xAF,
			0x00, 0x32, 0xC8, 0x00, 0x61, 0xA8, 0x02, 0xC3, 0x50, 0x00, 0x0C}
	case protocol.CmdGetAlarmInfo:
		return []byte{0x00, adr, 0x02, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	}
	return nil
}

func rs485Env(port domain.Port, c *clock) battery.Env {
	cfg := config.DefaultConfig().Battery
	cfg.Enabled = true
	cfg.Provider = config.ProviderPylontechRS485
	cfg.PollIntervalSeconds = 1
	return battery.Env{
		Config: cfg,
		Logger: zerolog.Nop(),
		Ports:  domain.NewPortManager(3, zerolog.Nop()),
		OpenSerial: func(device string, baud int) (domain.Port, error) {
			return port, nil
		},
		Now: c.now,
	}
}

func TestRS485StartupAndRotation(t *testing.T) {
	c := &clock{t: time.Unix(20000, 0)}
	stack := newFakeStack()
	p := NewRS485(rs485Env(stack.port, c)).(*RS485Controller)
	require.NoError(t, p.Init())
	defer p.Deinit()

	for i := 0; i < len(startup); i++ {
		p.Loop()
		c.advance(protocol.WriteGap)
	}
	p.Loop()
	require.True(t, p.Initialized())

	wantStartup := []request{
		{protocol.CmdGetProtocolVersion, 2},
		{protocol.CmdGetManufacturerInfo, 2},
		{protocol.CmdGetSerialNumber, 2},
		{protocol.CmdGetFirmwareInfo, 2},
		{protocol.CmdGetSystemParameter, 2},
		{protocol.CmdGetPackCount, 2},
		{protocol.CmdGetChargeDischargeManagementInfo, 2},
		{protocol.CmdGetAnalogValue, 2},
		{protocol.CmdGetAlarmInfo, 2},
	}
	assert.Equal(t, wantStartup, stack.requests[:len(startup)])

	d := p.details
	assert.Equal(t, "2.0", d.ProtocolVersion)
	assert.Equal(t, uint8(2), d.PackCount)
	assert.Equal(t, -10.0, d.System.DischargeLowTemperatureLimit)

	s := p.Stats()
	assert.Equal(t, "PYLON", s.Manufacturer.Value)
	assert.Equal(t, "1.2", s.FirmwareVersion)
	assert.Equal(t, "PPTAP01234567892", s.Serial)
	assert.Equal(t, 51.2, s.Voltage.Value)
	assert.InDelta(t, 50, s.SoC.Value, 1e-9)
	assert.True(t, s.IsValid(c.now()))
	assert.True(t, s.ChargeEnabled())

	stack.requests = nil
	for i := 0; i < 2*len(rotation); i++ {
		c.advance(time.Second)
		p.Loop()
	}
	got := stack.requests
	require.Len(t, got, 2*len(rotation))
	for i, r := range got {
		wantAdr := byte(2)
		if rotation[i%len(rotation)].perPack && i >= len(rotation) {
			wantAdr = 3
		}
		assert.Equal(t, rotation[i%len(rotation)].cmd, r.cmd, "request %d", i)
		assert.Equal(t, wantAdr, r.adr, "request %d", i)
	}

	c.advance(time.Second)
	p.Loop()
	require.Len(t, d.Packs, 2)
	assert.InDelta(t, 10, d.Totals.Current, 1e-9)
	assert.InDelta(t, 100, d.Totals.Capacity, 1e-9)
	assert.InDelta(t, 50, d.Totals.SoC, 1e-9)
	assert.InDelta(t, 10, s.Current.Value, 1e-9)
}

func TestRS485OneRequestInFlight(t *testing.T) {
	c := &clock{t: time.Unix(20000, 0)}
	stack := newFakeStack()
	stack.silent = true
	p := NewRS485(rs485Env(stack.port, c)).(*RS485Controller)
	require.NoError(t, p.Init())

	p.Loop()
	require.Len(t, stack.requests, 1)

	deadline := 2*time.Second + 250*time.Millisecond
	for elapsed := time.Duration(0); elapsed < deadline; elapsed += 250 * time.Millisecond {
		c.advance(250 * time.Millisecond)
		p.Loop()
	}
	assert.Len(t, stack.requests, 1, "no request while waiting for an answer")

	c.advance(time.Millisecond)
	p.Loop()
	assert.Len(t, stack.requests, 2, "timeout frees the bus for the next request")
	assert.Equal(t, protocol.CmdGetManufacturerInfo, stack.requests[1].cmd)
}

func TestRS485InitFailsWithoutPort(t *testing.T) {
	c := &clock{t: time.Unix(20000, 0)}
	env := rs485Env(nil, c)
	env.Ports = domain.NewPortManager(1, zerolog.Nop())

	p := NewRS485(env)
	assert.ErrorIs(t, p.Init(), domain.ErrPortUnavailable)
	p.Loop()
	p.Deinit()
}
