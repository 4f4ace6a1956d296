package jbdbms

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

// fakeBMS answers every request with the matching canned frame.
func fakeBMS(t *testing.T) *transport.LoopbackPort {
	port := transport.NewLoopbackPort()
	answers := map[Command][]byte{
		CmdReadBasicInformation:      mustHex(t, basicInfoFrame),
		CmdReadCellVoltages:          mustHex(t, cellsFrame),
		CmdReadHardwareVersionNumber: mustHex(t, hardwareFrame),
	}
	port.OnWrite = func(p []byte) {
		if len(p) > 2 {
			port.Inject(answers[Command(p[2])])
		}
	}
	return port
}

func TestControllerCycle(t *testing.T) {
	c := &clock{t: time.Unix(1000, 0)}
	port := fakeBMS(t)

	cfg := config.DefaultConfig().Battery
	cfg.Enabled = true
	cfg.Provider = config.ProviderJBDBMS
	cfg.PollIntervalSeconds = 2
	p := New(battery.Env{
		Config:     cfg,
		Logger:     zerolog.Nop(),
		Ports:      domain.NewPortManager(3, zerolog.Nop()),
		OpenSerial: func(string, int) (domain.Port, error) { return port, nil },
		Links:      session.NewManager(c.now),
		Now:        c.now,
	})
	require.NoError(t, p.Init())
	defer p.Deinit()

	for i := 0; i < 4; i++ {
		p.Loop()
		p.Loop()
		c.advance(2 * time.Second)
	}

	var cmds []Command
	for _, w := range port.Writes() {
		cmds = append(cmds, Command(w[2]))
	}
	assert.Equal(t, []Command{
		CmdReadHardwareVersionNumber,
		CmdReadBasicInformation,
		CmdReadCellVoltages,
		CmdReadBasicInformation,
	}, cmds)

	s := p.Stats()
	d := s.Details.(*battery.JBD)
	assert.Equal(t, "JBD", s.Manufacturer.Value)
	assert.Equal(t, "JBD-SP04S020", s.HardwareVersion)
	assert.Equal(t, "2.1", s.FirmwareVersion)
	assert.InDelta(t, 52.0, s.Voltage.Value, 1e-9)
	assert.InDelta(t, -1.5, s.Current.Value, 1e-9)
	assert.Equal(t, 50.0, s.SoC.Value)
	assert.Equal(t, uint16(3290), d.CellMinMilliVolt)
	assert.Equal(t, uint16(3301), d.CellAvgMilliVolt)
	assert.Equal(t, uint16(3310), d.CellMaxMilliVolt)
	assert.Equal(t, int16(25), d.MinTemperature)
	assert.Equal(t, int16(27), d.MaxTemperature)
	assert.True(t, d.ChargeEnabled)
	assert.True(t, d.DischargeEnabled)
	assert.True(t, s.IsValid(c.now()))
}

func TestAlarmMapping(t *testing.T) {
	a := mapAlarms(AlarmPackUnderVoltage | AlarmChargingLowTemperature | AlarmShortCircuit | AlarmIcFrontEndError)
	assert.Equal(t, battery.AlarmUnderVoltage|battery.AlarmUnderTemperatureCharge|
		battery.AlarmOverCurrentDischarge|battery.AlarmBMSInternal, a)
}
