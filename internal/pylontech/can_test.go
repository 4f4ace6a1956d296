package pylontech

import (
	"testing"
	"time"

	"github.com/resident-x/go-battery/internal/battery"
	"github.com/resident-x/go-battery/internal/config"
	"github.com/resident-x/go-battery/internal/domain"
	"github.com/resident-x/go-battery/internal/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func canEnv(bus *transport.LoopbackBus, c *clock) battery.Env {
	cfg := config.DefaultConfig().Battery
	cfg.Enabled = true
	cfg.Provider = config.ProviderPylontechCAN
	return battery.Env{
		Config:  cfg,
		Logger:  zerolog.Nop(),
		OpenCAN: func(string) (domain.FrameSource, error) { return bus, nil },
		Now:     c.now,
	}
}

func TestCANEndToEnd(t *testing.T) {
	c := &clock{t: time.Unix(10000, 0)}
	bus := transport.NewLoopbackBus()
	p := NewCAN(canEnv(bus, c))
	require.NoError(t, p.Init())
	defer p.Deinit()

	bus.Inject(IDLimits, 0x08, 0x02, 0x2C, 0x01, 0x58, 0x02, 0xE0, 0x01)
	bus.Inject(IDSoC, 0x50, 0x00, 0x63, 0x00)
	bus.Inject(IDMeasurements, 0x00, 0x14, 0x32, 0x00, 0xFA, 0x00)
	p.Loop()

	s := p.Stats()
	d, ok := s.Details.(*battery.PylontechCAN)
	require.True(t, ok)

	assert.Equal(t, 52.0, d.ChargeVoltage)
	assert.Equal(t, 30.0, d.ChargeCurrentLimit)
	assert.Equal(t, 48.0, d.DischargeVoltageLimit)
	assert.Equal(t, 60.0, s.DischargeLimit.Value)
	assert.Equal(t, 80.0, s.SoC.Value)
	assert.Equal(t, 0, s.SoCPrecision)
	assert.Equal(t, uint16(99), d.StateOfHealth)
	assert.Equal(t, 51.2, s.Voltage.Value)
	assert.Equal(t, 5.0, s.Current.Value)
	assert.Equal(t, 1, s.CurrentPrecision)
	assert.Equal(t, 25.0, d.Temperature)

	assert.True(t, s.IsValid(c.now()))
	assert.Equal(t, time.Duration(0), s.Age(c.now()))

	c.advance(battery.StaleAfter + time.Second)
	assert.False(t, s.IsValid(c.now()))
}

func TestCANProtectionAndFlags(t *testing.T) {
	c := &clock{t: time.Unix(10000, 0)}
	bus := transport.NewLoopbackBus()
	p := NewCAN(canEnv(bus, c))
	require.NoError(t, p.Init())

	bus.Inject(IDProtection, 0x82, 0x08, 0x10, 0x01, 0x03, 0x50, 0x4E)
	bus.Inject(IDRequest, 0xC0, 0x00)
	bus.Inject(IDManufacturer, 'P', 'Y', 'L', 'O', 'N', ' ', ' ', ' ')
	p.Loop()

	s := p.Stats()
	d := s.Details.(*battery.PylontechCAN)
	assert.True(t, s.Alarms.Has(battery.AlarmOverCurrentDischarge))
	assert.True(t, s.Alarms.Has(battery.AlarmOverVoltage))
	assert.True(t, s.Alarms.Has(battery.AlarmBMSInternal))
	assert.False(t, s.Alarms.Has(battery.AlarmUnderVoltage))
	assert.True(t, s.Warnings.Has(battery.WarningLowTemperature))
	assert.True(t, s.Warnings.Has(battery.WarningHighCurrentCharge))
	assert.Equal(t, uint8(3), d.ModuleCount)
	assert.Equal(t, 3, s.PackCount())

	assert.True(t, s.ChargeEnabled())
	assert.True(t, s.DischargeEnabled())
	assert.False(t, s.ImmediateChargingRequest())
	assert.Equal(t, "PYLON", s.Manufacturer.Value)
}

func TestCANIgnoresUnknownAndEmpty(t *testing.T) {
	c := &clock{t: time.Unix(10000, 0)}
	bus := transport.NewLoopbackBus()
	p := NewCAN(canEnv(bus, c))
	require.NoError(t, p.Init())

	bus.Inject(0x305, 0x00)
	bus.Inject(IDManufacturer)
	p.Loop()

	s := p.Stats()
	assert.Equal(t, "unknown", s.Manufacturer.Value)
	assert.False(t, s.Manufacturer.Valid())
	assert.Equal(t, c.now(), s.LastUpdate, "an empty manufacturer frame is still a known frame")
}
