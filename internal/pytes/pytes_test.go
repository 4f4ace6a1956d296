package pytes

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

func newProvider(t *testing.T) (battery.Provider, *transport.LoopbackBus) {
	t.Helper()
	bus := transport.NewLoopbackBus()
	cfg := config.DefaultConfig().Battery
	cfg.Enabled = true
	cfg.Provider = config.ProviderPytesCAN
	ts := time.Unix(5000, 0)
	p := NewCAN(battery.Env{
		Config:  cfg,
		Logger:  zerolog.Nop(),
		OpenCAN: func(string) (domain.FrameSource, error) { return bus, nil },
		Now:     func() time.Time { return ts },
	})
	require.NoError(t, p.Init())
	t.Cleanup(p.Deinit)
	return p, bus
}

func details(t *testing.T, s *battery.Stats) *battery.Pytes {
	t.Helper()
	d, ok := s.Details.(*battery.Pytes)
	require.True(t, ok)
	return d
}

func TestLimitsBothIdentifiers(t *testing.T) {
	for _, id := range []uint32{0x351, 0x400} {
		p, bus := newProvider(t)
		// 56.8 V, 100 A, 150 A, 48.0 V
		bus.Inject(id, 0x38, 0x02, 0xE8, 0x03, 0xDC, 0x05, 0xE0, 0x01)
		p.Loop()

		s := p.Stats()
		d := details(t, s)
		assert.InDelta(t, 56.8, d.ChargeVoltageLimit, 1e-9)
		assert.InDelta(t, 100.0, d.ChargeCurrentLimit, 1e-9)
		assert.InDelta(t, 48.0, d.DischargeVoltageLimit, 1e-9)
		assert.InDelta(t, 150.0, s.DischargeLimit.Value, 1e-9)
	}
}

func TestMeasurements(t *testing.T) {
	p, bus := newProvider(t)
	// 52.00 V, -12.5 A, 23.4 C
	bus.Inject(0x356, 0x50, 0x14, 0x83, 0xFF, 0xEA, 0x00)
	bus.Inject(0x355, 0x4B, 0x00, 0x62, 0x00)
	p.Loop()

	s := p.Stats()
	d := details(t, s)
	assert.InDelta(t, 52.0, s.Voltage.Value, 1e-9)
	assert.InDelta(t, -12.5, s.Current.Value, 1e-9)
	assert.Equal(t, 1, s.CurrentPrecision)
	assert.InDelta(t, 23.4, d.Temperature, 1e-9)
	assert.Equal(t, 75.0, s.SoC.Value)
	assert.Equal(t, uint16(98), d.StateOfHealth)
}

func TestVictronStyleAlarms(t *testing.T) {
	p, bus := newProvider(t)
	bus.Inject(0x35A,
		0x04|0x40, // over voltage, over temperature
		0x01|0x40, // under temperature, over current discharge
		0x40,      // internal
		0x01,      // imbalance
		0x10,      // low voltage warning
		0x04,      // high temperature charge warning
		0x01,      // high current charge warning
		0x00)
	p.Loop()

	s := p.Stats()
	assert.True(t, s.Alarms.Has(battery.AlarmOverVoltage))
	assert.True(t, s.Alarms.Has(battery.AlarmOverTemperature))
	assert.True(t, s.Alarms.Has(battery.AlarmUnderTemperature))
	assert.True(t, s.Alarms.Has(battery.AlarmOverCurrentDischarge))
	assert.True(t, s.Alarms.Has(battery.AlarmBMSInternal))
	assert.True(t, s.Alarms.Has(battery.AlarmCellImbalance))
	assert.False(t, s.Alarms.Has(battery.AlarmUnderVoltage))

	assert.Equal(t,
		battery.WarningLowVoltage|battery.WarningHighTemperatureCharge|battery.WarningHighCurrentCharge,
		s.Warnings)
}

func TestExtendedAlarmsFollowCurrentDirection(t *testing.T) {
	tests := []struct {
		name     string
		bits     uint32
		alarms   battery.Alarm
		warnings battery.Warning
	}{
		{
			name:   "over temperature while discharging",
			bits:   1<<8 | 1<<27,
			alarms: battery.AlarmOverTemperature,
		},
		{
			name:   "over temperature while charging",
			bits:   1<<8 | 1<<26,
			alarms: battery.AlarmOverTemperatureCharge,
		},
		{
			name:   "temperature without direction",
			bits:   1<<8 | 1<<12,
			alarms: 0,
		},
		{
			name:     "low temperature warning while charging",
			bits:     1<<11 | 1<<26,
			warnings: battery.WarningLowTemperatureCharge,
		},
		{
			name:     "voltage and current",
			bits:     1<<0 | 1<<18 | 1<<20 | 1<<3 | 1<<21,
			alarms:   battery.AlarmOverVoltage | battery.AlarmOverCurrentDischarge | battery.AlarmOverCurrentCharge,
			warnings: battery.WarningLowVoltage | battery.WarningHighCurrentDischarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, bus := newProvider(t)
			// split across both words; the decoder ORs them
			lo := tt.bits & 0x0000FFFF
			hi := tt.bits & 0xFFFF0000
			bus.Inject(0x403,
				byte(lo), byte(lo>>8), byte(lo>>16), byte(lo>>24),
				byte(hi), byte(hi>>8), byte(hi>>16), byte(hi>>24))
			p.Loop()

			s := p.Stats()
			assert.Equal(t, tt.alarms, s.Alarms)
			assert.Equal(t, tt.warnings, s.Warnings)
		})
	}
}

func TestInternalAlarmSurvivesExtendedAlarms(t *testing.T) {
	p, bus := newProvider(t)
	bus.Inject(0x406, 0x00, 0x80, 0x00, 0x00)
	bus.Inject(0x403, 0x01, 0, 0, 0, 0, 0, 0, 0)
	p.Loop()

	s := p.Stats()
	assert.Equal(t, battery.AlarmBMSInternal|battery.AlarmOverVoltage, s.Alarms)
}

func TestCapacityDerivedSoC(t *testing.T) {
	p, bus := newProvider(t)
	// 100.000 Ah total, 66.667 Ah available
	bus.Inject(0x409, 0xA0, 0x86, 0x01, 0x00, 0x6B, 0x04, 0x01, 0x00)
	p.Loop()

	s := p.Stats()
	d := details(t, s)
	assert.InDelta(t, 100.0, d.TotalCapacity, 1e-9)
	assert.InDelta(t, 66.667, d.AvailableCapacity, 1e-9)
	assert.Equal(t, 3, d.CapacityPrecision)
	assert.InDelta(t, 66.667, s.SoC.Value, 1e-9)
	assert.Equal(t, 2, s.SoCPrecision)
}

func TestSerialAssembly(t *testing.T) {
	p, bus := newProvider(t)
	bus.Inject(0x380, 'P', 'Y', 'T', 'E', 'S', '1', '2', '3')
	bus.Inject(0x381, 0x01, 'x', 'x')
	bus.Inject(0x381, '4', '5', '6', 0, 0, 0, 0, 0)
	p.Loop()

	assert.Equal(t, "PYTES123456", p.Stats().Serial)
}

func TestInfoFrames(t *testing.T) {
	p, bus := newProvider(t)
	bus.Inject(0x35E, 'P', 'Y', 'T', 'E', 'S', 0, 0, 0)
	bus.Inject(0x35F, 0x00, 0x00, 0x01, 0x07, 0x64, 0x00)
	bus.Inject(0x373, 0xE4, 0x0C, 0xF0, 0x0C, 0x2C, 0x01, 0x36, 0x01)
	bus.Inject(0x374, 'C', '0', '1', '0', '3')
	bus.Inject(0x401, 0xF0, 0x0C, 0xE4, 0x0C, 0x02, 0x01, 0x0A, 0x03)
	bus.Inject(0x404, 0x00, 0x00, 0x63, 0x00, 0x00, 0x00, 0x2A, 0x00)
	bus.Inject(0x408, 0x01, 0x00, 0x01)
	bus.Inject(0x40B, 0, 0, 0, 0, 0, 0, 0x04, 0x01)
	bus.Inject(0x40D, 0, 0, 0, 0, 0x03, 0x00)
	bus.Inject(0x378, 0x10, 0x27, 0, 0, 0x20, 0x4E, 0, 0)
	p.Loop()

	s := p.Stats()
	d := details(t, s)
	assert.Equal(t, "PYTES", s.Manufacturer.Value)
	assert.Equal(t, "v1.7", s.FirmwareVersion)
	assert.Equal(t, 100.0, d.AvailableCapacity)
	assert.Equal(t, 27.0, d.CellMinTemperature)
	assert.Equal(t, 37.0, d.CellMaxTemperature)
	assert.Equal(t, "0102", d.CellMaxVoltageName)
	assert.Equal(t, "030a", d.CellMinVoltageName)
	assert.Equal(t, uint16(3312), d.CellMaxMilliVolt)
	assert.Equal(t, uint16(3300), d.CellMinMilliVolt)
	assert.Equal(t, uint16(99), d.StateOfHealth)
	assert.Equal(t, 42, d.ChargeCycles)
	assert.True(t, d.ChargeEnabled)
	assert.False(t, d.DischargeEnabled)
	assert.True(t, d.ChargeImmediately)
	assert.Equal(t, uint8(4), d.ModuleCountOnline)
	assert.Equal(t, uint8(1), d.ModuleCountOffline)
	assert.Equal(t, 3, d.Balance)
	assert.Equal(t, 1000.0, d.ChargedEnergy)
	assert.Equal(t, 2000.0, d.DischargedEnergy)
}

func TestUnknownIdentifierDoesNotTouch(t *testing.T) {
	p, bus := newProvider(t)
	bus.Inject(0x123, 0x01, 0x02)
	p.Loop()

	s := p.Stats()
	assert.True(t, s.LastUpdate.IsZero())
	assert.Equal(t, "unknown", s.Manufacturer.Value)
}
