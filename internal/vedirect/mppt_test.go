package vedirect

import (
	"encoding/binary"
	"encoding/hex"
	"testing"
	"time"

	"github.com/resident-x/go-battery/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requested returns the registers of every GET written to port.
func requested(t *testing.T, port *transport.LoopbackPort) []Register {
	t.Helper()
	var regs []Register
	for _, w := range port.TakeWrites() {
		require.GreaterOrEqual(t, len(w), 6)
		require.Equal(t, ":7", string(w[:2]))
		raw, err := hex.DecodeString(string(w[2:6]))
		require.NoError(t, err)
		regs = append(regs, Register(binary.LittleEndian.Uint16(raw)))
	}
	return regs
}

func feedFrames(m *MpptController, port *transport.LoopbackPort, c *clock, n int, records ...string) {
	for i := 0; i < n; i++ {
		port.Inject(textFrame(records...))
		m.Loop()
		c.advance(time.Second)
	}
}

func TestRotationSendsOneCommandPerFrame(t *testing.T) {
	m, port, c := newMppt(t, true)

	feedFrames(m, port, c, 17, "FW\t159", "V\t48000")

	assert.Equal(t, []Register{
		RegCapabilities,
		RegBatteryType,
		RegChargeControllerTemperature,
		RegNetworkTotalDcInputPower,
		RegChargerMaximumCurrent,
		RegPanelCurrent,
		RegBatteryMaximumCurrent,
		RegVoltageSettingsRange,
		RegBatteryVoltageSetting,
		RegSmartBatterySenseTemperature,
		RegBatteryFloatVoltage,
		RegBatteryAbsorptionVoltage,
		// second turn only asks what is due again
		RegChargeControllerTemperature,
		RegNetworkTotalDcInputPower,
		RegPanelCurrent,
		RegSmartBatterySenseTemperature,
		RegChargeControllerTemperature,
	}, requested(t, port))
	assert.Equal(t, int64(17), m.Link().GetStats().RequestsSent)
}

func TestLoadRegistersFollowCapabilities(t *testing.T) {
	m, port, c := newMppt(t, true)

	port.Inject([]byte(":7400100010000000C\n"))
	feedFrames(m, port, c, 8, "FW\t159", "V\t48000")

	d := m.Data()
	assert.True(t, d.HasLoadOutput())
	assert.Equal(t, []Register{
		RegCapabilities,
		RegBatteryType,
		RegChargeControllerTemperature,
		RegNetworkTotalDcInputPower,
		RegChargerMaximumCurrent,
		RegLoadOutputState,
		RegLoadCurrent,
		RegPanelCurrent,
	}, requested(t, port))
}

func TestNoHexCommands(t *testing.T) {
	t.Run("old firmware", func(t *testing.T) {
		m, port, c := newMppt(t, true)
		feedFrames(m, port, c, 3, "FW\t152", "V\t48000")
		assert.Empty(t, port.Writes())
		assert.True(t, m.IsDataValid())
	})

	t.Run("transmit disabled", func(t *testing.T) {
		m, port, c := newMppt(t, false)
		feedFrames(m, port, c, 3, "FW\t159", "V\t48000")
		assert.Empty(t, port.Writes())
	})

	t.Run("port busy", func(t *testing.T) {
		m, port, c := newMppt(t, true)
		port.SetWritable(false)
		feedFrames(m, port, c, 1, "FW\t159", "V\t48000")
		assert.Empty(t, port.Writes())
	})
}

func TestHexValuesExpire(t *testing.T) {
	m, port, c := newMppt(t, false)

	port.Inject([]byte(":7DBED00F60987\n"))
	port.Inject(textFrame("V\t48000"))
	m.Loop()
	require.True(t, m.Data().MpptTemperatureMilliCelsius.Valid())

	c.advance(HexExpiry)
	m.Loop()
	port.Inject(textFrame("V\t48000"))
	m.Loop()
	assert.True(t, m.Data().MpptTemperatureMilliCelsius.Valid(), "exactly at the limit the value is kept")

	c.advance(time.Millisecond)
	m.Loop()
	port.Inject(textFrame("V\t48000"))
	m.Loop()

	temp := m.Data().MpptTemperatureMilliCelsius
	assert.False(t, temp.Valid())
	assert.Equal(t, int32(25500), temp.Value, "expired values stay inspectable")
}

func TestHexNotAvailable(t *testing.T) {
	m, port, _ := newMppt(t, false)

	port.Inject([]byte(":7ADED000F00A5\n"))     // load current 1.5 A
	port.Inject([]byte(":A272000393000009B\n")) // network power 123.45 W
	port.Inject([]byte(":7ECED0077748A\n"))     // battery sense 25 °C
	port.Inject([]byte(":7F6ED009015C6\n"))     // float 55.20 V
	port.Inject(textFrame("V\t48000"))
	m.Loop()

	d := m.Data()
	assert.Equal(t, uint32(1500), d.LoadCurrentHexMilliAmps.Value)
	assert.Equal(t, uint32(123450), d.NetworkTotalDcInputMilliWatt.Value)
	assert.Equal(t, int32(25000), d.BatterySenseMilliCelsius.Value)
	assert.Equal(t, uint32(55200), d.BatteryFloatMilliVolt.Value)

	port.Inject([]byte(":7ADED010F00A4\n"))
	port.Inject([]byte(":A272000FFFFFFFF08\n"))
	port.Inject([]byte(":7ECED00FFFF77\n"))
	port.Inject(textFrame("V\t48000"))
	m.Loop()

	d = m.Data()
	assert.False(t, d.LoadCurrentHexMilliAmps.Valid())
	assert.Zero(t, d.LoadCurrentHexMilliAmps.Value)
	assert.False(t, d.NetworkTotalDcInputMilliWatt.Valid())
	sense, ok := d.BatterySenseMilliCelsius.Get()
	assert.True(t, ok, "a missing sensor reading keeps the last one")
	assert.Equal(t, int32(25000), sense)
}

func TestEfficiencyMovingAverage(t *testing.T) {
	m, port, c := newMppt(t, false)

	feedFrames(m, port, c, 1, "V\t50000", "I\t2000", "VPV\t60000", "PPV\t100")
	assert.InDelta(t, 100.0, m.Data().EfficiencyPercent, 0.001)

	feedFrames(m, port, c, 1, "V\t50000", "I\t2000", "VPV\t60000", "PPV\t200")
	assert.InDelta(t, 75.0, m.Data().EfficiencyPercent, 0.001)

	// the first sample leaves the window after five more
	feedFrames(m, port, c, 4, "V\t50000", "I\t2000", "VPV\t60000", "PPV\t200")
	assert.InDelta(t, 50.0, m.Data().EfficiencyPercent, 0.001)
}

func TestUnhandledHexResponse(t *testing.T) {
	m, port, _ := newMppt(t, false)

	port.Inject([]byte(":1000054\n"))
	port.Inject([]byte(":750100005000000E9\n"))
	port.Inject(textFrame("V\t48000"))
	m.Loop()

	assert.Equal(t, uint32(48000), m.Data().BatteryVoltageMilliVolt)
	assert.Zero(t, m.Link().GetStats().FramingErrors)
}
