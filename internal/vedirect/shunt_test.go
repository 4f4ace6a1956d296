package vedirect

import (
	"testing"
	"time"

	"github.com/resident-x/go-battery/internal/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestShuntFrame(t *testing.T) {
	c := &clock{t: time.Unix(5000, 0)}
	port := transport.NewLoopbackPort()
	s := NewShuntController(port, Options{Name: "shunt", TxEnabled: true, Logger: zerolog.Nop(), Now: c.now})

	port.Inject(textFrame(
		"PID\t0xA389",
		"V\t52000",
		"VM\t26000",
		"DM\t5",
		"I\t-5000",
		"P\t-260",
		"CE\t-12000",
		"SOC\t875",
		"TTG\t1440",
		"ALARM\tOFF",
		"AR\t4",
		"BMV\t712 Smart",
		"FW\t0415",
	))
	port.Inject(textFrame(
		"H1\t-50000",
		"H4\t12",
		"H9\t3600",
		"H17\t1234",
		"H18\t5678",
	))
	s.Loop()

	d := s.Data()
	assert.Equal(t, "SmartShunt 500A/50mV", d.ProductName())
	assert.Equal(t, "4.15", d.FirmwareFormatted())
	assert.Equal(t, uint32(52000), d.BatteryVoltageMilliVolt)
	assert.Equal(t, int32(-5000), d.BatteryCurrentMilliAmps)
	assert.Equal(t, int32(-260), d.PowerWatts)
	assert.Equal(t, int32(-12000), d.ConsumedMilliAmpHr)
	assert.Equal(t, int32(875), d.SoCPermille)
	assert.Equal(t, int32(1440), d.TimeToGoMinutes)
	assert.False(t, d.Alarm)
	assert.Equal(t, uint32(AlarmReasonLowSoC), d.AlarmReason)
	assert.Equal(t, int32(26000), d.MidpointMilliVolt)
	assert.False(t, d.TemperaturePresent)
	assert.Equal(t, int32(-50000), d.DeepestDischarge)
	assert.Equal(t, int32(12), d.ChargeCycles)
	assert.Equal(t, int32(3600), d.SecondsSinceFullCharge)
	assert.Equal(t, int32(5678), d.ChargedEnergy)
	assert.Equal(t, int64(2), s.Link().GetStats().FramesReceived)

	port.Inject(textFrame("T\t21"))
	s.Loop()
	assert.True(t, s.Data().TemperaturePresent)
	assert.Equal(t, int32(21), s.Data().Temperature)

	assert.Empty(t, port.Writes(), "the shunt is never queried")
}
