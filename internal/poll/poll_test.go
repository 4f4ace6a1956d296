package poll

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, "timeout wating for response from BMS", StatusTimeout.String())
	assert.Equal(t, "request for data sent", StatusRequestSent.String())
	assert.Equal(t, "unknown", Status(42).String())
}

func TestReadyOrder(t *testing.T) {
	c := &clock{t: time.Unix(1000, 0)}
	p := New(5*time.Second, c.now, zerolog.Nop())

	assert.True(t, p.Ready(false, true), "first request goes out immediately")

	assert.False(t, p.Ready(true, true))
	assert.Equal(t, StatusBusyReading, p.Status())

	p.MarkSent()
	assert.Equal(t, StatusRequestSent, p.Status())

	c.advance(4 * time.Second)
	assert.False(t, p.Ready(false, true))
	assert.Equal(t, StatusWaitingForPollInterval, p.Status())

	c.advance(time.Second)
	assert.False(t, p.Ready(false, false))
	assert.Equal(t, StatusHwSerialNotAvailableForWrite, p.Status())
	assert.True(t, p.Ready(false, true))
}

func TestTimeout(t *testing.T) {
	c := &clock{t: time.Unix(1000, 0)}
	p := New(2*time.Second, c.now, zerolog.Nop())

	assert.False(t, p.TimedOut(), "no request sent yet")

	p.MarkSent()
	c.advance(4*time.Second + Slack)
	assert.False(t, p.TimedOut())

	c.advance(time.Millisecond)
	assert.True(t, p.TimedOut())
	assert.Equal(t, StatusTimeout, p.Status())
	assert.Equal(t, time.Unix(1000, 0).Add(4*time.Second+Slack), p.Deadline())
}

func TestAnnounceThrottled(t *testing.T) {
	var buf bytes.Buffer
	c := &clock{t: time.Unix(1000, 0)}
	p := New(time.Second, c.now, zerolog.New(&buf))

	p.Announce(StatusBusyReading)
	p.Announce(StatusBusyReading)
	c.advance(9 * time.Second)
	p.Announce(StatusBusyReading)
	assert.Equal(t, 1, strings.Count(buf.String(), "busy waiting"))

	c.advance(time.Second)
	p.Announce(StatusBusyReading)
	assert.Equal(t, 2, strings.Count(buf.String(), "busy waiting"))

	p.Announce(StatusFrameCompleted)
	assert.Contains(t, buf.String(), "a whole frame was received")
}

func TestThrottle(t *testing.T) {
	c := &clock{t: time.Unix(1000, 0)}
	th := NewThrottle(100*time.Millisecond, c.now)

	assert.True(t, th.Ready())
	th.Mark()
	c.advance(99 * time.Millisecond)
	assert.False(t, th.Ready())
	c.advance(time.Millisecond)
	assert.True(t, th.Ready())
}
