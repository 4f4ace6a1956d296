// Package poll paces request/response exchanges on half-duplex links.
package poll

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ErrTimeout reports a request that was not answered before its deadline.
var ErrTimeout = errors.New("timeout waiting for response")

// Slack is added to twice the poll interval to form the response deadline.
const Slack = 250 * time.Millisecond

// announceEvery limits how often an unchanged status is logged.
const announceEvery = 10 * time.Second

// Status describes what a controller is doing.
type Status int

const (
	StatusInitializing Status = iota
	StatusTimeout
	StatusWaitingForPollInterval
	StatusHwSerialNotAvailableForWrite
	StatusBusyReading
	StatusRequestSent
	StatusFrameCompleted
)

// String returns the human readable status text.
func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusTimeout:
		return "timeout wating for response from BMS"
	case StatusWaitingForPollInterval:
		return "waiting for poll interval to elapse"
	case StatusHwSerialNotAvailableForWrite:
		return "UART is not available for writing"
	case StatusBusyReading:
		return "busy waiting for or reading a message from the BMS"
	case StatusRequestSent:
		return "request for data sent"
	case StatusFrameCompleted:
		return "a whole frame was received"
	default:
		return "unknown"
	}
}

// Poller decides when the next request may go out and when an outstanding
// request has timed out.
type Poller struct {
	interval    time.Duration
	now         func() time.Time
	logger      zerolog.Logger
	lastRequest time.Time
	status      Status
	announced   time.Time
}

// New creates a poller for the given poll interval.
func New(interval time.Duration, now func() time.Time, logger zerolog.Logger) *Poller {
	if now == nil {
		now = time.Now
	}
	return &Poller{interval: interval, now: now, logger: logger}
}

// Interval returns the poll interval.
func (p *Poller) Interval() time.Duration { return p.interval }

// Status returns the last announced status.
func (p *Poller) Status() Status { return p.status }

// LastRequest returns when the last request was sent.
func (p *Poller) LastRequest() time.Time { return p.lastRequest }

// Announce records s and logs it unless the same status was logged recently.
func (p *Poller) Announce(s Status) {
	now := p.now()
	if s == p.status && !p.announced.IsZero() && now.Sub(p.announced) < announceEvery {
		return
	}
	p.status = s
	p.announced = now

	ev := p.logger.Info()
	if s == StatusTimeout {
		ev = p.logger.Warn()
	}
	ev.Str("status", s.String()).Msg("Status")
}

// Ready reports whether a request may be sent now. busy is true while a
// frame is in flight, writable reflects the transport's write readiness.
func (p *Poller) Ready(busy, writable bool) bool {
	if busy {
		p.Announce(StatusBusyReading)
		return false
	}
	if !p.lastRequest.IsZero() && p.now().Sub(p.lastRequest) < p.interval {
		p.Announce(StatusWaitingForPollInterval)
		return false
	}
	if !writable {
		p.Announce(StatusHwSerialNotAvailableForWrite)
		return false
	}
	return true
}

// MarkSent records a request transmission.
func (p *Poller) MarkSent() {
	p.lastRequest = p.now()
	p.Announce(StatusRequestSent)
}

// Completed records a received frame.
func (p *Poller) Completed() {
	p.Announce(StatusFrameCompleted)
}

// Deadline returns the time after which the outstanding request has timed out.
func (p *Poller) Deadline() time.Time {
	return p.lastRequest.Add(2*p.interval + Slack)
}

// TimedOut reports whether no response arrived in time and announces the
// timeout. The caller must reset its framer.
func (p *Poller) TimedOut() bool {
	if p.lastRequest.IsZero() || !p.now().After(p.Deadline()) {
		return false
	}
	p.Announce(StatusTimeout)
	return true
}

// Throttle enforces a minimum gap between consecutive writes.
type Throttle struct {
	gap  time.Duration
	now  func() time.Time
	last time.Time
}

// NewThrottle creates a throttle with the given minimum gap.
func NewThrottle(gap time.Duration, now func() time.Time) *Throttle {
	if now == nil {
		now = time.Now
	}
	return &Throttle{gap: gap, now: now}
}

// Ready reports whether the gap since the last write has elapsed.
func (t *Throttle) Ready() bool {
	return t.last.IsZero() || t.now().Sub(t.last) >= t.gap
}

// Mark records a write.
func (t *Throttle) Mark() { t.last = t.now() }
