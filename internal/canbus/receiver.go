// Package canbus drives BMS protocols that broadcast fixed-layout CAN frames.
package canbus

import (
	"errors"
	"fmt"
	"time"

	"github.com/resident-x/go-battery/internal/battery"
	"github.com/resident-x/go-battery/internal/domain"
	"github.com/resident-x/go-battery/internal/session"
	"github.com/rs/zerolog"
)

// maxFramesPerLoop bounds the work done by one Loop call.
const maxFramesPerLoop = 64

// Dispatcher decodes the frames of one protocol into the provider's stats.
type Dispatcher interface {
	// Dispatch applies f to stats. It reports false for identifiers the
	// protocol does not use; an error means a known frame was malformed.
	Dispatch(f domain.CANFrame, stats *battery.Stats, ts time.Time) (bool, error)
}

// DispatchFunc adapts a function to the Dispatcher interface.
type DispatchFunc func(f domain.CANFrame, stats *battery.Stats, ts time.Time) (bool, error)

func (fn DispatchFunc) Dispatch(f domain.CANFrame, stats *battery.Stats, ts time.Time) (bool, error) {
	return fn(f, stats, ts)
}

// Receiver is a battery provider fed by a CAN frame source.
type Receiver struct {
	env        battery.Env
	protocol   string
	stats      *battery.Stats
	dispatcher Dispatcher
	logger     zerolog.Logger
	verbose    bool
	now        func() time.Time

	source domain.FrameSource
	link   *session.Link
}

// NewReceiver creates a receiver for protocol. The CAN interface is opened by Init.
func NewReceiver(env battery.Env, protocol string, stats *battery.Stats, d Dispatcher) *Receiver {
	now := env.Now
	if now == nil {
		now = time.Now
	}
	return &Receiver{
		env:        env,
		protocol:   protocol,
		stats:      stats,
		dispatcher: d,
		logger:     env.Logger.With().Str("component", protocol).Logger(),
		verbose:    env.Config.VerboseLogging,
		now:        now,
	}
}

// Init opens the configured CAN interface.
func (r *Receiver) Init() error {
	if r.env.OpenCAN == nil {
		return errors.New("no CAN transport available")
	}
	iface := r.env.Config.CAN.Interface
	src, err := r.env.OpenCAN(iface)
	if err != nil {
		return fmt.Errorf("%s: %w", r.protocol, err)
	}
	r.source = src
	r.link = r.env.OpenLink(r.protocol, iface)
	r.logger.Info().Str("interface", iface).Msg("CAN receiver initialized")
	return nil
}

// Deinit closes the CAN interface.
func (r *Receiver) Deinit() {
	if r.source == nil {
		return
	}
	if err := r.source.Close(); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to close CAN interface")
	}
	r.source = nil
	r.env.CloseLink()
	r.logger.Info().Msg("CAN receiver stopped")
}

// Loop drains the frames queued since the previous call.
func (r *Receiver) Loop() {
	if r.source == nil {
		return
	}
	for i := 0; i < maxFramesPerLoop; i++ {
		f, ok := r.source.Receive()
		if !ok {
			return
		}
		r.handle(f)
	}
}

func (r *Receiver) handle(f domain.CANFrame) {
	if r.verbose {
		r.logger.Debug().
			Str("id", fmt.Sprintf("0x%03X", f.ID)).
			Hex("data", f.Payload()).
			Msg("CAN frame received")
	}
	r.link.AddBytesReceived(int(f.Length))

	ts := r.now()
	known, err := r.dispatcher.Dispatch(f, r.stats, ts)
	if err != nil {
		r.link.FramingError()
		r.logger.Debug().Err(err).Str("id", fmt.Sprintf("0x%03X", f.ID)).Msg("Malformed CAN frame discarded")
		return
	}
	if !known {
		return
	}
	r.link.FrameReceived()
	r.stats.Touch(ts)
}

// Stats returns the provider's live stats.
func (r *Receiver) Stats() *battery.Stats { return r.stats }

var _ battery.Provider = (*Receiver)(nil)
