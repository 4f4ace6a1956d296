package jbdbms

import (
	"errors"
	"time"

	"github.com/resident-x/go-battery/internal/battery"
	"github.com/resident-x/go-battery/internal/domain"
	"github.com/resident-x/go-battery/internal/frame"
	"github.com/resident-x/go-battery/internal/poll"
	"github.com/rs/zerolog"
)

const DefaultBaud = 9600

const portOwner = "JBD BMS"

// Controller polls a JBD BMS.
type Controller struct {
	env     battery.Env
	stats   *battery.Stats
	logger  zerolog.Logger
	verbose bool
	now     func() time.Time

	serial  *battery.SerialSession
	poller  *poll.Poller
	framer  *Framer
	lastCmd Command
}

// New creates the JBD BMS battery provider.
func New(env battery.Env) battery.Provider {
	now := env.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		env:     env,
		stats:   battery.NewStats("jbdbms", &battery.JBD{CellSummary: battery.NewCellSummary()}),
		logger:  env.Logger.With().Str("component", "jbdbms").Logger(),
		verbose: env.Config.VerboseLogging,
		now:     now,
		framer:  NewFramer(),
	}
}

func (c *Controller) Init() error {
	c.logger.Info().Msg("Initialize JBD BMS controller")
	s, err := c.env.AcquireSerial(portOwner, "jbdbms", DefaultBaud)
	if err != nil {
		return err
	}
	c.serial = s

	// stale bytes from before the port was ours
	for s.Port.Available() > 0 {
		if _, err := s.Port.ReadByte(); err != nil {
			break
		}
	}

	interval := time.Duration(c.env.Config.PollIntervalSeconds) * time.Second
	c.poller = poll.New(interval, c.now, c.logger)
	c.framer.Reset()
	c.lastCmd = CmdInit
	return nil
}

func (c *Controller) Deinit() {
	if c.serial == nil {
		return
	}
	if err := c.serial.Release(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to close serial port")
	}
	c.serial = nil
	c.logger.Info().Msg("Serial driver uninstalled")
}

func (c *Controller) Stats() *battery.Stats { return c.stats }

func (c *Controller) Loop() {
	if c.serial == nil {
		return
	}
	port := c.serial.Port

	for port.Available() > 0 {
		b, err := port.ReadByte()
		if err != nil {
			c.logger.Warn().Err(err).Msg("Read failed")
			break
		}
		c.serial.Link.AddBytesReceived(1)
		c.rx(b)
	}

	c.sendRequest()

	if !c.framer.Idle() && c.poller.TimedOut() {
		c.serial.Link.Timeout()
		c.framer.Reset()
	}
}

func (c *Controller) sendRequest() {
	port := c.serial.Port
	if !c.poller.Ready(!c.framer.Idle(), port.AvailableForWrite()) {
		return
	}

	cmd := c.lastCmd.Next()
	req := Read(cmd)
	if err := domain.WriteHalfDuplex(port, req); err != nil {
		c.logger.Error().Err(err).Str("cmd", cmd.String()).Msg("Failed to send request")
		return
	}
	c.lastCmd = cmd
	c.serial.Link.AddRequest(len(req))
	c.poller.MarkSent()
	c.framer.Arm()
}

func (c *Controller) rx(b byte) {
	raw, err := c.framer.Feed(b)
	if err != nil {
		c.serial.Link.FramingError()
		if c.verbose {
			c.logger.Debug().Err(err).Msg("Invalid frame")
		}
		return
	}
	if raw == nil {
		return
	}
	c.poller.Completed()

	if c.verbose {
		c.logger.Debug().Int("bytes", len(raw)).Hex("raw", raw).Msg("Raw data")
	}

	ts := c.now()
	dp, cmd, err := Decode(raw, ts)
	if err != nil {
		if errors.Is(err, frame.ErrChecksum) {
			c.serial.Link.ChecksumError()
		} else {
			c.serial.Link.FramingError()
		}
		c.logger.Warn().Err(err).Msg("Invalid response")
		return
	}
	c.serial.Link.FrameReceived()
	Apply(c.stats, dp, ts)

	if !c.verbose {
		return
	}
	ev := c.logger.Debug().Str("cmd", cmd.String())
	if bits, ok := dp.Point(AlarmsBitmask.ID); ok {
		ev = ev.Strs("alarms", AlarmNames(bits.Value.(uint16)))
	}
	ev.Msg("Response applied")
	for _, p := range dp.List() {
		c.logger.Debug().Str("label", p.Label).Str("value", p.Display()).Str("unit", p.Unit).Msg("Data point")
	}
}

var _ battery.Provider = (*Controller)(nil)
