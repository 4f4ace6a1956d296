package dalybms

import (
	"errors"
	"time"

	"github.com/resident-x/go-battery/internal/battery"
	"github.com/resident-x/go-battery/internal/datapoint"
	"github.com/resident-x/go-battery/internal/domain"
	"github.com/resident-x/go-battery/internal/frame"
	"github.com/resident-x/go-battery/internal/poll"
	"github.com/rs/zerolog"
)

const DefaultBaud = 9600

const portOwner = "Daly BMS"

// RequestGap is the minimum spacing between two requests.
const RequestGap = 100 * time.Millisecond

// Controller reads the parameter registers once, then cycles through the
// data registers once per poll interval.
type Controller struct {
	env     battery.Env
	stats   *battery.Stats
	logger  zerolog.Logger
	verbose bool
	now     func() time.Time

	serial   *battery.SerialSession
	poller   *poll.Poller
	throttle *poll.Throttle
	framer   *Framer
	decoder  *Decoder
	address  byte
	interval time.Duration

	readParameters bool
	index          int
	pending        bool
	requested      time.Time
}

// New creates the Daly BMS battery provider.
func New(env battery.Env) battery.Provider {
	now := env.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		env:     env,
		stats:   battery.NewStats("dalybms", &battery.Daly{DataPoints: datapoint.NewContainer()}),
		logger:  env.Logger.With().Str("component", "dalybms").Logger(),
		verbose: env.Config.VerboseLogging,
		now:     now,
		framer:  NewFramer(),
		decoder: NewDecoder(),
	}
}

func (c *Controller) Init() error {
	c.logger.Info().Msg("Initialize Daly BMS controller")
	if pin := c.env.Config.Daly.WakeupPin; pin > 0 {
		c.logger.Warn().Int("pin", pin).Msg("Wakeup pin is not driven on this platform, keep the BMS awake")
	}

	s, err := c.env.AcquireSerial(portOwner, "dalybms", DefaultBaud)
	if err != nil {
		return err
	}
	c.serial = s

	c.address = c.env.Config.Daly.Address
	if c.address == 0 {
		c.address = HostAddress
	}
	c.interval = time.Duration(c.env.Config.PollIntervalSeconds) * time.Second
	c.poller = poll.New(c.interval, c.now, c.logger)
	c.throttle = poll.NewThrottle(RequestGap, c.now)
	c.framer.Reset()
	c.decoder = NewDecoder()
	c.readParameters = true
	c.index = 0
	c.pending = false
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

// NextCommand returns the register the controller reads next.
func (c *Controller) NextCommand() Command {
	if c.readParameters {
		return ParameterCommands[c.index]
	}
	return DataCommands[c.index]
}

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

	if c.pending && c.now().After(c.requested.Add(2*c.interval+poll.Slack)) {
		c.serial.Link.Timeout()
		c.poller.Announce(poll.StatusTimeout)
		c.logger.Warn().Str("cmd", c.NextCommand().String()).Msg("No response, skipping request")
		c.framer.Reset()
		c.advance()
	}
}

func (c *Controller) advance() {
	c.pending = false
	c.index++
	if c.readParameters {
		if c.index == len(ParameterCommands) {
			c.readParameters = false
			c.index = 0
			c.logger.Info().Msg("Parameters read, starting data cycle")
		}
		return
	}
	if c.index == len(DataCommands) {
		c.index = 0
	}
}

func (c *Controller) sendRequest() {
	port := c.serial.Port
	if c.pending {
		c.poller.Announce(poll.StatusBusyReading)
		return
	}
	if !c.throttle.Ready() {
		return
	}

	cycleStart := !c.readParameters && c.index == 0
	if cycleStart {
		if !c.poller.Ready(false, port.AvailableForWrite()) {
			return
		}
	} else if !port.AvailableForWrite() {
		c.poller.Announce(poll.StatusHwSerialNotAvailableForWrite)
		return
	}

	cmd := c.NextCommand()
	req := Request(c.address, cmd)
	frames := c.decoder.Expect(cmd)
	if err := domain.WriteHalfDuplex(port, req); err != nil {
		c.logger.Error().Err(err).Str("cmd", cmd.String()).Msg("Failed to send request")
		return
	}
	c.serial.Link.AddRequest(len(req))
	c.throttle.Mark()
	if cycleStart {
		c.poller.MarkSent()
	}
	c.pending = true
	c.requested = c.now()

	if c.verbose {
		c.logger.Debug().Str("cmd", cmd.String()).Int("frames", frames).Hex("raw", req).Msg("Request sent")
	}
}

func (c *Controller) rx(b byte) {
	raw, err := c.framer.Feed(b)
	if err != nil {
		if errors.Is(err, frame.ErrChecksum) {
			c.serial.Link.ChecksumError()
			c.logger.Warn().Err(err).Msg("Discarded frame")
		} else {
			c.serial.Link.FramingError()
			c.logger.Debug().Err(err).Msg("Discarded byte")
		}
		return
	}
	if raw == nil {
		return
	}

	ts := c.now()
	dp, done, err := c.decoder.Decode(raw, ts)
	switch {
	case errors.Is(err, frame.ErrNoData):
		c.logger.Info().Hex("raw", raw).Msg("Discarded frame without data")
		return
	case errors.Is(err, ErrSleeping):
		c.logger.Info().Err(err).Msg("Discarded frame")
		return
	case err != nil:
		c.serial.Link.FramingError()
		c.logger.Warn().Err(err).Hex("raw", raw).Msg("Discarded frame")
		return
	}

	c.serial.Link.FrameReceived()
	if !done {
		return
	}
	c.poller.Completed()
	Apply(c.stats, dp, ts)

	if c.verbose {
		for _, p := range dp.List() {
			c.logger.Debug().Str("label", p.Label).Str("value", p.Display()).Str("unit", p.Unit).Msg("Data point")
		}
		if d, ok := c.stats.Details.(*battery.Daly); ok && len(d.Failures) > 0 {
			c.logger.Debug().Strs("failures", d.Failures).Msg("Failure codes")
		}
	}
	c.advance()
}

var _ battery.Provider = (*Controller)(nil)
