package jkbms

import (
	"errors"
	"fmt"
	"time"

	"github.com/resident-x/go-battery/internal/battery"
	"github.com/resident-x/go-battery/internal/config"
	"github.com/resident-x/go-battery/internal/datapoint"
	"github.com/resident-x/go-battery/internal/domain"
	"github.com/resident-x/go-battery/internal/frame"
	"github.com/resident-x/go-battery/internal/poll"
	"github.com/rs/zerolog"
)

// DefaultBaud is the line speed of the JK BMS GPS/RS485 port.
const DefaultBaud = 115200

const portOwner = "JK BMS"

// unknownProtocolVersion is assumed until the BMS reports field 0xC0.
const unknownProtocolVersion uint8 = 0xFF

// Controller polls a JK BMS with the "read all" request.
type Controller struct {
	env     battery.Env
	stats   *battery.Stats
	logger  zerolog.Logger
	verbose bool
	now     func() time.Time

	serial          *battery.SerialSession
	poller          *poll.Poller
	framer          *Framer
	transceiver     bool
	protocolVersion uint8
}

// New creates the JK BMS battery provider.
func New(env battery.Env) battery.Provider {
	now := env.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		env:             env,
		stats:           battery.NewStats("jkbms", &battery.JK{CellSummary: battery.NewCellSummary()}),
		logger:          env.Logger.With().Str("component", "jkbms").Logger(),
		verbose:         env.Config.VerboseLogging,
		now:             now,
		framer:          NewFramer(),
		protocolVersion: unknownProtocolVersion,
	}
}

func (c *Controller) Init() error {
	var ifc string
	switch c.env.Config.JKBMS.Interface {
	case config.JKInterfaceUART:
		ifc, c.transceiver = "TTL-UART", false
	case config.JKInterfaceTransceiver:
		ifc, c.transceiver = "transceiver", true
	default:
		return fmt.Errorf("invalid JK BMS interface %d", c.env.Config.JKBMS.Interface)
	}
	c.logger.Info().Str("interface", ifc).Msg("Initialize interface")

	s, err := c.env.AcquireSerial(portOwner, "jkbms", DefaultBaud)
	if err != nil {
		return err
	}
	c.serial = s

	interval := time.Duration(c.env.Config.PollIntervalSeconds) * time.Second
	c.poller = poll.New(interval, c.now, c.logger)
	c.framer.Reset()
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
}

func (c *Controller) Stats() *battery.Stats { return c.stats }

// Loop drains received bytes, sends the next request when due and drops an
// unanswered request after its deadline.
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

	req := ReadAll()
	var err error
	if c.transceiver {
		err = domain.WriteHalfDuplex(port, req)
	} else {
		_, err = port.Write(req)
	}
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to send request")
		return
	}
	c.serial.Link.AddRequest(len(req))
	c.poller.MarkSent()
	c.framer.Arm()
}

func (c *Controller) rx(b byte) {
	raw, err := c.framer.Feed(b)
	if err != nil {
		c.serial.Link.FramingError()
		if c.verbose {
			c.logger.Debug().Err(err).Msg("Frame discarded")
		}
		return
	}
	if raw == nil {
		return
	}
	c.poller.Completed()
	c.frameComplete(raw)
}

func (c *Controller) frameComplete(raw []byte) {
	if c.verbose {
		c.logger.Debug().Int("bytes", len(raw)).Hex("raw", raw).Msg("Raw data")
	}

	ts := c.now()
	dp, err := Decode(raw, c.protocolVersion, ts)
	switch {
	case errors.Is(err, ErrUnknownField):
		c.logger.Warn().Err(err).Msg("Partially decoded frame")
	case err != nil:
		if errors.Is(err, frame.ErrChecksum) {
			c.serial.Link.ChecksumError()
		} else {
			c.serial.Link.FramingError()
		}
		c.logger.Warn().Err(err).Msg("Invalid frame")
		return
	}
	c.serial.Link.FrameReceived()

	if v, ok := datapoint.Get(dp, ProtocolVersion); ok {
		c.protocolVersion = v
	}
	Apply(c.stats, dp, ts)

	if !c.verbose {
		return
	}
	for _, p := range dp.List() {
		c.logger.Debug().
			Str("label", p.Label).
			Str("value", p.Display()).
			Str("unit", p.Unit).
			Msg("Data point")
	}
}

var _ battery.Provider = (*Controller)(nil)
