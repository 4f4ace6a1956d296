package pylontech

import (
	"errors"
	"time"

	"github.com/resident-x/go-battery/internal/battery"
	"github.com/resident-x/go-battery/internal/poll"
	"github.com/resident-x/go-battery/internal/protocol"
	"github.com/rs/zerolog"
)

// DefaultBaud is the RS485 line speed of Pylontech batteries.
const DefaultBaud = 115200

// masterAddress is the address of the first pack; further packs follow it.
const masterAddress byte = 2

// portOwner is the name under which the controller holds its serial port.
const portOwner = "Pylontech RS485"

type step struct {
	cmd     protocol.Command
	perPack bool
}

// startup reads the static information once, one request at a time.
var startup = []step{
	{protocol.CmdGetProtocolVersion, false},
	{protocol.CmdGetManufacturerInfo, false},
	{protocol.CmdGetSerialNumber, true},
	{protocol.CmdGetFirmwareInfo, true},
	{protocol.CmdGetSystemParameter, false},
	{protocol.CmdGetPackCount, false},
	{protocol.CmdGetChargeDischargeManagementInfo, true},
	{protocol.CmdGetAnalogValue, true},
	{protocol.CmdGetAlarmInfo, true},
}

// rotation is polled once per poll interval, one request per interval.
var rotation = []step{
	{protocol.CmdGetAnalogValue, true},
	{protocol.CmdGetChargeDischargeManagementInfo, true},
	{protocol.CmdGetAnalogValue, true},
	{protocol.CmdGetAlarmInfo, true},
	{protocol.CmdGetAnalogValue, true},
	{protocol.CmdGetSystemParameter, false},
}

// RS485Controller polls a Pylontech battery stack over RS485.
type RS485Controller struct {
	env     battery.Env
	stats   *battery.Stats
	details *battery.PylontechRS485
	logger  zerolog.Logger
	now     func() time.Time

	serial *battery.SerialSession
	tr     *protocol.Transceiver

	startupIdx  int
	rotationIdx int
	pack        int
}

// NewRS485 creates the Pylontech RS485 battery provider.
func NewRS485(env battery.Env) battery.Provider {
	details := &battery.PylontechRS485{}
	details.MasterAddress = masterAddress
	now := env.Now
	if now == nil {
		now = time.Now
	}
	return &RS485Controller{
		env:     env,
		stats:   battery.NewStats("pylontech-rs485", details),
		details: details,
		logger:  env.Logger.With().Str("component", "pylontech-rs485").Logger(),
		now:     now,
	}
}

// Init opens the serial port. The startup sequence runs from Loop.
func (c *RS485Controller) Init() error {
	s, err := c.env.AcquireSerial(portOwner, "pylontech-rs485", DefaultBaud)
	if err != nil {
		return err
	}
	c.serial = s

	interval := time.Duration(c.env.Config.PollIntervalSeconds) * time.Second
	poller := poll.New(interval, c.now, c.logger)
	c.tr = protocol.NewTransceiver(s.Port, protocol.NewCommandBuilder(protocol.VersionPylontech),
		poller, s.Link, c.logger, c.env.Config.VerboseLogging, c.now)

	c.startupIdx, c.rotationIdx, c.pack = 0, 0, 0
	c.logger.Info().Str("device", c.env.Config.Serial.Device).Msg("RS485 controller initialized, reading basic infos and parameters")
	return nil
}

// Deinit releases the serial port.
func (c *RS485Controller) Deinit() {
	if c.serial == nil {
		return
	}
	if err := c.serial.Release(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to close serial port")
	}
	c.serial = nil
	c.tr = nil
	c.logger.Info().Msg("RS485 driver uninstalled")
}

// Stats returns the live stats.
func (c *RS485Controller) Stats() *battery.Stats { return c.stats }

// Initialized reports whether the startup sequence has completed.
func (c *RS485Controller) Initialized() bool { return c.startupIdx >= len(startup) }

// Loop handles a received answer or a timeout, then sends the next request
// once the transport is idle.
func (c *RS485Controller) Loop() {
	if c.tr == nil {
		return
	}

	ex, err := c.tr.Receive()
	switch {
	case errors.Is(err, poll.ErrTimeout):
		c.logger.Warn().Err(err).Msg("Battery not responding, check cabling or battery power switch")
	case err != nil:
		c.logger.Error().Err(err).Msg("Receive failed")
	case ex != nil:
		c.handle(ex)
	}

	c.sendNext()
}

func (c *RS485Controller) handle(ex *protocol.Exchange) {
	ts := c.now()
	if _, err := protocol.Apply(&c.details.RS485, ex, ts); err != nil {
		c.logger.Warn().Err(err).Uint8("adr", ex.Address).Msg("Answer rejected")
		return
	}
	protocol.Summarize(c.stats, &c.details.RS485, ts)

	if c.env.Config.VerboseLogging {
		c.logger.Debug().
			Str("cmd", ex.Command.String()).
			Uint8("adr", ex.Address).
			Float64("voltage", c.details.Totals.Voltage).
			Float64("current", c.details.Totals.Current).
			Float64("soc", c.details.Totals.SoC).
			Msg("Answer applied")
	}
}

func (c *RS485Controller) packCount() int {
	if n := int(c.details.PackCount); n > 0 {
		return n
	}
	return 1
}

func (c *RS485Controller) sendNext() {
	inStartup := !c.Initialized()
	if !c.tr.CanSend(!inStartup) {
		return
	}

	var s step
	if inStartup {
		s = startup[c.startupIdx]
	} else {
		s = rotation[c.rotationIdx]
	}

	adr := masterAddress
	if s.perPack && !inStartup {
		adr += byte(c.pack)
	}
	if err := c.tr.Send(adr, s.cmd, requestInfo(adr, s.perPack), true); err != nil {
		c.logger.Error().Err(err).Msg("Failed to send request")
		return
	}

	if inStartup {
		c.startupIdx++
		if c.Initialized() {
			c.logger.Info().Int("packs", c.packCount()).Msg("Basic infos and parameters read")
		}
		return
	}
	c.rotationIdx++
	if c.rotationIdx == len(rotation) {
		c.rotationIdx = 0
		c.pack = (c.pack + 1) % c.packCount()
	}
}

func requestInfo(adr byte, perPack bool) []byte {
	if perPack {
		return []byte{adr}
	}
	return nil
}
