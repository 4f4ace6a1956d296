// Package gobel polls Gobel Power batteries, which speak a variant of the
// Pylontech RS485 envelope with protocol version 0x25.
package gobel

import (
	"errors"
	"fmt"
	"time"

	"github.com/resident-x/go-battery/internal/battery"
	"github.com/resident-x/go-battery/internal/poll"
	"github.com/resident-x/go-battery/internal/protocol"
	"github.com/rs/zerolog"
)

const (
	// DefaultBaud is the RS485 line speed of Gobel batteries.
	DefaultBaud = 9600

	// MasterAddress is the address of the first module.
	MasterAddress byte = 1

	portOwner = "Gobel"
)

// Info values of the control commands.
const (
	InfoBuzzerOff byte = 0x0C
	InfoBuzzerOn  byte = 0x0D
	InfoMOSFETOn  byte = 0x00
	InfoMOSFETOff byte = 0x01

	// InfoAllModules addresses every module behind the master.
	InfoAllModules byte = 0xFF
)

// Function selects the transport side of a job.
type Function uint8

const (
	// Request sends the command without waiting for an answer.
	Request Function = iota
	// RequestAndGet sends the command and waits for its answer.
	RequestAndGet
	// Get waits for an answer without sending.
	Get
)

func (f Function) String() string {
	switch f {
	case Request:
		return "request"
	case RequestAndGet:
		return "request-and-get"
	case Get:
		return "get"
	default:
		return "unknown"
	}
}

// Job is one queued exchange.
type Job struct {
	Function Function
	Command  protocol.Command
	Module   byte
	Info     []byte
}

// Controller polls a Gobel battery stack.
type Controller struct {
	env     battery.Env
	stats   *battery.Stats
	details *battery.Gobel
	logger  zerolog.Logger
	now     func() time.Time

	serial *battery.SerialSession
	tr     *protocol.Transceiver
	queue  []Job
	module byte
	sent   Job
}

// New creates the Gobel RS485 battery provider.
func New(env battery.Env) battery.Provider {
	details := &battery.Gobel{}
	details.MasterAddress = MasterAddress
	now := env.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		env:     env,
		stats:   battery.NewStats("gobel-rs485", details),
		details: details,
		logger:  env.Logger.With().Str("component", "gobel").Logger(),
		now:     now,
	}
}

// Init opens the serial port and queues the parameter reads.
func (c *Controller) Init() error {
	s, err := c.env.AcquireSerial(portOwner, "gobel-rs485", DefaultBaud)
	if err != nil {
		return err
	}
	c.serial = s

	interval := time.Duration(c.env.Config.PollIntervalSeconds) * time.Second
	poller := poll.New(interval, c.now, c.logger)
	c.tr = protocol.NewTransceiver(s.Port, protocol.NewCommandBuilder(protocol.VersionGobel),
		poller, s.Link, c.logger, c.env.Config.VerboseLogging, c.now)

	c.module = MasterAddress
	c.queue = c.readParameters()
	c.logger.Info().Str("device", c.env.Config.Serial.Device).Msg("Gobel controller initialized")
	return nil
}

func (c *Controller) readParameters() []Job {
	m := MasterAddress
	return []Job{
		{RequestAndGet, protocol.CmdGetProtocolVersion, m, nil},
		{RequestAndGet, protocol.CmdGetManufacturerInfo, m, nil},
		{RequestAndGet, protocol.CmdGetPackCount, m, []byte{m}},
		{RequestAndGet, protocol.CmdGetFirmwareInfo, m, []byte{m}},
		{RequestAndGet, protocol.CmdGetSerialNumber, m, []byte{m}},
		{RequestAndGet, protocol.CmdGetSystemParameter, m, nil},
	}
}

// cycle returns the reads of one poll interval for module.
func (c *Controller) cycle(module byte) []Job {
	return []Job{
		{RequestAndGet, protocol.CmdGetAnalogValue, module, []byte{module}},
		{RequestAndGet, protocol.CmdGetAlarmInfo, module, []byte{module}},
		{RequestAndGet, protocol.CmdGetChargeDischargeManagementInfo, module, []byte{module}},
		{RequestAndGet, protocol.CmdGetPackCapacity, module, nil},
	}
}

// Deinit releases the serial port.
func (c *Controller) Deinit() {
	if c.serial == nil {
		return
	}
	if err := c.serial.Release(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to close serial port")
	}
	c.serial = nil
	c.tr = nil
	c.queue = nil
	c.logger.Info().Msg("Gobel controller stopped")
}

// Stats returns the live stats.
func (c *Controller) Stats() *battery.Stats { return c.stats }

// Enqueue schedules a job ahead of the next poll cycle.
func (c *Controller) Enqueue(j Job) {
	c.queue = append(c.queue, j)
}

// SetBuzzer switches the alarm buzzer of the master module.
func (c *Controller) SetBuzzer(on bool) {
	info := InfoBuzzerOff
	if on {
		info = InfoBuzzerOn
	}
	c.Enqueue(Job{RequestAndGet, protocol.CmdControl, MasterAddress, []byte{info}})
}

// SetChargeMOSFET opens or closes the charge MOSFET of module.
func (c *Controller) SetChargeMOSFET(module byte, on bool) {
	c.Enqueue(Job{RequestAndGet, protocol.CmdChargeMOSFETControl, module, []byte{mosfetInfo(on)}})
}

// SetDischargeMOSFET opens or closes the discharge MOSFET of module.
func (c *Controller) SetDischargeMOSFET(module byte, on bool) {
	c.Enqueue(Job{RequestAndGet, protocol.CmdDischargeMOSFETControl, module, []byte{mosfetInfo(on)}})
}

func mosfetInfo(on bool) byte {
	if on {
		return InfoMOSFETOn
	}
	return InfoMOSFETOff
}

// Loop handles an answer or timeout and starts the next queued job.
func (c *Controller) Loop() {
	if c.tr == nil {
		return
	}

	ex, err := c.tr.Receive()
	switch {
	case errors.Is(err, poll.ErrTimeout):
		c.logger.Warn().Err(err).Msg("Battery not responding")
	case err != nil:
		c.logger.Error().Err(err).Msg("Receive failed")
	case ex != nil:
		c.handle(ex)
	}

	if len(c.queue) == 0 {
		if !c.tr.CanSend(true) {
			return
		}
		c.queue = c.cycle(c.module)
		c.module++
		if int(c.module) >= int(MasterAddress)+c.moduleCount() {
			c.module = MasterAddress
		}
	}
	if !c.tr.CanSend(false) {
		return
	}
	c.run(c.queue[0])
	c.queue = c.queue[1:]
}

func (c *Controller) moduleCount() int {
	if n := int(c.details.PackCount); n > 0 {
		return n
	}
	return 1
}

func (c *Controller) run(j Job) {
	c.sent = j
	var err error
	switch j.Function {
	case Request:
		err = c.tr.Send(j.Module, j.Command, j.Info, false)
	case RequestAndGet:
		err = c.tr.Send(j.Module, j.Command, j.Info, true)
	case Get:
		err = c.tr.Expect(j.Module, j.Command)
	default:
		err = fmt.Errorf("unknown function %d", j.Function)
	}
	if err != nil {
		c.logger.Error().Err(err).Str("function", j.Function.String()).Msg("Job failed")
	}
}

func (c *Controller) handle(ex *protocol.Exchange) {
	ts := c.now()
	rtn := ex.Response.RTN
	c.details.LastResponseCode = byte(rtn)

	switch ex.Command {
	case protocol.CmdControl, protocol.CmdChargeMOSFETControl, protocol.CmdDischargeMOSFETControl:
		c.controlAnswered(ex)
		return
	case protocol.CmdGetPackCapacity:
		if rtn != protocol.RTNNormal {
			c.logger.Warn().Str("rtn", rtn.String()).Msg("Pack capacity rejected")
			return
		}
		pc, err := protocol.DecodePackCapacity(ex.Response.Info)
		if err != nil {
			c.logger.Debug().Err(err).Msg("Malformed pack capacity")
			return
		}
		c.details.RemainingCapacity = pc.Remaining
		c.details.FullCapacity = pc.Full
		c.details.DesignCapacity = pc.Design
		c.stats.Touch(ts)
		return
	}

	if _, err := protocol.Apply(&c.details.RS485, ex, ts); err != nil {
		c.logger.Warn().Err(err).Uint8("module", ex.Address).Msg("Answer rejected")
		return
	}
	protocol.Summarize(c.stats, &c.details.RS485, ts)

	if c.env.Config.VerboseLogging {
		c.logger.Debug().
			Str("cmd", ex.Command.String()).
			Uint8("module", ex.Address).
			Float64("soc", c.details.Totals.SoC).
			Msg("Answer applied")
	}
}

func (c *Controller) controlAnswered(ex *protocol.Exchange) {
	rtn := ex.Response.RTN
	switch rtn {
	case protocol.RTNNormal:
		c.logger.Info().Str("cmd", ex.Command.String()).Uint8("module", ex.Address).Msg("Command accepted")
	case protocol.RTNOperationError:
		c.logger.Error().Str("cmd", ex.Command.String()).Uint8("module", ex.Address).Msg("Write error")
		return
	default:
		c.logger.Warn().Str("cmd", ex.Command.String()).Str("rtn", rtn.String()).Msg("Command rejected")
		return
	}
	if ex.Command == protocol.CmdControl && c.sent.Command == protocol.CmdControl && len(c.sent.Info) > 0 {
		c.details.BuzzerEnabled = c.sent.Info[0] == InfoBuzzerOn
	}
}
