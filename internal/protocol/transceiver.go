package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/resident-x/go-battery/internal/domain"
	"github.com/resident-x/go-battery/internal/frame"
	"github.com/resident-x/go-battery/internal/poll"
	"github.com/resident-x/go-battery/internal/session"
	"github.com/rs/zerolog"
)

// WriteGap is the minimum pause between two requests on the bus.
const WriteGap = 100 * time.Millisecond

// noiseReportEvery limits how often interference is reported.
const noiseReportEvery = 10 * time.Second

// Exchange is an answered request.
type Exchange struct {
	Command  Command
	Address  byte
	Response *Response
}

// Transceiver runs the half-duplex request/response exchange on one port.
// At most one request is outstanding at any time.
type Transceiver struct {
	port    domain.Port
	builder *CommandBuilder
	framer  *Framer
	poller  *poll.Poller
	gap     *poll.Throttle
	link    *session.Link
	logger  zerolog.Logger
	verbose bool
	now     func() time.Time

	pending     Command
	pendingAdr  byte
	noise       int
	noiseLogged time.Time
}

// NewTransceiver wires a port to the envelope codec.
func NewTransceiver(port domain.Port, builder *CommandBuilder, poller *poll.Poller,
	link *session.Link, logger zerolog.Logger, verbose bool, now func() time.Time) *Transceiver {
	if now == nil {
		now = time.Now
	}
	return &Transceiver{
		port:    port,
		builder: builder,
		framer:  NewFramer(),
		poller:  poller,
		gap:     poll.NewThrottle(WriteGap, now),
		link:    link,
		logger:  logger,
		verbose: verbose,
		now:     now,
	}
}

// Pending returns the command awaiting an answer, or CmdNone.
func (t *Transceiver) Pending() Command { return t.pending }

// Busy reports whether a request is outstanding or a frame is being received.
func (t *Transceiver) Busy() bool {
	return t.pending != CmdNone || !t.framer.Idle()
}

// CanSend reports whether the next request may go out. With respectInterval
// the poll interval must also have elapsed since the previous request.
func (t *Transceiver) CanSend(respectInterval bool) bool {
	if !t.gap.Ready() {
		return false
	}
	if respectInterval {
		return t.poller.Ready(t.Busy(), t.port.AvailableForWrite())
	}
	if t.Busy() {
		t.poller.Announce(poll.StatusBusyReading)
		return false
	}
	if !t.port.AvailableForWrite() {
		t.poller.Announce(poll.StatusHwSerialNotAvailableForWrite)
		return false
	}
	return true
}

// Send transmits cmd with info to adr. When expectResponse is set the
// transceiver stays busy until the answer arrives or the deadline passes.
func (t *Transceiver) Send(adr byte, cmd Command, info []byte, expectResponse bool) error {
	if t.Busy() {
		return fmt.Errorf("send %s: request %s still pending", cmd, t.pending)
	}

	raw := t.builder.Encode(adr, byte(cmd), info)
	if t.verbose {
		t.logger.Debug().Str("cmd", cmd.String()).Uint8("adr", adr).Str("frame", string(raw[1:len(raw)-1])).Msg("Sending request")
	}
	if err := domain.WriteHalfDuplex(t.port, raw); err != nil {
		return fmt.Errorf("send %s: %w", cmd, err)
	}

	t.gap.Mark()
	t.poller.MarkSent()
	t.link.AddRequest(len(raw))
	if expectResponse {
		t.pending = cmd
		t.pendingAdr = adr
	}
	return nil
}

// Expect waits for an answer to cmd from adr without sending a request.
func (t *Transceiver) Expect(adr byte, cmd Command) error {
	if t.Busy() {
		return fmt.Errorf("expect %s: request %s still pending", cmd, t.pending)
	}
	t.poller.MarkSent()
	t.pending = cmd
	t.pendingAdr = adr
	return nil
}

// Receive drains the port and returns the answer to the pending request once
// a valid frame arrived. Invalid frames are dropped and do not clear the
// pending request; an unanswered request fails with poll.ErrTimeout.
func (t *Transceiver) Receive() (*Exchange, error) {
	defer t.reportNoise()

	received := 0
	for t.port.Available() > 0 {
		b, err := t.port.ReadByte()
		if err != nil {
			break
		}
		received++

		raw, err := t.framer.Feed(b)
		if err != nil {
			t.link.FramingError()
			t.logger.Debug().Err(err).Msg("Frame discarded")
			continue
		}
		if raw == nil {
			continue
		}

		resp, err := DecodeResponse(raw)
		if err != nil {
			t.dropped(raw, err)
			continue
		}

		t.link.AddBytesReceived(received)
		t.link.FrameReceived()
		t.poller.Completed()
		if t.verbose {
			t.logger.Debug().
				Uint8("ver", resp.Version).
				Uint8("adr", resp.Address).
				Uint8("cid1", resp.CID1).
				Str("rtn", resp.RTN.String()).
				Hex("info", resp.Info).
				Msg("Frame received")
		}

		ex := &Exchange{Command: t.pending, Address: t.pendingAdr, Response: resp}
		t.pending = CmdNone
		return ex, nil
	}
	t.link.AddBytesReceived(received)

	if t.Busy() && t.poller.TimedOut() {
		cmd := t.pending
		t.framer.Reset()
		t.pending = CmdNone
		t.link.Timeout()
		return nil, fmt.Errorf("%s: %w", cmd, poll.ErrTimeout)
	}
	return nil, nil
}

// Reset abandons any outstanding request and partial frame.
func (t *Transceiver) Reset() {
	t.framer.Reset()
	t.pending = CmdNone
}

func (t *Transceiver) dropped(raw []byte, err error) {
	if errors.Is(err, frame.ErrChecksum) {
		t.link.ChecksumError()
		t.logger.Warn().Err(err).Str("frame", string(raw)).Msg("Checksum mismatch, frame discarded")
		return
	}
	t.link.FramingError()
	t.logger.Debug().Err(err).Str("frame", string(raw)).Msg("Malformed frame discarded")
}

func (t *Transceiver) reportNoise() {
	n := t.framer.TakeNoise()
	if n > 0 {
		t.noise += n
		t.link.AddNoise(n)
	}
	if t.noise == 0 || t.now().Sub(t.noiseLogged) < noiseReportEvery {
		return
	}
	t.logger.Warn().Int("bytes", t.noise).Msg("RS485 interference, bytes outside of frames discarded")
	t.noise = 0
	t.noiseLogged = t.now()
}
