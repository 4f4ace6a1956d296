package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/resident-x/go-battery/internal/domain"
	"github.com/rs/zerolog"
	"go.bug.st/serial"
)

// rxBufferSize bounds the bytes buffered between the reader goroutine and
// the controller.
const rxBufferSize = 4096

// readTimeout lets the reader goroutine notice Close.
const readTimeout = 100 * time.Millisecond

// SerialPort adapts a go.bug.st/serial port to the non-blocking Port
// contract. A goroutine moves received bytes into a bounded buffer.
type SerialPort struct {
	name   string
	port   serial.Port
	logger zerolog.Logger

	mu      sync.Mutex
	rx      []byte
	dropped int
	err     error
	closed  bool
	done    chan struct{}
}

// OpenSerial opens device at baud, 8N1.
func OpenSerial(device string, baud int, logger zerolog.Logger) (*SerialPort, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", device, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", device, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		logger.Warn().Err(err).Str("device", device).Msg("Failed to clear receive buffer")
	}

	p := &SerialPort{
		name:   device,
		port:   port,
		logger: logger.With().Str("component", "serial").Str("device", device).Logger(),
		done:   make(chan struct{}),
	}
	go p.readLoop()

	p.logger.Info().Int("baud", baud).Msg("Serial port opened")
	return p, nil
}

func (p *SerialPort) readLoop() {
	defer close(p.done)

	buf := make([]byte, 256)
	for {
		n, err := p.port.Read(buf)

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		if err != nil {
			p.err = err
			p.mu.Unlock()
			p.logger.Error().Err(err).Msg("Serial read failed")
			return
		}
		free := rxBufferSize - len(p.rx)
		if n > free {
			p.dropped += n - free
			n = free
		}
		p.rx = append(p.rx, buf[:n]...)
		p.mu.Unlock()
	}
}

func (p *SerialPort) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rx)
}

func (p *SerialPort) ReadByte() (byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.rx) == 0 {
		if p.err != nil {
			return 0, p.err
		}
		return 0, fmt.Errorf("%s: no data available", p.name)
	}
	b := p.rx[0]
	p.rx = p.rx[1:]
	return b, nil
}

func (p *SerialPort) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

// AvailableForWrite reports whether the port is open and healthy.
func (p *SerialPort) AvailableForWrite() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && p.err == nil
}

// SetRTS drives the RS485 driver enable line.
func (p *SerialPort) SetRTS(high bool) error {
	return p.port.SetRTS(high)
}

// Flush waits until all written bytes left the UART.
func (p *SerialPort) Flush() error {
	return p.port.Drain()
}

// Dropped returns the number of bytes lost to a full receive buffer.
func (p *SerialPort) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

func (p *SerialPort) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.port.Close()
	<-p.done
	p.logger.Info().Msg("Serial port closed")
	return err
}

var (
	_ domain.Port             = (*SerialPort)(nil)
	_ domain.DirectionControl = (*SerialPort)(nil)
	_ domain.Flusher          = (*SerialPort)(nil)
)
