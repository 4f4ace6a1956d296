package transport

import (
	"fmt"
	"sync"

	"github.com/brutella/can"
	"github.com/resident-x/go-battery/internal/domain"
	"github.com/rs/zerolog"
)

// canQueueSize bounds the frames buffered between the bus and the receiver.
const canQueueSize = 256

// CANBus adapts a SocketCAN interface to the FrameSource contract.
type CANBus struct {
	iface  string
	bus    *can.Bus
	frames chan domain.CANFrame
	logger zerolog.Logger

	mu      sync.Mutex
	dropped int
	done    chan struct{}
}

// OpenCAN connects to the SocketCAN interface iface and starts receiving.
func OpenCAN(iface string, logger zerolog.Logger) (*CANBus, error) {
	bus, err := can.NewBusForInterfaceWithName(iface)
	if err != nil {
		return nil, fmt.Errorf("failed to open CAN interface %s: %w", iface, err)
	}

	b := &CANBus{
		iface:  iface,
		bus:    bus,
		frames: make(chan domain.CANFrame, canQueueSize),
		logger: logger.With().Str("component", "can").Str("interface", iface).Logger(),
		done:   make(chan struct{}),
	}
	bus.SubscribeFunc(b.handle)

	go func() {
		defer close(b.done)
		if err := bus.ConnectAndPublish(); err != nil {
			b.logger.Error().Err(err).Msg("CAN bus stopped")
		}
	}()

	b.logger.Info().Msg("CAN interface opened")
	return b, nil
}

func (b *CANBus) handle(frm can.Frame) {
	f := domain.CANFrame{ID: frm.ID, Length: frm.Length, Data: frm.Data}
	select {
	case b.frames <- f:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
	}
}

// Receive returns the next queued frame without blocking.
func (b *CANBus) Receive() (domain.CANFrame, bool) {
	select {
	case f := <-b.frames:
		return f, true
	default:
		return domain.CANFrame{}, false
	}
}

// Publish transmits a frame.
func (b *CANBus) Publish(f domain.CANFrame) error {
	return b.bus.Publish(can.Frame{ID: f.ID, Length: f.Length, Data: f.Data})
}

// Dropped returns the number of frames lost to a full queue.
func (b *CANBus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *CANBus) Close() error {
	err := b.bus.Disconnect()
	<-b.done
	b.logger.Info().Msg("CAN interface closed")
	return err
}

var _ domain.FrameSource = (*CANBus)(nil)
