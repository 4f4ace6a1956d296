// Package domain provides the transport-level contracts shared by the
// protocol controllers and the port ownership registry.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrPortUnavailable is returned when no hardware port is left to allocate.
var ErrPortUnavailable = errors.New("no serial port available")

// Port is a non-blocking byte transport (UART or RS485 transceiver).
type Port interface {
	// Available returns the number of received bytes ready to read
	Available() int

	// ReadByte returns the next received byte
	ReadByte() (byte, error)

	// Write queues p for transmission
	Write(p []byte) (int, error)

	// AvailableForWrite reports whether a write would be accepted right now
	AvailableForWrite() bool

	// Close releases the underlying device
	Close() error
}

// DirectionControl is implemented by half-duplex RS485 ports whose driver
// enable line is wired to RTS.
type DirectionControl interface {
	SetRTS(high bool) error
}

// Flusher is implemented by ports that can wait until queued bytes left the wire.
type Flusher interface {
	Flush() error
}

// WriteHalfDuplex transmits p, driving the RS485 driver enable line around
// the write when the port supports it.
func WriteHalfDuplex(port Port, p []byte) error {
	dc, hasRTS := port.(DirectionControl)
	if hasRTS {
		if err := dc.SetRTS(true); err != nil {
			return fmt.Errorf("enable transmitter: %w", err)
		}
		defer func() { _ = dc.SetRTS(false) }()
	}

	n, err := port.Write(p)
	if err != nil {
		return err
	}
	if n != len(p) {
		return fmt.Errorf("short write: %d of %d bytes", n, len(p))
	}

	if f, ok := port.(Flusher); ok && hasRTS {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
	}
	return nil
}

// CANFrame is a classic CAN 2.0 frame.
type CANFrame struct {
	ID     uint32
	Length uint8
	Data   [8]byte
}

// Payload returns the valid data bytes of the frame.
func (f CANFrame) Payload() []byte {
	n := int(f.Length)
	if n > len(f.Data) {
		n = len(f.Data)
	}
	return f.Data[:n]
}

// FrameSource delivers received CAN frames without blocking.
type FrameSource interface {
	// Receive returns the next queued frame, or false when none is pending
	Receive() (CANFrame, bool)

	// Close stops reception and releases the interface
	Close() error
}

// PortAllocator hands out exclusive ownership of hardware serial ports.
type PortAllocator interface {
	// Allocate assigns a free port to owner
	Allocate(owner string) (int, error)

	// Free releases every port held by owner
	Free(owner string)
}

// PortInfo describes one allocated port.
type PortInfo struct {
	Slot      int       `json:"slot"`
	Owner     string    `json:"owner"`
	Allocated time.Time `json:"allocated"`
}

// MessageHandler receives the payload of a subscribed topic.
type MessageHandler func(topic string, payload []byte)

// MessageSubscriber subscribes to topics on a message broker.
type MessageSubscriber interface {
	// Subscribe registers handler for topic
	Subscribe(topic string, handler MessageHandler) error

	// Unsubscribe removes the subscription for topic
	Unsubscribe(topic string) error
}
