package battery

import (
	"errors"
	"fmt"

	"github.com/resident-x/go-battery/internal/domain"
	"github.com/resident-x/go-battery/internal/session"
)

// SerialSession is the serial transport a provider holds between Init and Deinit.
type SerialSession struct {
	Port domain.Port
	Link *session.Link

	env   Env
	owner string
}

// AcquireSerial reserves a hardware port for owner and opens the configured
// serial device. defaultBaud applies when no baud rate is configured.
func (e Env) AcquireSerial(owner, protocol string, defaultBaud int) (*SerialSession, error) {
	if e.OpenSerial == nil {
		return nil, errors.New("no serial transport available")
	}
	if e.Ports != nil {
		if _, err := e.Ports.Allocate(owner); err != nil {
			return nil, fmt.Errorf("%s: %w", owner, err)
		}
	}

	device := e.Config.Serial.Device
	baud := e.Config.Serial.Baud
	if baud <= 0 {
		baud = defaultBaud
	}
	port, err := e.OpenSerial(device, baud)
	if err != nil {
		if e.Ports != nil {
			e.Ports.Free(owner)
		}
		return nil, fmt.Errorf("%s: %w", owner, err)
	}

	return &SerialSession{
		Port:  port,
		Link:  e.OpenLink(protocol, device),
		env:   e,
		owner: owner,
	}, nil
}

// Release closes the port and returns it to the port registry.
func (s *SerialSession) Release() error {
	if s == nil {
		return nil
	}
	err := s.Port.Close()
	if s.env.Ports != nil {
		s.env.Ports.Free(s.owner)
	}
	s.env.CloseLink()
	return err
}
