package victron

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/resident-x/go-battery/internal/config"
	"github.com/resident-x/go-battery/internal/domain"
	"github.com/resident-x/go-battery/internal/session"
	"github.com/resident-x/go-battery/internal/vedirect"
	"github.com/rs/zerolog"
)

// SerialOpener opens a VE.Direct serial device.
type SerialOpener func(device string, baud int) (domain.Port, error)

type mpptPort struct {
	owner      string
	port       domain.Port
	controller *vedirect.MpptController
}

// MpptManager owns the configured charge controllers. Reconfiguration and
// polling are serialized by one mutex.
type MpptManager struct {
	mutex       sync.Mutex
	logger      zerolog.Logger
	now         func() time.Time
	open        SerialOpener
	ports       domain.PortAllocator
	links       *session.Manager
	controllers []*mpptPort
}

// NewMpptManager creates an empty manager. ports and links may be nil.
func NewMpptManager(logger zerolog.Logger, open SerialOpener, ports domain.PortAllocator, links *session.Manager, now func() time.Time) *MpptManager {
	if now == nil {
		now = time.Now
	}
	return &MpptManager{
		logger: logger.With().Str("component", "victron-mppt").Logger(),
		now:    now,
		open:   open,
		ports:  ports,
		links:  links,
	}
}

// Name identifies the manager as a scheduler task.
func (m *MpptManager) Name() string { return "vedirect" }

// UpdateSettings drops every controller and opens the configured ones.
// Controllers whose port cannot be opened are skipped and reported.
func (m *MpptManager) UpdateSettings(cfg config.VEDirectConfig) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.closeLocked()
	if !cfg.Enabled {
		return nil
	}

	var firstErr error
	for i, cc := range cfg.Controllers {
		name := cc.Name
		if name == "" {
			name = fmt.Sprintf("mppt%d", i+1)
		}
		mp, err := m.openController(name, cc, cfg.VerboseLogging)
		if err != nil {
			m.logger.Error().Err(err).Str("controller", name).Str("device", cc.Device).Msg("Failed to open VE.Direct port")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.controllers = append(m.controllers, mp)
		m.logger.Info().Str("controller", name).Str("device", cc.Device).Bool("tx_enabled", cc.TxEnabled).Msg("VE.Direct controller added")
	}
	return firstErr
}

func (m *MpptManager) openController(name string, cc config.VEDirectController, verbose bool) (*mpptPort, error) {
	if m.open == nil {
		return nil, fmt.Errorf("%s: no serial transport available", name)
	}
	owner := "Victron MPPT " + name
	if m.ports != nil {
		if _, err := m.ports.Allocate(owner); err != nil {
			return nil, fmt.Errorf("%s: %w", owner, err)
		}
	}
	port, err := m.open(cc.Device, vedirect.DefaultBaud)
	if err != nil {
		if m.ports != nil {
			m.ports.Free(owner)
		}
		return nil, fmt.Errorf("%s: %w", owner, err)
	}

	var link *session.Link
	if m.links != nil {
		link = m.links.Open(name, "vedirect-mppt", cc.Device)
	}
	return &mpptPort{
		owner: owner,
		port:  port,
		controller: vedirect.NewMpptController(port, vedirect.Options{
			Name:      name,
			Verbose:   verbose,
			TxEnabled: cc.TxEnabled,
			Logger:    m.logger,
			Link:      link,
			Now:       m.now,
		}),
	}, nil
}

func (m *MpptManager) closeLocked() {
	for _, mp := range m.controllers {
		if err := mp.port.Close(); err != nil {
			m.logger.Warn().Err(err).Str("owner", mp.owner).Msg("Failed to close serial port")
		}
		if m.ports != nil {
			m.ports.Free(mp.owner)
		}
		if m.links != nil {
			m.links.Remove(mp.controller.Link().Name)
		}
	}
	m.controllers = nil
}

// Close releases every controller.
func (m *MpptManager) Close() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.closeLocked()
}

// Loop services every controller once.
func (m *MpptManager) Loop() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, mp := range m.controllers {
		mp.controller.Loop()
	}
}

var (
	// ErrNoController is returned for an index outside the configured controllers.
	ErrNoController = errors.New("no such controller")

	// ErrNotSent is returned when a controller cannot transmit right now.
	ErrNotSent = errors.New("hex command not sent")
)

// SendHexCommand transmits a hex request to controller idx. The request
// shares the manager mutex with Loop, so it never interleaves with polling.
func (m *MpptManager) SendHexCommand(idx int, cmd vedirect.Command, reg vedirect.Register, value uint32, size int) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if idx < 0 || idx >= len(m.controllers) {
		return fmt.Errorf("%w: %d", ErrNoController, idx)
	}
	if _, err := vedirect.EncodeCommand(cmd, reg, value, size); err != nil {
		return err
	}
	if !m.controllers[idx].controller.SendHexCommand(cmd, reg, value, size) {
		return fmt.Errorf("%w: transmit disabled or port busy", ErrNotSent)
	}
	return nil
}

// Count returns the number of configured controllers.
func (m *MpptManager) Count() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.controllers)
}

// Names returns the controller names in configuration order.
func (m *MpptManager) Names() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	out := make([]string, len(m.controllers))
	for i, mp := range m.controllers {
		out[i] = mp.controller.Link().Name
	}
	return out
}

// IsDataValid reports whether every controller has current data. It is
// false without controllers.
func (m *MpptManager) IsDataValid() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, mp := range m.controllers {
		if !mp.controller.IsDataValid() {
			return false
		}
	}
	return len(m.controllers) > 0
}

// DataAge returns the age of the freshest controller data.
func (m *MpptManager) DataAge() time.Duration {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if len(m.controllers) == 0 {
		return 0
	}
	now := m.now()
	age := now.Sub(m.controllers[0].controller.LastUpdate())
	for _, mp := range m.controllers[1:] {
		age = min(age, now.Sub(mp.controller.LastUpdate()))
	}
	return age
}

// Data returns a copy of controller idx's data.
func (m *MpptManager) Data(idx int) (vedirect.MpptData, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if idx < 0 || idx >= len(m.controllers) {
		m.logger.Error().Int("index", idx).Int("controllers", len(m.controllers)).Msg("MPPT controller index out of bounds")
		return vedirect.MpptData{}, false
	}
	return m.controllers[idx].controller.Data(), true
}

func (m *MpptManager) each(fn func(d vedirect.MpptData)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, mp := range m.controllers {
		fn(mp.controller.Data())
	}
}

// OutputPower returns the summed battery output power in watts.
func (m *MpptManager) OutputPower() int32 {
	var sum int32
	m.each(func(d vedirect.MpptData) { sum += d.OutputPowerWatts })
	return sum
}

// PanelPower returns the summed panel power in watts.
func (m *MpptManager) PanelPower() int32 {
	var sum int32
	m.each(func(d vedirect.MpptData) { sum += d.PanelPowerWatts })
	return sum
}

// YieldTotal returns the summed lifetime yield in kWh.
func (m *MpptManager) YieldTotal() float64 {
	var sum float64
	m.each(func(d vedirect.MpptData) { sum += float64(d.YieldTotalWattHours) / 1000 })
	return sum
}

// YieldDay returns the summed yield of today in kWh.
func (m *MpptManager) YieldDay() float64 {
	var sum float64
	m.each(func(d vedirect.MpptData) { sum += float64(d.YieldTodayWattHours) / 1000 })
	return sum
}

// OutputVoltage returns the lowest battery voltage in volts, -1 without
// controllers.
func (m *MpptManager) OutputVoltage() float64 {
	lowest := -1.0
	m.each(func(d vedirect.MpptData) {
		v := float64(d.BatteryVoltageMilliVolt) / 1000
		if lowest < 0 || v < lowest {
			lowest = v
		}
	})
	return lowest
}
