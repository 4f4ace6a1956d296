package battery

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/resident-x/go-battery/internal/config"
	"github.com/resident-x/go-battery/internal/domain"
	"github.com/resident-x/go-battery/internal/session"
	"github.com/rs/zerolog"
)

// ErrUnknownProvider is returned for a provider id without a constructor.
var ErrUnknownProvider = errors.New("unknown battery provider")

// Provider is one battery data source.
type Provider interface {
	// Init acquires the transport; a failure leaves the provider unusable
	Init() error

	// Deinit releases the transport
	Deinit()

	// Loop does a bounded amount of work and returns promptly
	Loop()

	// Stats returns the live stats owned by the provider
	Stats() *Stats
}

// SerialOpener opens a serial device.
type SerialOpener func(device string, baud int) (domain.Port, error)

// CANOpener opens a CAN interface.
type CANOpener func(iface string) (domain.FrameSource, error)

// Env carries everything a provider constructor may need.
type Env struct {
	Config     config.BatteryConfig
	Logger     zerolog.Logger
	Ports      domain.PortAllocator
	OpenSerial SerialOpener
	OpenCAN    CANOpener
	Subscriber domain.MessageSubscriber
	Links      *session.Manager
	Now        func() time.Time
}

// OpenLink registers the provider's transport statistics under the name "battery".
func (e Env) OpenLink(protocol, device string) *session.Link {
	if e.Links == nil {
		return session.NewLink("battery", protocol, device, e.Now)
	}
	return e.Links.Open("battery", protocol, device)
}

// CloseLink forgets the provider's transport statistics.
func (e Env) CloseLink() {
	if e.Links != nil {
		e.Links.Remove("battery")
	}
}

// Constructor builds a provider. It must not touch hardware; that is Init's job.
type Constructor func(env Env) Provider

// Registry maps provider ids to constructors.
type Registry map[int]Constructor

// Register adds a constructor.
func (r Registry) Register(id int, c Constructor) {
	r[id] = c
}

// New builds the provider registered under id.
func (r Registry) New(id int, env Env) (Provider, error) {
	c, ok := r[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownProvider, id)
	}
	return c(env), nil
}

// Publisher receives stats snapshots for publication.
type Publisher interface {
	PublishBattery(s *Stats) error
}

// Manager owns the active provider. Polling and reconfiguration are
// serialized by one mutex.
type Manager struct {
	mu        sync.Mutex
	registry  Registry
	env       Env
	provider  Provider
	logger    zerolog.Logger
	publisher Publisher
	interval  time.Duration
	published time.Time
}

// NewManager creates a manager without an active provider.
func NewManager(registry Registry, env Env) *Manager {
	if env.Now == nil {
		env.Now = time.Now
	}
	return &Manager{
		registry: registry,
		env:      env,
		logger:   env.Logger.With().Str("component", "battery").Logger(),
	}
}

// SetPublisher installs a publisher called at most once per interval.
func (m *Manager) SetPublisher(p Publisher, interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publisher = p
	m.interval = interval
}

// UpdateSettings tears down the current provider and starts the configured
// one. A provider that fails to initialize is dropped.
func (m *Manager) UpdateSettings(cfg config.BatteryConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.provider != nil {
		m.provider.Deinit()
		m.provider = nil
	}

	if !cfg.Enabled {
		return nil
	}

	env := m.env
	env.Config = cfg
	p, err := m.registry.New(cfg.Provider, env)
	if err != nil {
		m.logger.Error().Err(err).Int("provider", cfg.Provider).Msg("Cannot create battery provider")
		return err
	}

	if err := p.Init(); err != nil {
		m.logger.Error().Err(err).Int("provider", cfg.Provider).Msg("Battery provider initialization failed")
		p.Deinit()
		return fmt.Errorf("battery provider %d: %w", cfg.Provider, err)
	}

	m.provider = p
	m.logger.Info().Int("provider", cfg.Provider).Msg("Battery provider initialized")
	return nil
}

// Name identifies the manager as a scheduler task.
func (m *Manager) Name() string { return "battery" }

// Loop runs one provider iteration and publishes when due.
func (m *Manager) Loop() {
	m.mu.Lock()
	if m.provider == nil {
		m.mu.Unlock()
		return
	}
	m.provider.Loop()

	var snap *Stats
	now := m.env.Now()
	if m.publisher != nil && now.Sub(m.published) >= m.interval {
		m.published = now
		snap = m.provider.Stats().Clone()
	}
	pub := m.publisher
	m.mu.Unlock()

	if snap == nil {
		return
	}
	if err := pub.PublishBattery(snap); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to publish battery stats")
	}
}

// Snapshot returns a copy of the current stats, or empty stats without a provider.
func (m *Manager) Snapshot() *Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.provider == nil {
		return NewStats("none", nil)
	}
	return m.provider.Stats().Clone()
}

// Active reports whether a provider is running.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.provider != nil
}

// Close deinitializes the active provider.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.provider != nil {
		m.provider.Deinit()
		m.provider = nil
	}
}
