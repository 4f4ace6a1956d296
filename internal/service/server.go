// Package service wires the battery providers, the charge controllers and
// the outer surfaces into one application.
package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/resident-x/go-battery/internal/api"
	"github.com/resident-x/go-battery/internal/battery"
	"github.com/resident-x/go-battery/internal/config"
	"github.com/resident-x/go-battery/internal/dalybms"
	"github.com/resident-x/go-battery/internal/domain"
	"github.com/resident-x/go-battery/internal/gobel"
	"github.com/resident-x/go-battery/internal/jbdbms"
	"github.com/resident-x/go-battery/internal/jkbms"
	"github.com/resident-x/go-battery/internal/metrics"
	"github.com/resident-x/go-battery/internal/mqttbattery"
	"github.com/resident-x/go-battery/internal/pubsub"
	"github.com/resident-x/go-battery/internal/pylontech"
	"github.com/resident-x/go-battery/internal/pytes"
	"github.com/resident-x/go-battery/internal/sbs"
	"github.com/resident-x/go-battery/internal/scheduler"
	"github.com/resident-x/go-battery/internal/session"
	"github.com/resident-x/go-battery/internal/transport"
	"github.com/resident-x/go-battery/internal/vedirect"
	"github.com/resident-x/go-battery/internal/victron"
	"github.com/rs/zerolog"
)

// Publisher is the broker side of the application: it publishes readings
// and feeds the MQTT battery provider.
type Publisher interface {
	Connect(ctx context.Context) error
	PublishBattery(s *battery.Stats) error
	PublishMppt(name string, d vedirect.MpptData) error
	Subscribe(topic string, handler domain.MessageHandler) error
	Unsubscribe(topic string) error
	Close() error
}

// Options override how the application reaches the outside world. Zero
// values select the hardware transports and the configured broker.
type Options struct {
	Version    string
	OpenSerial battery.SerialOpener
	OpenCAN    battery.CANOpener
	Publisher  Publisher
	Now        func() time.Time
}

// App owns every component and their lifecycle.
type App struct {
	config *config.Config
	logger zerolog.Logger

	ports     *domain.PortManager
	links     *session.Manager
	publisher Publisher
	battery   *battery.Manager
	mppt      *victron.MpptManager
	collector *metrics.Collector
	scheduler *scheduler.LoopScheduler
	apiServer *api.Server

	mu      sync.Mutex
	running bool
}

// NewRegistry returns the constructors of every supported battery provider.
func NewRegistry() battery.Registry {
	r := battery.Registry{}
	r.Register(config.ProviderPylontechRS485, pylontech.NewRS485)
	r.Register(config.ProviderPylontechCAN, pylontech.NewCAN)
	r.Register(config.ProviderPytesCAN, pytes.NewCAN)
	r.Register(config.ProviderJKBMS, jkbms.New)
	r.Register(config.ProviderVictronShunt, victron.NewSmartShunt)
	r.Register(config.ProviderDalyBMS, dalybms.New)
	r.Register(config.ProviderJBDBMS, jbdbms.New)
	r.Register(config.ProviderSBSCAN, sbs.NewCAN)
	r.Register(config.ProviderGobelRS485, gobel.New)
	r.Register(config.ProviderMQTT, mqttbattery.New)
	return r
}

// NewApp builds the component graph. Nothing touches hardware or the
// network before Start.
func NewApp(cfg *config.Config, opts Options, logger zerolog.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	a := &App{
		config: cfg,
		logger: logger.With().Str("component", "service").Logger(),
		ports:  domain.NewPortManager(cfg.SerialPorts.Count, logger),
		links:  session.NewManager(opts.Now),
	}

	if opts.OpenSerial == nil {
		opts.OpenSerial = HardwareSerial(logger)
	}
	if opts.OpenCAN == nil {
		opts.OpenCAN = HardwareCAN(logger)
	}

	a.publisher = opts.Publisher
	if a.publisher == nil {
		if cfg.MQTT.Enabled {
			a.publisher = pubsub.NewMQTTPublisher(cfg.MQTT, logger)
		} else {
			a.publisher = pubsub.NewNoopPublisher()
		}
	}

	a.battery = battery.NewManager(NewRegistry(), battery.Env{
		Logger:     logger,
		Ports:      a.ports,
		OpenSerial: opts.OpenSerial,
		OpenCAN:    opts.OpenCAN,
		Subscriber: a.publisher,
		Links:      a.links,
		Now:        opts.Now,
	})
	a.battery.SetPublisher(a.publisher, a.publishInterval())

	a.mppt = victron.NewMpptManager(logger, victron.SerialOpener(opts.OpenSerial), a.ports, a.links, opts.Now)

	a.scheduler = scheduler.NewLoopScheduler(&scheduler.SchedulerConfig{
		TickInterval: time.Duration(cfg.Scheduler.TickIntervalMs) * time.Millisecond,
	}, logger)

	tasks := []scheduler.Task{
		a.battery,
		a.mppt,
		scheduler.Every("mppt-publish", a.publishInterval(), opts.Now, a.publishMppt),
	}
	if cfg.Metrics.Enabled {
		a.collector = metrics.NewCollector(cfg.Metrics.Namespace, metrics.Sources{
			Battery: a.battery,
			Mppt:    a.mppt,
			Links:   a.links,
		}, logger)
		tasks = append(tasks, a.collector)
	}
	for _, t := range tasks {
		if err := a.scheduler.Register(t); err != nil {
			return nil, err
		}
	}

	if cfg.API.Enabled {
		src := api.Sources{
			Battery:   a.battery,
			Mppt:      a.mppt,
			Ports:     a.ports,
			Links:     a.links,
			Scheduler: a.scheduler,
			Version:   opts.Version,
		}
		if a.collector != nil {
			src.Metrics = a.collector.Handler()
		}
		a.apiServer = api.NewServer(cfg, src, logger)
	}

	return a, nil
}

// HardwareSerial opens UART and RS485 devices.
func HardwareSerial(logger zerolog.Logger) battery.SerialOpener {
	return func(device string, baud int) (domain.Port, error) {
		p, err := transport.OpenSerial(device, baud, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// HardwareCAN opens SocketCAN interfaces.
func HardwareCAN(logger zerolog.Logger) battery.CANOpener {
	return func(iface string) (domain.FrameSource, error) {
		bus, err := transport.OpenCAN(iface, logger)
		if err != nil {
			return nil, err
		}
		return bus, nil
	}
}

func (a *App) publishInterval() time.Duration {
	if a.config.MQTT.PublishIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(a.config.MQTT.PublishIntervalSeconds) * time.Second
}

// publishMppt sends the reading of every controller with current data.
func (a *App) publishMppt() {
	for i, name := range a.mppt.Names() {
		d, ok := a.mppt.Data(i)
		if !ok {
			continue
		}
		if err := a.publisher.PublishMppt(name, d); err != nil {
			a.logger.Warn().Err(err).Str("controller", name).Msg("Failed to publish charge controller data")
		}
	}
}

// Start connects the broker, starts the configured sources and begins
// polling. A battery or charge controller that fails to start is logged
// and left out; the rest of the application keeps running.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return fmt.Errorf("application is already running")
	}

	if err := a.publisher.Connect(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("MQTT broker unavailable, readings will not be published")
	}

	if err := a.battery.UpdateSettings(a.config.Battery); err != nil {
		a.logger.Error().Err(err).Msg("Battery provider not started")
	}
	if err := a.mppt.UpdateSettings(a.config.VEDirect); err != nil {
		a.logger.Error().Err(err).Msg("Some VE.Direct controllers were not started")
	}

	if err := a.scheduler.Start(ctx); err != nil {
		a.battery.Close()
		a.mppt.Close()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	if a.apiServer != nil {
		if err := a.apiServer.Start(ctx); err != nil {
			_ = a.scheduler.Stop()
			a.battery.Close()
			a.mppt.Close()
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	a.running = true
	a.logger.Info().
		Bool("battery", a.battery.Active()).
		Int("vedirect_controllers", a.mppt.Count()).
		Bool("api", a.apiServer != nil).
		Bool("metrics", a.collector != nil).
		Msg("Service started")
	return nil
}

// Stop shuts everything down in reverse order of Start.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return nil
	}
	a.running = false

	var firstErr error
	if a.apiServer != nil {
		if err := a.apiServer.Stop(ctx); err != nil {
			a.logger.Error().Err(err).Msg("Error stopping API server")
			firstErr = err
		}
	}
	if err := a.scheduler.Stop(); err != nil {
		a.logger.Error().Err(err).Msg("Error stopping scheduler")
		if firstErr == nil {
			firstErr = err
		}
	}

	a.battery.Close()
	a.mppt.Close()

	if err := a.publisher.Close(); err != nil {
		a.logger.Error().Err(err).Msg("Error closing publisher")
		if firstErr == nil {
			firstErr = err
		}
	}

	a.logger.Info().Msg("Service stopped")
	return firstErr
}

// Battery returns the battery manager.
func (a *App) Battery() *battery.Manager { return a.battery }

// Mppt returns the charge controller manager.
func (a *App) Mppt() *victron.MpptManager { return a.mppt }

// Links returns the transport statistics.
func (a *App) Links() *session.Manager { return a.links }

// Ports returns the serial port registry.
func (a *App) Ports() *domain.PortManager { return a.ports }

// Scheduler returns the loop scheduler.
func (a *App) Scheduler() *scheduler.LoopScheduler { return a.scheduler }

// Handler returns the HTTP API handler, or nil when the API is disabled.
func (a *App) Handler() http.Handler {
	if a.apiServer == nil {
		return nil
	}
	return a.apiServer.Handler()
}
