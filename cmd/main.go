// Package main provides the entry point of the go-battery daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/resident-x/go-battery/internal/battery"
	"github.com/resident-x/go-battery/internal/capture"
	"github.com/resident-x/go-battery/internal/config"
	"github.com/resident-x/go-battery/internal/domain"
	"github.com/resident-x/go-battery/internal/service"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags
)

// protocols maps battery providers to the protocol names used in capture files.
var protocols = map[int]string{
	config.ProviderPylontechRS485: "pylontech-rs485",
	config.ProviderPylontechCAN:   "pylontech-can",
	config.ProviderPytesCAN:       "pytes-can",
	config.ProviderJKBMS:          "jkbms",
	config.ProviderVictronShunt:   "victron-shunt",
	config.ProviderDalyBMS:        "dalybms",
	config.ProviderJBDBMS:         "jbdbms",
	config.ProviderSBSCAN:         "sbs-can",
	config.ProviderGobelRS485:     "gobel-rs485",
}

func providerForProtocol(name string) (int, bool) {
	for id, p := range protocols {
		if p == name {
			return id, true
		}
	}
	return 0, false
}

func main() {
	code := run(os.Args[1:]) // run() returns an int
	os.Exit(code)            // os.Exit is called after deferred functions in run() execute
}

func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// globalOptions are the flags shared by every subcommand.
type globalOptions struct {
	configFile string
	logLevel   string
}

// load reads the configuration and initializes the logger from it.
func (o *globalOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	initLogger(cfg.LogLevel)
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "go-battery",
		Short: "Battery management system and charge controller gateway",
		Long: `go-battery polls a battery management system over RS485, UART or CAN,
reads Victron charge controllers over VE.Direct and publishes the readings
over MQTT, an HTTP API and Prometheus metrics.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "Path to configuration file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level")

	root.AddCommand(newRunCmd(opts), newReplayCmd(opts), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "go-battery %s\n", Version)
		},
	}
}

func newRunCmd(opts *globalOptions) *cobra.Command {
	var recordPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, recordPath)
		},
	}
	cmd.Flags().StringVar(&recordPath, "record", "", "Record the battery serial port into this capture file")
	return cmd
}

// serve runs the application until SIGINT or SIGTERM.
func serve(ctx context.Context, cfg *config.Config, recordPath string) error {
	log.Info().Str("version", Version).Msg("Starting go-battery")
	logServiceConfiguration(cfg)

	opts := service.Options{Version: Version}
	var rec *recording
	if recordPath != "" {
		rec = &recording{
			device:   cfg.Battery.Serial.Device,
			protocol: protocols[cfg.Battery.Provider],
			open:     service.HardwareSerial(log.Logger),
		}
		opts.OpenSerial = rec.Open
	}

	app, err := service.NewApp(cfg, opts, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}

	// Handle graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalChan)

	select {
	case sig := <-signalChan:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("error stopping service: %w", err)
	}

	if rec != nil {
		if err := rec.Save(recordPath); err != nil {
			return err
		}
		log.Info().Str("file", recordPath).Msg("Capture saved")
	}

	log.Info().Msg("go-battery stopped")
	return nil
}

// recording wraps the battery's serial device in a capture recorder.
type recording struct {
	device   string
	protocol string
	open     battery.SerialOpener
	recorder *capture.Recorder
}

// Open is a battery.SerialOpener. Devices other than the battery's are
// opened unchanged.
func (r *recording) Open(device string, baud int) (domain.Port, error) {
	port, err := r.open(device, baud)
	if err != nil || device != r.device {
		return port, err
	}
	r.recorder = capture.NewRecorder(port, r.protocol, device, baud, nil)
	return r.recorder, nil
}

// Save writes the capture taken so far.
func (r *recording) Save(path string) error {
	if r.recorder == nil {
		return fmt.Errorf("nothing recorded: %s was never opened", r.device)
	}
	if err := r.recorder.Save(path); err != nil {
		return fmt.Errorf("failed to save capture: %w", err)
	}
	return nil
}

func newReplayCmd(opts *globalOptions) *cobra.Command {
	var timeout, settle time.Duration
	cmd := &cobra.Command{
		Use:   "replay <capture.yaml>",
		Short: "Decode a capture file and print the resulting battery stats",
		Long: `replay feeds a recorded serial or CAN capture to the battery provider
named by the capture's protocol, in real time, and prints the decoded stats
as JSON once the capture is exhausted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			f, err := capture.Load(args[0])
			if err != nil {
				return err
			}
			stats, err := replay(cmd.Context(), cfg, f, timeout, settle)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Give up when the capture has not been consumed by then")
	cmd.Flags().DurationVar(&settle, "settle", time.Second, "Keep polling this long after the last record")
	return cmd
}

// replay runs the service with only the capture's battery provider, fed
// from f instead of hardware.
func replay(ctx context.Context, base *config.Config, f *capture.File, timeout, settle time.Duration) (*battery.Stats, error) {
	id, ok := providerForProtocol(f.Protocol)
	if !ok {
		return nil, fmt.Errorf("capture protocol %q has no battery provider", f.Protocol)
	}

	cfg := *base
	cfg.Battery.Enabled = true
	cfg.Battery.Provider = id
	cfg.VEDirect.Enabled = false
	cfg.MQTT.Enabled = false
	cfg.API.Enabled = false
	cfg.Metrics.Enabled = false

	opts := service.Options{Version: Version}
	var done func() bool
	switch f.Kind {
	case capture.KindSerial:
		port, err := capture.ReplayPort(f, nil)
		if err != nil {
			return nil, err
		}
		if f.Device != "" {
			cfg.Battery.Serial.Device = f.Device
		}
		if f.Baud > 0 {
			cfg.Battery.Serial.Baud = f.Baud
		}
		opts.OpenSerial = func(string, int) (domain.Port, error) { return port, nil }
		done = port.Done
	case capture.KindCAN:
		bus, err := capture.ReplayCAN(f, nil)
		if err != nil {
			return nil, err
		}
		if f.Device != "" {
			cfg.Battery.CAN.Interface = f.Device
		}
		opts.OpenCAN = func(string) (domain.FrameSource, error) { return bus, nil }
		done = bus.Done
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", capture.ErrFormat, f.Kind)
	}

	app, err := service.NewApp(&cfg, opts, log.Logger)
	if err != nil {
		return nil, err
	}
	if err := app.Start(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if err := app.Stop(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Error stopping replay")
		}
	}()
	if !app.Battery().Active() {
		return nil, fmt.Errorf("battery provider %s did not start", f.Protocol)
	}

	log.Info().Str("protocol", f.Protocol).Int("records", len(f.Records)).Msg("Replaying capture")

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(20 * time.Millisecond)
	defer poll.Stop()

wait:
	for !done() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			log.Warn().Dur("timeout", timeout).Msg("Capture not fully consumed")
			break wait
		case <-poll.C:
		}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(settle):
	}
	return app.Battery().Snapshot(), nil
}

// initLogger configures the global zerolog logger.
func initLogger(level string) {
	// Set up pretty console logging for development
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	// Parse the log level
	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}

	// Configure global logger
	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}

// logServiceConfiguration logs the current service configuration for debugging.
func logServiceConfiguration(cfg *config.Config) {
	log.Debug().Msg("=== Service Configuration ===")

	log.Debug().Str("log_level", cfg.LogLevel).Msg("General settings")

	if cfg.Battery.Enabled {
		log.Debug().
			Int("provider", cfg.Battery.Provider).
			Str("protocol", protocols[cfg.Battery.Provider]).
			Int("poll_interval_seconds", cfg.Battery.PollIntervalSeconds).
			Str("serial_device", cfg.Battery.Serial.Device).
			Str("can_interface", cfg.Battery.CAN.Interface).
			Bool("verbose_logging", cfg.Battery.VerboseLogging).
			Msg("Battery configuration")
	} else {
		log.Debug().Bool("enabled", false).Msg("Battery disabled")
	}

	if cfg.VEDirect.Enabled {
		for _, c := range cfg.VEDirect.Controllers {
			log.Debug().
				Str("name", c.Name).
				Str("device", c.Device).
				Bool("tx_enabled", c.TxEnabled).
				Msg("VE.Direct controller")
		}
	} else {
		log.Debug().Bool("enabled", false).Msg("VE.Direct disabled")
	}

	log.Debug().
		Bool("enabled", cfg.API.Enabled).
		Str("host", cfg.API.Host).
		Int("port", cfg.API.Port).
		Msg("HTTP API configuration")

	if cfg.MQTT.Enabled {
		log.Debug().
			Str("host", cfg.MQTT.Host).
			Int("port", cfg.MQTT.Port).
			Str("username", cfg.MQTT.Username).
			Str("topic", cfg.MQTT.Topic).
			Bool("retain", cfg.MQTT.Retain).
			Int("publish_interval_seconds", cfg.MQTT.PublishIntervalSeconds).
			Msg("MQTT configuration")
	} else {
		log.Debug().Bool("enabled", false).Msg("MQTT disabled")
	}

	log.Debug().
		Bool("enabled", cfg.Metrics.Enabled).
		Str("namespace", cfg.Metrics.Namespace).
		Msg("Metrics configuration")

	log.Debug().
		Int("tick_interval_ms", cfg.Scheduler.TickIntervalMs).
		Int("serial_ports", cfg.SerialPorts.Count).
		Msg("Scheduler configuration")

	log.Debug().Msg("=== End Configuration ===")
}
