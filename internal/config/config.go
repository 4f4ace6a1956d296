// Package config provides configuration management for the go-battery daemon.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Battery provider identifiers.
const (
	ProviderPylontechRS485 = iota
	ProviderPylontechCAN
	ProviderPytesCAN
	ProviderJKBMS
	ProviderVictronShunt
	ProviderDalyBMS
	ProviderJBDBMS
	ProviderSBSCAN
	ProviderGobelRS485
	ProviderMQTT
)

// JK BMS interface types.
const (
	JKInterfaceUART        = 0
	JKInterfaceTransceiver = 1
)

// Config holds all application configuration.
type Config struct {
	// General settings
	LogLevel string `mapstructure:"log_level"`

	Battery  BatteryConfig  `mapstructure:"battery"`
	VEDirect VEDirectConfig `mapstructure:"vedirect"`

	// MQTT publishing of decoded statistics
	MQTT MQTTConfig `mapstructure:"mqtt"`

	// HTTP API settings
	API struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"api"`

	Metrics struct {
		Enabled   bool   `mapstructure:"enabled"`
		Namespace string `mapstructure:"namespace"`
	} `mapstructure:"metrics"`

	Scheduler struct {
		TickIntervalMs int `mapstructure:"tick_interval_ms"`
	} `mapstructure:"scheduler"`

	SerialPorts struct {
		Count int `mapstructure:"count"`
	} `mapstructure:"serial_ports"`
}

// BatteryConfig selects and parameterizes the battery provider.
type BatteryConfig struct {
	Enabled             bool `mapstructure:"enabled"`
	Provider            int  `mapstructure:"provider"`
	PollIntervalSeconds int  `mapstructure:"poll_interval_seconds"`
	VerboseLogging      bool `mapstructure:"verbose_logging"`

	Serial SerialConfig `mapstructure:"serial"`

	CAN struct {
		Interface string `mapstructure:"interface"`
	} `mapstructure:"can"`

	JKBMS struct {
		Interface int `mapstructure:"interface"`
	} `mapstructure:"jkbms"`

	Daly struct {
		WakeupPin int  `mapstructure:"wakeup_pin"`
		Address   byte `mapstructure:"address"`
	} `mapstructure:"daly"`

	MQTT BatteryMQTTConfig `mapstructure:"mqtt"`

	Limits Limits `mapstructure:"limits"`
}

// SerialConfig names a serial device.
type SerialConfig struct {
	Device string `mapstructure:"device"`
	Baud   int    `mapstructure:"baud"`
}

// BatteryMQTTConfig describes where an MQTT-sourced battery publishes.
type BatteryMQTTConfig struct {
	SoCTopic        string `mapstructure:"soc_topic"`
	SoCJSONPath     string `mapstructure:"soc_json_path"`
	VoltageTopic    string `mapstructure:"voltage_topic"`
	VoltageJSONPath string `mapstructure:"voltage_json_path"`
	VoltageUnit     string `mapstructure:"voltage_unit"`
}

// Limits are user overrides applied when the BMS does not report its own.
type Limits struct {
	MinChargeTemperature        float64 `mapstructure:"min_charge_temp"`
	MaxChargeTemperature        float64 `mapstructure:"max_charge_temp"`
	MinDischargeTemperature     float64 `mapstructure:"min_discharge_temp"`
	MaxDischargeTemperature     float64 `mapstructure:"max_discharge_temp"`
	RecommendedChargeVoltage    float64 `mapstructure:"recommended_charge_voltage"`
	RecommendedDischargeVoltage float64 `mapstructure:"recommended_discharge_voltage"`
}

// VEDirectConfig lists the Victron charge controllers to read.
type VEDirectConfig struct {
	Enabled        bool                 `mapstructure:"enabled"`
	VerboseLogging bool                 `mapstructure:"verbose_logging"`
	Controllers    []VEDirectController `mapstructure:"controllers"`
}

// VEDirectController is one VE.Direct port.
type VEDirectController struct {
	Name      string `mapstructure:"name"`
	Device    string `mapstructure:"device"`
	TxEnabled bool   `mapstructure:"tx_enabled"`
}

// MQTTConfig configures the broker connection used for publishing.
type MQTTConfig struct {
	Enabled                bool   `mapstructure:"enabled"`
	Host                   string `mapstructure:"host"`
	Port                   int    `mapstructure:"port"`
	Username               string `mapstructure:"username"`
	Password               string `mapstructure:"password"`
	Topic                  string `mapstructure:"topic"`
	Retain                 bool   `mapstructure:"retain"`
	PublishIntervalSeconds int    `mapstructure:"publish_interval_seconds"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel: "info",
	}

	// Default battery settings
	cfg.Battery.Enabled = false
	cfg.Battery.Provider = ProviderPylontechCAN
	cfg.Battery.PollIntervalSeconds = 5
	cfg.Battery.Serial.Device = "/dev/ttyUSB0"
	cfg.Battery.Serial.Baud = 0
	cfg.Battery.CAN.Interface = "can0"
	cfg.Battery.JKBMS.Interface = JKInterfaceUART
	cfg.Battery.Daly.Address = 0x40
	cfg.Battery.MQTT.VoltageUnit = "V"
	cfg.Battery.Limits.MinChargeTemperature = 0
	cfg.Battery.Limits.MaxChargeTemperature = 50
	cfg.Battery.Limits.MinDischargeTemperature = -20
	cfg.Battery.Limits.MaxDischargeTemperature = 60

	// Default VE.Direct settings
	cfg.VEDirect.Enabled = false

	// Default MQTT settings
	cfg.MQTT.Enabled = false
	cfg.MQTT.Host = "localhost"
	cfg.MQTT.Port = 1883
	cfg.MQTT.Topic = "solar"
	cfg.MQTT.Retain = false
	cfg.MQTT.PublishIntervalSeconds = 5

	// Default API settings
	cfg.API.Enabled = true
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8080

	cfg.Metrics.Enabled = true
	cfg.Metrics.Namespace = "gobattery"

	cfg.Scheduler.TickIntervalMs = 10
	cfg.SerialPorts.Count = 3

	return cfg
}

// Load reads the configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
		log.Info().Str("component", "config").Msg("No configuration file found, using defaults")
	}

	v.SetEnvPrefix("GOBATTERY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings no component could run with.
func (c *Config) Validate() error {
	if c.Battery.Enabled {
		if c.Battery.Provider < ProviderPylontechRS485 || c.Battery.Provider > ProviderMQTT {
			return fmt.Errorf("invalid battery provider %d", c.Battery.Provider)
		}
		if c.Battery.PollIntervalSeconds <= 0 {
			return fmt.Errorf("battery poll interval must be positive, got %d", c.Battery.PollIntervalSeconds)
		}
		if c.Battery.UsesSerial() && c.Battery.Serial.Device == "" {
			return errors.New("battery serial device is required")
		}
		if c.Battery.UsesCAN() && c.Battery.CAN.Interface == "" {
			return errors.New("battery CAN interface is required")
		}
	}

	if c.VEDirect.Enabled {
		for i, ctrl := range c.VEDirect.Controllers {
			if ctrl.Device == "" {
				return fmt.Errorf("vedirect controller %d has no device", i)
			}
		}
	}

	if c.Scheduler.TickIntervalMs <= 0 {
		return fmt.Errorf("scheduler tick interval must be positive, got %d", c.Scheduler.TickIntervalMs)
	}

	return nil
}

// UsesSerial reports whether the selected provider talks over a serial port.
func (b BatteryConfig) UsesSerial() bool {
	switch b.Provider {
	case ProviderPylontechRS485, ProviderJKBMS, ProviderVictronShunt,
		ProviderDalyBMS, ProviderJBDBMS, ProviderGobelRS485:
		return true
	}
	return false
}

// UsesCAN reports whether the selected provider listens on a CAN bus.
func (b BatteryConfig) UsesCAN() bool {
	switch b.Provider {
	case ProviderPylontechCAN, ProviderPytesCAN, ProviderSBSCAN:
		return true
	}
	return false
}

// Print displays the current configuration.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("go-battery Configuration:")
	logger.Info().Msg("-----------------------------")
	logger.Info().Str("log_level", c.LogLevel).Msg("Log Level")

	logger.Info().Bool("enabled", c.Battery.Enabled).Msg("Battery Enabled")
	if c.Battery.Enabled {
		logger.Info().
			Int("provider", c.Battery.Provider).
			Int("poll_interval_seconds", c.Battery.PollIntervalSeconds).
			Bool("verbose_logging", c.Battery.VerboseLogging).
			Str("serial_device", c.Battery.Serial.Device).
			Str("can_interface", c.Battery.CAN.Interface).
			Msg("Battery Configuration")
	}

	logger.Info().Bool("enabled", c.VEDirect.Enabled).Msg("VE.Direct Enabled")
	for _, ctrl := range c.VEDirect.Controllers {
		logger.Info().
			Str("name", ctrl.Name).
			Str("device", ctrl.Device).
			Bool("tx_enabled", ctrl.TxEnabled).
			Msg("VE.Direct Controller")
	}

	logger.Info().Bool("enabled", c.MQTT.Enabled).Msg("MQTT Enabled")
	if c.MQTT.Enabled {
		logger.Info().
			Str("host", c.MQTT.Host).
			Int("port", c.MQTT.Port).
			Str("topic", c.MQTT.Topic).
			Int("publish_interval_seconds", c.MQTT.PublishIntervalSeconds).
			Msg("MQTT Configuration")
	}

	logger.Info().Bool("enabled", c.API.Enabled).Msg("API Enabled")
	if c.API.Enabled {
		logger.Info().
			Str("host", c.API.Host).
			Int("port", c.API.Port).
			Msg("API Server")
	}

	logger.Info().
		Bool("enabled", c.Metrics.Enabled).
		Str("namespace", c.Metrics.Namespace).
		Msg("Metrics")

	logger.Info().Msg("-----------------------------")
}
