// Package mqttbattery is a battery provider fed by MQTT topics that carry
// the state of charge and the pack voltage.
package mqttbattery

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/resident-x/go-battery/internal/battery"
	"github.com/resident-x/go-battery/internal/validation"
	"github.com/rs/zerolog"
)

// ErrNoSubscriber is returned by Init without an MQTT connection.
var ErrNoSubscriber = errors.New("no MQTT subscriber available")

// voltageScale maps the configured unit to a divisor into volts.
var voltageScale = map[string]float64{
	"":   1,
	"V":  1,
	"dV": 10,
	"cV": 100,
	"mV": 1000,
}

type reading struct {
	value float64
	ts    time.Time
}

// Provider subscribes to the configured topics. Messages arrive on the
// MQTT client goroutine and are applied to the stats by Loop.
type Provider struct {
	env       battery.Env
	stats     *battery.Stats
	logger    zerolog.Logger
	validator *validation.PlausibilityValidator
	now       func() time.Time
	scale     float64

	socTopic     string
	voltageTopic string

	mu      sync.Mutex
	soc     *reading
	voltage *reading
}

// New creates the MQTT battery provider.
func New(env battery.Env) battery.Provider {
	now := env.Now
	if now == nil {
		now = time.Now
	}
	logger := env.Logger.With().Str("component", "mqtt-battery").Logger()
	return &Provider{
		env: env,
		stats: battery.NewStats("mqtt", &battery.MQTT{
			SoCTopic:     env.Config.MQTT.SoCTopic,
			VoltageTopic: env.Config.MQTT.VoltageTopic,
		}),
		logger:    logger,
		validator: validation.NewPlausibilityValidator(validation.ValidationLevelBasic, logger),
		now:       now,
	}
}

func (p *Provider) Init() error {
	cfg := p.env.Config.MQTT
	scale, ok := voltageScale[cfg.VoltageUnit]
	if !ok {
		return fmt.Errorf("unknown voltage unit %q", cfg.VoltageUnit)
	}
	p.scale = scale

	if p.env.Subscriber == nil {
		return ErrNoSubscriber
	}

	if cfg.SoCTopic != "" {
		path := cfg.SoCJSONPath
		err := p.env.Subscriber.Subscribe(cfg.SoCTopic, func(topic string, payload []byte) {
			p.onSoC(topic, payload, path)
		})
		if err != nil {
			return fmt.Errorf("subscribe to SoC topic: %w", err)
		}
		p.socTopic = cfg.SoCTopic
		p.verbose().Str("topic", cfg.SoCTopic).Msg("Subscribed for SoC readings")
	}

	if cfg.VoltageTopic != "" {
		path := cfg.VoltageJSONPath
		err := p.env.Subscriber.Subscribe(cfg.VoltageTopic, func(topic string, payload []byte) {
			p.onVoltage(topic, payload, path)
		})
		if err != nil {
			p.Deinit()
			return fmt.Errorf("subscribe to voltage topic: %w", err)
		}
		p.voltageTopic = cfg.VoltageTopic
		p.verbose().Str("topic", cfg.VoltageTopic).Msg("Subscribed for voltage readings")
	}
	return nil
}

func (p *Provider) Deinit() {
	if p.env.Subscriber == nil {
		return
	}
	for _, topic := range []string{p.voltageTopic, p.socTopic} {
		if topic == "" {
			continue
		}
		if err := p.env.Subscriber.Unsubscribe(topic); err != nil {
			p.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to unsubscribe")
		}
	}
	p.socTopic = ""
	p.voltageTopic = ""
}

// Loop applies the readings received since the last call.
func (p *Provider) Loop() {
	p.mu.Lock()
	soc, voltage := p.soc, p.voltage
	p.soc, p.voltage = nil, nil
	p.mu.Unlock()

	if soc != nil {
		p.stats.SetSoC(soc.value, 0, soc.ts)
		p.stats.Touch(soc.ts)
	}
	if voltage != nil {
		p.stats.SetVoltage(voltage.value, voltage.ts)
		p.stats.Touch(voltage.ts)
	}
}

func (p *Provider) Stats() *battery.Stats { return p.stats }

func (p *Provider) onSoC(topic string, payload []byte, path string) {
	soc, err := Extract(payload, path)
	if err != nil {
		p.logger.Warn().Err(err).Str("topic", topic).Msg("Cannot read SoC")
		return
	}
	if verr := p.validator.Check(validation.FieldSoC, soc); verr != nil {
		p.logger.Warn().Err(verr).Str("topic", topic).Float64("soc", soc).Msg("Implausible SoC")
		return
	}

	p.mu.Lock()
	p.soc = &reading{value: soc, ts: p.now()}
	p.mu.Unlock()
	p.verbose().Str("topic", topic).Float64("soc", soc).Msg("Updated SoC")
}

func (p *Provider) onVoltage(topic string, payload []byte, path string) {
	raw, err := Extract(payload, path)
	if err != nil {
		p.logger.Warn().Err(err).Str("topic", topic).Msg("Cannot read voltage")
		return
	}
	voltage := raw / p.scale
	if verr := p.validator.Check(validation.FieldVoltage, voltage); verr != nil {
		p.logger.Warn().Err(verr).Str("topic", topic).Float64("voltage", voltage).Msg("Implausible voltage")
		return
	}

	p.mu.Lock()
	p.voltage = &reading{value: voltage, ts: p.now()}
	p.mu.Unlock()
	p.verbose().Str("topic", topic).Float64("voltage", voltage).Msg("Updated voltage")
}

func (p *Provider) verbose() *zerolog.Event {
	if p.env.Config.VerboseLogging {
		return p.logger.Info()
	}
	return p.logger.Debug()
}

// Extract reads a number from payload. Without a path the payload itself
// is the number; otherwise path is a dotted walk through a JSON document,
// where numeric segments index arrays.
func Extract(payload []byte, path string) (float64, error) {
	if path == "" {
		return parseNumber(string(payload))
	}

	var node interface{}
	if err := json.Unmarshal(payload, &node); err != nil {
		return 0, fmt.Errorf("payload is not JSON: %w", err)
	}

	for _, key := range strings.Split(path, ".") {
		switch n := node.(type) {
		case map[string]interface{}:
			child, ok := n[key]
			if !ok {
				return 0, fmt.Errorf("path %q: no key %q", path, key)
			}
			node = child
		case []interface{}:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(n) {
				return 0, fmt.Errorf("path %q: bad index %q", path, key)
			}
			node = n[i]
		default:
			return 0, fmt.Errorf("path %q: %q is not an object", path, key)
		}
	}

	switch v := node.(type) {
	case float64:
		return v, nil
	case string:
		return parseNumber(v)
	default:
		return 0, fmt.Errorf("path %q: value is not numeric", path)
	}
}

func parseNumber(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return v, nil
}

var _ battery.Provider = (*Provider)(nil)
