// Package pubsub connects the daemon to an MQTT broker: decoded statistics
// are published as a topic tree and battery readings can be subscribed to.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/resident-x/go-battery/internal/battery"
	"github.com/resident-x/go-battery/internal/config"
	"github.com/resident-x/go-battery/internal/domain"
	"github.com/resident-x/go-battery/internal/vedirect"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	zeroTime       = "0001-01-01T00:00:00Z"
)

// NoopPublisher drops everything. It is used when MQTT is disabled.
type NoopPublisher struct{}

// NewNoopPublisher creates a new no-operation publisher.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

// Connect is a no-op for the NoopPublisher.
func (p *NoopPublisher) Connect(_ context.Context) error { return nil }

// PublishBattery is a no-op for the NoopPublisher.
func (p *NoopPublisher) PublishBattery(_ *battery.Stats) error { return nil }

// PublishMppt is a no-op for the NoopPublisher.
func (p *NoopPublisher) PublishMppt(_ string, _ vedirect.MpptData) error { return nil }

// Subscribe is a no-op for the NoopPublisher.
func (p *NoopPublisher) Subscribe(_ string, _ domain.MessageHandler) error { return nil }

// Unsubscribe is a no-op for the NoopPublisher.
func (p *NoopPublisher) Unsubscribe(_ string) error { return nil }

// Close is a no-op for the NoopPublisher.
func (p *NoopPublisher) Close() error { return nil }

// MQTTPublisher publishes statistics below the configured base topic and
// forwards subscriptions. Only changed values are sent, except for a full
// republish once per provider interval.
type MQTTPublisher struct {
	mu            sync.RWMutex
	config        config.MQTTConfig
	client        mqtt.Client
	connected     bool
	logger        zerolog.Logger
	now           func() time.Time
	subscriptions map[string]domain.MessageHandler

	// last payload per topic and time of the last full publish per subtree
	published map[string]string
	lastFull  map[string]time.Time
}

// NewMQTTPublisher creates a new MQTT publisher.
func NewMQTTPublisher(cfg config.MQTTConfig, logger zerolog.Logger) *MQTTPublisher {
	return &MQTTPublisher{
		config:        cfg,
		logger:        logger.With().Str("component", "mqtt").Logger(),
		now:           time.Now,
		subscriptions: make(map[string]domain.MessageHandler),
		published:     make(map[string]string),
		lastFull:      make(map[string]time.Time),
	}
}

func (p *MQTTPublisher) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", p.config.Host, p.config.Port)).
		SetClientID("go-battery-" + xid.New().String()).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(connectTimeout).
		SetWriteTimeout(publishTimeout).
		SetKeepAlive(30 * time.Second).
		SetCleanSession(true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	return opts
}

// onConnect restores subscriptions.
func (p *MQTTPublisher) onConnect(client mqtt.Client) {
	p.mu.Lock()
	p.connected = true
	subs := make(map[string]domain.MessageHandler, len(p.subscriptions))
	for topic, h := range p.subscriptions {
		subs[topic] = h
	}
	p.mu.Unlock()

	p.logger.Info().Int("subscriptions", len(subs)).Msg("MQTT connection established")
	for topic, h := range subs {
		if err := subscribe(client, topic, h); err != nil {
			p.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to restore subscription")
		}
	}
}

// onConnectionLost forces a full republish once the broker is back.
func (p *MQTTPublisher) onConnectionLost(_ mqtt.Client, err error) {
	p.mu.Lock()
	p.connected = false
	p.published = make(map[string]string)
	p.lastFull = make(map[string]time.Time)
	p.mu.Unlock()
	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

// Connect starts the broker connection. When the broker does not answer
// before the timeout the client keeps retrying in the background.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	if !p.config.Enabled {
		return nil
	}

	p.mu.Lock()
	if p.client == nil {
		p.client = mqtt.NewClient(p.clientOptions())
	}
	client := p.client
	p.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	token := client.Connect()
	select {
	case <-connectCtx.Done():
		p.logger.Warn().
			Str("host", p.config.Host).
			Int("port", p.config.Port).
			Msg("MQTT broker not reachable yet, retrying in background")
		return nil
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
		}
	}

	p.mu.Lock()
	p.connected = client.IsConnected()
	p.mu.Unlock()
	return nil
}

// Connected reports whether the broker connection is up.
func (p *MQTTPublisher) Connected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// Subscribe registers handler for topic. Subscriptions made while offline
// are sent once the connection is established.
func (p *MQTTPublisher) Subscribe(topic string, handler domain.MessageHandler) error {
	p.mu.Lock()
	p.subscriptions[topic] = handler
	client, connected := p.client, p.connected
	p.mu.Unlock()

	if !connected {
		p.logger.Debug().Str("topic", topic).Msg("Subscription queued until connected")
		return nil
	}
	return subscribe(client, topic, handler)
}

// Unsubscribe removes the subscription for topic.
func (p *MQTTPublisher) Unsubscribe(topic string) error {
	p.mu.Lock()
	delete(p.subscriptions, topic)
	client, connected := p.client, p.connected
	p.mu.Unlock()

	if !connected {
		return nil
	}
	token := client.Unsubscribe(topic)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("unsubscribe %s: timeout", topic)
	}
	return token.Error()
}

func subscribe(client mqtt.Client, topic string, handler domain.MessageHandler) error {
	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// PublishBattery publishes stats below <topic>/battery.
func (p *MQTTPublisher) PublishBattery(s *battery.Stats) error {
	if s == nil {
		return nil
	}
	base := p.config.Topic + "/battery"
	now := p.now()

	values := map[string]string{
		"provider":            s.Provider,
		"dataAge":             strconv.FormatInt(int64(s.Age(now)/time.Second), 10),
		"alarms":              strconv.FormatUint(uint64(s.Alarms), 10),
		"warnings":            strconv.FormatUint(uint64(s.Warnings), 10),
		"charging/enabled":    boolValue(s.ChargeEnabled()),
		"charging/immediate":  boolValue(s.ImmediateChargingRequest()),
		"discharging/enabled": boolValue(s.DischargeEnabled()),
	}
	if v, ok := s.Manufacturer.Get(); ok {
		values["manufacturer"] = v
	}
	if s.FirmwareVersion != "" {
		values["fwversion"] = s.FirmwareVersion
	}
	if s.HardwareVersion != "" {
		values["hwversion"] = s.HardwareVersion
	}
	if s.Serial != "" {
		values["serial"] = s.Serial
	}
	if v, ok := s.SoC.Get(); ok {
		values["stateOfCharge"] = strconv.FormatFloat(v, 'f', s.SoCPrecision, 64)
	}
	if v, ok := s.Voltage.Get(); ok {
		values["voltage"] = strconv.FormatFloat(v, 'f', 2, 64)
	}
	if v, ok := s.Current.Get(); ok {
		values["current"] = strconv.FormatFloat(v, 'f', s.CurrentPrecision, 64)
		if s.Voltage.Valid() {
			values["power"] = strconv.FormatFloat(s.Power(), 'f', 1, 64)
		}
	}
	if v, ok := s.Temperature(); ok {
		values["temperature"] = strconv.FormatFloat(v, 'f', 1, 64)
	}
	for _, name := range s.Alarms.Names() {
		values["alarm/"+name] = "1"
	}
	for _, name := range s.Warnings.Names() {
		values["warning/"+name] = "1"
	}

	if s.Details != nil {
		detail, err := FlattenJSON(s.Details)
		if err != nil {
			return err
		}
		for k, v := range detail {
			values[s.Details.Kind()+"/"+k] = v
		}
	}

	return p.publishTree(base, values, s.FullPublishInterval())
}

// PublishMppt publishes one charge controller below <topic>/victron/<name>.
func (p *MQTTPublisher) PublishMppt(name string, d vedirect.MpptData) error {
	values, err := FlattenJSON(d)
	if err != nil {
		return err
	}
	values["productName"] = d.ProductName()
	values["firmware"] = d.FirmwareFormatted()
	values["chargeState"] = vedirect.ChargeStateName(d.ChargeState)
	values["trackerState"] = vedirect.TrackerStateName(d.TrackerState)
	values["error"] = vedirect.ErrorName(d.ErrorCode)
	values["offReason"] = vedirect.OffReasonName(d.OffReason)
	return p.publishTree(p.config.Topic+"/victron/"+name, values, 60*time.Second)
}

// publishTree sends the values that changed since the last call, or all of
// them once fullInterval elapsed. A zero interval publishes everything.
func (p *MQTTPublisher) publishTree(base string, values map[string]string, fullInterval time.Duration) error {
	p.mu.Lock()
	if !p.config.Enabled || !p.connected {
		p.mu.Unlock()
		return nil
	}
	client := p.client
	now := p.now()
	full := fullInterval == 0 || now.Sub(p.lastFull[base]) >= fullInterval
	if full {
		p.lastFull[base] = now
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	type message struct{ topic, payload string }
	var out []message
	for _, k := range keys {
		topic := base + "/" + k
		payload := values[k]
		if !full && p.published[topic] == payload {
			continue
		}
		p.published[topic] = payload
		out = append(out, message{topic, payload})
	}
	p.mu.Unlock()

	for _, m := range out {
		token := client.Publish(m.topic, 0, p.config.Retain, m.payload)
		if !token.WaitTimeout(publishTimeout) {
			return fmt.Errorf("publish %s: timeout after %s", m.topic, publishTimeout)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", m.topic, err)
		}
	}

	p.logger.Debug().Str("base", base).Int("messages", len(out)).Bool("full", full).Msg("Published")
	return nil
}

// Close terminates the connection to the MQTT broker.
func (p *MQTTPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.Disconnect(250)
		p.client = nil
	}
	p.connected = false
	return nil
}

func boolValue(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// FlattenJSON turns v into slash separated topic suffixes with scalar
// payloads. Timestamped values collapse to their value and are skipped
// while unknown.
func FlattenJSON(v interface{}) (map[string]string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data to JSON: %w", err)
	}
	var tree interface{}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data for processing: %w", err)
	}
	out := make(map[string]string)
	flatten(out, "", tree)
	return out, nil
}

func flatten(out map[string]string, prefix string, node interface{}) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "/" + k
	}

	switch n := node.(type) {
	case map[string]interface{}:
		if value, updated, ok := timestamped(n); ok {
			if updated != zeroTime {
				flatten(out, prefix, value)
			}
			return
		}
		for k, child := range n {
			flatten(out, join(k), child)
		}
	case []interface{}:
		for i, child := range n {
			flatten(out, join(strconv.Itoa(i)), child)
		}
	case float64:
		out[prefix] = strconv.FormatFloat(n, 'f', -1, 64)
	case bool:
		out[prefix] = boolValue(n)
	case string:
		out[prefix] = n
	}
}

func timestamped(n map[string]interface{}) (interface{}, string, bool) {
	if len(n) != 2 {
		return nil, "", false
	}
	value, ok := n["value"]
	if !ok {
		return nil, "", false
	}
	updated, ok := n["updated"].(string)
	return value, updated, ok
}
