package mqttbattery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	mqttserver "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/resident-x/go-battery/internal/battery"
	"github.com/resident-x/go-battery/internal/config"
	"github.com/resident-x/go-battery/internal/domain"
	"github.com/resident-x/go-battery/internal/pubsub"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// topics is an in-memory subscriber.
type topics struct {
	mu       sync.Mutex
	handlers map[string]domain.MessageHandler
	fail     string
}

func newTopics() *topics {
	return &topics{handlers: make(map[string]domain.MessageHandler)}
}

func (s *topics) Subscribe(topic string, h domain.MessageHandler) error {
	if topic == s.fail {
		return errors.New("broker refused")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[topic] = h
	return nil
}

func (s *topics) Unsubscribe(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, topic)
	return nil
}

func (s *topics) send(topic, payload string) {
	s.mu.Lock()
	h := s.handlers[topic]
	s.mu.Unlock()
	if h != nil {
		h(topic, []byte(payload))
	}
}

func mqttConfig(unit string) config.BatteryConfig {
	cfg := config.DefaultConfig().Battery
	cfg.Enabled = true
	cfg.Provider = config.ProviderMQTT
	cfg.MQTT = config.BatteryMQTTConfig{
		SoCTopic:     "bms/soc",
		VoltageTopic: "bms/voltage",
		VoltageUnit:  unit,
	}
	return cfg
}

func newProvider(t *testing.T, cfg config.BatteryConfig, sub domain.MessageSubscriber) (battery.Provider, *time.Time) {
	t.Helper()
	now := time.Unix(2000, 0)
	p := New(battery.Env{
		Config:     cfg,
		Logger:     zerolog.New(zerolog.NewTestWriter(t)),
		Subscriber: sub,
		Now:        func() time.Time { return now },
	})
	return p, &now
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		path    string
		want    float64
		wantErr bool
	}{
		{name: "plain", payload: "87.5", want: 87.5},
		{name: "plain with newline", payload: " 52\n", want: 52},
		{name: "plain garbage", payload: "full", wantErr: true},
		{name: "top level key", payload: `{"soc": 91}`, path: "soc", want: 91},
		{name: "nested", payload: `{"bms":{"pack":{"voltage":53.12}}}`, path: "bms.pack.voltage", want: 53.12},
		{name: "array index", payload: `{"packs":[{"soc":10},{"soc":20}]}`, path: "packs.1.soc", want: 20},
		{name: "numeric string", payload: `{"soc":"64"}`, path: "soc", want: 64},
		{name: "missing key", payload: `{"soc": 91}`, path: "charge", wantErr: true},
		{name: "index out of range", payload: `{"packs":[1]}`, path: "packs.3", wantErr: true},
		{name: "walk into scalar", payload: `{"soc": 91}`, path: "soc.value", wantErr: true},
		{name: "not numeric", payload: `{"soc": true}`, path: "soc", wantErr: true},
		{name: "not json", payload: `soc=91`, path: "soc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Extract([]byte(tt.payload), tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestVoltageUnits(t *testing.T) {
	tests := []struct {
		unit    string
		payload string
		want    float64
	}{
		{"V", "52.4", 52.4},
		{"dV", "524", 52.4},
		{"cV", "5240", 52.4},
		{"mV", "52400", 52.4},
	}

	for _, tt := range tests {
		t.Run(tt.unit, func(t *testing.T) {
			sub := newTopics()
			p, _ := newProvider(t, mqttConfig(tt.unit), sub)
			require.NoError(t, p.Init())

			sub.send("bms/voltage", tt.payload)
			p.Loop()
			assert.InDelta(t, tt.want, p.Stats().Voltage.Value, 1e-9)
		})
	}
}

func TestUnknownUnitFailsInit(t *testing.T) {
	p, _ := newProvider(t, mqttConfig("kV"), newTopics())
	assert.Error(t, p.Init())
}

func TestMissingSubscriber(t *testing.T) {
	p, _ := newProvider(t, mqttConfig("V"), nil)
	assert.ErrorIs(t, p.Init(), ErrNoSubscriber)
}

func TestImplausibleValuesKeepPrevious(t *testing.T) {
	sub := newTopics()
	p, now := newProvider(t, mqttConfig("V"), sub)
	require.NoError(t, p.Init())

	sub.send("bms/soc", "55")
	sub.send("bms/voltage", "51.2")
	p.Loop()
	st := p.Stats()
	assert.Equal(t, 55.0, st.SoC.Value)
	assert.Equal(t, 0, st.SoCPrecision)
	assert.Equal(t, 51.2, st.Voltage.Value)
	assert.Equal(t, *now, st.LastUpdate)
	assert.True(t, st.IsValid(*now))

	*now = now.Add(time.Second)
	sub.send("bms/soc", "120")
	sub.send("bms/soc", "-3")
	sub.send("bms/voltage", "400")
	sub.send("bms/voltage", "n/a")
	p.Loop()
	assert.Equal(t, 55.0, st.SoC.Value)
	assert.Equal(t, 51.2, st.Voltage.Value)
	assert.Equal(t, now.Add(-time.Second), st.LastUpdate, "rejected readings do not refresh the stats")
}

func TestLatestReadingWins(t *testing.T) {
	sub := newTopics()
	p, now := newProvider(t, mqttConfig("V"), sub)
	require.NoError(t, p.Init())

	sub.send("bms/soc", "40")
	*now = now.Add(time.Second)
	sub.send("bms/soc", "41")
	p.Loop()

	assert.Equal(t, 41.0, p.Stats().SoC.Value)
	assert.Equal(t, *now, p.Stats().SoC.Updated)
}

func TestDeinitUnsubscribes(t *testing.T) {
	sub := newTopics()
	p, _ := newProvider(t, mqttConfig("V"), sub)
	require.NoError(t, p.Init())
	assert.Len(t, sub.handlers, 2)

	p.Deinit()
	assert.Empty(t, sub.handlers)
}

func TestVoltageSubscribeFailureRollsBack(t *testing.T) {
	sub := newTopics()
	sub.fail = "bms/voltage"
	p, _ := newProvider(t, mqttConfig("V"), sub)

	assert.Error(t, p.Init())
	assert.Empty(t, sub.handlers)
}

func TestDetailsCarryTopics(t *testing.T) {
	p, _ := newProvider(t, mqttConfig("V"), newTopics())
	d, ok := p.Stats().Details.(*battery.MQTT)
	require.True(t, ok)
	assert.Equal(t, "bms/soc", d.SoCTopic)
	assert.Equal(t, "bms/voltage", d.VoltageTopic)
}

func TestProviderOverBroker(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping MQTT broker test in short mode")
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	server := mqttserver.New(&mqttserver.Options{InlineClient: true})
	require.NoError(t, server.AddHook(new(auth.AllowHook), nil))
	require.NoError(t, server.AddListener(listeners.NewTCP(listeners.Config{
		ID:      "t1",
		Address: fmt.Sprintf("127.0.0.1:%d", port),
	})))
	go func() {
		if err := server.Serve(); err != nil {
			t.Logf("MQTT broker error: %v", err)
		}
	}()
	defer server.Close()
	time.Sleep(100 * time.Millisecond)

	client := pubsub.NewMQTTPublisher(config.MQTTConfig{
		Enabled: true,
		Host:    "127.0.0.1",
		Port:    port,
		Topic:   "solar",
	}, zerolog.New(zerolog.NewTestWriter(t)))
	defer client.Close()
	require.NoError(t, client.Connect(context.Background()))

	cfg := mqttConfig("mV")
	cfg.MQTT.SoCJSONPath = "battery.soc"
	p, _ := newProvider(t, cfg, client)
	require.NoError(t, p.Init())
	defer p.Deinit()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, server.Publish("bms/soc", []byte(`{"battery":{"soc":120}}`), false, 0))
	require.NoError(t, server.Publish("bms/soc", []byte(`{"battery":{"soc":73}}`), false, 0))
	require.NoError(t, server.Publish("bms/voltage", []byte("53150"), false, 0))

	assert.Eventually(t, func() bool {
		p.Loop()
		st := p.Stats()
		return st.SoC.Value == 73 && st.Voltage.Value == 53.15
	}, 3*time.Second, 50*time.Millisecond)
}
