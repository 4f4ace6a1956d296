package pubsub

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	mqttserver "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/resident-x/go-battery/internal/battery"
	"github.com/resident-x/go-battery/internal/config"
	"github.com/resident-x/go-battery/internal/vedirect"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestBroker(t *testing.T) (*mqttserver.Server, int) {
	t.Helper()
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
	time.Sleep(100 * time.Millisecond)
	t.Cleanup(func() { server.Close() })
	return server, port
}

// recorder collects everything published below a topic filter.
type recorder struct {
	mu       sync.Mutex
	messages map[string]string
	order    []string
}

func record(t *testing.T, port int, filter string) *recorder {
	t.Helper()
	r := &recorder{messages: make(map[string]string)}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://127.0.0.1:%d", port)).
		SetClientID("test-subscriber").
		SetConnectTimeout(5 * time.Second)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())

	token = client.Subscribe(filter, 0, func(_ mqtt.Client, msg mqtt.Message) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.messages[msg.Topic()] = string(msg.Payload())
		r.order = append(r.order, msg.Topic())
	})
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
	t.Cleanup(func() { client.Disconnect(100) })
	return r
}

// settle waits until no message arrived for a while and returns the topics
// received since the last call.
func (r *recorder) settle() []string {
	last := -1
	for {
		time.Sleep(150 * time.Millisecond)
		r.mu.Lock()
		n := len(r.order)
		r.mu.Unlock()
		if n == last {
			break
		}
		last = n
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.order
	r.order = nil
	return out
}

func (r *recorder) get(topic string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.messages[topic]
	return v, ok
}

func newPublisher(t *testing.T, port int) *MQTTPublisher {
	t.Helper()
	p := NewMQTTPublisher(config.MQTTConfig{
		Enabled: true,
		Host:    "127.0.0.1",
		Port:    port,
		Topic:   "solar",
	}, zerolog.New(zerolog.NewTestWriter(t)))
	t.Cleanup(func() { p.Close() })
	return p
}

func TestNoopPublisher(t *testing.T) {
	p := NewNoopPublisher()
	assert.NoError(t, p.Connect(context.Background()))
	assert.NoError(t, p.PublishBattery(battery.NewStats("test", nil)))
	assert.NoError(t, p.PublishMppt("mppt1", vedirect.MpptData{}))
	assert.NoError(t, p.Subscribe("a/b", func(string, []byte) {}))
	assert.NoError(t, p.Unsubscribe("a/b"))
	assert.NoError(t, p.Close())
}

func TestMQTTPublisher_Disabled(t *testing.T) {
	p := NewMQTTPublisher(config.MQTTConfig{Enabled: false}, zerolog.Nop())

	require.NoError(t, p.Connect(context.Background()))
	assert.False(t, p.Connected())
	assert.NoError(t, p.PublishBattery(battery.NewStats("test", nil)))
}

func TestMQTTPublisher_NotConnectedSkipsPublish(t *testing.T) {
	p := NewMQTTPublisher(config.MQTTConfig{Enabled: true, Topic: "solar"}, zerolog.Nop())
	assert.NoError(t, p.PublishBattery(battery.NewStats("test", nil)))
	assert.Empty(t, p.published)
}

func TestMQTTPublisher_PublishBattery(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping MQTT broker test in short mode")
	}
	_, port := startTestBroker(t)
	rec := record(t, port, "solar/#")

	p := newPublisher(t, port)
	t0 := time.Unix(1_700_000_000, 0)
	now := t0
	p.now = func() time.Time { return now }
	require.NoError(t, p.Connect(context.Background()))
	require.True(t, p.Connected())

	s := battery.NewStats("pylontech-can", &battery.PylontechCAN{ChargeEnabled: true, ModuleCount: 2, Temperature: 21.5})
	s.SetManufacturer("PYLON", t0)
	s.SetVoltage(52.1, t0)
	s.SetCurrent(-4.5, 1, t0)
	s.SetSoC(88, 0, t0)
	s.Alarms = s.Alarms.With(battery.AlarmOverVoltage, true)
	s.Touch(t0)

	require.NoError(t, p.PublishBattery(s))
	first := rec.settle()
	assert.NotEmpty(t, first)

	checks := map[string]string{
		"solar/battery/manufacturer":                    "PYLON",
		"solar/battery/voltage":                         "52.10",
		"solar/battery/current":                         "-4.5",
		"solar/battery/stateOfCharge":                   "88",
		"solar/battery/power":                           "-234.5",
		"solar/battery/dataAge":                         "0",
		"solar/battery/charging/enabled":                "1",
		"solar/battery/pylontech-can/module_count":      "2",
		"solar/battery/pylontech-can/temperature":       "21.5",
		"solar/battery/pylontech-can/discharge_enabled": "0",
		"solar/battery/alarm/overVoltage":               "1",
	}
	for topic, want := range checks {
		got, ok := rec.get(topic)
		if assert.True(t, ok, topic) {
			assert.Equal(t, want, got, topic)
		}
	}

	// one second later only what changed goes out
	now = t0.Add(time.Second)
	s.SetVoltage(52.3, now)
	require.NoError(t, p.PublishBattery(s))
	assert.ElementsMatch(t, []string{
		"solar/battery/voltage",
		"solar/battery/power",
		"solar/battery/dataAge",
	}, rec.settle())

	// after the full interval everything is repeated
	now = t0.Add(61 * time.Second)
	require.NoError(t, p.PublishBattery(s))
	assert.Len(t, rec.settle(), len(first))
}

func TestMQTTPublisher_PublishMppt(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping MQTT broker test in short mode")
	}
	_, port := startTestBroker(t)
	rec := record(t, port, "solar/victron/#")

	p := newPublisher(t, port)
	require.NoError(t, p.Connect(context.Background()))

	d := vedirect.MpptData{ChargeState: 3, PanelPowerWatts: 180}
	d.ProductID = 0xA053
	d.Firmware = "159"
	d.MpptTemperatureMilliCelsius.Set(25500, time.Unix(100, 0))
	require.NoError(t, p.PublishMppt("east", d))
	rec.settle()

	for topic, want := range map[string]string{
		"solar/victron/east/productName":         "SmartSolar MPPT 75|15",
		"solar/victron/east/firmware":            "1.59",
		"solar/victron/east/chargeState":         "Bulk",
		"solar/victron/east/ppv":                 "180",
		"solar/victron/east/mppt_temperature_mc": "25500",
	} {
		got, ok := rec.get(topic)
		if assert.True(t, ok, topic) {
			assert.Equal(t, want, got, topic)
		}
	}
	_, ok := rec.get("solar/victron/east/load_current_ma")
	assert.False(t, ok, "unknown hex values are not published")
}

func TestMQTTPublisher_Subscribe(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping MQTT broker test in short mode")
	}
	server, port := startTestBroker(t)
	p := newPublisher(t, port)

	received := make(chan string, 4)
	// queued before the connection exists
	require.NoError(t, p.Subscribe("bms/soc", func(topic string, payload []byte) {
		received <- topic + "=" + string(payload)
	}))
	require.NoError(t, p.Connect(context.Background()))
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, server.Publish("bms/soc", []byte("77"), false, 0))
	select {
	case msg := <-received:
		assert.Equal(t, "bms/soc=77", msg)
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not deliver")
	}

	require.NoError(t, p.Unsubscribe("bms/soc"))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, server.Publish("bms/soc", []byte("78"), false, 0))
	select {
	case msg := <-received:
		t.Fatalf("unexpected message after unsubscribe: %s", msg)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestFlattenJSON(t *testing.T) {
	type inner struct {
		Cells []float64 `json:"cells"`
		On    bool      `json:"on"`
	}
	out, err := FlattenJSON(struct {
		Name  string `json:"name"`
		Inner inner  `json:"inner"`
	}{Name: "pack", Inner: inner{Cells: []float64{3.301, 3.305}, On: true}})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"name":          "pack",
		"inner/cells/0": "3.301",
		"inner/cells/1": "3.305",
		"inner/on":      "1",
	}, out)
}
