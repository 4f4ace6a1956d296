// Package metrics exports battery, charge controller and link readings as
// Prometheus gauges.
package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/resident-x/go-battery/internal/battery"
	"github.com/resident-x/go-battery/internal/session"
	"github.com/resident-x/go-battery/internal/vedirect"
	"github.com/rs/zerolog"
)

// refreshInterval limits how often Loop copies readings into the gauges.
const refreshInterval = time.Second

// BatterySource provides the current battery reading.
type BatterySource interface {
	Snapshot() *battery.Stats
}

// MpptSource provides the charge controller readings.
type MpptSource interface {
	Names() []string
	Data(idx int) (vedirect.MpptData, bool)
}

// LinkSource provides the transport counters.
type LinkSource interface {
	All() []session.LinkStats
}

// Sources groups the inputs of a Collector. Nil sources are skipped.
type Sources struct {
	Battery BatterySource
	Mppt    MpptSource
	Links   LinkSource
}

// Collector owns a private registry so several instances can coexist.
type Collector struct {
	mu       sync.Mutex
	registry *prometheus.Registry
	sources  Sources
	logger   zerolog.Logger
	now      func() time.Time
	last     time.Time

	socPercent     prometheus.Gauge
	voltage        prometheus.Gauge
	current        prometheus.Gauge
	power          prometheus.Gauge
	temperature    prometheus.Gauge
	dataValid      prometheus.Gauge
	dataAge        prometheus.Gauge
	chargeEnabled  prometheus.Gauge
	dischargeAllow prometheus.Gauge
	alarms         *prometheus.GaugeVec
	warnings       *prometheus.GaugeVec

	mpptPanelPower  *prometheus.GaugeVec
	mpptOutputPower *prometheus.GaugeVec
	mpptVoltage     *prometheus.GaugeVec
	mpptYieldToday  *prometheus.GaugeVec
	mpptYieldTotal  *prometheus.GaugeVec
	mpptChargeState *prometheus.GaugeVec

	linkBytes    *prometheus.GaugeVec
	linkFrames   *prometheus.GaugeVec
	linkChecksum *prometheus.GaugeVec
	linkFraming  *prometheus.GaugeVec
	linkTimeouts *prometheus.GaugeVec
	linkActive   *prometheus.GaugeVec
}

// NewCollector registers every gauge under namespace.
func NewCollector(namespace string, src Sources, logger zerolog.Logger) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		sources:  src,
		logger:   logger.With().Str("component", "metrics").Logger(),
		now:      time.Now,
	}

	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
		c.registry.MustRegister(g)
		return g
	}
	vec := func(name, help string, labels ...string) *prometheus.GaugeVec {
		g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
		c.registry.MustRegister(g)
		return g
	}

	c.socPercent = gauge("battery_state_of_charge_percent", "Battery state of charge (%)")
	c.voltage = gauge("battery_voltage_volts", "Battery voltage (V)")
	c.current = gauge("battery_current_amperes", "Battery current, negative while discharging (A)")
	c.power = gauge("battery_power_watts", "Battery power (W)")
	c.temperature = gauge("battery_temperature_celsius", "Battery temperature (°C)")
	c.dataValid = gauge("battery_data_valid", "1 while the battery reading is current")
	c.dataAge = gauge("battery_data_age_seconds", "Seconds since the last battery update")
	c.chargeEnabled = gauge("battery_charge_enabled", "1 while the BMS allows charging")
	c.dischargeAllow = gauge("battery_discharge_enabled", "1 while the BMS allows discharging")
	c.alarms = vec("battery_alarm", "1 while the BMS raises the alarm", "alarm")
	c.warnings = vec("battery_warning", "1 while the BMS raises the warning", "warning")

	c.mpptPanelPower = vec("mppt_panel_power_watts", "Charge controller panel power (W)", "controller")
	c.mpptOutputPower = vec("mppt_output_power_watts", "Charge controller output power (W)", "controller")
	c.mpptVoltage = vec("mppt_battery_voltage_volts", "Charge controller battery voltage (V)", "controller")
	c.mpptYieldToday = vec("mppt_yield_today_kwh", "Charge controller yield today (kWh)", "controller")
	c.mpptYieldTotal = vec("mppt_yield_total_kwh", "Charge controller lifetime yield (kWh)", "controller")
	c.mpptChargeState = vec("mppt_charge_state", "Charge controller state code", "controller")

	c.linkBytes = vec("link_bytes_received", "Bytes read from the transport", "link", "protocol")
	c.linkFrames = vec("link_frames_received", "Frames decoded from the transport", "link", "protocol")
	c.linkChecksum = vec("link_checksum_errors", "Frames dropped on a checksum mismatch", "link", "protocol")
	c.linkFraming = vec("link_framing_errors", "Frames dropped on a framing error", "link", "protocol")
	c.linkTimeouts = vec("link_timeouts", "Requests without an answer", "link", "protocol")
	c.linkActive = vec("link_active", "1 while the link is active", "link", "protocol")

	return c
}

// Name identifies the collector as a scheduler task.
func (c *Collector) Name() string { return "metrics" }

// Loop refreshes the gauges at most once per second.
func (c *Collector) Loop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if !c.last.IsZero() && now.Sub(c.last) < refreshInterval {
		return
	}
	c.last = now
	c.updateLocked(now)
}

// Update refreshes the gauges immediately.
func (c *Collector) Update() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = c.now()
	c.updateLocked(c.last)
}

func (c *Collector) updateLocked(now time.Time) {
	if c.sources.Battery != nil {
		c.updateBattery(c.sources.Battery.Snapshot(), now)
	}
	if c.sources.Mppt != nil {
		c.updateMppt()
	}
	if c.sources.Links != nil {
		c.updateLinks()
	}
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func (c *Collector) updateBattery(s *battery.Stats, now time.Time) {
	c.socPercent.Set(s.SoC.Value)
	c.voltage.Set(s.Voltage.Value)
	c.current.Set(s.Current.Value)
	c.power.Set(s.Power())
	if t, ok := s.Temperature(); ok {
		c.temperature.Set(t)
	}
	c.dataValid.Set(boolGauge(s.IsValid(now)))
	c.dataAge.Set(s.Age(now).Seconds())
	c.chargeEnabled.Set(boolGauge(s.ChargeEnabled()))
	c.dischargeAllow.Set(boolGauge(s.DischargeEnabled()))

	for _, name := range battery.Alarm(0xFFFF).Names() {
		c.alarms.WithLabelValues(name).Set(0)
	}
	for _, name := range s.Alarms.Names() {
		c.alarms.WithLabelValues(name).Set(1)
	}
	for _, name := range battery.Warning(0xFFFF).Names() {
		c.warnings.WithLabelValues(name).Set(0)
	}
	for _, name := range s.Warnings.Names() {
		c.warnings.WithLabelValues(name).Set(1)
	}
}

func (c *Collector) updateMppt() {
	// Controllers may have been reconfigured since the last refresh.
	c.mpptPanelPower.Reset()
	c.mpptOutputPower.Reset()
	c.mpptVoltage.Reset()
	c.mpptYieldToday.Reset()
	c.mpptYieldTotal.Reset()
	c.mpptChargeState.Reset()

	for i, name := range c.sources.Mppt.Names() {
		d, ok := c.sources.Mppt.Data(i)
		if !ok {
			continue
		}
		c.mpptPanelPower.WithLabelValues(name).Set(float64(d.PanelPowerWatts))
		c.mpptOutputPower.WithLabelValues(name).Set(float64(d.OutputPowerWatts))
		c.mpptVoltage.WithLabelValues(name).Set(float64(d.BatteryVoltageMilliVolt) / 1000)
		c.mpptYieldToday.WithLabelValues(name).Set(float64(d.YieldTodayWattHours) / 1000)
		c.mpptYieldTotal.WithLabelValues(name).Set(float64(d.YieldTotalWattHours) / 1000)
		c.mpptChargeState.WithLabelValues(name).Set(float64(d.ChargeState))
	}
}

func (c *Collector) updateLinks() {
	c.linkBytes.Reset()
	c.linkFrames.Reset()
	c.linkChecksum.Reset()
	c.linkFraming.Reset()
	c.linkTimeouts.Reset()
	c.linkActive.Reset()

	for _, l := range c.sources.Links.All() {
		c.linkBytes.WithLabelValues(l.Name, l.Protocol).Set(float64(l.BytesReceived))
		c.linkFrames.WithLabelValues(l.Name, l.Protocol).Set(float64(l.FramesReceived))
		c.linkChecksum.WithLabelValues(l.Name, l.Protocol).Set(float64(l.ChecksumErrors))
		c.linkFraming.WithLabelValues(l.Name, l.Protocol).Set(float64(l.FramingErrors))
		c.linkTimeouts.WithLabelValues(l.Name, l.Protocol).Set(float64(l.Timeouts))
		c.linkActive.WithLabelValues(l.Name, l.Protocol).Set(boolGauge(l.State == session.LinkStateActive))
	}
}

// Registry exposes the registry for callers adding their own collectors.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format. Gauges are
// refreshed before every scrape.
func (c *Collector) Handler() http.Handler {
	inner := promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{ErrorLog: promLogger{c.logger}})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Update()
		inner.ServeHTTP(w, r)
	})
}

// promLogger routes promhttp errors to zerolog.
type promLogger struct{ logger zerolog.Logger }

func (l promLogger) Println(v ...interface{}) {
	l.logger.Error().Msg(fmt.Sprint(v...))
}
