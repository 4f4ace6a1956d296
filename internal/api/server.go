// Package api provides the HTTP monitoring API of the battery service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/resident-x/go-battery/internal/battery"
	"github.com/resident-x/go-battery/internal/config"
	"github.com/resident-x/go-battery/internal/domain"
	"github.com/resident-x/go-battery/internal/pubsub"
	"github.com/resident-x/go-battery/internal/session"
	"github.com/resident-x/go-battery/internal/vedirect"
	"github.com/resident-x/go-battery/internal/victron"
	"github.com/rs/zerolog"
)

// BatterySource provides the battery reading.
type BatterySource interface {
	Snapshot() *battery.Stats
	Active() bool
}

// MpptSource provides the charge controllers.
type MpptSource interface {
	Count() int
	Names() []string
	Data(idx int) (vedirect.MpptData, bool)
	IsDataValid() bool
	DataAge() time.Duration
	OutputPower() int32
	PanelPower() int32
	YieldTotal() float64
	YieldDay() float64
	OutputVoltage() float64
	SendHexCommand(idx int, cmd vedirect.Command, reg vedirect.Register, value uint32, size int) error
}

// PortSource lists the serial port allocations.
type PortSource interface {
	Allocations() []domain.PortInfo
}

// LinkSource lists the transport counters.
type LinkSource interface {
	All() []session.LinkStats
}

// SchedulerSource reports the loop scheduler metrics.
type SchedulerSource interface {
	GetMetrics() map[string]interface{}
}

// Sources are the components the API reports on. Nil sources answer 503.
type Sources struct {
	Battery   BatterySource
	Mppt      MpptSource
	Ports     PortSource
	Links     LinkSource
	Scheduler SchedulerSource
	Metrics   http.Handler
	Version   string
}

// Server represents the HTTP API server that provides monitoring functionality.
type Server struct {
	config    *config.Config
	server    *http.Server
	router    *mux.Router
	sources   Sources
	formats   *FormatConverter
	logger    zerolog.Logger
	now       func() time.Time
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(cfg *config.Config, src Sources, logger zerolog.Logger) *Server {
	if src.Version == "" {
		src.Version = "dev"
	}
	s := &Server{
		config:    cfg,
		router:    mux.NewRouter(),
		sources:   src,
		formats:   NewFormatConverter(),
		logger:    logger.With().Str("component", "api").Logger(),
		now:       time.Now,
		startTime: time.Now(),
	}
	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	api.HandleFunc("/battery", s.handleBattery).Methods("GET")
	api.HandleFunc("/battery/datapoints", s.handleBatteryDatapoints).Methods("GET")

	api.HandleFunc("/mppt", s.handleListMppt).Methods("GET")
	api.HandleFunc("/mppt/{idx:[0-9]+}", s.handleGetMppt).Methods("GET")
	api.HandleFunc("/mppt/{idx:[0-9]+}/hex", s.handleMpptHex).Methods("POST")

	api.HandleFunc("/ports", s.handlePorts).Methods("GET")
	api.HandleFunc("/links", s.handleLinks).Methods("GET")
	api.HandleFunc("/scheduler", s.handleScheduler).Methods("GET")

	if s.sources.Metrics != nil {
		s.router.Handle("/metrics", s.sources.Metrics).Methods("GET")
	}
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("host", s.config.API.Host).
			Int("port", s.config.API.Port).
			Msg("Starting HTTP API server")

		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}

	return nil
}

// handleStatus returns service status information.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]interface{}{
		"status":  "ok",
		"version": s.sources.Version,
		"uptime":  s.now().Sub(s.startTime).Round(time.Second).String(),
	}
	if b := s.sources.Battery; b != nil {
		snap := b.Snapshot()
		status["battery"] = map[string]interface{}{
			"active":   b.Active(),
			"provider": snap.Provider,
			"valid":    snap.IsValid(s.now()),
		}
	}
	if m := s.sources.Mppt; m != nil {
		status["mppt"] = map[string]interface{}{
			"count": m.Count(),
			"valid": m.IsDataValid(),
		}
	}

	s.writeJSON(w, status, http.StatusOK)
}

// handleBattery returns the full battery reading.
func (s *Server) handleBattery(w http.ResponseWriter, _ *http.Request) {
	if s.sources.Battery == nil {
		s.writeError(w, "Battery support not available", http.StatusServiceUnavailable)
		return
	}
	snap := s.sources.Battery.Snapshot()
	now := s.now()

	s.writeJSON(w, map[string]interface{}{
		"stats":       snap,
		"valid":       snap.IsValid(now),
		"age_seconds": int64(snap.Age(now).Seconds()),
		"power":       snap.Power(),
		"alarms":      nonNil(snap.Alarms.Names()),
		"warnings":    nonNil(snap.Warnings.Names()),
	}, http.StatusOK)
}

// handleBatteryDatapoints returns the battery reading as flat key/value pairs.
func (s *Server) handleBatteryDatapoints(w http.ResponseWriter, _ *http.Request) {
	if s.sources.Battery == nil {
		s.writeError(w, "Battery support not available", http.StatusServiceUnavailable)
		return
	}
	snap := s.sources.Battery.Snapshot()
	points, err := pubsub.FlattenJSON(snap)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to flatten battery stats")
		s.writeError(w, "Failed to render battery stats", http.StatusInternalServerError)
		return
	}
	if t, ok := snap.Temperature(); ok {
		points["temperature"] = strconv.FormatFloat(t, 'f', 1, 64)
	}
	points["power"] = strconv.FormatFloat(snap.Power(), 'f', 1, 64)

	s.writeJSON(w, map[string]interface{}{
		"provider":   snap.Provider,
		"datapoints": points,
		"count":      len(points),
	}, http.StatusOK)
}

// handleListMppt returns the charge controller totals and every controller.
func (s *Server) handleListMppt(w http.ResponseWriter, _ *http.Request) {
	m := s.sources.Mppt
	if m == nil {
		s.writeError(w, "VE.Direct support not available", http.StatusServiceUnavailable)
		return
	}

	names := m.Names()
	controllers := make([]map[string]interface{}, 0, len(names))
	for i, name := range names {
		d, ok := m.Data(i)
		if !ok {
			continue
		}
		controllers = append(controllers, mpptSummary(i, name, d))
	}

	s.writeJSON(w, map[string]interface{}{
		"count":            m.Count(),
		"valid":            m.IsDataValid(),
		"data_age_seconds": int64(m.DataAge().Seconds()),
		"output_power":     m.OutputPower(),
		"panel_power":      m.PanelPower(),
		"yield_total_kwh":  m.YieldTotal(),
		"yield_day_kwh":    m.YieldDay(),
		"output_voltage":   m.OutputVoltage(),
		"controllers":      controllers,
	}, http.StatusOK)
}

// handleGetMppt returns everything known about one charge controller.
func (s *Server) handleGetMppt(w http.ResponseWriter, r *http.Request) {
	m := s.sources.Mppt
	if m == nil {
		s.writeError(w, "VE.Direct support not available", http.StatusServiceUnavailable)
		return
	}
	idx, _ := strconv.Atoi(mux.Vars(r)["idx"])
	names := m.Names()
	if idx >= len(names) {
		s.writeError(w, "Charge controller not found", http.StatusNotFound)
		return
	}
	d, ok := m.Data(idx)
	if !ok {
		s.writeError(w, "Charge controller not found", http.StatusNotFound)
		return
	}

	out := mpptSummary(idx, names[idx], d)
	out["data"] = d
	s.writeJSON(w, out, http.StatusOK)
}

// handleMpptHex queues a VE.Direct hex command. Query parameters: command
// (get, set, ping, version, product), register, value, size and format.
func (s *Server) handleMpptHex(w http.ResponseWriter, r *http.Request) {
	m := s.sources.Mppt
	if m == nil {
		s.writeError(w, "VE.Direct support not available", http.StatusServiceUnavailable)
		return
	}
	idx, _ := strconv.Atoi(mux.Vars(r)["idx"])
	q := r.URL.Query()

	format, err := s.formats.ParseFormat(q.Get("format"))
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	cmd, err := s.formats.ParseCommand(q.Get("command"))
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var (
		reg   vedirect.Register
		value uint32
		size  int
	)
	if cmd == vedirect.CmdGet || cmd == vedirect.CmdSet {
		if reg, err = s.formats.ParseRegister(q.Get("register"), format); err != nil {
			s.writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if cmd == vedirect.CmdSet {
		if size, err = s.formats.ParseSize(q.Get("size")); err != nil {
			s.writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if value, err = s.formats.ParseUint(q.Get("value"), format, size*8); err != nil {
			s.writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	err = m.SendHexCommand(idx, cmd, reg, value, size)
	switch {
	case errors.Is(err, victron.ErrNoController):
		s.writeError(w, "Charge controller not found", http.StatusNotFound)
		return
	case errors.Is(err, victron.ErrNotSent):
		s.writeError(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.logger.Info().
		Int("controller", idx).
		Uint8("command", uint8(cmd)).
		Str("register", reg.String()).
		Msg("Hex command sent via API")

	s.writeJSON(w, map[string]interface{}{
		"status":   "sent",
		"command":  uint8(cmd),
		"register": s.formats.FormatRegister(reg, format),
		"name":     reg.String(),
	}, http.StatusAccepted)
}

// handlePorts lists the serial port slots in use.
func (s *Server) handlePorts(w http.ResponseWriter, _ *http.Request) {
	if s.sources.Ports == nil {
		s.writeError(w, "Port manager not available", http.StatusServiceUnavailable)
		return
	}
	ports := s.sources.Ports.Allocations()
	s.writeJSON(w, map[string]interface{}{
		"ports": ports,
		"count": len(ports),
	}, http.StatusOK)
}

// handleLinks lists the transport counters of every controller.
func (s *Server) handleLinks(w http.ResponseWriter, _ *http.Request) {
	if s.sources.Links == nil {
		s.writeError(w, "Link statistics not available", http.StatusServiceUnavailable)
		return
	}
	links := s.sources.Links.All()
	s.writeJSON(w, map[string]interface{}{
		"links": links,
		"count": len(links),
	}, http.StatusOK)
}

// handleScheduler returns the loop scheduler metrics.
func (s *Server) handleScheduler(w http.ResponseWriter, _ *http.Request) {
	if s.sources.Scheduler == nil {
		s.writeError(w, "Scheduler not available", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, s.sources.Scheduler.GetMetrics(), http.StatusOK)
}

func mpptSummary(idx int, name string, d vedirect.MpptData) map[string]interface{} {
	return map[string]interface{}{
		"index":         idx,
		"name":          name,
		"product":       d.ProductName(),
		"firmware":      d.FirmwareFormatted(),
		"charge_state":  vedirect.ChargeStateName(d.ChargeState),
		"tracker_state": vedirect.TrackerStateName(d.TrackerState),
		"error":         vedirect.ErrorName(d.ErrorCode),
		"panel_power":   d.PanelPowerWatts,
		"output_power":  d.OutputPowerWatts,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode error response")
	}
}
