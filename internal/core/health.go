package core

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// staleFrameAge marks capture as degraded when no frame arrived for this long.
const staleFrameAge = 2 * time.Second

// HealthStatus represents the health state of the replay service
type HealthStatus struct {
	Status          string `json:"status"` // "healthy", "degraded", "unhealthy"
	State           string `json:"state"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	StreamConnected bool   `json:"stream_connected"`
	LastFrameAgeMS  int64  `json:"last_frame_age_ms"`
	SaveInFlight    bool   `json:"save_in_flight"`
	MQTTConnected   *bool  `json:"mqtt_connected,omitempty"`
}

// HealthCheck returns the current health status. mqttConnected may be nil
// when MQTT is not configured.
func (r *Replay) HealthCheck(mqttConnected func() bool) HealthStatus {
	stats := r.Stats()
	age := r.LastFrameAge()

	status := HealthStatus{
		Status:          "healthy",
		State:           stats.State,
		UptimeSeconds:   stats.UptimeSeconds,
		StreamConnected: r.State() == StateCapturing,
		LastFrameAgeMS:  age.Milliseconds(),
		SaveInFlight:    stats.Saves.InFlight,
	}
	if mqttConnected != nil {
		c := mqttConnected()
		status.MQTTConnected = &c
	}

	switch {
	case !status.StreamConnected:
		status.Status = "unhealthy"
	case age > staleFrameAge:
		status.Status = "degraded"
	case status.MQTTConnected != nil && !*status.MQTTConnected:
		status.Status = "degraded"
	}
	return status
}

// HealthServer exposes /health, /readiness and /stats over HTTP.
type HealthServer struct {
	replay        *Replay
	mqttConnected func() bool
	server        *http.Server
}

// NewHealthServer creates a health server for r listening on addr.
func NewHealthServer(r *Replay, addr string, mqttConnected func() bool) *HealthServer {
	h := &HealthServer{replay: r, mqttConnected: mqttConnected}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.LivenessHandler)
	mux.HandleFunc("/readiness", h.ReadinessHandler)
	mux.HandleFunc("/stats", h.StatsHandler)

	h.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return h
}

// Handler returns the HTTP handler.
func (h *HealthServer) Handler() http.Handler {
	return h.server.Handler
}

// LivenessHandler handles /health (simple liveness check)
func (h *HealthServer) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": h.replay.Stats().UptimeSeconds,
	})
}

// ReadinessHandler handles /readiness. It returns 503 unless capturing.
func (h *HealthServer) ReadinessHandler(w http.ResponseWriter, _ *http.Request) {
	health := h.replay.HealthCheck(h.mqttConnected)

	code := http.StatusOK
	if health.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

// StatsHandler handles /stats.
func (h *HealthServer) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.replay.Stats())
}

// Run serves until ctx is done, then shuts the server down.
func (h *HealthServer) Run(ctx context.Context) error {
	slog.Info("core: starting health server",
		"addr", h.server.Addr,
		"endpoints", []string{"/health", "/readiness", "/stats"},
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		slog.Error("core: health server failed", "error", err)
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return h.server.Shutdown(shutdownCtx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("core: health response write failed", "error", err)
	}
}
