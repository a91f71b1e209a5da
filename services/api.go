package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"sprout/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// APIDeps are the components the HTTP API exposes. Watchdog, History and
// Metrics may be nil.
type APIDeps struct {
	Pumps       *PumpSet
	Coordinator *SmartCoordinator
	Settings    *SettingsService
	Alerts      *AlertService
	Events      *EventLog
	Feed        *SensorFeed
	Watchdog    *SensorWatchdog
	History     *HistoryWriter
	Metrics     *Metrics
}

// APIServer serves the JSON API used by the app.
type APIServer struct {
	httpServer *http.Server
	deps       APIDeps
	logger     *zap.Logger
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

type pumpActionResponse struct {
	Changed bool                    `json:"changed"`
	State   models.PumpRuntimeState `json:"state"`
}

type requestIDKey struct{}

func NewAPIServer(addr string, deps APIDeps, logger *zap.Logger) *APIServer {
	s := &APIServer{deps: deps, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", deps.Metrics.Handler())

	mux.HandleFunc("GET /api/pumps", s.handleListPumps)
	mux.HandleFunc("GET /api/pumps/{id}", s.handleGetPump)
	mux.HandleFunc("POST /api/pumps/{id}/start", s.handlePumpAction)
	mux.HandleFunc("POST /api/pumps/{id}/stop", s.handlePumpAction)
	mux.HandleFunc("POST /api/pumps/{id}/toggle", s.handlePumpAction)

	mux.HandleFunc("GET /api/smart", s.handleGetSmart)
	mux.HandleFunc("PUT /api/smart", s.handlePutSmart)
	mux.HandleFunc("GET /api/thresholds", s.handleGetThresholds)
	mux.HandleFunc("PUT /api/thresholds", s.handlePutThresholds)
	mux.HandleFunc("POST /api/plant", s.handlePostPlant)
	mux.HandleFunc("GET /api/sensor/latest", s.handleLatestSensor)

	mux.HandleFunc("GET /api/notifications", s.handleListNotifications)
	mux.HandleFunc("GET /api/notifications/unread", s.handleUnreadCount)
	mux.HandleFunc("POST /api/notifications/read-all", s.handleReadAll)
	mux.HandleFunc("POST /api/notifications/{id}/read", s.handleMarkRead)
	mux.HandleFunc("DELETE /api/notifications", s.handleClearNotifications)

	mux.HandleFunc("GET /api/logs", s.handleListLogs)
	mux.HandleFunc("DELETE /api/logs", s.handleClearLogs)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.withRequestID(s.withRequestLog(deps.Metrics.Instrument(mux))),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *APIServer) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks until the server is shut down.
func (s *APIServer) ListenAndServe() error {
	s.logger.Info("HTTP API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on ln.
func (s *APIServer) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *APIServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	type status struct {
		Status          string   `json:"status"`
		Sensor          string   `json:"sensor"`
		SensorLastSeen  string   `json:"sensor_last_seen,omitempty"`
		LastWriteErrorS *float64 `json:"last_write_error_age_sec,omitempty"`
	}

	st := status{Status: "ok", Sensor: "unknown"}
	if s.deps.Watchdog != nil {
		health := s.deps.Watchdog.Health()
		st.Sensor = string(health.Status)
		st.SensorLastSeen = health.LastSeen.Format(time.RFC3339)
		if health.Status == models.SensorStale {
			st.Status = "degraded"
		}
	}
	if s.deps.History != nil {
		age := s.deps.History.LastErrorAge().Seconds()
		st.LastWriteErrorS = &age
		if age < 30 {
			st.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *APIServer) handleListPumps(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Pumps.States())
}

func (s *APIServer) handleGetPump(w http.ResponseWriter, r *http.Request) {
	pump, ok := s.lookupPump(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, pump.State())
}

func (s *APIServer) handlePumpAction(w http.ResponseWriter, r *http.Request) {
	pump, ok := s.lookupPump(w, r)
	if !ok {
		return
	}

	var changed bool
	switch action := r.URL.Path[strings.LastIndexByte(r.URL.Path, '/')+1:]; action {
	case "start":
		changed = pump.Start(r.Context(), models.TriggerUser)
	case "stop":
		changed = pump.Stop(r.Context(), models.StopReasonManual)
	case "toggle":
		changed = pump.Toggle(r.Context(), models.TriggerUser)
	}
	writeJSON(w, http.StatusOK, pumpActionResponse{Changed: changed, State: pump.State()})
}

func (s *APIServer) lookupPump(w http.ResponseWriter, r *http.Request) (*PumpController, bool) {
	id, err := models.ParsePumpID(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return nil, false
	}
	pump, ok := s.deps.Pumps.Get(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "pump not configured")
		return nil, false
	}
	return pump, true
}

func (s *APIServer) handleGetSmart(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Settings.SmartMode())
}

func (s *APIServer) handlePutSmart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	if body.Enabled == nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "enabled is required")
		return
	}
	s.deps.Coordinator.SetEnabled(r.Context(), *body.Enabled, models.SourceUser)
	writeJSON(w, http.StatusOK, s.deps.Settings.SmartMode())
}

func (s *APIServer) handleGetThresholds(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Settings.Thresholds().Payload())
}

// handlePutThresholds merges the body over the current thresholds, so
// clients may send only the fields they change.
func (s *APIServer) handlePutThresholds(w http.ResponseWriter, r *http.Request) {
	payload := s.deps.Settings.Thresholds().Payload()
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	if err := s.deps.Settings.UpdateThresholds(r.Context(), payload.Thresholds(), models.SourceUser); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Settings.Thresholds().Payload())
}

func (s *APIServer) handlePostPlant(w http.ResponseWriter, r *http.Request) {
	var profile models.PlantProfile
	if err := decodeJSON(r, &profile); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	if err := s.deps.Settings.ApplyProfile(r.Context(), profile); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Settings.Current())
}

func (s *APIServer) handleLatestSensor(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.deps.Feed.Latest()
	if !ok {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "no sensor reading yet")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *APIServer) handleListNotifications(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Alerts.Inbox())
}

func (s *APIServer) handleUnreadCount(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"unread": s.deps.Alerts.UnreadCount()})
}

func (s *APIServer) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Alerts.MarkRead(r.PathValue("id")) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "notification not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) handleReadAll(w http.ResponseWriter, _ *http.Request) {
	s.deps.Alerts.MarkAllRead()
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) handleClearNotifications(w http.ResponseWriter, _ *http.Request) {
	s.deps.Alerts.ClearInbox()
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) handleListLogs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Events.Read())
}

func (s *APIServer) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	s.deps.Events.Clear(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID)))
	})
}

func (s *APIServer) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		srw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(srw, r)
		s.logger.Debug("HTTP request",
			zap.String("request_id", requestIDFromContext(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", srw.statusCode),
			zap.Duration("duration", time.Since(start)))
	})
}

func requestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	writeJSON(w, statusCode, errorEnvelope{
		Error: errorBody{
			Code:      code,
			Message:   message,
			RequestID: requestIDFromContext(r.Context()),
		},
	})
}
