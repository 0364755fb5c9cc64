package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/logger"
	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/monitoring"
	"github.com/ThanhHiep25/Detal-CRM-sub002/pkg/types"
)

// Server exposes the controller over HTTP
type Server struct {
	controller *Controller
	logger     *logger.Logger
	health     *monitoring.HealthManager
	metrics    *monitoring.SyncMetrics
	middleware *monitoring.MonitoringMiddleware
	limiter    *RefreshLimiter
	origins    []string
	server     *http.Server

	healthPath  string
	metricsPath string

	// keepAlive is the interval of SSE comment frames
	keepAlive time.Duration
}

// ServerOptions carries the optional collaborators of a Server
type ServerOptions struct {
	Health     *monitoring.HealthManager
	Metrics    *monitoring.SyncMetrics
	Middleware *monitoring.MonitoringMiddleware

	// RefreshLimiter throttles POST /appointments/{id}/refresh when set
	RefreshLimiter *RefreshLimiter

	// AllowedOrigins for CORS; empty allows any origin
	AllowedOrigins []string

	// HealthPath and MetricsPath default to /health and /metrics
	HealthPath  string
	MetricsPath string
}

// NewServer creates an HTTP server for controller
func NewServer(controller *Controller, log *logger.Logger, opts ServerOptions) *Server {
	if opts.HealthPath == "" {
		opts.HealthPath = "/health"
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	return &Server{
		controller:  controller,
		logger:      log,
		health:      opts.Health,
		metrics:     opts.Metrics,
		middleware:  opts.Middleware,
		limiter:     opts.RefreshLimiter,
		origins:     opts.AllowedOrigins,
		healthPath:  opts.HealthPath,
		metricsPath: opts.MetricsPath,
		keepAlive:   15 * time.Second,
	}
}

// appointmentView is the wire form of a record
type appointmentView struct {
	types.AppointmentRecord
	DurationMinutes int `json:"durationMinutes"`
}

type readModelResponse struct {
	Appointments []appointmentView `json:"appointments"`
	Count        int               `json:"count"`
	Version      uint64            `json:"version"`
	Connected    bool              `json:"connected"`
}

// Router builds the HTTP routes
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	s.setupRoutes(router)
	return router
}

// Handler is the router behind the CORS and security header middleware.
// Preflight requests are answered before route matching.
func (s *Server) Handler() http.Handler {
	return securityHeadersMiddleware(corsMiddleware(s.origins, s.Router()))
}

// setupRoutes configures HTTP routes for the sync service
func (s *Server) setupRoutes(router *mux.Router) {
	if s.middleware != nil {
		router.Use(s.middleware.HTTPMiddleware)
	}

	api := router.PathPrefix("/api/v1").Subrouter()

	// Read model
	api.HandleFunc("/appointments", s.getAppointmentsHandler).Methods("GET")
	api.HandleFunc("/appointments/stream", s.streamHandler).Methods("GET")
	api.HandleFunc("/appointments/{id:[0-9]+}", s.getAppointmentHandler).Methods("GET")
	var refresh http.Handler = http.HandlerFunc(s.refreshAppointmentHandler)
	if s.limiter != nil {
		refresh = s.limiter.Middleware(refresh)
	}
	api.Handle("/appointments/{id:[0-9]+}/refresh", refresh).Methods("POST")

	// Lifecycle
	api.HandleFunc("/sync/activate", s.activateHandler).Methods("POST")
	api.HandleFunc("/sync/deactivate", s.deactivateHandler).Methods("POST")
	api.HandleFunc("/sync/status", s.statusHandler).Methods("GET")

	if s.health != nil {
		router.HandleFunc(s.healthPath, s.health.HTTPHandler()).Methods("GET")
	}
	if s.metrics != nil {
		router.Handle(s.metricsPath, s.metrics.Handler()).Methods("GET")
	}
}

// Start listens on addr until Shutdown is called
func (s *Server) Start(addr string, readTimeout, writeTimeout, idleTimeout time.Duration) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	s.logger.WithField("addr", addr).Info("Starting appointment sync HTTP server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Stopping appointment sync HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) getAppointmentsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, s.readModel())
}

func (s *Server) getAppointmentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(mux.Vars(r)["id"])
	if err != nil {
		s.writeErrorResponse(w, r, http.StatusBadRequest, "Invalid appointment id", err)
		return
	}

	record, ok := s.controller.Get(id)
	if !ok {
		s.writeErrorResponse(w, r, http.StatusNotFound, "Appointment not found", nil)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, view(record))
}

func (s *Server) refreshAppointmentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(mux.Vars(r)["id"])
	if err != nil {
		s.writeErrorResponse(w, r, http.StatusBadRequest, "Invalid appointment id", err)
		return
	}

	record, err := s.controller.ForceRefreshOne(r.Context(), id)
	if err != nil {
		s.writeErrorResponse(w, r, statusFor(err), "Failed to refresh appointment", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, view(record))
}

func (s *Server) activateHandler(w http.ResponseWriter, r *http.Request) {
	var opts ActivateOptions
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			s.writeErrorResponse(w, r, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	if err := s.controller.Activate(r.Context(), opts); err != nil {
		s.writeErrorResponse(w, r, statusFor(err), "Failed to activate live sync", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, s.controller.Status())
}

func (s *Server) deactivateHandler(w http.ResponseWriter, r *http.Request) {
	s.controller.Deactivate()
	s.writeJSONResponse(w, http.StatusOK, s.controller.Status())
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, s.controller.Status())
}

// streamHandler pushes the read model as server-sent events: once on
// connect, then after every change.
func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	id, changes := s.controller.Watch(0)
	defer s.controller.Unwatch(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := s.writeEvent(w, "readmodel", s.readModel()); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		return
	}

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case _, open := <-changes:
			if !open {
				return
			}
			if err := s.writeEvent(w, "readmodel", s.readModel()); err != nil {
				return
			}
			rc.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			rc.Flush()
		}
	}
}

func (s *Server) writeEvent(w http.ResponseWriter, event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.WithError(err).Error("Failed to encode stream event")
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}

func (s *Server) readModel() readModelResponse {
	version := s.controller.Version()
	records := s.controller.ReadModel()
	views := make([]appointmentView, len(records))
	for i, r := range records {
		views[i] = view(r)
	}
	return readModelResponse{
		Appointments: views,
		Count:        len(views),
		Version:      version,
		Connected:    s.controller.Connected(),
	}
}

func view(r types.AppointmentRecord) appointmentView {
	return appointmentView{AppointmentRecord: r, DurationMinutes: r.DurationMinutes()}
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

// statusFor maps a sync error to an HTTP status
func statusFor(err error) int {
	var syncErr *types.SyncError
	if !errors.As(err, &syncErr) {
		return http.StatusInternalServerError
	}
	switch {
	case syncErr.Type == types.ErrorTypeValidation:
		return http.StatusBadRequest
	case syncErr.Code == types.ErrCodeInactive:
		return http.StatusConflict
	}

	var cause *types.SyncError
	if errors.As(syncErr.Cause, &cause) && cause.Type == types.ErrorTypeNotFound {
		return http.StatusNotFound
	}
	return http.StatusBadGateway
}

// writeJSONResponse writes a JSON response
func (s *Server) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error response tagged with the request id
func (s *Server) writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, message string, err error) {
	requestID, _ := r.Context().Value(logger.RequestIDKey).(string)
	entry := s.logger.WithRequestID(requestID).WithField("status", statusCode)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Warn(message)

	response := map[string]interface{}{
		"error":  message,
		"status": statusCode,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	if requestID != "" {
		response["request_id"] = requestID
	}

	s.writeJSONResponse(w, statusCode, response)
}
