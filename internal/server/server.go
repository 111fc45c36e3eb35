package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/aimux-ai/aimux/internal/middleware"
	"github.com/aimux-ai/aimux/internal/routing"
	"github.com/aimux-ai/aimux/internal/security"
	"github.com/aimux-ai/aimux/internal/types"
)

// Config holds HTTP server configuration.
type Config struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// Server is the gateway's HTTP front end.
type Server struct {
	router     *routing.Router
	httpServer *http.Server
	logger     *logrus.Logger
	config     Config
	security   *middleware.SecurityStack
}

// New creates a server around the routing core.
func New(router *routing.Router, config Config, security *middleware.SecurityStack, logger *logrus.Logger) *Server {
	return &Server{
		router:   router,
		config:   config,
		security: security,
		logger:   logger,
	}
}

// Start begins serving. Blocks until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:           ":" + s.config.Port,
		Handler:        s.Routes(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.WithField("port", s.config.Port).Info("Starting gateway server")
	return s.httpServer.ListenAndServe()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping gateway server")
	if s.security != nil {
		s.security.Stop()
	}
	return s.httpServer.Shutdown(ctx)
}

// Routes builds the full handler tree.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()

	if s.security != nil {
		r.Use(s.security.Handler())
	}
	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)

	api := r.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/chat/completions", s.handleChatCompletion).Methods("POST")
	api.HandleFunc("/routing/decision", s.handleRoutingDecision).Methods("POST")
	api.HandleFunc("/routing/statistics", s.handleRoutingStatistics).Methods("GET")
	api.HandleFunc("/routing/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/routing/config", s.handleUpdateConfig).Methods("PUT")
	api.HandleFunc("/failover/statistics", s.handleFailoverStatistics).Methods("GET")

	api.HandleFunc("/providers", s.handleListProviders).Methods("GET")
	api.HandleFunc("/providers/metrics", s.handleProviderMetrics).Methods("GET")
	api.HandleFunc("/providers/{name}", s.handleGetProvider).Methods("GET")

	api.HandleFunc("/health", s.handleHealthCheck).Methods("GET")
	api.HandleFunc("/health/{name}", s.handleProviderHealth).Methods("GET")

	api.HandleFunc("/admin/circuit-breaker/{name}/reset", s.handleResetCircuitBreaker).Methods("POST")
	api.HandleFunc("/admin/cache/clear", s.handleClearCache).Methods("POST")

	// Unversioned probe for load balancers.
	r.HandleFunc("/health", s.handleHealthCheck).Methods("GET")

	s.setupDocsRoutes(r)

	return r
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handlers

// handleChatCompletion dispatches a chat request through the failover loop.
func (s *Server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	if req.ID == "" {
		req.ID = fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano())
	}
	req.Timestamp = time.Now()

	if req.Stream {
		s.handleStreamingCompletion(w, r, &req)
		return
	}

	resp, err := s.router.HandleFailover(r.Context(), &req, req.ExcludeProviders, nil)
	if err != nil {
		s.writeFailoverError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleStreamingCompletion selects a provider and pipes its event stream as
// SSE. Streams do not fail over mid-flight; a dispatch error before the first
// byte is reported to the client.
func (s *Server) handleStreamingCompletion(w http.ResponseWriter, r *http.Request, req *types.ChatRequest) {
	provider := s.router.SelectProvider(req, req.ExcludeProviders)
	if provider == nil {
		s.writeError(w, http.StatusServiceUnavailable, "No eligible provider for request")
		return
	}

	dispatcher, ok := s.router.Dispatcher(provider.ID)
	if !ok {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("No dispatcher for provider %s", provider.ID))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "Streaming unsupported by connection")
		return
	}

	start := time.Now()
	chunks, err := dispatcher.Stream(r.Context(), req)
	if err != nil {
		s.router.UpdateProviderPerformance(provider.ID, time.Since(start), false, routing.Classify(err))
		s.writeError(w, http.StatusBadGateway, fmt.Sprintf("Streaming failed: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for chunk := range chunks {
		data, err := json.Marshal(chunk)
		if err != nil {
			s.logger.WithError(err).Error("Failed to marshal stream chunk")
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()

	s.router.UpdateProviderPerformance(provider.ID, time.Since(start), true, "")
}

// handleRoutingDecision reports which provider would serve a request without
// dispatching it.
func (s *Server) handleRoutingDecision(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	decision := s.router.Decide(&req, req.ExcludeProviders)
	if decision.Provider == "" {
		s.writeJSON(w, http.StatusServiceUnavailable, decision)
		return
	}
	s.writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleRoutingStatistics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.router.RoutingStatistics())
}

func (s *Server) handleFailoverStatistics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.router.FailoverStatistics())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.router.Config())
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var update routing.ConfigUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	s.router.UpdateConfig(update)
	s.writeJSON(w, http.StatusOK, s.router.Config())
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	catalog := s.router.Catalog()

	entries := make([]map[string]interface{}, 0, len(catalog))
	for _, p := range catalog {
		entries = append(entries, map[string]interface{}{
			"id":           p.ID,
			"kind":         p.Kind,
			"display_name": p.DisplayName,
			"enabled":      p.Enabled,
			"priority":     p.Priority,
			"capabilities": p.Capabilities,
			"health":       s.router.HealthState(p.ID),
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": entries,
		"count":     len(entries),
	})
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	for _, p := range s.router.Catalog() {
		if p.ID != name {
			continue
		}
		metrics := s.router.ProviderPerformanceMetrics()
		response := map[string]interface{}{
			"id":           p.ID,
			"kind":         p.Kind,
			"display_name": p.DisplayName,
			"enabled":      p.Enabled,
			"priority":     p.Priority,
			"capabilities": p.Capabilities,
			"health":       s.router.HealthState(p.ID),
		}
		if rec, ok := metrics[p.ID]; ok {
			response["performance"] = rec
		}
		s.writeJSON(w, http.StatusOK, response)
		return
	}

	s.writeError(w, http.StatusNotFound, fmt.Sprintf("Provider %s not found", name))
}

func (s *Server) handleProviderMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": s.router.ProviderPerformanceMetrics(),
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	catalog := s.router.Catalog()

	healthy := true
	states := make(map[string]types.HealthState, len(catalog))
	for _, p := range catalog {
		state := s.router.HealthState(p.ID)
		states[p.ID] = state
		if p.Enabled && state == types.HealthUnhealthy {
			healthy = false
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"providers": states,
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	for _, p := range s.router.Catalog() {
		if p.ID == name {
			s.writeJSON(w, http.StatusOK, map[string]interface{}{
				"provider":  name,
				"state":     s.router.HealthState(name),
				"timestamp": time.Now().Unix(),
			})
			return
		}
	}

	s.writeError(w, http.StatusNotFound, fmt.Sprintf("Provider %s not found", name))
}

func (s *Server) handleResetCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	if !security.HasPermission(r.Context(), "admin") {
		s.writeError(w, http.StatusForbidden, "Admin permission required")
		return
	}

	name := mux.Vars(r)["name"]

	if err := s.router.ResetCircuitBreaker(name); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	s.logger.WithField("provider", name).Info("Circuit breaker reset via admin API")
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider": name,
		"reset":    true,
	})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if !security.HasPermission(r.Context(), "admin") {
		s.writeError(w, http.StatusForbidden, "Admin permission required")
		return
	}

	s.router.ClearCache()
	s.logger.Info("Performance cache cleared via admin API")
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": true})
}

// Helpers

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "api_error",
			"code":    code,
		},
		"timestamp": time.Now().Unix(),
	})
}

// writeFailoverError maps a terminal routing failure to an HTTP status and
// includes the attempt trail.
func (s *Server) writeFailoverError(w http.ResponseWriter, err error) {
	code := http.StatusBadGateway
	payload := map[string]interface{}{
		"message": err.Error(),
		"type":    "routing_error",
	}

	if fe, ok := err.(*routing.FailoverError); ok {
		switch fe.State {
		case routing.CycleExhausted:
			code = http.StatusServiceUnavailable
		case routing.CycleAborted:
			if cat := routing.Classify(fe.LastErr); cat == routing.ErrorClient {
				code = http.StatusBadRequest
			}
		}
		payload["state"] = fe.State
		payload["attempts"] = fe.Attempts
	}

	payload["code"] = code
	s.writeJSON(w, code, map[string]interface{}{
		"error":     payload,
		"timestamp": time.Now().Unix(),
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
