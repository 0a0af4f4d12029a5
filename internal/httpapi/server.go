// Package httpapi is the gateway's HTTP shim: the OpenAI-compatible chat
// and responses endpoints, the native /route and /debug/router_decision
// endpoints, health and Prometheus exposure, CORS, API-key auth, and
// per-caller rate limiting. Everything here is glue around a *cascade.Engine;
// none of the routing logic lives in this package.
package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aihq/cascade-router/internal/cascade"
	"github.com/aihq/cascade-router/internal/registry"
)

// virtualModelIDs are always advertised in /v1/models regardless of what
// the registry contains.
var virtualModelIDs = []string{"router-auto", "router-local", "router-code"}

// Server wraps the HTTP handlers for the routing gateway.
type Server struct {
	engine *cascade.Engine
	reg    *registry.Registry

	auth           string
	allowedOrigins map[string]bool
	limiters       *limiterRegistry

	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	promRegistry *prometheus.Registry
}

// Config bundles the Server's collaborators.
type Config struct {
	Engine         *cascade.Engine
	Registry       *registry.Registry
	AuthToken      string
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
	PromRegistry   *prometheus.Registry // shared with internal/telemetry when set; a fresh one otherwise
}

// New constructs a Server.
func New(cfg Config) *Server {
	promRegistry := cfg.PromRegistry
	if promRegistry == nil {
		promRegistry = prometheus.NewRegistry()
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_http_requests_total",
		Help: "Total gateway HTTP requests by path and status",
	}, []string{"path", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_http_request_duration_seconds",
		Help:    "Gateway HTTP request durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})
	promRegistry.MustRegister(requests, latency)

	origins := make(map[string]bool)
	if len(cfg.AllowedOrigins) == 0 {
		origins["http://localhost:3000"] = true
		origins["http://localhost:8080"] = true
		origins["http://127.0.0.1:3000"] = true
	} else {
		for _, o := range cfg.AllowedOrigins {
			origins[o] = true
		}
	}

	return &Server{
		engine:         cfg.Engine,
		reg:            cfg.Registry,
		auth:           cfg.AuthToken,
		allowedOrigins: origins,
		limiters:       newLimiterRegistry(cfg.RateLimitRPS, cfg.RateLimitBurst),
		requests:       requests,
		latency:        latency,
		promRegistry:   promRegistry,
	}
}

// RegisterRoutes attaches handlers to a mux. /healthz, /v1/models and
// /metrics skip auth.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.wrapCORS(s.handleHealth))
	mux.HandleFunc("/v1/models", s.wrapCORS(s.handleModels))
	mux.HandleFunc("/v1/chat/completions", s.wrapCORS(s.wrapAuth(s.wrapRateLimit(s.handleChatCompletions))))
	mux.HandleFunc("/v1/responses", s.wrapCORS(s.wrapAuth(s.wrapRateLimit(s.handleResponses))))
	mux.HandleFunc("/route", s.wrapCORS(s.wrapAuth(s.wrapRateLimit(s.handleRoute))))
	mux.HandleFunc("/debug/router_decision", s.wrapCORS(s.wrapAuth(s.handleDebugDecision)))
	mux.Handle("/metrics", promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	w.Header().Set("X-Request-Id", reqID)
	s.writeJSONWithMetrics(w, r, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	reqID := requestID(r)
	w.Header().Set("X-Request-Id", reqID)

	models := make([]map[string]any, 0, len(virtualModelIDs))
	for _, id := range virtualModelIDs {
		models = append(models, map[string]any{"id": id, "object": "model", "owned_by": "router"})
	}
	if s.reg != nil {
		for _, entry := range s.reg.Iterate() {
			models = append(models, map[string]any{"id": entry.ID, "object": "model", "owned_by": string(entry.Provider)})
		}
	}

	s.writeJSONWithMetrics(w, r, http.StatusOK, map[string]any{"object": "list", "data": models})
}

// wrapAuth enforces X-API-Key or Authorization: Bearer <key> against the
// configured token. Auth is open when no token is configured.
func (s *Server) wrapAuth(next http.HandlerFunc) http.HandlerFunc {
	if s.auth == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if callerKey(r) != s.auth {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// wrapRateLimit applies a per-caller token bucket, keyed by the presented
// API key or, failing that, the remote address.
func (s *Server) wrapRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := callerKey(r)
		if id == "" {
			id = r.RemoteAddr
		}
		if !s.limiters.Allow(id) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next(w, r)
	}
}

// wrapCORS adds CORS headers with origin validation.
func (s *Server) wrapCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

func callerKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func requestID(r *http.Request) string {
	if v := r.Header.Get("X-Request-Id"); v != "" {
		return v
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return time.Now().Format("20060102150405.000000")
}

func (s *Server) writeJSONWithMetrics(w http.ResponseWriter, r *http.Request, status int, v any) {
	if s.requests != nil {
		s.requests.WithLabelValues(r.URL.Path, http.StatusText(status)).Inc()
	}
	writeJSON(w, status, v)
}

func (s *Server) logJSON(fields map[string]any) {
	b, err := json.Marshal(fields)
	if err != nil {
		log.Printf("log encode error: %v", err)
		return
	}
	log.Println(string(b))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
