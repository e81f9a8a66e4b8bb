// Package api exposes the gateway over HTTP and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentland/a2a-gateway/internal/auth"
	"github.com/agentland/a2a-gateway/internal/core"
	"github.com/agentland/a2a-gateway/internal/dnsverify"
	"github.com/agentland/a2a-gateway/internal/events"
	"github.com/agentland/a2a-gateway/internal/middleware"
	"github.com/agentland/a2a-gateway/internal/mission"
	"github.com/agentland/a2a-gateway/internal/priority"
	"github.com/agentland/a2a-gateway/internal/router"
)

// Dispatcher is the part of the router the transport uses.
type Dispatcher interface {
	SendMessage(ctx context.Context, msg *core.Message) *core.Message
	Await(ctx context.Context, conversationID string) (*core.Message, error)
	GetConversation(id string) []router.Entry
	ListAgents() []string
}

type ChallengeGenerator interface {
	GenerateSecurityChallenge() (dnsverify.Challenge, error)
}

// Deps wires the server. Limiter, Challenges and Gatherer may be nil.
type Deps struct {
	Router     Dispatcher
	Missions   *mission.Authorizer
	Auth       *auth.Provider
	Queues     *priority.Manager
	Bus        *events.Bus
	Limiter    *middleware.RateLimiter
	Challenges ChallengeGenerator
	Gatherer   prometheus.Gatherer

	// AdminTokenHash is a bcrypt hash. Empty disables the admin routes.
	AdminTokenHash string
	// MaxBodyBytes caps request bodies. Default 2 MiB.
	MaxBodyBytes int64
	// AllowedOrigins are the cross-origin browsers admitted to CORS and the
	// WebSocket. Empty means same-origin only; "*" admits any origin.
	AllowedOrigins []string
}

type Server struct {
	deps     Deps
	origins  originPolicy
	upgrader websocket.Upgrader
}

func NewServer(d Deps) *Server {
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = 2 << 20
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{deps: d, origins: newOriginPolicy(d.AllowedOrigins)}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.cors)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	if s.deps.Limiter != nil {
		v1.Use(s.deps.Limiter.Middleware)
	}
	v1.HandleFunc("/messages", s.handleSendMessage).Methods(http.MethodPost)
	v1.HandleFunc("/conversations/{id}", s.handleConversation).Methods(http.MethodGet)
	v1.HandleFunc("/conversations/{id}/await", s.handleAwait).Methods(http.MethodGet)
	v1.HandleFunc("/agents", s.handleAgents).Methods(http.MethodGet)
	v1.HandleFunc("/queues", s.handleQueues).Methods(http.MethodGet)
	v1.HandleFunc("/missions/{id}/{operation}", s.handleMission).Methods(http.MethodPost)
	v1.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	v1.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireAdmin)
	admin.HandleFunc("/keys", s.handleCreateKey).Methods(http.MethodPost)
	admin.HandleFunc("/keys", s.handleRevokeKey).Methods(http.MethodDelete)
	admin.HandleFunc("/tokens", s.handleCreateToken).Methods(http.MethodPost)
	admin.HandleFunc("/dns/challenge", s.handleDNSChallenge).Methods(http.MethodGet)
	admin.HandleFunc("/dns/{domain}/records", s.handleDNSRecords).Methods(http.MethodGet)
	admin.HandleFunc("/dns/{domain}/verify", s.handleDNSVerify).Methods(http.MethodPost)

	return r
}

type originPolicy struct {
	any     bool
	allowed map[string]bool
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{allowed: make(map[string]bool, len(origins))}
	for _, o := range origins {
		if o == "*" {
			p.any = true
			continue
		}
		p.allowed[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}
	return p
}

func (p originPolicy) allows(origin string) bool {
	return p.any || p.allowed[strings.ToLower(origin)]
}

// checkOrigin admits clients without an Origin header, same-origin pages and
// the configured origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.origins.allows(origin) {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.origins.allows(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+middleware.AgentHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.deps.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"agents": len(s.deps.Router.ListAgents()),
	}
	if s.deps.Queues != nil {
		resp["queued"] = s.deps.Queues.QueueCount()
	}
	if s.deps.Auth != nil {
		resp["apiKeys"] = s.deps.Auth.KeyCount()
	}
	if st, ok := s.deps.Router.(interface{ Stats() router.Stats }); ok {
		resp["router"] = st.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}
