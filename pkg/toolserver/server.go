// Copyright 2025 The Kernelbroker Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package toolserver implements the ToolServer of spec.md §4.3: the
// HTTP+WebSocket surface that runs remote tool calls behind an
// ApprovalChannel, caching one provider.Client per server_name.
// Grounded on
// _examples/original_source/ipybox/mcp_tools/runner/server.py,
// translated from FastAPI/uvicorn to chi, and on the HTTP server
// lifecycle idiom of
// _examples/kadirpekel-hector/a2a/server.go.
package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/kernelbroker/kernelbroker/internal/logger"
	"github.com/kernelbroker/kernelbroker/internal/observability"
	"github.com/kernelbroker/kernelbroker/pkg/approval"
	"github.com/kernelbroker/kernelbroker/pkg/brokererr"
	"github.com/kernelbroker/kernelbroker/pkg/provider"
)

// Config configures a Server, per spec.md §6.
type Config struct {
	Host              string
	Port              int
	ApprovalRequired  bool
	ApprovalTimeout   time.Duration
	ConnectTimeout    time.Duration
	// RateLimitPerSecond throttles /run calls per server_name; 0
	// disables throttling.
	RateLimitPerSecond float64
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 8900
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = 60 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	return c
}

// Server is the ToolServer: an HTTP admin surface plus one attached
// ApprovalChannel, fronting a cache of remote tool provider bindings.
type Server struct {
	cfg     Config
	channel *approval.Channel
	metrics *observability.ToolServerMetrics
	log     *slog.Logger

	mu       sync.Mutex
	bindings map[string]*binding
	limiters map[string]*rate.Limiter

	httpServer *http.Server
}

type binding struct {
	client *provider.Client
	params provider.ServerParams
}

// New constructs a Server. metrics may be nil, in which case the
// server runs unmonitored.
func New(cfg Config, metrics *observability.ToolServerMetrics) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:      cfg,
		channel:  approval.NewChannel(cfg.ApprovalRequired, cfg.ApprovalTimeout),
		metrics:  metrics,
		log:      logger.Get().With("component", "tool_server"),
		bindings: make(map[string]*binding),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Start begins serving. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	r := chi.NewRouter()
	r.Get("/status", s.handleStatus)
	r.Put("/reset", s.handleReset)
	r.Post("/run", s.handleRun)
	r.Get("/approval", s.handleApproval)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: r,
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("bind tool server: %w", err)
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("tool server serve failed", "error", err)
		}
	}()

	s.log.Info("tool server listening", "addr", s.httpServer.Addr, "approval_required", s.cfg.ApprovalRequired)
	return nil
}

// Stop gracefully shuts the server down, closing every cached binding.
func (s *Server) Stop(ctx context.Context) error {
	s.closeBindings()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.Reset()
	respondJSON(w, http.StatusOK, map[string]string{"reset": "success"})
}

// Reset closes every cached provider binding, letting subsequent /run
// calls redial fresh ones. Exposed so an in-process coordinator can
// reset without a loopback HTTP call.
func (s *Server) Reset() {
	s.closeBindings()
}

func (s *Server) closeBindings() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, b := range s.bindings {
		if err := b.client.Close(); err != nil {
			s.log.Warn("error closing tool provider binding", "server_name", name, "error", err)
		}
	}
	s.bindings = make(map[string]*binding)
	if s.metrics != nil {
		s.metrics.BindingsActive.Set(0)
	}
}

// runRequest mirrors the original ToolCallRequest payload.
type runRequest struct {
	ServerName   string         `json:"server_name"`
	ServerParams map[string]any `json:"server_params"`
	Tool         string         `json:"tool"`
	Arguments    map[string]any `json:"arguments"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.RunDuration.WithLabelValues(req.ServerName).Observe(time.Since(start).Seconds())
		}
	}()

	approved, err := s.channel.Request(r.Context(), req.ServerName, req.Tool, req.Arguments)
	if err != nil {
		if brokererr.Is(err, brokererr.KindTimeout) {
			s.observeApproval("expired")
			respondJSON(w, http.StatusOK, map[string]string{
				"error": fmt.Sprintf("Approval request for %s.%s expired", req.ServerName, req.Tool),
			})
			return
		}
		s.observeApproval("failed")
		respondJSON(w, http.StatusOK, map[string]string{
			"error": fmt.Sprintf("Approval request for %s.%s failed: %s", req.ServerName, req.Tool, err.Error()),
		})
		return
	}
	if !approved {
		s.observeApproval("denied")
		respondJSON(w, http.StatusOK, map[string]string{
			"error": fmt.Sprintf("Approval request for %s.%s denied", req.ServerName, req.Tool),
		})
		return
	}
	s.observeApproval("approved")

	if limiter := s.limiterFor(req.ServerName); limiter != nil && !limiter.Allow() {
		respondJSON(w, http.StatusOK, map[string]string{
			"error": fmt.Sprintf("rate limit exceeded for %s", req.ServerName),
		})
		return
	}

	b, err := s.bindingFor(r.Context(), req.ServerName, req.ServerParams)
	if err != nil {
		respondJSON(w, http.StatusOK, map[string]string{"error": err.Error()})
		return
	}

	result, err := b.client.Run(r.Context(), req.Tool, req.Arguments)
	if err != nil {
		respondJSON(w, http.StatusOK, map[string]string{"error": err.Error()})
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) observeApproval(outcome string) {
	if s.metrics != nil {
		s.metrics.ApprovalOutcome.WithLabelValues(outcome).Inc()
	}
}

func (s *Server) limiterFor(serverName string) *rate.Limiter {
	if s.cfg.RateLimitPerSecond <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[serverName]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.RateLimitPerSecond), 1)
		s.limiters[serverName] = l
	}
	return l
}

// environVars snapshots the process environment as the variable source
// for ${NAME} placeholder substitution in server_params, the way the
// original resolves registry templates against os.environ before
// dialing a provider.
func environVars() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

// resolveServerParams expands ${NAME} placeholders in raw against vars
// before classifying its transport, so a templated credential or host
// is resolved from the environment instead of being dialed out
// literally.
func resolveServerParams(serverName string, raw map[string]any, vars map[string]string) (provider.ServerParams, error) {
	report := provider.SubstitutePlaceholders(raw, vars)
	resolved, ok := report.Replaced.(map[string]any)
	if !ok {
		return provider.ServerParams{}, brokererr.New(brokererr.KindConfig, "server_params for %s must be a JSON object", serverName)
	}
	return provider.DetectTransport(resolved)
}

func (s *Server) bindingFor(ctx context.Context, serverName string, raw map[string]any) (*binding, error) {
	s.mu.Lock()
	b, ok := s.bindings[serverName]
	s.mu.Unlock()
	if ok {
		return b, nil
	}

	params, err := resolveServerParams(serverName, raw, environVars())
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	client, err := provider.Dial(dialCtx, params)
	if err != nil {
		return nil, err
	}

	b = &binding{client: client, params: params}

	s.mu.Lock()
	s.bindings[serverName] = b
	count := len(s.bindings)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.BindingsActive.Set(float64(count))
	}

	return b, nil
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	if s.channel.Open() {
		http.Error(w, "approval channel already open", http.StatusConflict)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if err := s.channel.Attach(r.Context(), conn); err != nil {
		s.log.Warn("approval channel attach failed", "error", err)
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
