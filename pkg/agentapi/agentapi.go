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

// Package agentapi is the thin agent-facing surface of SPEC_FULL.md
// §10.3: it forwards execute_code, reset, register_tool_provider, and
// install_package to pkg/coordinator, the way spec.md §6 sketches an
// agent calling the coordinator directly. Grounded on the chi-routed
// HTTP surfaces of pkg/toolserver and pkg/kernel, which this package
// mirrors rather than reinvents.
package agentapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kernelbroker/kernelbroker/internal/logger"
	"github.com/kernelbroker/kernelbroker/pkg/coordinator"
	"github.com/kernelbroker/kernelbroker/pkg/registry"
)

// Config configures a Server.
type Config struct {
	Host string
	Port int
	// ExecuteTimeout bounds an execute_code call's Budget when the
	// request doesn't specify one.
	ExecuteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 8901
	}
	if c.ExecuteTimeout <= 0 {
		c.ExecuteTimeout = 120 * time.Second
	}
	return c
}

// Server is the agent-facing RPC façade.
type Server struct {
	cfg         Config
	coordinator *coordinator.Coordinator
	registry    *registry.Registry
	log         *slog.Logger

	httpServer *http.Server
}

// New constructs a Server forwarding to coord, with registrations
// persisted through reg.
func New(cfg Config, coord *coordinator.Coordinator, reg *registry.Registry) *Server {
	return &Server{
		cfg:         cfg.withDefaults(),
		coordinator: coord,
		registry:    reg,
		log:         logger.Get().With("component", "agent_api"),
	}
}

// Start begins serving.
func (s *Server) Start(ctx context.Context) error {
	r := chi.NewRouter()
	r.Post("/execute_code", s.handleExecuteCode)
	r.Post("/reset", s.handleReset)
	r.Post("/register_tool_provider", s.handleRegisterToolProvider)
	r.Post("/install_package", s.handleInstallPackage)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: r,
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("bind agent api: %w", err)
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("agent api serve failed", "error", err)
		}
	}()

	s.log.Info("agent api listening", "addr", s.httpServer.Addr)
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type executeCodeRequest struct {
	Code           string `json:"code"`
	Stream         bool   `json:"stream"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// executeCodeEvent is the wire shape of one coordinator.Event, tagged
// by "type" so a JSON-speaking agent client can discriminate without
// a sealed interface of its own.
type executeCodeEvent struct {
	Type       string         `json:"type"`
	Text       string         `json:"text,omitempty"`
	Path       string         `json:"path,omitempty"`
	Images     []string       `json:"images,omitempty"`
	Kind       string         `json:"kind,omitempty"`
	Message    string         `json:"message,omitempty"`
	Trace      string         `json:"trace,omitempty"`
	ServerName string         `json:"server_name,omitempty"`
	Tool       string         `json:"tool,omitempty"`
	Arguments  map[string]any `json:"arguments,omitempty"`
}

func (s *Server) handleExecuteCode(w http.ResponseWriter, r *http.Request) {
	var req executeCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	timeout := s.cfg.ExecuteTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	events, err := s.coordinator.Execute(r.Context(), req.Code, timeout, req.Stream)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)

	for event := range events {
		wire := toWireEvent(event)
		if err := json.NewEncoder(w).Encode(wire); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		if wire.Type == "approval_request" {
			// Agents that can't answer inline reject by default; a
			// richer client would read the request, decide, and call
			// back through a side channel instead of auto-rejecting.
			if ev, ok := event.(coordinator.ApprovalRequestEvent); ok {
				_ = ev.Reject()
			}
		}
	}
}

func toWireEvent(event coordinator.Event) executeCodeEvent {
	switch e := event.(type) {
	case coordinator.ChunkEvent:
		return executeCodeEvent{Type: "chunk", Text: e.Text}
	case coordinator.ImageEvent:
		return executeCodeEvent{Type: "image", Path: e.Path}
	case coordinator.ResultEvent:
		wire := executeCodeEvent{Type: "result", Images: e.Images}
		if e.Text != nil {
			wire.Text = *e.Text
		}
		return wire
	case coordinator.ErrorEvent:
		return executeCodeEvent{Type: "error", Kind: string(e.Kind), Message: e.Message, Trace: e.Trace}
	case coordinator.ApprovalRequestEvent:
		return executeCodeEvent{Type: "approval_request", ServerName: e.ServerName, Tool: e.Tool, Arguments: e.Arguments}
	default:
		return executeCodeEvent{Type: "unknown"}
	}
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.Reset(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"reset": "success"})
}

type registerToolProviderRequest struct {
	ServerName string         `json:"server_name"`
	Params     map[string]any `json:"params"`
}

func (s *Server) handleRegisterToolProvider(w http.ResponseWriter, r *http.Request) {
	var req registerToolProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.registry.Register(req.ServerName, req.Params); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"registered": req.ServerName})
}

type installPackageRequest struct {
	PackageSpec string `json:"package_spec"`
}

func (s *Server) handleInstallPackage(w http.ResponseWriter, r *http.Request) {
	var req installPackageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	output, err := s.coordinator.InstallPackage(r.Context(), req.PackageSpec)
	if err != nil {
		respondJSON(w, http.StatusOK, map[string]string{"output": output, "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"output": output})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
