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

package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kernelbroker/kernelbroker/internal/logger"
	"github.com/kernelbroker/kernelbroker/pkg/brokererr"
)

// ProcessFactory constructs the Process backing a newly created
// kernel. The gateway is agnostic to whether kernels run as local
// subprocesses or inside sandboxed containers (pkg/sandbox); the
// factory is the seam.
type ProcessFactory func(kernelID string, env map[string]string) Process

// GatewayConfig configures a KernelGateway, per spec.md §6.
type GatewayConfig struct {
	Host string
	Port int
	// Env is merged into every spawned kernel's environment.
	Env map[string]string
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8888
	}
	return c
}

type liveKernel struct {
	id      string
	proc    Process
	clients map[string]*websocket.Conn // session_id -> conn
	mu      sync.Mutex
}

// Gateway is the transport and lifecycle service for interpreter
// kernels (spec.md §4.1): it creates and destroys kernel processes and
// exposes their wire protocol over per-kernel WebSocket channels.
// Grounded on the HTTP+WebSocket server idiom of
// _examples/kadirpekel-hector/a2a/server.go, generalized from A2A
// task/session routes to the kernel gateway's admin surface; no
// gateway.py exists in the original source, so the wire contract
// itself is grounded on spec.md §4.1/§6.
type Gateway struct {
	cfg     GatewayConfig
	factory ProcessFactory
	log     *slog.Logger

	mu      sync.Mutex
	kernels map[string]*liveKernel

	httpServer *http.Server
}

// NewGateway constructs a Gateway. factory is used to create the
// Process backing each new kernel; pass NewLocalProcess bound to a
// concrete kernel command, or a sandbox.Factory for containerized
// execution.
func NewGateway(cfg GatewayConfig, factory ProcessFactory) *Gateway {
	cfg = cfg.withDefaults()
	return &Gateway{
		cfg:     cfg,
		factory: factory,
		log:     logger.Get().With("component", "kernel_gateway"),
		kernels: make(map[string]*liveKernel),
	}
}

// Start begins serving the gateway's HTTP+WebSocket API. It returns
// once the listener is bound; serving continues in the background
// until Stop is called.
func (g *Gateway) Start(ctx context.Context) error {
	r := chi.NewRouter()
	r.Post("/api/kernels", g.handleCreateKernel)
	r.Delete("/api/kernels/{id}", g.handleDeleteKernel)
	r.Post("/api/kernels/{id}/interrupt", g.handleInterrupt)
	r.Post("/api/kernels/{id}/packages", g.handleInstallPackage)
	r.Get("/api/kernels/{id}/channels", g.handleChannels)

	g.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", g.cfg.Host, g.cfg.Port),
		Handler: r,
	}

	ln, err := net.Listen("tcp", g.httpServer.Addr)
	if err != nil {
		return brokererr.Wrap(brokererr.KindTransport, err, "bind kernel gateway")
	}

	go func() {
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			g.log.Error("kernel gateway serve failed", "error", err)
		}
	}()

	g.log.Info("kernel gateway listening", "addr", g.httpServer.Addr)
	return nil
}

// Stop gracefully shuts down the gateway and all live kernels.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	kernels := make([]*liveKernel, 0, len(g.kernels))
	for _, k := range g.kernels {
		kernels = append(kernels, k)
	}
	g.mu.Unlock()

	for _, k := range kernels {
		_ = k.proc.Stop(ctx)
	}

	if g.httpServer != nil {
		return g.httpServer.Shutdown(ctx)
	}
	return nil
}

func (g *Gateway) handleCreateKernel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	kernelID := uuid.NewString()
	proc := g.factory(kernelID, g.cfg.Env)
	if err := proc.Start(context.WithoutCancel(r.Context())); err != nil {
		http.Error(w, fmt.Sprintf("start kernel: %v", err), http.StatusInternalServerError)
		return
	}

	k := &liveKernel{id: kernelID, proc: proc, clients: make(map[string]*websocket.Conn)}
	g.mu.Lock()
	g.kernels[kernelID] = k
	g.mu.Unlock()

	go g.pump(k)

	respondJSON(w, http.StatusCreated, map[string]string{"id": kernelID})
}

// pump fans out frames arriving on the kernel process's Out() channel
// to every attached WebSocket client, until the process exits.
func (g *Gateway) pump(k *liveKernel) {
	for msg := range k.proc.Out() {
		k.mu.Lock()
		for sessionID, conn := range k.clients {
			if err := conn.WriteJSON(msg); err != nil {
				g.log.Warn("dropping kernel client", "kernel_id", k.id, "session_id", sessionID)
			}
		}
		k.mu.Unlock()
	}
}

func (g *Gateway) handleDeleteKernel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	g.mu.Lock()
	k, ok := g.kernels[id]
	if ok {
		delete(g.kernels, id)
	}
	g.mu.Unlock()

	if !ok {
		http.Error(w, "kernel not found", http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	_ = k.proc.Stop(ctx)

	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	g.mu.Lock()
	k, ok := g.kernels[id]
	g.mu.Unlock()

	if !ok {
		http.Error(w, "kernel not found", http.StatusNotFound)
		return
	}

	if err := k.proc.Interrupt(); err != nil {
		http.Error(w, fmt.Sprintf("interrupt: %v", err), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (g *Gateway) handleInstallPackage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	g.mu.Lock()
	k, ok := g.kernels[id]
	g.mu.Unlock()
	if !ok {
		http.Error(w, "kernel not found", http.StatusNotFound)
		return
	}

	var req struct {
		PackageSpec string `json:"package_spec"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	output, err := k.proc.InstallPackage(r.Context(), req.PackageSpec)
	if err != nil {
		respondJSON(w, http.StatusOK, map[string]string{"output": output, "error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"output": output})
}

// InstallPackage runs InstallPackage on the live kernel's Process
// in-process, bypassing the HTTP admin surface. Used by pkg/coordinator
// when it owns this Gateway directly.
func (g *Gateway) InstallPackage(ctx context.Context, kernelID, spec string) (string, error) {
	g.mu.Lock()
	k, ok := g.kernels[kernelID]
	g.mu.Unlock()
	if !ok {
		return "", brokererr.New(brokererr.KindExecution, "kernel %s not found", kernelID)
	}
	return k.proc.InstallPackage(ctx, spec)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (g *Gateway) handleChannels(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sessionID := r.URL.Query().Get("session_id")

	g.mu.Lock()
	k, ok := g.kernels[id]
	g.mu.Unlock()
	if !ok {
		http.Error(w, "kernel not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	k.mu.Lock()
	k.clients[sessionID] = conn
	k.mu.Unlock()
	defer func() {
		k.mu.Lock()
		delete(k.clients, sessionID)
		k.mu.Unlock()
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		select {
		case k.proc.In() <- msg:
		default:
			g.log.Warn("kernel input queue full, dropping frame", "kernel_id", id)
		}
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
