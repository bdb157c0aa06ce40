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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kernelbroker/kernelbroker/internal/logger"
	"github.com/kernelbroker/kernelbroker/pkg/brokererr"
)

// ClientConfig configures a KernelClient, per spec.md §6.
type ClientConfig struct {
	Host              string
	Port              int
	ImagesDir         string
	HeartbeatInterval time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 8888
	}
	if c.ImagesDir == "" {
		c.ImagesDir = "images"
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	return c
}

// KernelClient holds one kernel session and exclusively owns its
// WebSocket reader and writer, per spec.md §5 "Shared resources".
//
// At most one ExecutionRequest is in flight per KernelClient at any
// time (spec.md §3 invariant); Submit enforces this with a mutex held
// for the duration of one execution's lifetime.
type KernelClient struct {
	cfg       ClientConfig
	sessionID string
	kernelID  string

	httpClient *http.Client
	log        *slog.Logger

	ws      *websocket.Conn
	writeMu sync.Mutex

	routesMu sync.Mutex
	routes   map[string]chan Message

	execMu sync.Mutex // serializes Submit calls: one execution at a time

	readDone chan struct{}
	readErr  error
	once     sync.Once
}

// NewClient constructs a KernelClient. Call Connect before submitting
// code.
func NewClient(cfg ClientConfig) *KernelClient {
	cfg = cfg.withDefaults()
	return &KernelClient{
		cfg:        cfg,
		sessionID:  uuid.NewString(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        logger.Get().With("component", "kernel_client"),
		routes:     make(map[string]chan Message),
		readDone:   make(chan struct{}),
	}
}

// KernelID returns the ID of the running kernel. Only valid after a
// successful Connect.
func (c *KernelClient) KernelID() string { return c.kernelID }

func (c *KernelClient) baseHTTPURL() string {
	return fmt.Sprintf("http://%s:%d/api/kernels", c.cfg.Host, c.cfg.Port)
}

func (c *KernelClient) kernelHTTPURL() string {
	return fmt.Sprintf("%s/%s", c.baseHTTPURL(), c.kernelID)
}

func (c *KernelClient) kernelWSURL() string {
	u := url.URL{
		Scheme:   "ws",
		Host:     fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port),
		Path:     fmt.Sprintf("/api/kernels/%s/channels", c.kernelID),
		RawQuery: "session_id=" + c.sessionID,
	}
	return u.String()
}

// Connect creates a kernel on the gateway and opens its WebSocket
// channel, retrying kernel creation up to retries times at
// retryInterval, per spec.md §4.1's startup contract.
func (c *KernelClient) Connect(ctx context.Context, retries int, retryInterval time.Duration) error {
	var kernelID string
	var lastErr error

	for i := 0; i < retries; i++ {
		kernelID, lastErr = c.createKernel(ctx)
		if lastErr == nil {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	if lastErr != nil {
		return brokererr.Wrap(brokererr.KindTransport, lastErr, "failed to create kernel after %d retries", retries)
	}

	c.kernelID = kernelID

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, c.kernelWSURL(), nil)
	if err != nil {
		return brokererr.Wrap(brokererr.KindTransport, err, "connect kernel websocket")
	}
	c.ws = ws
	c.startHeartbeat()

	go c.readLoop()

	c.log.Info("connected to kernel", "kernel_id", c.kernelID, "ping_interval", c.cfg.HeartbeatInterval)

	if err := c.initKernel(ctx); err != nil {
		return err
	}
	return nil
}

// Disconnect closes the WebSocket and deletes the kernel.
func (c *KernelClient) Disconnect(ctx context.Context) error {
	if c.ws != nil {
		_ = c.ws.Close()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.kernelHTTPURL(), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return brokererr.Wrap(brokererr.KindTransport, err, "delete kernel")
	}
	defer resp.Body.Close()
	return nil
}

// Execute submits code and blocks until the result is available.
func (c *KernelClient) Execute(ctx context.Context, code string, timeout time.Duration) (*Result, error) {
	exec, err := c.Submit(ctx, code)
	if err != nil {
		return nil, err
	}
	return exec.Result(ctx, timeout)
}

// Submit submits code for execution and returns an Execution handle.
// Blocks until any previous execution on this client has completed,
// enforcing the "at most one in-flight ExecutionRequest" invariant.
func (c *KernelClient) Submit(ctx context.Context, code string) (*Execution, error) {
	c.execMu.Lock()

	reqID := uuid.NewString()
	route := make(chan Message, 256)

	c.routesMu.Lock()
	c.routes[reqID] = route
	c.routesMu.Unlock()

	req := newExecuteRequest(c.sessionID, reqID, code)
	if err := c.sendMessage(req); err != nil {
		c.routesMu.Lock()
		delete(c.routes, reqID)
		c.routesMu.Unlock()
		c.execMu.Unlock()
		return nil, brokererr.Wrap(brokererr.KindTransport, err, "submit code")
	}

	return &Execution{client: c, reqID: reqID, route: route}, nil
}

// Interrupt sends a best-effort interrupt to the kernel.
func (c *KernelClient) Interrupt(ctx context.Context) error {
	url := c.kernelHTTPURL() + "/interrupt"
	body, _ := json.Marshal(map[string]string{"kernel_id": c.kernelID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return brokererr.Wrap(brokererr.KindTransport, err, "interrupt kernel")
	}
	defer resp.Body.Close()
	c.log.Info("kernel interrupted", "status", resp.StatusCode)
	return nil
}

func (c *KernelClient) initKernel(ctx context.Context) error {
	_, err := c.Execute(ctx, "%colors nocolor", 30*time.Second)
	return err
}

func (c *KernelClient) createKernel(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]string{"name": "python"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseHTTPURL(), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("create kernel: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *KernelClient) sendMessage(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ws == nil {
		return fmt.Errorf("not connected to kernel")
	}
	return c.ws.WriteJSON(msg)
}

// readLoop is the single reader goroutine exclusively owning the
// WebSocket, per spec.md §5. It demultiplexes by
// ParentHeader.MsgID, dropping frames for unknown/completed requests
// exactly as the original client does.
func (c *KernelClient) readLoop() {
	defer close(c.readDone)
	for {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			c.log.Warn("kernel websocket closed", "error", err)
			c.routesMu.Lock()
			c.readErr = brokererr.Wrap(brokererr.KindTransport, err, "kernel disconnected")
			for id, route := range c.routes {
				close(route)
				delete(c.routes, id)
			}
			c.routesMu.Unlock()
			return
		}

		reqID := msg.ParentHeader.MsgID
		c.routesMu.Lock()
		route, ok := c.routes[reqID]
		c.routesMu.Unlock()
		if !ok {
			continue
		}

		select {
		case route <- msg:
		default:
			c.log.Warn("dropping kernel message: route buffer full", "request_id", reqID)
		}
	}
}

func (c *KernelClient) unregister(reqID string) {
	c.routesMu.Lock()
	if route, ok := c.routes[reqID]; ok {
		delete(c.routes, reqID)
		close(route)
	}
	c.routesMu.Unlock()
}

func (c *KernelClient) startHeartbeat() {
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(2 * c.cfg.HeartbeatInterval))
	})

	go func() {
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for range ticker.C {
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.HeartbeatInterval))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}()
}
