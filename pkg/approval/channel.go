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

// Package approval implements the ApprovalChannel half of the
// ToolServer (spec.md §4.3): a single-client JSON-RPC 2.0 channel over
// WebSocket that gates tool calls on human approval. Grounded on
// _examples/original_source/ipybox/mcp/runner/approval.py's
// ApprovalChannel/ApprovalClient, translated from asyncio
// futures/tasks to channels and goroutines.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kernelbroker/kernelbroker/internal/logger"
	"github.com/kernelbroker/kernelbroker/pkg/brokererr"
)

// rpcRequest is the jsonrpc 2.0 "approve" method frame sent to the
// attached client.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  approveArgs `json:"params"`
	ID      string      `json:"id"`
}

type approveArgs struct {
	ServerName string         `json:"server_name"`
	Tool       string         `json:"tool"`
	Arguments  map[string]any `json:"arguments"`
}

// rpcResponse is the frame the client sends back with its decision.
type rpcResponse struct {
	JSONRPC string `json:"jsonrpc"`
	Result  bool   `json:"result"`
	ID      string `json:"id"`
}

// Channel gates tool calls on an operator's decision, relayed over
// one attached WebSocket connection at a time. A Channel with
// Required false approves every call immediately without touching the
// socket, mirroring the original's early return in request().
type Channel struct {
	Required bool
	Timeout  time.Duration

	log *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan bool
}

// NewChannel constructs a Channel. timeout bounds how long request()
// waits for a decision once a client is attached.
func NewChannel(required bool, timeout time.Duration) *Channel {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Channel{
		Required: required,
		Timeout:  timeout,
		log:      logger.Get().With("component", "approval_channel"),
		pending:  make(map[string]chan bool),
	}
}

// Open reports whether an approver is currently attached.
func (c *Channel) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Attach takes ownership of conn as the channel's single approver and
// blocks, relaying responses, until the connection closes or the
// given context is cancelled. A second Attach call while one is
// already open is rejected, per spec.md §4.3's single-attach
// invariant.
func (c *Channel) Attach(ctx context.Context, conn *websocket.Conn) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return brokererr.New(brokererr.KindApproval, "approval channel already has an attached client")
	}
	c.conn = conn
	c.mu.Unlock()

	defer c.detach()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		var resp rpcResponse
		if err := conn.ReadJSON(&resp); err != nil {
			return nil
		}
		c.resolve(resp.ID, resp.Result)
	}
}

func (c *Channel) detach() {
	c.mu.Lock()
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan bool)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

func (c *Channel) resolve(requestID string, result bool) {
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	c.mu.Unlock()
	if ok {
		ch <- result
	}
}

// Request asks the attached approver whether tool may run with
// arguments, blocking until a decision arrives, the timeout elapses,
// or the approver disconnects. Returns false (deny) whenever the
// channel cannot produce an explicit approval, erring toward safety.
func (c *Channel) Request(ctx context.Context, serverName, tool string, arguments map[string]any) (bool, error) {
	if !c.Required {
		return true, nil
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false, brokererr.New(brokererr.KindApproval, "approval channel not connected")
	}

	requestID := uuid.NewString()
	resultCh := make(chan bool, 1)

	c.mu.Lock()
	c.pending[requestID] = resultCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  "approve",
		Params:  approveArgs{ServerName: serverName, Tool: tool, Arguments: arguments},
		ID:      requestID,
	}

	c.mu.Lock()
	writeErr := c.conn.WriteJSON(req)
	c.mu.Unlock()
	if writeErr != nil {
		return false, brokererr.Wrap(brokererr.KindApproval, writeErr, "send approval request")
	}

	timer := time.NewTimer(c.Timeout)
	defer timer.Stop()

	select {
	case result, ok := <-resultCh:
		if !ok {
			return false, brokererr.New(brokererr.KindApproval, "approver disconnected before responding")
		}
		return result, nil
	case <-timer.C:
		return false, brokererr.New(brokererr.KindTimeout, "approval request %s timed out after %s", fmt.Sprintf("%s.%s", serverName, tool), c.Timeout)
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
