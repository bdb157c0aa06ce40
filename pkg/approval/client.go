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

package approval

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/kernelbroker/kernelbroker/pkg/brokererr"
)

// Request is one pending approval decision delivered to a Client's
// callback, mirroring the original ApprovalRequest's approve/reject
// convenience methods.
type Request struct {
	ServerName string
	Tool       string
	Arguments  map[string]any

	client    *Client
	requestID string
}

func (r Request) String() string {
	return fmt.Sprintf("%s.%s(%v)", r.ServerName, r.Tool, r.Arguments)
}

// Approve responds to the pending request with approval.
func (r Request) Approve() error { return r.client.respond(r.requestID, true) }

// Reject responds to the pending request with denial.
func (r Request) Reject() error { return r.client.respond(r.requestID, false) }

// Callback handles one inbound approval request.
type Callback func(Request)

// Client connects to a remote ToolServer's /approval WebSocket and
// invokes a callback for every approval request it receives, acting
// as the operator side of the Channel.
type Client struct {
	host, path string
	callback   Callback

	mu   sync.Mutex
	conn *websocket.Conn
	done chan struct{}
}

// NewClient constructs a Client dialing ws://host/approval.
func NewClient(host string, callback Callback) *Client {
	return &Client{host: host, path: "/approval", callback: callback}
}

// Connect dials the approval channel and starts receiving requests in
// the background until Disconnect is called or the connection drops.
func (c *Client) Connect(ctx context.Context) error {
	url := fmt.Sprintf("ws://%s%s", c.host, c.path)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return brokererr.Wrap(brokererr.KindApproval, err, "connect approval channel")
	}

	c.mu.Lock()
	c.conn = conn
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.recv()
	return nil
}

// Disconnect closes the underlying connection and waits for the
// receive loop to exit.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	done := c.done
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	if done != nil {
		<-done
	}
	return err
}

func (c *Client) recv() {
	defer close(c.done)
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		var frame rpcRequest
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Method != "approve" {
			continue
		}

		c.callback(Request{
			ServerName: frame.Params.ServerName,
			Tool:       frame.Params.Tool,
			Arguments:  frame.Params.Arguments,
			client:     c,
			requestID:  frame.ID,
		})
	}
}

func (c *Client) respond(requestID string, result bool) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return brokererr.New(brokererr.KindApproval, "not connected")
	}

	resp := rpcResponse{JSONRPC: "2.0", Result: result, ID: requestID}

	c.mu.Lock()
	defer c.mu.Unlock()
	return conn.WriteJSON(resp)
}
