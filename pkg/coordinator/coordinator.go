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

package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kernelbroker/kernelbroker/internal/logger"
	"github.com/kernelbroker/kernelbroker/internal/observability"
	"github.com/kernelbroker/kernelbroker/pkg/approval"
	"github.com/kernelbroker/kernelbroker/pkg/brokererr"
	"github.com/kernelbroker/kernelbroker/pkg/kernel"
	"github.com/kernelbroker/kernelbroker/pkg/toolserver"
)

// Config wires the three collaborators an ExecutionCoordinator starts
// and owns, per spec.md §4.4: "starts a ToolServer, KernelGateway, and
// KernelClient."
type Config struct {
	Gateway    kernel.GatewayConfig
	Client     kernel.ClientConfig
	ToolServer toolserver.Config

	// Factory builds the Process backing each kernel the Gateway
	// creates. If nil, a local subprocess factory running Command/Args
	// is used.
	Factory kernel.ProcessFactory
	Command string
	Args    []string

	Metrics *observability.ToolServerMetrics

	// ConnectRetries/ConnectRetryInterval bound the KernelClient's
	// initial connection attempt, per spec.md §4.1's startup contract.
	ConnectRetries       int
	ConnectRetryInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Command == "" {
		c.Command = "kernelbroker-kernel"
	}
	if c.ConnectRetries <= 0 {
		c.ConnectRetries = 10
	}
	if c.ConnectRetryInterval <= 0 {
		c.ConnectRetryInterval = 500 * time.Millisecond
	}
	return c
}

// Coordinator is the ExecutionCoordinator of spec.md §4.4: it merges a
// kernel execution's stream with inline approval requests into one
// event sequence, and enforces a pause-aware Budget across it.
// Grounded on
// _examples/original_source/ipybox/facade.py's CodeExecutor, whose
// _work() loop drains a queue fed by both the kernel client and a
// per-execution ApprovalClient.
type Coordinator struct {
	cfg Config
	log *slog.Logger

	gateway    *kernel.Gateway
	toolServer *toolserver.Server
	client     *kernel.KernelClient

	// execMu serializes executions against the single underlying
	// kernel session and doubles as Reset's exclusion lock: Reset
	// acquires it and so waits for any in-flight execution to finish
	// rather than cancel it, per spec.md §4.4's reset contract.
	execMu sync.Mutex
}

// New constructs a Coordinator. Call Start before Execute/Reset.
func New(cfg Config) *Coordinator {
	cfg = cfg.withDefaults()
	if cfg.Factory == nil {
		cfg.Factory = func(kernelID string, env map[string]string) kernel.Process {
			return kernel.NewLocalProcess(cfg.Command, cfg.Args, env)
		}
	}
	return &Coordinator{
		cfg:        cfg,
		log:        logger.Get().With("component", "coordinator"),
		gateway:    kernel.NewGateway(cfg.Gateway, cfg.Factory),
		toolServer: toolserver.New(cfg.ToolServer, cfg.Metrics),
	}
}

// Start brings up the ToolServer and KernelGateway, then connects a
// KernelClient, in that order: the gateway must be reachable before
// the client can create a kernel against it.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.toolServer.Start(ctx); err != nil {
		return fmt.Errorf("start tool server: %w", err)
	}
	if err := c.gateway.Start(ctx); err != nil {
		return fmt.Errorf("start kernel gateway: %w", err)
	}

	client := kernel.NewClient(c.cfg.Client)
	if err := client.Connect(ctx, c.cfg.ConnectRetries, c.cfg.ConnectRetryInterval); err != nil {
		return fmt.Errorf("connect kernel client: %w", err)
	}
	c.client = client

	c.log.Info("coordinator started", "kernel_id", client.KernelID())
	return nil
}

// Stop releases the client, gateway, and tool server in reverse order
// of Start.
func (c *Coordinator) Stop(ctx context.Context) error {
	var errs []error
	if c.client != nil {
		if err := c.client.Disconnect(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.gateway.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.toolServer.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("coordinator stop: %v", errs)
	}
	return nil
}

func (c *Coordinator) toolServerAddr() string {
	return fmt.Sprintf("%s:%d", c.cfg.ToolServer.Host, c.cfg.ToolServer.Port)
}

// Execute runs code to completion, merging the kernel's own stream
// with any ApprovalRequestEvents raised by tools it calls, and
// returns a channel of Events terminated by exactly one ResultEvent or
// ErrorEvent, per spec.md §3/§8. If stream is false, intermediate
// ChunkEvents are suppressed and only the terminal event (plus any
// ImageEvent/ApprovalRequestEvent) is emitted.
//
// Execute blocks the caller only long enough to submit the code to the
// kernel; the merge loop itself runs in a background goroutine feeding
// the returned channel, which is always closed exactly once.
func (c *Coordinator) Execute(ctx context.Context, code string, timeout time.Duration, stream bool) (<-chan Event, error) {
	c.execMu.Lock()

	queue := make(chan Event, 64)
	budget := NewBudget(timeout)

	approvalClient := approval.NewClient(c.toolServerAddr(), func(req approval.Request) {
		budget.Pause()
		queue <- ApprovalRequestEvent{
			ServerName: req.ServerName,
			Tool:       req.Tool,
			Arguments:  req.Arguments,
			respond: func(ok bool) error {
				if ok {
					return req.Approve()
				}
				return req.Reject()
			},
			resume: budget.Resume,
		}
	})
	if err := approvalClient.Connect(ctx); err != nil {
		c.execMu.Unlock()
		return nil, brokererr.Wrap(brokererr.KindTransport, err, "connect approval client")
	}

	exec, err := c.client.Submit(ctx, code)
	if err != nil {
		_ = approvalClient.Disconnect()
		c.execMu.Unlock()
		return nil, err
	}

	go streamWorker(ctx, exec, timeout, queue)

	out := make(chan Event, 64)
	go c.mergeLoop(ctx, budget, queue, out, approvalClient, stream)
	return out, nil
}

func (c *Coordinator) mergeLoop(ctx context.Context, budget *Budget, queue chan Event, out chan<- Event, approvalClient *approval.Client, stream bool) {
	defer c.execMu.Unlock()
	defer func() { _ = approvalClient.Disconnect() }()
	defer close(out)

	for {
		item, ok, err := budget.NextItem(ctx, queue)
		if err != nil {
			_ = c.client.Interrupt(context.Background())
			if ctx.Err() != nil {
				// Caller cancelled; best-effort interrupt issued above,
				// drain silently since nothing is reading out anymore.
				return
			}
			out <- toErrorEvent(err)
			return
		}
		if !ok {
			return
		}

		switch e := item.(type) {
		case ChunkEvent:
			if stream {
				out <- e
			}
		case ResultEvent, ErrorEvent:
			out <- e
			return
		default:
			out <- e
		}
	}
}

// ExecutionHandle is returned by Submit for callers that want to start
// code running without immediately consuming its event stream.
type ExecutionHandle struct {
	Events <-chan Event
}

// Submit starts code executing and returns a handle to its event
// stream, equivalent to Execute with stream=true and a zero (i.e.
// unbounded) timeout.
func (c *Coordinator) Submit(ctx context.Context, code string) (*ExecutionHandle, error) {
	events, err := c.Execute(ctx, code, 0, true)
	if err != nil {
		return nil, err
	}
	return &ExecutionHandle{Events: events}, nil
}

// Reset recreates the kernel session and clears every cached tool
// provider binding, per spec.md §4.4/§8's "Reset isolation" property.
// It waits for any in-flight execution to finish before acting, since
// it shares execMu with Execute.
func (c *Coordinator) Reset(ctx context.Context) error {
	c.execMu.Lock()
	defer c.execMu.Unlock()

	if err := c.client.Disconnect(ctx); err != nil {
		c.log.Warn("error disconnecting kernel client during reset", "error", err)
	}

	client := kernel.NewClient(c.cfg.Client)
	if err := client.Connect(ctx, c.cfg.ConnectRetries, c.cfg.ConnectRetryInterval); err != nil {
		return brokererr.Wrap(brokererr.KindTransport, err, "reset: reconnect kernel client")
	}
	c.client = client

	c.toolServer.Reset()
	return nil
}

// InstallPackage installs a pip package spec into the running kernel's
// interpreter environment, per SPEC_FULL.md §10.1 and the original
// install_package tool
// (_examples/original_source/ipybox/mcp/server.py). It calls the owned
// Gateway's in-process InstallPackage on the kernel's Process rather
// than going through the kernel message channel, so it does not
// compete with or count against any execution's budget. Installed
// packages persist across Reset, since Reset only recycles the kernel session, not its underlying
// interpreter environment.
func (c *Coordinator) InstallPackage(ctx context.Context, packageSpec string) (string, error) {
	c.execMu.Lock()
	kernelID := c.client.KernelID()
	c.execMu.Unlock()

	return c.gateway.InstallPackage(ctx, kernelID, packageSpec)
}
