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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kernelbroker/kernelbroker/internal/config"
	"github.com/kernelbroker/kernelbroker/internal/logger"
	"github.com/kernelbroker/kernelbroker/internal/observability"
	"github.com/kernelbroker/kernelbroker/pkg/agentapi"
	"github.com/kernelbroker/kernelbroker/pkg/coordinator"
	"github.com/kernelbroker/kernelbroker/pkg/kernel"
	"github.com/kernelbroker/kernelbroker/pkg/registry"
	"github.com/kernelbroker/kernelbroker/pkg/sandbox"
	"github.com/kernelbroker/kernelbroker/pkg/toolserver"
)

// ServeCmd starts every collaborator: ToolServer, KernelGateway,
// KernelClient (via Coordinator), and the agent-facing API.
type ServeCmd struct {
	AgentAPIPort int    `name:"agent-api-port" help:"Port for the agent-facing API." default:"8901"`
	RegistryPath string `name:"registry-path" help:"Path to the provider registry TOML file." default:"kernelbroker-registry.toml" type:"path"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	logger.Init(logger.Options{Level: cli.LogLevel, JSON: cli.LogJSON})
	log := logger.Get()

	cfg := config.Default()
	if cli.Config != "" {
		loader := config.NewLoader(cli.Config, true)
		loaded, err := loader.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		if err := loader.Watch(); err != nil {
			log.Warn("config file watch disabled", "error", err)
		}
		defer loader.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	obs, err := observability.NewManager(observability.Config{
		TracingEnabled: cfg.Observability.TracingEnabled,
		MetricsEnabled: cfg.Observability.MetricsEnabled,
		ServiceName:    cfg.Observability.ServiceName,
	})
	if err != nil {
		return fmt.Errorf("start observability: %w", err)
	}
	defer obs.Shutdown(context.Background())

	var factory kernel.ProcessFactory
	if cfg.KernelGateway.Sandbox {
		sandboxFactory, err := sandbox.NewFactory(sandbox.Config{Image: cfg.KernelGateway.SandboxConfig})
		if err != nil {
			return fmt.Errorf("start sandbox factory: %w", err)
		}
		defer sandboxFactory.Close()
		factory = sandboxFactory.Process
	}

	coord := coordinator.New(coordinator.Config{
		Gateway: kernel.GatewayConfig{
			Host: cfg.KernelGateway.Host,
			Port: cfg.KernelGateway.Port,
			Env:  cfg.KernelGateway.Env,
		},
		Client: kernel.ClientConfig{
			Host:              cfg.KernelClient.Host,
			Port:              cfg.KernelClient.Port,
			ImagesDir:         cfg.KernelClient.ImagesDir,
			HeartbeatInterval: cfg.KernelClient.HeartbeatInterval,
		},
		ToolServer: toolserver.Config{
			Host:             cfg.ToolServer.Host,
			Port:             cfg.ToolServer.Port,
			ApprovalRequired: cfg.ToolServer.ApprovalRequired,
			ApprovalTimeout:  cfg.ToolServer.ApprovalTimeout,
			ConnectTimeout:   cfg.ToolServer.ConnectTimeout,
		},
		Factory: factory,
		Command: cfg.KernelGateway.Command,
		Args:    cfg.KernelGateway.Args,
		Metrics: observability.NewToolServerMetrics(obs.Registry()),
	})

	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	defer coord.Stop(context.Background())

	reg, err := registry.New(c.RegistryPath)
	if err != nil {
		return fmt.Errorf("load provider registry: %w", err)
	}
	if err := reg.Watch(); err != nil {
		log.Warn("provider registry watch disabled", "error", err)
	}
	defer reg.Close()

	api := agentapi.New(agentapi.Config{Port: c.AgentAPIPort}, coord, reg)
	if err := api.Start(ctx); err != nil {
		return fmt.Errorf("start agent api: %w", err)
	}
	defer api.Stop(context.Background())

	log.Info("kernelbroker serving", "agent_api_port", c.AgentAPIPort)
	<-ctx.Done()
	return nil
}
