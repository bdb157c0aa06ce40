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

// Package config loads kernelbroker's configuration from YAML files with
// environment variable overlay, using koanf.
package config

import "time"

// Config is the root configuration for a kernelbroker process.
type Config struct {
	LogLevel string `koanf:"log_level" yaml:"log_level"`
	LogJSON  bool   `koanf:"log_json" yaml:"log_json"`

	ToolServer   ToolServerConfig   `koanf:"tool_server" yaml:"tool_server"`
	KernelGateway KernelGatewayConfig `koanf:"kernel_gateway" yaml:"kernel_gateway"`
	KernelClient  KernelClientConfig  `koanf:"kernel_client" yaml:"kernel_client"`
	Coordinator   CoordinatorConfig   `koanf:"coordinator" yaml:"coordinator"`

	Observability ObservabilityConfig `koanf:"observability" yaml:"observability"`
}

// ToolServerConfig configures pkg/toolserver, per spec.md §6.
type ToolServerConfig struct {
	Host             string        `koanf:"host" yaml:"host"`
	Port             int           `koanf:"port" yaml:"port"`
	ApprovalRequired bool          `koanf:"approval_required" yaml:"approval_required"`
	ApprovalTimeout  time.Duration `koanf:"approval_timeout" yaml:"approval_timeout"`
	ConnectTimeout   time.Duration `koanf:"connect_timeout" yaml:"connect_timeout"`
	LogLevel         string        `koanf:"log_level" yaml:"log_level"`
}

// KernelGatewayConfig configures pkg/kernel's gateway, per spec.md §6.
type KernelGatewayConfig struct {
	Host          string            `koanf:"host" yaml:"host"`
	Port          int               `koanf:"port" yaml:"port"`
	Sandbox       bool              `koanf:"sandbox" yaml:"sandbox"`
	SandboxConfig string            `koanf:"sandbox_config" yaml:"sandbox_config"`
	Env           map[string]string `koanf:"env" yaml:"env"`
	// Command and Args launch a local kernel process when Sandbox is
	// false. Ignored when Sandbox is true.
	Command string   `koanf:"command" yaml:"command"`
	Args    []string `koanf:"args" yaml:"args"`
}

// KernelClientConfig configures pkg/kernel's client, per spec.md §6.
type KernelClientConfig struct {
	Host             string        `koanf:"host" yaml:"host"`
	Port             int           `koanf:"port" yaml:"port"`
	ImagesDir        string        `koanf:"images_dir" yaml:"images_dir"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" yaml:"heartbeat_interval"`
}

// CoordinatorConfig configures pkg/coordinator, per spec.md §6.
type CoordinatorConfig struct {
	KernelEnv map[string]string `koanf:"kernel_env" yaml:"kernel_env"`
}

// ObservabilityConfig configures internal/observability.
type ObservabilityConfig struct {
	TracingEnabled bool   `koanf:"tracing_enabled" yaml:"tracing_enabled"`
	MetricsEnabled bool   `koanf:"metrics_enabled" yaml:"metrics_enabled"`
	MetricsAddr    string `koanf:"metrics_addr" yaml:"metrics_addr"`
	ServiceName    string `koanf:"service_name" yaml:"service_name"`
}

// Default returns the configuration used when no file or env overrides
// are present: a single local tool server and kernel gateway, with
// approval not required.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		ToolServer: ToolServerConfig{
			Host:            "localhost",
			Port:            8900,
			ApprovalTimeout: 60 * time.Second,
			ConnectTimeout:  5 * time.Second,
			LogLevel:        "info",
		},
		KernelGateway: KernelGatewayConfig{
			Host:    "localhost",
			Port:    8888,
			Command: "kernelbroker-kernel",
			Args:    []string{},
		},
		KernelClient: KernelClientConfig{
			Host:              "localhost",
			Port:              8888,
			ImagesDir:         "images",
			HeartbeatInterval: 10 * time.Second,
		},
		Observability: ObservabilityConfig{
			ServiceName: "kernelbroker",
			MetricsAddr: ":9090",
		},
	}
}
