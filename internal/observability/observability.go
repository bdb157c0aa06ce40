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

// Package observability wires OpenTelemetry tracing and Prometheus
// metrics for kernelbroker, following the teacher's split between a
// tracer obtained by package name and a metrics registry owned by one
// Manager instance (no implicit global registries).
package observability

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the observability Manager.
type Config struct {
	TracingEnabled bool
	MetricsEnabled bool
	ServiceName    string
}

// Manager owns a process's tracer provider and metrics registry.
type Manager struct {
	cfg      Config
	provider *sdktrace.TracerProvider
	registry *prometheus.Registry
}

// NewManager constructs a Manager. When tracing is enabled, spans are
// exported via stdouttrace -- kernelbroker has no bundled OTLP
// collector config, so the default exporter is the teacher's
// debug-friendly stdout one; operators wire a real collector by
// replacing the exporter in their own main().
func NewManager(cfg Config) (*Manager, error) {
	m := &Manager{cfg: cfg}

	if cfg.TracingEnabled {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("observability: create trace exporter: %w", err)
		}
		m.provider = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(m.provider)
	}

	if cfg.MetricsEnabled {
		m.registry = prometheus.NewRegistry()
	}

	return m, nil
}

// Tracer returns a named tracer. Safe to call even when tracing is
// disabled -- OpenTelemetry's no-op tracer is returned in that case.
func (m *Manager) Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Registry returns the Prometheus registry, or nil if metrics are
// disabled.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Shutdown flushes and releases tracing resources.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
