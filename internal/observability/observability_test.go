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

package observability_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/kernelbroker/kernelbroker/internal/observability"
)

func TestNewManagerWithEverythingDisabled(t *testing.T) {
	m, err := observability.NewManager(observability.Config{})
	require.NoError(t, err)
	require.Nil(t, m.Registry())
	require.NotNil(t, m.Tracer("kernelbroker"))
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestNewManagerWithMetricsEnabledCreatesRegistry(t *testing.T) {
	m, err := observability.NewManager(observability.Config{MetricsEnabled: true})
	require.NoError(t, err)
	require.NotNil(t, m.Registry())
}

func TestNewManagerWithTracingEnabledInstallsProvider(t *testing.T) {
	m, err := observability.NewManager(observability.Config{TracingEnabled: true, ServiceName: "kernelbroker"})
	require.NoError(t, err)
	require.NotNil(t, m.Tracer("kernelbroker"))
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestNewToolServerMetricsWithNilRegistryIsSafe(t *testing.T) {
	m := observability.NewToolServerMetrics(nil)
	require.NotPanics(t, func() {
		m.BindingsActive.Set(3)
		m.RunDuration.WithLabelValues("filesystem").Observe(0.5)
		m.ApprovalOutcome.WithLabelValues("approved").Inc()
	})
}

func TestNewToolServerMetricsRegistersOnRealRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	observability.NewToolServerMetrics(reg)

	families, err := reg.Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	require.Contains(t, names, "kernelbroker_toolserver_bindings_active")
}
