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

package observability

import "github.com/prometheus/client_golang/prometheus"

// ToolServerMetrics are the counters and histograms exported by
// pkg/toolserver's binding cache and /run pipeline.
type ToolServerMetrics struct {
	BindingsActive  prometheus.Gauge
	RunDuration     *prometheus.HistogramVec
	ApprovalOutcome *prometheus.CounterVec
}

// NewToolServerMetrics registers and returns the toolserver metrics on
// reg. If reg is nil (metrics disabled), the returned metrics are
// backed by un-registered collectors that are safe to call but export
// nowhere.
func NewToolServerMetrics(reg *prometheus.Registry) *ToolServerMetrics {
	m := &ToolServerMetrics{
		BindingsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kernelbroker",
			Subsystem: "toolserver",
			Name:      "bindings_active",
			Help:      "Number of live remote tool provider bindings.",
		}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kernelbroker",
			Subsystem: "toolserver",
			Name:      "run_duration_seconds",
			Help:      "Duration of /run calls by server name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"server_name"}),
		ApprovalOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernelbroker",
			Subsystem: "toolserver",
			Name:      "approval_outcomes_total",
			Help:      "Approval outcomes by result: approved, denied, expired, failed.",
		}, []string{"outcome"}),
	}

	if reg != nil {
		reg.MustRegister(m.BindingsActive, m.RunDuration, m.ApprovalOutcome)
	}

	return m
}
