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

package coordinator_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kernelbroker/kernelbroker/pkg/brokertest"
	"github.com/kernelbroker/kernelbroker/pkg/coordinator"
	"github.com/kernelbroker/kernelbroker/pkg/kernel"
	"github.com/kernelbroker/kernelbroker/pkg/toolserver"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// newWiredCoordinator wires the client to the same port as the gateway;
// coordinator.Config.Gateway.Port and .Client.Port must match since
// they're the same listening KernelGateway.
func newWiredCoordinator(t *testing.T, factory kernel.ProcessFactory) *coordinator.Coordinator {
	t.Helper()
	port := freePort(t)
	coord := coordinator.New(coordinator.Config{
		Gateway:    kernel.GatewayConfig{Host: "127.0.0.1", Port: port},
		Client:     kernel.ClientConfig{Host: "127.0.0.1", Port: port, ImagesDir: t.TempDir()},
		ToolServer: toolserver.Config{Host: "127.0.0.1", Port: freePort(t)},
		Factory:    factory,
	})
	require.NoError(t, coord.Start(context.Background()))
	t.Cleanup(func() { _ = coord.Stop(context.Background()) })
	return coord
}

func drain(t *testing.T, events <-chan coordinator.Event) []coordinator.Event {
	t.Helper()
	var out []coordinator.Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func TestCoordinatorExecuteHello(t *testing.T) {
	coord := newWiredCoordinator(t, brokertest.NewFakeProcessFactory(brokertest.EchoScript()))

	events, err := coord.Execute(context.Background(), "print('hi')", 5*time.Second, true)
	require.NoError(t, err)

	collected := drain(t, events)
	require.NotEmpty(t, collected)
	last := collected[len(collected)-1]
	result, ok := last.(coordinator.ResultEvent)
	require.True(t, ok)
	require.NotNil(t, result.Text)
	require.Equal(t, "print('hi')", *result.Text)
}

func TestCoordinatorExecuteWithoutStreamSuppressesChunks(t *testing.T) {
	coord := newWiredCoordinator(t, brokertest.NewFakeProcessFactory(brokertest.EchoScript()))

	events, err := coord.Execute(context.Background(), "print('hi')", 5*time.Second, false)
	require.NoError(t, err)

	collected := drain(t, events)
	for _, ev := range collected[:len(collected)-1] {
		_, isChunk := ev.(coordinator.ChunkEvent)
		require.False(t, isChunk, "chunk events must be suppressed when stream=false")
	}
}

func TestCoordinatorSubmitIsUnboundedAndStreaming(t *testing.T) {
	coord := newWiredCoordinator(t, brokertest.NewFakeProcessFactory(brokertest.EchoScript()))

	handle, err := coord.Submit(context.Background(), "print('streamed')")
	require.NoError(t, err)

	collected := drain(t, handle.Events)
	require.NotEmpty(t, collected)
	var sawChunk bool
	for _, ev := range collected {
		if _, ok := ev.(coordinator.ChunkEvent); ok {
			sawChunk = true
		}
	}
	require.True(t, sawChunk)
}

// Reset isolation: after Reset, a fresh kernel session no longer sees
// state accumulated in the prior session.
func TestCoordinatorResetIsolation(t *testing.T) {
	// Each kernel the factory creates gets its own fresh CountingScript,
	// matching a real interpreter process: Reset tears down and
	// recreates the kernel, not just the client, so accumulated state
	// does not survive it.
	factory := func(kernelID string, env map[string]string) kernel.Process {
		return brokertest.NewFakeProcess(brokertest.CountingScript())
	}
	coord := newWiredCoordinator(t, factory)

	firstEvents, err := coord.Execute(context.Background(), "x = 1", 5*time.Second, true)
	require.NoError(t, err)
	first := lastResult(t, drain(t, firstEvents))

	require.NoError(t, coord.Reset(context.Background()))

	// The fake process is recreated per kernel by the factory, so its
	// counting state starts over after Reset tears down and recreates
	// the kernel.
	secondEvents, err := coord.Execute(context.Background(), "print(x)", 5*time.Second, true)
	require.NoError(t, err)
	second := lastResult(t, drain(t, secondEvents))

	require.Equal(t, first.Text, second.Text)
}

func TestCoordinatorExecutionErrorSurfaces(t *testing.T) {
	coord := newWiredCoordinator(t, brokertest.NewFakeProcessFactory(brokertest.FailingScript("ValueError", "boom")))

	events, err := coord.Execute(context.Background(), "raise ValueError('boom')", 5*time.Second, true)
	require.NoError(t, err)

	collected := drain(t, events)
	last := collected[len(collected)-1]
	errEv, ok := last.(coordinator.ErrorEvent)
	require.True(t, ok)
	require.Contains(t, errEv.Message, "boom")
}

func TestCoordinatorInstallPackage(t *testing.T) {
	coord := newWiredCoordinator(t, brokertest.NewFakeProcessFactory(brokertest.EchoScript()))

	output, err := coord.InstallPackage(context.Background(), "numpy")
	require.NoError(t, err)
	require.Contains(t, output, "numpy")
}

func lastResult(t *testing.T, events []coordinator.Event) coordinator.ResultEvent {
	t.Helper()
	require.NotEmpty(t, events)
	result, ok := events[len(events)-1].(coordinator.ResultEvent)
	require.True(t, ok)
	return result
}
