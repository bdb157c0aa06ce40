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

package kernel_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kernelbroker/kernelbroker/pkg/brokertest"
	"github.com/kernelbroker/kernelbroker/pkg/kernel"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func startGateway(t *testing.T, factory kernel.ProcessFactory) (*kernel.Gateway, int) {
	t.Helper()
	port := freePort(t)
	gw := kernel.NewGateway(kernel.GatewayConfig{Host: "127.0.0.1", Port: port}, factory)
	require.NoError(t, gw.Start(context.Background()))
	t.Cleanup(func() { _ = gw.Stop(context.Background()) })
	return gw, port
}

func connectedClient(t *testing.T, port int) *kernel.KernelClient {
	t.Helper()
	client := kernel.NewClient(kernel.ClientConfig{Host: "127.0.0.1", Port: port, ImagesDir: t.TempDir()})
	require.NoError(t, client.Connect(context.Background(), 10, 50*time.Millisecond))
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	return client
}

// Hello: a fresh client executes code and receives back the expected
// text, per spec.md §8's seed scenario.
func TestGatewayClientHello(t *testing.T) {
	_, port := startGateway(t, brokertest.NewFakeProcessFactory(brokertest.EchoScript()))
	client := connectedClient(t, port)

	result, err := client.Execute(context.Background(), "print('hi')", 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, result.Text)
	require.Equal(t, "print('hi')", *result.Text)
}

// Persistence: two submissions on the same client see state carried
// across the call boundary, since both land on the same kernel
// session.
func TestGatewayClientPersistence(t *testing.T) {
	_, port := startGateway(t, brokertest.NewFakeProcessFactory(brokertest.CountingScript()))
	client := connectedClient(t, port)

	first, err := client.Execute(context.Background(), "x = 1", 5*time.Second)
	require.NoError(t, err)
	second, err := client.Execute(context.Background(), "x += 1; print(x)", 5*time.Second)
	require.NoError(t, err)

	require.NotEqual(t, *first.Text, *second.Text)
}

// Execution errors surface as brokererr.KindExecution through
// Execute, carrying the interpreter's error name/value.
func TestGatewayClientExecutionError(t *testing.T) {
	_, port := startGateway(t, brokertest.NewFakeProcessFactory(brokertest.FailingScript("ValueError", "boom")))
	client := connectedClient(t, port)

	_, err := client.Execute(context.Background(), "raise ValueError('boom')", 5*time.Second)
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

// Timeout: a script that sleeps past the execution's timeout causes
// Execute to fail with a timeout error rather than hang forever.
func TestGatewayClientTimeout(t *testing.T) {
	slow := func(code string) brokertest.Outcome {
		return brokertest.Outcome{Chunks: []string{"late"}, Delay: 2 * time.Second}
	}
	_, port := startGateway(t, brokertest.NewFakeProcessFactory(slow))
	client := connectedClient(t, port)

	_, err := client.Execute(context.Background(), "time.sleep(2)", 200*time.Millisecond)
	require.Error(t, err)
}

// Interrupt-then-survive: interrupting a slow execution surfaces an
// error for that call, but the client remains usable afterward.
func TestGatewayClientInterruptThenSurvive(t *testing.T) {
	slow := func(code string) brokertest.Outcome {
		return brokertest.Outcome{Chunks: []string{"late"}, Delay: 500 * time.Millisecond}
	}
	_, port := startGateway(t, brokertest.NewFakeProcessFactory(slow))
	client := connectedClient(t, port)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = client.Interrupt(context.Background())
	}()
	_, err := client.Execute(context.Background(), "time.sleep(0.5)", 5*time.Second)
	require.Error(t, err)

	result, err := client.Execute(context.Background(), "print('still alive')", 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "still alive", *result.Text)
}

func TestGatewayInstallPackage(t *testing.T) {
	gw, port := startGateway(t, brokertest.NewFakeProcessFactory(brokertest.EchoScript()))
	client := connectedClient(t, port)

	output, err := gw.InstallPackage(context.Background(), client.KernelID(), "numpy")
	require.NoError(t, err)
	require.Contains(t, output, "numpy")
}

func TestGatewayInstallPackageUnknownKernel(t *testing.T) {
	gw, _ := startGateway(t, brokertest.NewFakeProcessFactory(brokertest.EchoScript()))

	_, err := gw.InstallPackage(context.Background(), "does-not-exist", "numpy")
	require.Error(t, err)
}
