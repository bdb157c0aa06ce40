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

package agentapi_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kernelbroker/kernelbroker/pkg/agentapi"
	"github.com/kernelbroker/kernelbroker/pkg/brokertest"
	"github.com/kernelbroker/kernelbroker/pkg/coordinator"
	"github.com/kernelbroker/kernelbroker/pkg/kernel"
	"github.com/kernelbroker/kernelbroker/pkg/registry"
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

func newTestServer(t *testing.T) (*agentapi.Server, int) {
	t.Helper()
	kernelPort := freePort(t)
	coord := coordinator.New(coordinator.Config{
		Gateway:    kernel.GatewayConfig{Host: "127.0.0.1", Port: kernelPort},
		Client:     kernel.ClientConfig{Host: "127.0.0.1", Port: kernelPort, ImagesDir: t.TempDir()},
		ToolServer: toolserver.Config{Host: "127.0.0.1", Port: freePort(t)},
		Factory:    brokertest.NewFakeProcessFactory(brokertest.EchoScript()),
	})
	require.NoError(t, coord.Start(context.Background()))
	t.Cleanup(func() { _ = coord.Stop(context.Background()) })

	reg, err := registry.New(filepath.Join(t.TempDir(), "registry.toml"))
	require.NoError(t, err)

	port := freePort(t)
	srv := agentapi.New(agentapi.Config{Host: "127.0.0.1", Port: port}, coord, reg)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })

	// Give the listener goroutine a moment to bind before the first request.
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 50*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	return srv, port
}

func TestHandleExecuteCodeStreamsNDJSONResult(t *testing.T) {
	_, port := newTestServer(t)

	body, err := json.Marshal(map[string]any{"code": "print('hi')", "stream": true})
	require.NoError(t, err)

	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/execute_code", port), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	scanner := bufio.NewScanner(resp.Body)
	var lastLine map[string]any
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lastLine = line
	}
	require.Equal(t, "result", lastLine["type"])
	require.Equal(t, "print('hi')", lastLine["text"])
}

func TestHandleResetSucceeds(t *testing.T) {
	_, port := newTestServer(t)

	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/reset", port), "application/json", bytes.NewReader([]byte("{}")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "success", out["reset"])
}

func TestHandleRegisterToolProviderPersists(t *testing.T) {
	_, port := newTestServer(t)

	body, err := json.Marshal(map[string]any{
		"server_name": "filesystem",
		"params":      map[string]any{"command": "npx"},
	})
	require.NoError(t, err)

	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/register_tool_provider", port), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "filesystem", out["registered"])
}

func TestHandleInstallPackageReturnsOutput(t *testing.T) {
	_, port := newTestServer(t)

	body, err := json.Marshal(map[string]any{"package_spec": "numpy"})
	require.NoError(t, err)

	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/install_package", port), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Contains(t, out["output"], "numpy")
}

func TestHandleExecuteCodeRejectsInvalidBody(t *testing.T) {
	_, port := newTestServer(t)

	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/execute_code", port), "application/json", bytes.NewReader([]byte("not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
