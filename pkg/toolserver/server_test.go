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

package toolserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

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

func newTestServer(t *testing.T, cfg toolserver.Config) int {
	t.Helper()
	port := freePort(t)
	cfg.Host = "127.0.0.1"
	cfg.Port = port
	srv := toolserver.New(cfg, nil)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 50*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	return port
}

func TestHandleStatusReturnsOK(t *testing.T) {
	port := newTestServer(t, toolserver.Config{})

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/status", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "ok", out["status"])
}

func TestHandleResetSucceedsWithoutAnyBindings(t *testing.T) {
	port := newTestServer(t, toolserver.Config{})

	req, err := http.NewRequest(http.MethodPut, fmt.Sprintf("http://127.0.0.1:%d/reset", port), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleRunRejectsInvalidBody(t *testing.T) {
	port := newTestServer(t, toolserver.Config{})

	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/run", port), "application/json", bytes.NewReader([]byte("not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleRunWithoutApprovalReachesBindingLookupAndFailsOnBadParams(t *testing.T) {
	port := newTestServer(t, toolserver.Config{ApprovalRequired: false})

	body, err := json.Marshal(map[string]any{
		"server_name":   "filesystem",
		"server_params": map[string]any{},
		"tool":          "read_file",
		"arguments":     map[string]any{"path": "/tmp/x"},
	})
	require.NoError(t, err)

	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/run", port), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out["error"])
}

// No approver ever attaches, so the channel itself is not connected.
// This is a hard failure distinct from a timed-out request, since no
// approval round trip was ever attempted; the original distinguishes
// asyncio.TimeoutError from every other exception the same way.
func TestHandleRunFailsWhenApprovalRequiredAndNoChannelAttached(t *testing.T) {
	port := newTestServer(t, toolserver.Config{ApprovalRequired: true, ApprovalTimeout: 100 * time.Millisecond})

	body, err := json.Marshal(map[string]any{
		"server_name": "filesystem",
		"tool":        "read_file",
		"arguments":   map[string]any{},
	})
	require.NoError(t, err)

	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/run", port), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Contains(t, out["error"], "failed")
	require.Contains(t, out["error"], "not connected")
}

// An approver is attached but never responds, so the request expires
// once ApprovalTimeout elapses.
func TestHandleRunReportsExpiredOnApprovalTimeout(t *testing.T) {
	port := newTestServer(t, toolserver.Config{ApprovalRequired: true, ApprovalTimeout: 50 * time.Millisecond})

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/approval", port), nil)
	require.NoError(t, err)
	defer conn.Close()

	body, err := json.Marshal(map[string]any{
		"server_name": "filesystem",
		"tool":        "read_file",
		"arguments":   map[string]any{},
	})
	require.NoError(t, err)

	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/run", port), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Contains(t, out["error"], "expired")
}

// The approver disconnects mid-flight, before ever responding; this
// surfaces as a failure, not an expiry, since the request didn't time
// out -- its one chance at an answer was cut short.
func TestHandleRunFailsWhenApproverDisconnectsBeforeResponding(t *testing.T) {
	port := newTestServer(t, toolserver.Config{ApprovalRequired: true, ApprovalTimeout: 5 * time.Second})

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/approval", port), nil)
	require.NoError(t, err)

	body, err := json.Marshal(map[string]any{
		"server_name": "filesystem",
		"tool":        "read_file",
		"arguments":   map[string]any{},
	})
	require.NoError(t, err)

	done := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/run", port), "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		done <- resp
	}()

	// Give the server a moment to register the pending request before
	// pulling the approver's connection out from under it.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, conn.Close())

	resp := <-done
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Contains(t, out["error"], "failed")
	require.Contains(t, out["error"], "disconnected")
}

func TestHandleRunEnforcesRateLimit(t *testing.T) {
	port := newTestServer(t, toolserver.Config{RateLimitPerSecond: 1})

	body, err := json.Marshal(map[string]any{
		"server_name": "filesystem",
		"tool":        "read_file",
		"arguments":   map[string]any{},
	})
	require.NoError(t, err)

	// First call consumes the single burst token and then fails on the
	// (unconfigured) binding lookup; the second, issued immediately
	// after, must be rejected by the limiter before it ever reaches
	// binding lookup.
	resp1, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/run", port), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp1.Body.Close()

	resp2, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/run", port), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp2.Body.Close()

	var out map[string]string
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&out))
	require.Contains(t, out["error"], "rate limit exceeded")
}
