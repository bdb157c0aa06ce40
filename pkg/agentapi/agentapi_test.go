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

package agentapi

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kernelbroker/kernelbroker/pkg/brokererr"
	"github.com/kernelbroker/kernelbroker/pkg/coordinator"
)

func TestToWireEventChunk(t *testing.T) {
	wire := toWireEvent(coordinator.ChunkEvent{Text: "hello"})
	require.Equal(t, "chunk", wire.Type)
	require.Equal(t, "hello", wire.Text)
}

func TestToWireEventImage(t *testing.T) {
	wire := toWireEvent(coordinator.ImageEvent{Path: "images/plot.png"})
	require.Equal(t, "image", wire.Type)
	require.Equal(t, "images/plot.png", wire.Path)
}

func TestToWireEventResultWithText(t *testing.T) {
	text := "42"
	wire := toWireEvent(coordinator.ResultEvent{Text: &text, Images: []string{"a.png"}})
	require.Equal(t, "result", wire.Type)
	require.Equal(t, "42", wire.Text)
	require.Equal(t, []string{"a.png"}, wire.Images)
}

func TestToWireEventResultWithoutText(t *testing.T) {
	wire := toWireEvent(coordinator.ResultEvent{})
	require.Equal(t, "result", wire.Type)
	require.Empty(t, wire.Text)
}

func TestToWireEventError(t *testing.T) {
	wire := toWireEvent(coordinator.ErrorEvent{Kind: brokererr.KindExecution, Message: "boom", Trace: "line 1"})
	require.Equal(t, "error", wire.Type)
	require.Equal(t, string(brokererr.KindExecution), wire.Kind)
	require.Equal(t, "boom", wire.Message)
	require.Equal(t, "line 1", wire.Trace)
}

func TestToWireEventApprovalRequest(t *testing.T) {
	wire := toWireEvent(coordinator.ApprovalRequestEvent{
		ServerName: "filesystem",
		Tool:       "write_file",
		Arguments:  map[string]any{"path": "/tmp/x"},
	})
	require.Equal(t, "approval_request", wire.Type)
	require.Equal(t, "filesystem", wire.ServerName)
	require.Equal(t, "write_file", wire.Tool)
	require.Equal(t, "/tmp/x", wire.Arguments["path"])
}
