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

package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kernelbroker/kernelbroker/pkg/brokererr"
)

const (
	clientName    = "kernelbroker"
	clientVersion = "1.0.0"
	mcpProtocol   = "2024-11-05"
)

// Client is a uniform handle to one remote tool provider, regardless
// of which of the three transports it speaks. Grounded on the
// stdio/HTTP dual connection strategy of
// _examples/kadirpekel-hector/pkg/tool/mcptoolset/mcptoolset.go,
// simplified here to wrap mark3labs/mcp-go's own HTTP-family clients
// instead of hand-rolled JSON-RPC, since this ToolServer has no
// equivalent of hector's retrying httpclient to reuse.
type Client struct {
	params ServerParams
	mcp    *client.Client
}

// Dial connects to the remote tool provider described by params and
// completes the MCP initialize handshake.
func Dial(ctx context.Context, params ServerParams) (*Client, error) {
	var mcpClient *client.Client
	var err error

	switch params.Transport {
	case TransportStdio:
		env := make([]string, 0, len(params.Env))
		for k, v := range params.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		mcpClient, err = client.NewStdioMCPClient(params.Command, env, params.Args...)
	case TransportSSE:
		mcpClient, err = client.NewSSEMCPClient(params.URL, client.WithHeaders(params.Headers))
	case TransportStreamableHTTP:
		mcpClient, err = client.NewStreamableHttpClient(params.URL, transport.WithHTTPHeaders(params.Headers))
	default:
		return nil, brokererr.New(brokererr.KindConfig, "unsupported transport %q", params.Transport)
	}
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindTool, err, "create mcp client")
	}

	if err := mcpClient.Start(ctx); err != nil {
		return nil, brokererr.Wrap(brokererr.KindTool, err, "start mcp client")
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	initReq.Params.ProtocolVersion = mcpProtocol

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		_ = mcpClient.Close()
		return nil, brokererr.Wrap(brokererr.KindTool, err, "initialize mcp session")
	}

	return &Client{params: params, mcp: mcpClient}, nil
}

// Run invokes tool with arguments and returns its result in the shape
// the ToolServer's /run endpoint serializes, mirroring the original
// MCPClient.run()'s plain-result unwrapping.
func (c *Client) Run(ctx context.Context, tool string, arguments map[string]any) (any, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = arguments

	result, err := c.mcp.CallTool(ctx, req)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindTool, err, "call tool %s", tool)
	}
	if result.IsError {
		return nil, brokererr.New(brokererr.KindTool, "%s", extractText(result))
	}
	return extractResult(result), nil
}

func extractText(result *mcp.CallToolResult) string {
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return "tool call failed"
}

func extractResult(result *mcp.CallToolResult) any {
	if len(result.Content) == 1 {
		if tc, ok := result.Content[0].(mcp.TextContent); ok {
			return tc.Text
		}
	}
	texts := make([]string, 0, len(result.Content))
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	return texts
}

// ToolDescriptor describes one tool a provider exposes, enough to
// generate a typed client stub for it.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ListTools returns the provider's tool catalog, grounded on
// _examples/kadirpekel-hector/pkg/tool/mcptoolset/mcptoolset.go's
// ListTools/convertSchema usage.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	resp, err := c.mcp.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindTool, err, "list tools")
	}

	descriptors := make([]ToolDescriptor, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		descriptors = append(descriptors, ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: convertSchema(t.InputSchema),
		})
	}
	return descriptors, nil
}

func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// Close shuts down the underlying MCP session.
func (c *Client) Close() error { return c.mcp.Close() }
