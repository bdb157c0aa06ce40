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
	"fmt"

	"github.com/kernelbroker/kernelbroker/pkg/brokererr"
)

// Transport names the wire transport a remote tool provider speaks.
type Transport string

const (
	TransportStdio          Transport = "stdio"
	TransportSSE            Transport = "sse"
	TransportStreamableHTTP Transport = "streamable-http"
)

// ServerParams is the decoded server_params payload of a ToolCallRequest
// (spec.md §4.3), shaped like the original MCPClient's constructor
// argument: {"command": ..., "args": [...], "env": {...}} for stdio,
// or {"url": ..., "transport": ..., "headers": {...}} for HTTP family.
type ServerParams struct {
	Command   string
	Args      []string
	Env       map[string]string
	URL       string
	Transport Transport
	Headers   map[string]string
}

// DetectTransport inspects the shape of a decoded server_params map
// and classifies it, grounded on the Config field combinations of
// _examples/kadirpekel-hector/pkg/tool/mcptoolset/mcptoolset.go
// (Command/Args/Env for stdio, URL/Transport for HTTP).
func DetectTransport(raw map[string]any) (ServerParams, error) {
	var sp ServerParams

	if cmd, ok := raw["command"].(string); ok && cmd != "" {
		sp.Command = cmd
		sp.Transport = TransportStdio
		if args, ok := raw["args"].([]any); ok {
			for _, a := range args {
				if s, ok := a.(string); ok {
					sp.Args = append(sp.Args, s)
				}
			}
		}
		sp.Env = toStringMap(raw["env"])
		return sp, nil
	}

	if url, ok := raw["url"].(string); ok && url != "" {
		sp.URL = url
		sp.Headers = toStringMap(raw["headers"])
		sp.Transport = TransportStreamableHTTP
		if t, ok := raw["transport"].(string); ok && Transport(t) == TransportSSE {
			sp.Transport = TransportSSE
		}
		return sp, nil
	}

	return sp, brokererr.New(brokererr.KindConfig, "server_params has neither \"command\" nor \"url\"")
}

func toStringMap(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		if s, ok := val.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprintf("%v", val)
		}
	}
	return out
}
