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

// Package kernel implements the KernelGateway and KernelClient of
// spec.md §4.1-4.2: the transport/lifecycle service for interpreter
// kernels and the stateful client that drives one kernel session.
//
// The wire protocol is the Jupyter kernel message protocol, carried as
// JSON frames over the gateway's per-kernel WebSocket channel, per
// spec.md §4.1/§6 and grounded on
// _examples/original_source/ipybox/code_exec/client.go.
package kernel

import "encoding/json"

// MsgType enumerates the kernel message types the client and gateway
// care about. Unrecognized types are ignored by the client's demux.
type MsgType string

const (
	MsgExecuteRequest MsgType = "execute_request"
	MsgExecuteReply   MsgType = "execute_reply"
	MsgExecuteResult  MsgType = "execute_result"
	MsgDisplayData    MsgType = "display_data"
	MsgStream         MsgType = "stream"
	MsgError          MsgType = "error"
)

// Header identifies the sender and purpose of a message.
type Header struct {
	Username string  `json:"username"`
	Version  string  `json:"version"`
	Session  string  `json:"session"`
	MsgID    string  `json:"msg_id"`
	MsgType MsgType `json:"msg_type"`
}

// ParentHeader links a reply message back to the request that caused
// it. The client demultiplexes the shared WebSocket stream by
// ParentHeader.MsgID.
type ParentHeader struct {
	MsgID string `json:"msg_id,omitempty"`
}

// Message is one frame of the kernel wire protocol.
type Message struct {
	Header       Header          `json:"header"`
	ParentHeader ParentHeader    `json:"parent_header"`
	Channel      string          `json:"channel,omitempty"`
	Content      json.RawMessage `json:"content"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	Buffers      []any           `json:"buffers,omitempty"`
}

// ExecuteRequestContent is the content of an execute_request message.
type ExecuteRequestContent struct {
	Code            string         `json:"code"`
	Silent          bool           `json:"silent"`
	StoreHistory    bool           `json:"store_history"`
	UserExpressions map[string]any `json:"user_expressions"`
	AllowStdin      bool           `json:"allow_stdin"`
}

// StreamContent is the content of a stream message (stdout/stderr).
type StreamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// DataContent is the content of an execute_result or display_data
// message: a MIME-type-keyed bag of representations.
type DataContent struct {
	Data map[string]json.RawMessage `json:"data"`
}

// ErrorContent is the content of an error message.
type ErrorContent struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// ExecuteReplyContent is the content of an execute_reply message.
type ExecuteReplyContent struct {
	Status string `json:"status"`
}

// newExecuteRequest builds the wire message for submitting code,
// matching the frame shape in spec.md §4.1 and the original Python
// client's submit().
func newExecuteRequest(sessionID, msgID, code string) Message {
	content, _ := json.Marshal(ExecuteRequestContent{
		Code:            code,
		Silent:          false,
		StoreHistory:    false,
		UserExpressions: map[string]any{},
		AllowStdin:      false,
	})
	return Message{
		Header: Header{
			Username: "",
			Version:  "5.0",
			Session:  sessionID,
			MsgID:    msgID,
			MsgType:  MsgExecuteRequest,
		},
		ParentHeader: ParentHeader{},
		Channel:      "shell",
		Content:      content,
		Metadata:     map[string]any{},
		Buffers:      []any{},
	}
}
