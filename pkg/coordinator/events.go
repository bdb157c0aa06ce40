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

package coordinator

import "github.com/kernelbroker/kernelbroker/pkg/brokererr"

// Event is the sealed ExecutionEvent variant of spec.md §3: Chunk,
// Image, Result, ApprovalRequest, or Error. Exactly one terminal
// event (Result or Error) is emitted per execution, and it is always
// last.
type Event interface {
	isEvent()
}

// ChunkEvent carries a text fragment printed by the running code.
type ChunkEvent struct {
	Text string
}

func (ChunkEvent) isEvent() {}

// ImageEvent carries the path of an image the running code produced.
type ImageEvent struct {
	Path string
}

func (ImageEvent) isEvent() {}

// ResultEvent is the terminal success event.
type ResultEvent struct {
	Text   *string
	Images []string
}

func (ResultEvent) isEvent() {}

// ErrorEvent is the terminal failure event, carrying one of the six
// brokererr.Kind variants.
type ErrorEvent struct {
	Kind    brokererr.Kind
	Message string
	Trace   string
}

func (ErrorEvent) isEvent() {}

// ApprovalRequestEvent surfaces a pending tool call to the caller.
// Approve/Reject forward to the underlying approval request and
// resume the execution's paused Budget, per spec.md §4.4's pause
// rule.
type ApprovalRequestEvent struct {
	ServerName string
	Tool       string
	Arguments  map[string]any

	respond func(bool) error
	resume  func()
}

func (ApprovalRequestEvent) isEvent() {}

// Approve approves the pending tool call.
func (e ApprovalRequestEvent) Approve() error {
	defer e.resume()
	return e.respond(true)
}

// Reject denies the pending tool call.
func (e ApprovalRequestEvent) Reject() error {
	defer e.resume()
	return e.respond(false)
}
