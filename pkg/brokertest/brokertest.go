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

// Package brokertest provides test doubles for kernelbroker's package
// tests, the way _examples/kadirpekel-hector/pkg/testutils provides
// MockAgent for hector's tests: a configurable fake standing in for a
// real collaborator so other packages can be exercised end to end
// without a real Python kernel or Docker daemon.
package brokertest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kernelbroker/kernelbroker/pkg/kernel"
)

// Outcome describes how a FakeProcess responds to one execute_request.
type Outcome struct {
	Chunks    []string
	ImagesB64 []string
	ErrName   string
	ErrValue  string
	Traceback []string
	Delay     time.Duration
}

// Script computes the Outcome for one submitted code string. Scripts
// that need to simulate interpreter state across calls (the
// "Persistence" scenario) should close over their own state.
type Script func(code string) Outcome

// FakeProcess implements kernel.Process without a real interpreter,
// replaying a Script's Outcome for every execute_request it receives.
// Grounded on testutils.MockAgent's ExecuteFunc/ExecuteDelay/ExecuteError
// configurability, adapted from a request/response call to the
// kernel wire protocol's message-channel shape.
type FakeProcess struct {
	script Script

	in  chan kernel.Message
	out chan kernel.Message

	mu           sync.Mutex
	interrupted  bool
	installCalls []string
	stopped      bool
}

// NewFakeProcess constructs a FakeProcess driven by script.
func NewFakeProcess(script Script) *FakeProcess {
	return &FakeProcess{
		script: script,
		in:     make(chan kernel.Message, 64),
		out:    make(chan kernel.Message, 64),
	}
}

// NewFakeProcessFactory adapts script into a kernel.ProcessFactory, for
// wiring into kernel.NewGateway or coordinator.Config.Factory.
func NewFakeProcessFactory(script Script) kernel.ProcessFactory {
	return func(kernelID string, env map[string]string) kernel.Process {
		return NewFakeProcess(script)
	}
}

func (p *FakeProcess) Start(ctx context.Context) error {
	go p.loop(ctx)
	return nil
}

func (p *FakeProcess) In() chan<- kernel.Message  { return p.in }
func (p *FakeProcess) Out() <-chan kernel.Message { return p.out }

func (p *FakeProcess) loop(ctx context.Context) {
	defer close(p.out)
	for {
		select {
		case msg, ok := <-p.in:
			if !ok {
				return
			}
			if msg.Header.MsgType != kernel.MsgExecuteRequest {
				continue
			}
			p.respond(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (p *FakeProcess) respond(ctx context.Context, req kernel.Message) {
	var content kernel.ExecuteRequestContent
	_ = json.Unmarshal(req.Content, &content)
	outcome := p.script(content.Code)

	if outcome.Delay > 0 {
		timer := time.NewTimer(outcome.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
		p.mu.Lock()
		interrupted := p.interrupted
		p.interrupted = false
		p.mu.Unlock()
		if interrupted {
			p.emitError(req, "KeyboardInterrupt", "execution interrupted", nil)
			return
		}
	}

	parent := kernel.ParentHeader{MsgID: req.Header.MsgID}
	for _, chunk := range outcome.Chunks {
		p.emitContent(parent, kernel.MsgStream, kernel.StreamContent{Name: "stdout", Text: chunk})
	}
	for _, b64 := range outcome.ImagesB64 {
		p.emitContent(parent, kernel.MsgDisplayData, kernel.DataContent{
			Data: map[string]json.RawMessage{"image/png": rawString(b64)},
		})
	}

	if outcome.ErrName != "" {
		p.emitError(req, outcome.ErrName, outcome.ErrValue, outcome.Traceback)
		return
	}

	p.emitContent(parent, kernel.MsgExecuteReply, kernel.ExecuteReplyContent{Status: "ok"})
}

// emitError emits the two-frame error sequence a real kernel sends: an
// "error" message carrying the traceback, followed by the
// execute_reply with status "error" that kernel.Execution.handle
// treats as terminal.
func (p *FakeProcess) emitError(req kernel.Message, ename, evalue string, traceback []string) {
	parent := kernel.ParentHeader{MsgID: req.Header.MsgID}
	p.emitContent(parent, kernel.MsgError, kernel.ErrorContent{EName: ename, EValue: evalue, Traceback: traceback})
	p.emitContent(parent, kernel.MsgExecuteReply, kernel.ExecuteReplyContent{Status: "error"})
}

func (p *FakeProcess) emitContent(parent kernel.ParentHeader, msgType kernel.MsgType, content any) {
	raw, _ := json.Marshal(content)
	msg := kernel.Message{
		Header:       kernel.Header{MsgType: msgType},
		ParentHeader: parent,
		Content:      raw,
	}
	select {
	case p.out <- msg:
	default:
	}
}

func rawString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

func (p *FakeProcess) Interrupt() error {
	p.mu.Lock()
	p.interrupted = true
	p.mu.Unlock()
	return nil
}

func (p *FakeProcess) InstallPackage(ctx context.Context, spec string) (string, error) {
	p.mu.Lock()
	p.installCalls = append(p.installCalls, spec)
	p.mu.Unlock()
	return fmt.Sprintf("installed %s", spec), nil
}

// InstallCalls returns every package spec passed to InstallPackage, in
// order.
func (p *FakeProcess) InstallCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.installCalls))
	copy(out, p.installCalls)
	return out
}

func (p *FakeProcess) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	p.stopped = true
	close(p.in)
	return nil
}

// EchoScript returns a Script that echoes code as a single stdout
// chunk, the "Hello" seed scenario's simplest fixture.
func EchoScript() Script {
	return func(code string) Outcome {
		return Outcome{Chunks: []string{code}}
	}
}

// CountingScript returns a Script simulating persistent interpreter
// state: each call increments a counter and reports its new value,
// regardless of the code text, the way a real kernel's variable
// bindings persist across Submit calls on one session.
func CountingScript() Script {
	var mu sync.Mutex
	n := 0
	return func(code string) Outcome {
		mu.Lock()
		n++
		val := n
		mu.Unlock()
		return Outcome{Chunks: []string{fmt.Sprintf("%d", val)}}
	}
}

// FailingScript returns a Script that always raises the given error.
func FailingScript(name, value string) Script {
	return func(code string) Outcome {
		return Outcome{ErrName: name, ErrValue: value, Traceback: []string{value}}
	}
}

// Base64Encode is exported for tests that need to build ImagesB64
// fixtures without importing encoding/base64 themselves.
func Base64Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
