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

package kernel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kernelbroker/kernelbroker/pkg/brokererr"
)

// Result is the outcome of a successful code execution, per spec.md §3.
type Result struct {
	// Text is the concatenation of all chunks, trailing-whitespace
	// trimmed, or nil if no chunk was produced.
	Text *string
	// Images is the ordered list of paths to images generated during
	// execution.
	Images []string
}

// StreamElem is one element of an Execution's output stream: either a
// text Chunk or an Image path. Exactly one of the two fields is set.
type StreamElem struct {
	Chunk string
	Image string
}

// Execution represents an ongoing or completed code execution, created
// by KernelClient.Submit. Stream is single-consumer: once consumed,
// Result returns the cached outcome without re-reading the kernel.
type Execution struct {
	client *KernelClient
	reqID  string
	route  chan Message

	once sync.Once

	chunks []string
	images []string
	result *Result
}

// Stream streams the execution's output as it is generated, yielding
// onto out until the execution completes. out is closed when done; a
// non-nil error is returned only after out has been drained and
// closed. Image paths are streamed as they are written and are also
// collected into Result.Images.
func (e *Execution) Stream(ctx context.Context, out chan<- StreamElem, timeout time.Duration) error {
	defer e.finish()
	defer close(out)

	deadline := time.Now().Add(timeout)
	if timeout <= 0 {
		deadline = time.Time{}
	}

	var savedErr *ErrorContent

	for {
		var waitCtx context.Context
		var cancel context.CancelFunc
		if !deadline.IsZero() {
			waitCtx, cancel = context.WithDeadline(ctx, deadline)
		} else {
			waitCtx, cancel = context.WithCancel(ctx)
		}

		select {
		case msg, ok := <-e.route:
			cancel()
			if !ok {
				return brokererr.New(brokererr.KindTransport, "kernel disconnected mid-execution")
			}

			elem, terminal, termErr := e.handle(msg, &savedErr)
			if elem != nil {
				if elem.Chunk != "" {
					e.chunks = append(e.chunks, elem.Chunk)
				}
				if elem.Image != "" {
					e.images = append(e.images, elem.Image)
				}
				select {
				case out <- *elem:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if terminal {
				if termErr != nil {
					return termErr
				}
				e.result = e.buildResult()
				return nil
			}
		case <-waitCtx.Done():
			cancel()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Timed out: interrupt, grace period, surface Timeout.
			_ = e.client.Interrupt(context.Background())
			time.Sleep(200 * time.Millisecond)
			return brokererr.New(brokererr.KindTimeout, "execution timed out after %s", timeout)
		}
	}
}

// Result retrieves the complete outcome of this execution, consuming
// the stream if it has not been consumed yet.
func (e *Execution) Result(ctx context.Context, timeout time.Duration) (*Result, error) {
	if e.result != nil {
		return e.result, nil
	}

	out := make(chan StreamElem, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Stream(ctx, out, timeout)
	}()

	for range out {
		// drain; Stream already recorded chunks/images
	}
	err := <-errCh
	if err != nil {
		return nil, err
	}

	e.result = e.buildResult()
	return e.result, nil
}

func (e *Execution) buildResult() *Result {
	var text *string
	if len(e.chunks) > 0 {
		joined := strings.TrimRight(strings.Join(e.chunks, ""), " \t\n\r")
		text = &joined
	}
	return &Result{Text: text, Images: e.images}
}

// handle classifies one kernel message, per the table in spec.md §4.2.
func (e *Execution) handle(msg Message, savedErr **ErrorContent) (elem *StreamElem, terminal bool, err error) {
	switch msg.Header.MsgType {
	case MsgStream:
		var content StreamContent
		if jsonUnmarshal(msg.Content, &content) == nil && content.Text != "" {
			return &StreamElem{Chunk: content.Text}, false, nil
		}
		return nil, false, nil

	case MsgError:
		var content ErrorContent
		_ = jsonUnmarshal(msg.Content, &content)
		*savedErr = &content
		return nil, false, nil

	case MsgExecuteReply:
		var content ExecuteReplyContent
		_ = jsonUnmarshal(msg.Content, &content)
		if content.Status == "error" {
			ec := *savedErr
			if ec == nil {
				ec = &ErrorContent{EName: "Unknown Error"}
			}
			return nil, true, brokererr.Execution(ec.EName, ec.EValue, strings.Join(ec.Traceback, "\n"))
		}
		return nil, true, nil

	case MsgExecuteResult, MsgDisplayData:
		var content DataContent
		if jsonUnmarshal(msg.Content, &content) != nil {
			return nil, false, nil
		}
		if raw, ok := content.Data["text/plain"]; ok {
			var text string
			if jsonUnmarshal(raw, &text) == nil && text != "" {
				return &StreamElem{Chunk: text}, false, nil
			}
		}
		if raw, ok := content.Data["image/png"]; ok {
			var b64 string
			if jsonUnmarshal(raw, &b64) == nil {
				path, werr := e.writeImage(b64)
				if werr == nil {
					return &StreamElem{Image: path}, false, nil
				}
			}
		}
		return nil, false, nil

	default:
		return nil, false, nil
	}
}

func (e *Execution) writeImage(b64 string) (string, error) {
	if err := os.MkdirAll(e.client.cfg.ImagesDir, 0o755); err != nil {
		return "", err
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	path := filepath.Join(e.client.cfg.ImagesDir, fmt.Sprintf("%s.png", id))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (e *Execution) finish() {
	e.once.Do(func() {
		e.client.unregister(e.reqID)
		e.client.execMu.Unlock()
	})
}

func jsonUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty content")
	}
	return json.Unmarshal(raw, v)
}
