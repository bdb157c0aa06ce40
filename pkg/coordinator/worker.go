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

import (
	"context"
	"time"

	"github.com/kernelbroker/kernelbroker/pkg/brokererr"
	"github.com/kernelbroker/kernelbroker/pkg/kernel"
)

// streamWorker reads one Execution's stream and enqueues its chunks,
// images, and terminal Result/Error onto queue, mirroring the
// original facade's _complete() coroutine.
func streamWorker(ctx context.Context, exec *kernel.Execution, timeout time.Duration, queue chan<- Event) {
	elems := make(chan kernel.StreamElem, 16)
	errCh := make(chan error, 1)

	go func() {
		errCh <- exec.Stream(ctx, elems, timeout)
	}()

	for elem := range elems {
		if elem.Chunk != "" {
			queue <- ChunkEvent{Text: elem.Chunk}
		}
		if elem.Image != "" {
			queue <- ImageEvent{Path: elem.Image}
		}
	}

	if err := <-errCh; err != nil {
		queue <- toErrorEvent(err)
		return
	}

	result, err := exec.Result(ctx, timeout)
	if err != nil {
		queue <- toErrorEvent(err)
		return
	}
	queue <- ResultEvent{Text: result.Text, Images: result.Images}
}

func toErrorEvent(err error) Event {
	if e, ok := err.(*brokererr.Error); ok {
		return ErrorEvent{Kind: e.Kind, Message: e.Error(), Trace: e.Trace}
	}
	return ErrorEvent{Kind: brokererr.KindTransport, Message: err.Error()}
}
