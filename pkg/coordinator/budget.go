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

// Package coordinator implements the ExecutionCoordinator facade of
// spec.md §4.4: it composes the kernel client, tool server, and
// approval channel into one merged event stream per execution, and
// enforces the pause-aware execution budget. Grounded on
// _examples/original_source/ipybox/facade.py's CodeExecutor/CodeExecution
// queue-merge pattern, translated from asyncio.Queue to buffered Go
// channels.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/kernelbroker/kernelbroker/pkg/brokererr"
)

// Budget is a pause-aware deadline, per spec.md §4.4/§3. A Budget
// constructed with total<=0 never expires.
type Budget struct {
	total time.Duration

	mu                sync.Mutex
	start             time.Time
	paused            bool
	pauseStart        time.Time
	accumulatedPaused time.Duration
}

// NewBudget starts a Budget with the given total duration running
// immediately.
func NewBudget(total time.Duration) *Budget {
	return &Budget{total: total, start: time.Now()}
}

// Pause stops the deadline clock. Idempotent.
func (b *Budget) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.paused || b.total <= 0 {
		return
	}
	b.paused = true
	b.pauseStart = time.Now()
}

// Resume restarts the deadline clock, extending the deadline by the
// interval just spent paused. Idempotent.
func (b *Budget) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.paused {
		return
	}
	b.accumulatedPaused += time.Since(b.pauseStart)
	b.paused = false
}

// Remaining returns the time left before expiry, or a negative
// duration once expired. For an unbounded Budget it always returns a
// duration far in the future.
func (b *Budget) Remaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remainingLocked()
}

func (b *Budget) remainingLocked() time.Duration {
	if b.total <= 0 {
		return time.Hour * 24 * 365
	}
	elapsed := time.Since(b.start) - b.accumulatedPaused
	if b.paused {
		elapsed -= time.Since(b.pauseStart)
	}
	return b.total - elapsed
}

// NextItem waits for an item from ch, honoring the budget's current
// deadline. While the budget is paused, it waits indefinitely (modulo
// ctx cancellation). Returns brokererr.KindTimeout when the deadline
// elapses first.
func (b *Budget) NextItem(ctx context.Context, ch <-chan Event) (Event, bool, error) {
	b.mu.Lock()
	paused := b.paused
	unbounded := b.total <= 0
	remaining := b.remainingLocked()
	b.mu.Unlock()

	if !paused && !unbounded && remaining <= 0 {
		return nil, false, brokererr.New(brokererr.KindTimeout, "execution timed out after %s", b.total)
	}

	var timerC <-chan time.Time
	if !paused && !unbounded {
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case item, ok := <-ch:
		return item, ok, nil
	case <-timerC:
		return nil, false, brokererr.New(brokererr.KindTimeout, "execution timed out after %s", b.total)
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}
