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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBudgetUnboundedNeverExpires(t *testing.T) {
	b := NewBudget(0)
	require.Greater(t, b.Remaining(), 24*time.Hour)

	ch := make(chan Event, 1)
	ch <- ChunkEvent{Text: "x"}
	item, ok, err := b.NextItem(context.Background(), ch)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ChunkEvent{Text: "x"}, item)
}

func TestBudgetExpiresWithoutPause(t *testing.T) {
	b := NewBudget(30 * time.Millisecond)
	ch := make(chan Event)
	_, _, err := b.NextItem(context.Background(), ch)
	require.Error(t, err)
}

// Pause-aware timeout: time spent paused (an operator deciding on a
// tool approval) does not count against the budget.
func TestBudgetPauseExcludedFromDeadline(t *testing.T) {
	b := NewBudget(80 * time.Millisecond)
	b.Pause()
	time.Sleep(150 * time.Millisecond) // longer than the whole budget
	b.Resume()

	require.Greater(t, b.Remaining(), time.Duration(0))

	ch := make(chan Event, 1)
	ch <- ChunkEvent{Text: "ok"}
	_, ok, err := b.NextItem(context.Background(), ch)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBudgetPauseIdempotent(t *testing.T) {
	b := NewBudget(time.Second)
	b.Pause()
	remaining1 := b.Remaining()
	time.Sleep(20 * time.Millisecond)
	b.Pause() // no-op, already paused
	remaining2 := b.Remaining()
	require.InDelta(t, float64(remaining1), float64(remaining2), float64(5*time.Millisecond))
}

func TestBudgetResumeWithoutPauseIsNoop(t *testing.T) {
	b := NewBudget(time.Second)
	b.Resume() // never paused
	require.Greater(t, b.Remaining(), 900*time.Millisecond)
}

func TestBudgetNextItemRespectsContextCancellation(t *testing.T) {
	b := NewBudget(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := b.NextItem(ctx, make(chan Event))
	require.ErrorIs(t, err, context.Canceled)
}
