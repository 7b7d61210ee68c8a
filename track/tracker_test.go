// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package track_test

import (
	"sync"
	"testing"
	"time"

	"github.com/bufbuild/jrpc/internal/clocktest"
	"github.com/bufbuild/jrpc/track"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerLifecycle(t *testing.T) {
	t.Parallel()

	clock := clocktest.NewFakeClock()
	tracker := track.New(track.WithClock(clock))

	id := tracker.Begin("tools/list")
	require.NotEmpty(t, id)
	assert.True(t, tracker.Outstanding(id))

	stats := tracker.Stats()
	assert.Equal(t, int64(1), stats.Issued)
	assert.Equal(t, int64(1), stats.Pending)

	tracker.RecordAttempt(id, track.OutcomePending, 0)
	tracker.RecordAttempt(id, track.OutcomePending, 0)
	tracker.RecordAttempt(id, track.OutcomePending, 0)
	tracker.RecordAttempt(id, track.OutcomeSuccess, 90*time.Millisecond)

	assert.False(t, tracker.Outstanding(id))
	stats = tracker.Stats()
	assert.Equal(t, int64(1), stats.Issued)
	assert.Equal(t, int64(0), stats.Pending)
	assert.Equal(t, int64(1), stats.Successes)
	assert.Equal(t, 3, stats.MaxAttempts)
	assert.Equal(t, 90*time.Millisecond, stats.AverageDuration)

	// Late updates for a resolved id are ignored.
	tracker.RecordAttempt(id, track.OutcomeError, time.Second)
	assert.Equal(t, int64(0), tracker.Stats().Errors)
}

func TestTrackerUniqueIDs(t *testing.T) {
	t.Parallel()

	tracker := track.New()
	seen := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		id := tracker.Begin("test.method")
		_, dup := seen[id]
		require.False(t, dup, "duplicate correlation id %s", id)
		seen[id] = struct{}{}
	}
	assert.Equal(t, int64(100), tracker.Stats().Pending)
}

func TestTrackerOutcomes(t *testing.T) {
	t.Parallel()

	tracker := track.New()
	resolve := func(outcome track.Outcome, d time.Duration) {
		id := tracker.Begin("test.method")
		tracker.RecordAttempt(id, track.OutcomePending, 0)
		tracker.RecordAttempt(id, outcome, d)
	}
	resolve(track.OutcomeSuccess, 100*time.Millisecond)
	resolve(track.OutcomeSuccess, 300*time.Millisecond)
	resolve(track.OutcomeError, 50*time.Millisecond)
	resolve(track.OutcomeTimeout, 250*time.Millisecond)

	stats := tracker.Stats()
	assert.Equal(t, int64(4), stats.Issued)
	assert.Equal(t, int64(2), stats.Successes)
	assert.Equal(t, int64(1), stats.Errors)
	assert.Equal(t, int64(1), stats.Timeouts)
	assert.Equal(t, int64(4), stats.Resolved())
	assert.Equal(t, 175*time.Millisecond, stats.AverageDuration)
	assert.InDelta(t, 0.5, stats.FailureRate(), 1e-9)
}

func TestTrackerDurationFromBegin(t *testing.T) {
	t.Parallel()

	clock := clocktest.NewFakeClock()
	tracker := track.New(track.WithClock(clock))

	id := tracker.Begin("test.method")
	clock.Advance(250 * time.Millisecond)
	tracker.RecordAttempt(id, track.OutcomeSuccess, 0)

	assert.Equal(t, 250*time.Millisecond, tracker.Stats().AverageDuration)
}

func TestTrackerEvictionFoldsAggregatesFirst(t *testing.T) {
	t.Parallel()

	clock := clocktest.NewFakeClock()
	tracker := track.New(
		track.WithClock(clock),
		track.WithRetention(time.Minute, 5),
	)

	for i := 0; i < 10; i++ {
		id := tracker.Begin("test.method")
		tracker.RecordAttempt(id, track.OutcomeError, 10*time.Millisecond)
	}

	// Only 5 raw records survive the count cap...
	since := tracker.StatsSince(clock.Now().Add(-time.Hour))
	assert.Equal(t, int64(5), since.Errors)
	// ...but the lifetime accumulators saw all 10.
	assert.Equal(t, int64(10), tracker.Stats().Errors)

	// Age-based eviction drains the window without touching accumulators.
	clock.Advance(2 * time.Minute)
	since = tracker.StatsSince(clock.Now().Add(-time.Hour))
	assert.Equal(t, int64(0), since.Errors)
	assert.Equal(t, int64(10), tracker.Stats().Errors)
}

func TestTrackerStatsSinceWindow(t *testing.T) {
	t.Parallel()

	clock := clocktest.NewFakeClock()
	tracker := track.New(track.WithClock(clock))

	early := tracker.Begin("test.method")
	tracker.RecordAttempt(early, track.OutcomeSuccess, 10*time.Millisecond)

	clock.Advance(30 * time.Second)
	cutoff := clock.Now()

	late := tracker.Begin("test.method")
	tracker.RecordAttempt(late, track.OutcomeError, 20*time.Millisecond)

	since := tracker.StatsSince(cutoff)
	assert.Equal(t, int64(0), since.Successes)
	assert.Equal(t, int64(1), since.Errors)
	assert.Equal(t, 20*time.Millisecond, since.AverageDuration)
}

func TestTrackerConcurrentUse(t *testing.T) {
	t.Parallel()

	tracker := track.New()
	var waitGroup sync.WaitGroup
	for i := 0; i < 50; i++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			for j := 0; j < 20; j++ {
				id := tracker.Begin("test.method")
				tracker.RecordAttempt(id, track.OutcomePending, 0)
				tracker.RecordAttempt(id, track.OutcomeSuccess, time.Millisecond)
			}
		}()
	}
	waitGroup.Wait()

	stats := tracker.Stats()
	assert.Equal(t, int64(1000), stats.Issued)
	assert.Equal(t, int64(1000), stats.Successes)
	assert.Equal(t, int64(0), stats.Pending)
}
