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

// Package track correlates in-flight RPC calls with their responses and
// keeps bounded rolling statistics about completed ones. Every outgoing
// call is assigned a unique correlation id; the tracker is the single
// owner of each call's lifecycle record from Begin until resolution.
package track

import (
	"sync"
	"time"

	"github.com/bufbuild/jrpc/internal"
	"github.com/google/uuid"
)

// Outcome is the terminal (or pending) state of a tracked call.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeSuccess
	OutcomeError
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeSuccess:
		return "success"
	case OutcomeError:
		return "error"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

const (
	// DefaultMaxAge is how long a resolved record stays queryable via
	// StatsSince before being evicted.
	DefaultMaxAge = 5 * time.Minute
	// DefaultMaxRecords caps the number of retained resolved records.
	DefaultMaxRecords = 1000
)

// Tracker assigns correlation ids and records call lifecycles. It is safe
// for concurrent use; all internal state is serialized behind one mutex.
//
// Aggregate counters are monotonic accumulators: a resolved call is folded
// into them once, at resolution, so evicting its raw record later never
// changes the totals.
type Tracker struct {
	clock      internal.Clock
	maxAge     time.Duration
	maxRecords int

	mu sync.Mutex
	// +checklocks:mu
	pending map[string]*record
	// +checklocks:mu
	resolved []resolvedRecord
	// +checklocks:mu
	agg Aggregates
	// +checklocks:mu
	totalDuration time.Duration
	// +checklocks:mu
	completed int64
}

type record struct {
	method   string
	started  time.Time
	attempts int
}

type resolvedRecord struct {
	method     string
	outcome    Outcome
	duration   time.Duration
	attempts   int
	resolvedAt time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock substitutes the clock used for timestamps and retention. Tests
// use this with a fake clock.
func WithClock(clock internal.Clock) Option {
	return func(t *Tracker) {
		t.clock = clock
	}
}

// WithRetention bounds the window of retained resolved records by age and
// count. Non-positive values keep the defaults.
func WithRetention(maxAge time.Duration, maxRecords int) Option {
	return func(t *Tracker) {
		if maxAge > 0 {
			t.maxAge = maxAge
		}
		if maxRecords > 0 {
			t.maxRecords = maxRecords
		}
	}
}

// New creates a Tracker with the given options.
func New(opts ...Option) *Tracker {
	tracker := &Tracker{
		clock:      internal.NewRealClock(),
		maxAge:     DefaultMaxAge,
		maxRecords: DefaultMaxRecords,
		pending:    map[string]*record{},
	}
	for _, opt := range opts {
		opt(tracker)
	}
	return tracker
}

// Begin registers a new call for the given method and returns its
// correlation id. The id is unique among all calls, in flight or not.
func (t *Tracker) Begin(method string) string {
	id := uuid.NewString()
	t.mu.Lock()
	t.pending[id] = &record{method: method, started: t.clock.Now(), attempts: 0}
	t.agg.Issued++
	t.agg.Pending++
	t.mu.Unlock()
	return id
}

// RecordAttempt updates the call's lifecycle record. OutcomePending marks
// the start of another transport attempt and only bumps the attempt count;
// any other outcome resolves the call, folds it into the aggregates, and
// removes it from active tracking. A non-positive duration means "measure
// from Begin". Updates for unknown ids are ignored, as they can only
// arrive after the call was already resolved.
func (t *Tracker) RecordAttempt(id string, outcome Outcome, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.pending[id]
	if !ok {
		return
	}
	if outcome == OutcomePending {
		rec.attempts++
		return
	}

	if duration <= 0 {
		duration = t.clock.Since(rec.started)
	}
	delete(t.pending, id)
	t.agg.Pending--
	switch outcome {
	case OutcomeSuccess:
		t.agg.Successes++
	case OutcomeError:
		t.agg.Errors++
	case OutcomeTimeout:
		t.agg.Timeouts++
	}
	if rec.attempts > t.agg.MaxAttempts {
		t.agg.MaxAttempts = rec.attempts
	}
	t.completed++
	t.totalDuration += duration
	if t.completed > 0 {
		t.agg.AverageDuration = t.totalDuration / time.Duration(t.completed)
	}

	t.resolved = append(t.resolved, resolvedRecord{
		method:     rec.method,
		outcome:    outcome,
		duration:   duration,
		attempts:   rec.attempts,
		resolvedAt: t.clock.Now(),
	})
	t.evictLocked()
}

// Outstanding reports whether the given correlation id belongs to a call
// that has not yet been resolved.
func (t *Tracker) Outstanding(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}

// Stats returns the lifetime aggregates. The counters are monotonic and
// unaffected by eviction of raw records.
func (t *Tracker) Stats() Aggregates {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictLocked()
	return t.agg
}

// StatsSince recomputes aggregates from the raw records resolved at or
// after the given time, plus currently pending calls. The result only
// covers what the retention window still holds.
func (t *Tracker) StatsSince(since time.Time) Aggregates {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictLocked()

	agg := Aggregates{Pending: int64(len(t.pending))}
	var total time.Duration
	var count int64
	for _, rec := range t.resolved {
		if rec.resolvedAt.Before(since) {
			continue
		}
		switch rec.outcome {
		case OutcomeSuccess:
			agg.Successes++
		case OutcomeError:
			agg.Errors++
		case OutcomeTimeout:
			agg.Timeouts++
		}
		if rec.attempts > agg.MaxAttempts {
			agg.MaxAttempts = rec.attempts
		}
		total += rec.duration
		count++
	}
	agg.Issued = agg.Pending + count
	if count > 0 {
		agg.AverageDuration = total / time.Duration(count)
	}
	return agg
}

// +checklocks:t.mu
func (t *Tracker) evictLocked() {
	cutoff := t.clock.Now().Add(-t.maxAge)
	idx := 0
	for idx < len(t.resolved) && t.resolved[idx].resolvedAt.Before(cutoff) {
		idx++
	}
	if overflow := len(t.resolved) - idx - t.maxRecords; overflow > 0 {
		idx += overflow
	}
	if idx > 0 {
		t.resolved = append([]resolvedRecord(nil), t.resolved[idx:]...)
	}
}

// Aggregates are rolling call statistics. When produced by Stats they are
// lifetime totals; when produced by StatsSince they cover the requested
// slice of the retention window.
type Aggregates struct {
	// Issued counts calls handed a correlation id.
	Issued int64
	// Pending counts calls not yet resolved.
	Pending int64
	// Successes, Errors and Timeouts count resolved calls by outcome.
	Successes int64
	Errors    int64
	Timeouts  int64
	// AverageDuration is the mean wall time of resolved calls.
	AverageDuration time.Duration
	// MaxAttempts is the highest transport attempt count observed for any
	// single resolved call.
	MaxAttempts int
}

// Resolved returns the number of calls that reached a terminal outcome.
func (a Aggregates) Resolved() int64 {
	return a.Successes + a.Errors + a.Timeouts
}

// FailureRate returns the fraction of resolved calls that ended in error
// or timeout, in [0, 1]. It returns 0 when nothing has resolved yet.
func (a Aggregates) FailureRate() float64 {
	resolved := a.Resolved()
	if resolved == 0 {
		return 0
	}
	return float64(a.Errors+a.Timeouts) / float64(resolved)
}
