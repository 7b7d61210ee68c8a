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

// Package pool provides a bounded set of reusable transport connections to
// a single remote origin. A connection is *logical*: each one wraps its own
// [http.RoundTripper], which may manage one or more physical sockets to the
// same address. The pool enforces a hard cap on concurrently leased
// connections and exposes a non-blocking stats snapshot for health
// classification by callers.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Acquire after the pool has been shut down.
var ErrClosed = errors.New("connection pool is closed")

// Pool manages reusable connections to one scheme://host:port origin.
//
// Capacity is enforced with a weighted semaphore: a caller that cannot be
// served immediately waits in Acquire and is visible in the Queued gauge
// until a connection frees up or its context expires.
type Pool struct {
	scheme   string
	hostPort string
	factory  Factory
	opts     TransportOptions
	maxConns int64
	sem      *semaphore.Weighted

	// Gauges and counters read by Stats without taking mu.
	queued   atomic.Int64
	active   atomic.Int64
	timeouts atomic.Int64
	connErrs atomic.Int64

	mu sync.Mutex
	// +checklocks:mu
	idle []*Conn
	// +checklocks:mu
	leased map[*Conn]struct{}
	// +checklocks:mu
	total int64
	// +checklocks:mu
	closed bool
}

// New creates a pool of at most maxConns connections to the given origin.
// If maxConns is not positive, DefaultMaxConnections is used. Connections
// are created lazily, on first demand.
func New(scheme, hostPort string, maxConns int, opts TransportOptions) *Pool {
	if maxConns <= 0 {
		maxConns = DefaultMaxConnections
	}
	factory := opts.Factory
	if factory == nil {
		factory = factoryForScheme(scheme)
	}
	return &Pool{
		scheme:   scheme,
		hostPort: hostPort,
		factory:  factory,
		opts:     opts,
		maxConns: int64(maxConns),
		sem:      semaphore.NewWeighted(int64(maxConns)),
		leased:   map[*Conn]struct{}{},
	}
}

// DefaultMaxConnections is the pool cap used when none is configured.
const DefaultMaxConnections = 16

// Acquire leases a connection from the pool, waiting if all connections are
// in use. The wait is bounded by the given context; expiry while queued is
// counted as a connection timeout. Acquire fails fast with ErrClosed once
// the pool has been shut down.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	p.queued.Add(1)
	err := p.sem.Acquire(ctx, 1)
	p.queued.Add(-1)
	if err != nil {
		p.timeouts.Add(1)
		return nil, fmt.Errorf("acquiring connection to %s://%s: %w", p.scheme, p.hostPort, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrClosed
	}
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.leased[conn] = struct{}{}
		p.mu.Unlock()
		p.active.Add(1)
		return conn, nil
	}
	p.mu.Unlock()

	result := p.factory.New(p.scheme, p.hostPort, p.opts)
	conn := &Conn{
		scheme:       result.Scheme,
		hostPort:     p.hostPort,
		roundTripper: result.RoundTripper,
		closeFunc:    result.Close,
	}
	p.mu.Lock()
	p.total++
	p.leased[conn] = struct{}{}
	p.mu.Unlock()
	p.active.Add(1)
	return conn, nil
}

// Release returns a leased connection to the pool. A connection whose last
// round trip failed at the transport level must be released as damaged: it
// is closed and discarded rather than reused, since the underlying socket
// state is suspect.
func (p *Pool) Release(conn *Conn, damaged bool) {
	p.active.Add(-1)
	if damaged {
		p.connErrs.Add(1)
	}

	p.mu.Lock()
	delete(p.leased, conn)
	discard := damaged || p.closed
	if discard {
		p.total--
	} else {
		p.idle = append(p.idle, conn)
	}
	p.mu.Unlock()

	if discard {
		conn.close()
	}
	p.sem.Release(1)
}

// Stats returns a point-in-time snapshot of pool state. It never blocks on
// in-flight round trips.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	idle := int64(len(p.idle))
	total := p.total
	p.mu.Unlock()
	return Stats{
		Active:         p.active.Load(),
		Idle:           idle,
		Total:          total,
		Queued:         p.queued.Load(),
		MaxConnections: p.maxConns,
		Timeouts:       p.timeouts.Load(),
		Errors:         p.connErrs.Load(),
	}
}

// Close shuts the pool down. The transition is one-way: subsequent Acquire
// calls fail with ErrClosed, idle connections are closed immediately, and
// in-flight connections are given until the context's deadline to drain.
// Whatever is still leased at that point is force-closed underneath its
// user, which surfaces as transport errors on those requests.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.total -= int64(len(idle))
	p.mu.Unlock()

	grp, _ := errgroup.WithContext(context.Background())
	for _, conn := range idle {
		conn := conn
		grp.Go(func() error {
			conn.close()
			return nil
		})
	}
	_ = grp.Wait()

	// Draining amounts to re-acquiring the full semaphore weight: once that
	// succeeds every lease has been released.
	if err := p.sem.Acquire(ctx, p.maxConns); err != nil {
		p.mu.Lock()
		remaining := make([]*Conn, 0, len(p.leased))
		for conn := range p.leased {
			remaining = append(remaining, conn)
		}
		p.mu.Unlock()
		for _, conn := range remaining {
			conn.close()
		}
		return fmt.Errorf("draining connection pool: %w", err)
	}
	p.sem.Release(p.maxConns)
	return nil
}
