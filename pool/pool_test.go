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

package pool_test

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bufbuild/jrpc/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFactory struct {
	created atomic.Int64
	closed  atomic.Int64
}

func (f *fakeFactory) New(_, _ string, _ pool.TransportOptions) pool.Result {
	f.created.Add(1)
	return pool.Result{
		RoundTripper: http.NewFileTransport(http.Dir(".")),
		Close:        func() { f.closed.Add(1) },
	}
}

func newTestPool(maxConns int, factory pool.Factory) *pool.Pool {
	return pool.New("http", "127.0.0.1:0", maxConns, pool.TransportOptions{Factory: factory})
}

func TestPoolAcquireRelease(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	connPool := newTestPool(4, factory)
	ctx := context.Background()

	conn, err := connPool.Acquire(ctx)
	require.NoError(t, err)

	stats := connPool.Stats()
	assert.Equal(t, int64(1), stats.Active)
	assert.Equal(t, int64(0), stats.Idle)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(4), stats.MaxConnections)

	connPool.Release(conn, false)
	stats = connPool.Stats()
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, int64(1), stats.Idle)
	assert.Equal(t, int64(1), stats.Total)

	// The idle connection is reused rather than a new one created.
	again, err := connPool.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, conn, again)
	assert.Equal(t, int64(1), factory.created.Load())
	connPool.Release(again, false)
}

func TestPoolDamagedConnectionDiscarded(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	connPool := newTestPool(4, factory)
	ctx := context.Background()

	conn, err := connPool.Acquire(ctx)
	require.NoError(t, err)
	connPool.Release(conn, true)

	stats := connPool.Stats()
	assert.Equal(t, int64(0), stats.Idle)
	assert.Equal(t, int64(0), stats.Total)
	assert.Equal(t, int64(1), stats.Errors)
	assert.Equal(t, int64(1), factory.closed.Load())

	// The next acquire gets a fresh connection.
	conn, err = connPool.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), factory.created.Load())
	connPool.Release(conn, false)
}

func TestPoolEnforcesMaxConnections(t *testing.T) {
	t.Parallel()

	const maxConns = 8
	factory := &fakeFactory{}
	connPool := newTestPool(maxConns, factory)
	ctx := context.Background()

	var maxActive atomic.Int64
	var waitGroup sync.WaitGroup
	for i := 0; i < 100; i++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			conn, err := connPool.Acquire(ctx)
			if !assert.NoError(t, err) {
				return
			}
			active := connPool.Stats().Active
			for {
				observed := maxActive.Load()
				if active <= observed || maxActive.CompareAndSwap(observed, active) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			connPool.Release(conn, false)
		}()
	}
	waitGroup.Wait()

	assert.LessOrEqual(t, maxActive.Load(), int64(maxConns))
	stats := connPool.Stats()
	assert.Equal(t, int64(0), stats.Active)
	assert.LessOrEqual(t, stats.Total, int64(maxConns))
}

func TestPoolAcquireTimeout(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	connPool := newTestPool(1, factory)
	ctx := context.Background()

	conn, err := connPool.Acquire(ctx)
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = connPool.Acquire(shortCtx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), connPool.Stats().Timeouts)

	connPool.Release(conn, false)
}

func TestPoolClose(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	connPool := newTestPool(2, factory)
	ctx := context.Background()

	conn, err := connPool.Acquire(ctx)
	require.NoError(t, err)
	idleConn, err := connPool.Acquire(ctx)
	require.NoError(t, err)
	connPool.Release(idleConn, false)

	done := make(chan error, 1)
	go func() {
		done <- connPool.Close(ctx)
	}()

	// New acquires are rejected immediately once close has begun.
	assert.Eventually(t, func() bool {
		_, err := connPool.Acquire(ctx)
		return err != nil
	}, time.Second, 5*time.Millisecond)

	// Close waits for the in-flight lease to drain.
	select {
	case <-done:
		t.Fatal("close returned while a connection was still leased")
	case <-time.After(50 * time.Millisecond):
	}

	connPool.Release(conn, false)
	require.NoError(t, <-done)
	assert.Equal(t, int64(2), factory.closed.Load())

	_, err = connPool.Acquire(ctx)
	assert.ErrorIs(t, err, pool.ErrClosed)
}

func TestPoolCloseGraceDeadline(t *testing.T) {
	t.Parallel()

	factory := &fakeFactory{}
	connPool := newTestPool(1, factory)

	conn, err := connPool.Acquire(context.Background())
	require.NoError(t, err)

	graceCtx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = connPool.Close(graceCtx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	// The straggler was force-closed.
	assert.Equal(t, int64(1), factory.closed.Load())

	connPool.Release(conn, false)
}

func TestPoolCloseIdempotent(t *testing.T) {
	t.Parallel()

	connPool := newTestPool(1, &fakeFactory{})
	ctx := context.Background()
	require.NoError(t, connPool.Close(ctx))
	require.NoError(t, connPool.Close(ctx))
}
