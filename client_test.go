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

package jrpc_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bufbuild/jrpc"
	"github.com/bufbuild/jrpc/health"
	"github.com/bufbuild/jrpc/internal/rpctesting"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientRejectsBadTargets(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		target string
	}{
		{name: "unsupported scheme", target: "ftp://example.com"},
		{name: "no host", target: "http://"},
		{name: "unparseable", target: "http://bad url with spaces"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			_, err := jrpc.NewClient(testCase.target)
			assert.Error(t, err)
		})
	}
}

func TestNewClientAcceptsH2C(t *testing.T) {
	t.Parallel()

	client, err := jrpc.NewClient("h2c://localhost:8080/rpc")
	require.NoError(t, err)
	require.NoError(t, client.Close(context.Background()))
}

func TestClientCloseRejectsNewCalls(t *testing.T) {
	t.Parallel()

	server := rpctesting.NewServer()
	t.Cleanup(server.Close)
	server.Handle("ping", func(_ json.RawMessage) (any, *rpctesting.WireError) {
		return "pong", nil
	})

	client, err := jrpc.NewClient(server.URL)
	require.NoError(t, err)

	_, err = client.Call(context.Background(), "ping", nil, "")
	require.NoError(t, err)

	require.NoError(t, client.Close(context.Background()))

	_, err = client.Call(context.Background(), "ping", nil, "")
	typed, ok := jrpc.AsError(err)
	require.True(t, ok)
	assert.Equal(t, jrpc.KindValidation, typed.Kind)
	assert.Contains(t, typed.Message, "closed")

	_, err = client.CallBatch(context.Background(), []jrpc.BatchRequest{{Method: "ping"}}, "")
	assert.Equal(t, jrpc.KindValidation, jrpc.KindOf(err))

	// Close is idempotent.
	require.NoError(t, client.Close(context.Background()))
}

func TestClientDefaultTimeout(t *testing.T) {
	t.Parallel()

	server := rpctesting.NewServer()
	t.Cleanup(server.Close)
	server.Handle("slow", func(_ json.RawMessage) (any, *rpctesting.WireError) {
		time.Sleep(500 * time.Millisecond)
		return "done", nil
	})

	client := newTestClient(t, server.URL, jrpc.WithDefaultTimeout(50*time.Millisecond))
	_, err := client.Call(context.Background(), "slow", nil, "")
	assert.Equal(t, jrpc.KindTimeout, jrpc.KindOf(err))
}

func TestClientStatsSurfaces(t *testing.T) {
	t.Parallel()

	server := rpctesting.NewServer()
	t.Cleanup(server.Close)
	server.Handle("ping", func(_ json.RawMessage) (any, *rpctesting.WireError) {
		return "pong", nil
	})

	before := time.Now()
	client := newTestClient(t, server.URL, jrpc.WithMaxConnections(3))
	for i := 0; i < 4; i++ {
		_, err := client.Call(context.Background(), "ping", nil, "")
		require.NoError(t, err)
	}

	connStats := client.ConnectionStats()
	assert.Equal(t, int64(3), connStats.MaxConnections)
	assert.Equal(t, int64(0), connStats.Active)
	assert.GreaterOrEqual(t, connStats.Idle, int64(1))

	callStats := client.CallStats()
	assert.Equal(t, int64(4), callStats.Issued)
	assert.Equal(t, int64(4), callStats.Successes)

	windowed := client.CallStatsSince(before)
	assert.Equal(t, int64(4), windowed.Successes)
	empty := client.CallStatsSince(time.Now().Add(time.Hour))
	assert.Equal(t, int64(0), empty.Resolved())
}

func TestClientHealth(t *testing.T) {
	t.Parallel()

	server := rpctesting.NewServer()
	t.Cleanup(server.Close)
	server.Handle("ping", func(_ json.RawMessage) (any, *rpctesting.WireError) {
		return "pong", nil
	})

	client := newTestClient(t, server.URL, jrpc.WithProbeMinInterval(-1))

	probe := client.CheckHealth(context.Background())
	assert.Equal(t, health.StateHealthy, probe.Status)
	assert.Equal(t, "1.2.3", probe.RemoteVersion)

	_, err := client.Call(context.Background(), "ping", nil, "")
	require.NoError(t, err)

	report := client.HealthReport(context.Background())
	assert.Equal(t, health.StateHealthy, report.Status)
	assert.Empty(t, report.Recommendations)
	assert.True(t, client.IsHealthy(context.Background()))
}

func TestClientHealthUnreachableBackend(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, "http://127.0.0.1:1",
		jrpc.WithProbeMinInterval(-1),
		jrpc.WithProbeTimeout(time.Second),
	)

	probe := client.CheckHealth(context.Background())
	assert.Equal(t, health.StateUnhealthy, probe.Status)
	assert.False(t, client.IsHealthy(context.Background()))

	report := client.HealthReport(context.Background())
	assert.Equal(t, health.StateUnhealthy, report.Status)
	require.NotEmpty(t, report.Recommendations)
	assert.Contains(t, report.Recommendations[0], "probe failing")
}

func TestClientCustomProbePath(t *testing.T) {
	t.Parallel()

	server := rpctesting.NewServer()
	t.Cleanup(server.Close)
	server.HealthPath = "/status"

	client := newTestClient(t, server.URL,
		jrpc.WithProbePath("/status"),
		jrpc.WithProbeMinInterval(-1),
	)
	probe := client.CheckHealth(context.Background())
	assert.Equal(t, health.StateHealthy, probe.Status)
}
