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

package jrpc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/bufbuild/jrpc/health"
	"github.com/bufbuild/jrpc/internal"
	"github.com/bufbuild/jrpc/pool"
	"github.com/bufbuild/jrpc/retry"
	"github.com/bufbuild/jrpc/track"
)

var errClientClosed = errors.New("client is closed")

// Client invokes JSON-RPC 2.0 procedures on a single remote origin over
// HTTP. It owns a bounded connection pool, retries transient failures with
// exponential backoff, correlates concurrent in-flight calls, and derives
// an on-demand health signal from pool and call statistics.
//
// A Client is safe for concurrent use. Calls against the same client share
// the pool; there is no ordering relationship between independent calls.
type Client struct {
	target  *url.URL
	rpcURL  string
	pool    *pool.Pool
	policy  retry.Policy
	tracker *track.Tracker
	monitor *health.Monitor
	clock   internal.Clock

	defaultTimeout time.Duration

	// +checkatomic
	closed atomic.Bool
}

// ClientOption is an option used to customize the behavior of a Client.
type ClientOption interface {
	apply(*clientOptions)
}

type clientOptionFunc func(*clientOptions)

func (f clientOptionFunc) apply(opts *clientOptions) {
	f(opts)
}

// WithMaxConnections bounds the connection pool. Calls beyond the bound
// queue inside the pool until a connection frees up or their deadline
// expires. The default is pool.DefaultMaxConnections.
func WithMaxConnections(limit int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.maxConnections = limit
	})
}

// WithDialer configures the function used to establish network
// connections. If not provided, a default dialer with a 30-second timeout
// and TCP keep-alive is used.
func WithDialer(dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.transport.DialFunc = dialFunc
	})
}

// WithTLSConfig adds custom TLS configuration, used when the target origin
// is "https". The timeout applies to the TLS handshake step.
func WithTLSConfig(config *tls.Config, handshakeTimeout time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.transport.TLSClientConfig = config
		opts.transport.TLSHandshakeTimeout = handshakeTimeout
	})
}

// WithIdleConnectionTimeout expires idle network connections behind a
// pooled connection. Configure this below any idle limit enforced by the
// backend or intermediaries, so the client never picks up a connection the
// server is concurrently closing.
func WithIdleConnectionTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.transport.IdleConnTimeout = duration
	})
}

// WithMaxResponseHeaderBytes limits the size of response headers. The
// default is 1 MB.
func WithMaxResponseHeaderBytes(limit int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.transport.MaxResponseHeaderBytes = int64(limit)
	})
}

// WithTransportFactory overrides how transports for pooled connections are
// created. Mainly useful for tests.
func WithTransportFactory(factory pool.Factory) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.transport.Factory = factory
	})
}

// WithDefaultTimeout applies the given timeout to calls whose context has
// no deadline of its own. A context deadline, or a per-call option, takes
// precedence.
func WithDefaultTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.defaultTimeout = duration
	})
}

// WithMaxRetries sets how many times a failed attempt may be re-attempted,
// so a call makes at most limit+1 attempts. Only transient failures are
// re-attempted; see the Kind taxonomy. The default is
// retry.DefaultMaxRetries.
func WithMaxRetries(limit int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.maxRetries = &limit
	})
}

// WithBackoff configures the exponential backoff between attempts: the
// wait before re-attempt n is min(base * 2^(n-1), capDelay).
func WithBackoff(base, capDelay time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.policy.BaseDelay = base
		opts.policy.MaxDelay = capDelay
	})
}

// WithHealthThresholds tunes how pool and call statistics are classified
// in health reports.
func WithHealthThresholds(thresholds health.Thresholds) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.thresholds = &thresholds
	})
}

// WithProbePath sets the status path probed on the remote origin. The
// default is health.DefaultProbePath.
func WithProbePath(path string) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.probe.Path = path
	})
}

// WithProbeTimeout bounds a single health probe round trip.
func WithProbeTimeout(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.probe.Timeout = duration
	})
}

// WithProbeMinInterval sets the shortest spacing between real probes;
// health checks requested inside the window are served the cached result.
// A negative value disables the throttle.
func WithProbeMinInterval(duration time.Duration) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.probe.MinInterval = duration
	})
}

// WithRetention bounds the correlator's window of resolved call records by
// age and count. Aggregate counters are unaffected; only the raw records
// backing StatsSince queries are evicted.
func WithRetention(maxAge time.Duration, maxRecords int) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.retentionAge = maxAge
		opts.retentionCount = maxRecords
	})
}

// WithClock substitutes the client's time source. Tests use this with a
// fake clock to drive backoff waits deterministically.
func WithClock(clock internal.Clock) ClientOption {
	return clientOptionFunc(func(opts *clientOptions) {
		opts.clock = clock
	})
}

type clientOptions struct {
	maxConnections int
	transport      pool.TransportOptions
	maxRetries     *int
	policy         retry.Policy
	defaultTimeout time.Duration
	thresholds     *health.Thresholds
	probe          health.ProberConfig
	retentionAge   time.Duration
	retentionCount int
	clock          internal.Clock
}

func (opts *clientOptions) applyDefaults() {
	if opts.maxRetries != nil {
		opts.policy.MaxRetries = *opts.maxRetries
	} else {
		opts.policy.MaxRetries = retry.DefaultMaxRetries
	}
	if opts.policy.BaseDelay == 0 {
		opts.policy.BaseDelay = retry.DefaultBaseDelay
	}
	if opts.policy.MaxDelay == 0 {
		opts.policy.MaxDelay = retry.DefaultMaxDelay
	}
	if opts.thresholds == nil {
		defaults := health.DefaultThresholds()
		opts.thresholds = &defaults
	}
	if opts.clock == nil {
		opts.clock = internal.NewRealClock()
	}
}

// NewClient creates a Client for the given target URL. The URL's scheme
// must be "http", "https", or "h2c" (HTTP/2 over plain text); its path, if
// any, is where call envelopes are POSTed.
func NewClient(targetURL string, options ...ClientOption) (*Client, error) {
	target, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("parsing target URL: %w", err)
	}
	switch target.Scheme {
	case "http", "https", "h2c":
	default:
		return nil, fmt.Errorf("unsupported URL scheme %q", target.Scheme)
	}
	if target.Host == "" {
		return nil, fmt.Errorf("target URL %q has no host", targetURL)
	}

	var opts clientOptions
	for _, opt := range options {
		opt.apply(&opts)
	}
	opts.applyDefaults()

	connPool := pool.New(target.Scheme, target.Host, opts.maxConnections, opts.transport)

	var trackOpts []track.Option
	if opts.clock != nil {
		trackOpts = append(trackOpts, track.WithClock(opts.clock))
	}
	if opts.retentionAge > 0 || opts.retentionCount > 0 {
		trackOpts = append(trackOpts, track.WithRetention(opts.retentionAge, opts.retentionCount))
	}
	tracker := track.New(trackOpts...)

	probeCfg := opts.probe
	probeCfg.Clock = opts.clock
	prober := health.NewProber(target.Scheme, target.Host, probeCfg)

	client := &Client{
		target:         target,
		rpcURL:         rpcURLFor(target),
		pool:           connPool,
		policy:         opts.policy,
		tracker:        tracker,
		clock:          opts.clock,
		defaultTimeout: opts.defaultTimeout,
	}
	client.monitor = health.NewMonitor(prober, *opts.thresholds, connPool.Stats, tracker.Stats)
	return client, nil
}

func rpcURLFor(target *url.URL) string {
	scheme := target.Scheme
	if scheme == "h2c" {
		// The pooled transport rewrites the scheme; the envelope URL just
		// needs to parse as plain HTTP.
		scheme = "http"
	}
	u := url.URL{Scheme: scheme, Host: target.Host, Path: target.Path}
	return u.String()
}

// ConnectionStats returns a point-in-time snapshot of the connection pool.
func (c *Client) ConnectionStats() pool.Stats {
	return c.pool.Stats()
}

// CallStats returns the correlator's lifetime call aggregates.
func (c *Client) CallStats() track.Aggregates {
	return c.tracker.Stats()
}

// CallStatsSince returns call aggregates recomputed from the records still
// inside the retention window that resolved at or after the given time.
func (c *Client) CallStatsSince(since time.Time) track.Aggregates {
	return c.tracker.StatsSince(since)
}

// CheckHealth issues one probe against the remote origin's status path
// (subject to the probe throttle). It never returns an error: probe
// failure is reported inside the result.
func (c *Client) CheckHealth(ctx context.Context) health.ProbeResult {
	return c.monitor.Check(ctx)
}

// HealthReport combines the latest probe, the pool snapshot, and the call
// aggregates into a composite report with recommendations. The report is
// rebuilt from current state on every query.
func (c *Client) HealthReport(ctx context.Context) *health.Report {
	return c.monitor.Report(ctx)
}

// IsHealthy is a convenience gate for caller-side circuit breaking: it
// reports whether the composite health status is anything better than
// unhealthy. Callers wanting finer distinctions should inspect
// HealthReport directly.
func (c *Client) IsHealthy(ctx context.Context) bool {
	return c.monitor.Report(ctx).Status != health.StateUnhealthy
}

// Close shuts the client down. The transition is one-way: new calls are
// rejected immediately, in-flight calls may drain until the context's
// deadline, and whatever remains afterwards is force-closed. Close is
// idempotent.
func (c *Client) Close(ctx context.Context) error {
	c.closed.Store(true)
	return c.pool.Close(ctx)
}

func (c *Client) isClosed() bool {
	return c.closed.Load()
}

// applyTimeout attaches the client's default timeout when the incoming
// context carries no deadline and no per-call override was given.
func (c *Client) applyTimeout(ctx context.Context, override time.Duration) (context.Context, context.CancelFunc) {
	if override > 0 {
		return context.WithTimeout(ctx, override)
	}
	if c.defaultTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			return context.WithTimeout(ctx, c.defaultTimeout)
		}
	}
	return ctx, func() {}
}
