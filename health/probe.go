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

package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bufbuild/jrpc/internal"
	"golang.org/x/time/rate"
)

const (
	// DefaultProbePath is the status path probed on the remote origin.
	DefaultProbePath = "/health"
	// DefaultProbeTimeout bounds a single probe round trip.
	DefaultProbeTimeout = 5 * time.Second
	// DefaultProbeMinInterval is the shortest spacing between real probes;
	// checks requested inside the window are served the cached result.
	DefaultProbeMinInterval = 1 * time.Second
	// probeBodyLimit caps how much of a status response is read.
	probeBodyLimit = 64 << 10
)

// ProbeResult is the outcome of one health probe against the remote
// origin. A probe never fails as a Go error; failure is encoded in Status
// and Detail.
type ProbeResult struct {
	// Status is StateHealthy or StateUnhealthy; probes have no middle
	// ground. StateUnknown means no probe has run yet.
	Status State
	// Latency is the probe round-trip time.
	Latency time.Duration
	// CheckedAt is when the probe completed.
	CheckedAt time.Time
	// RemoteVersion is the version string the remote reported, if any.
	RemoteVersion string
	// Detail describes the failure when Status is StateUnhealthy.
	Detail string
}

// Prober issues lightweight GET probes against a status path on the remote
// origin. Probes are rate limited: within the configured minimum interval,
// Check returns the previous result instead of touching the network, so
// callers can invoke it on every health query without hammering the remote.
type Prober struct {
	url        string
	httpClient *http.Client
	clock      internal.Clock
	limiter    *rate.Limiter

	mu sync.Mutex
	// +checklocks:mu
	last ProbeResult
}

// ProberConfig configures a Prober. Zero values fall back to the defaults
// above.
type ProberConfig struct {
	// Path is the status path on the remote origin.
	Path string
	// Timeout bounds a single probe round trip.
	Timeout time.Duration
	// MinInterval is the shortest spacing between real probes. A negative
	// value disables the throttle.
	MinInterval time.Duration
	// Transport overrides the probe's HTTP transport.
	Transport http.RoundTripper
	// Clock overrides the time source; tests substitute a fake clock.
	Clock internal.Clock
}

// NewProber creates a Prober for the origin "scheme://hostPort".
func NewProber(scheme, hostPort string, cfg ProberConfig) *Prober {
	if cfg.Path == "" {
		cfg.Path = DefaultProbePath
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultProbeTimeout
	}
	if cfg.MinInterval == 0 {
		cfg.MinInterval = DefaultProbeMinInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = internal.NewRealClock()
	}
	if scheme == "h2c" {
		scheme = "http"
	}
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	return &Prober{
		url:        fmt.Sprintf("%s://%s%s", scheme, hostPort, cfg.Path),
		httpClient: &http.Client{Transport: cfg.Transport, Timeout: cfg.Timeout},
		clock:      cfg.Clock,
		limiter:    rate.NewLimiter(limit, 1),
	}
}

// statusBody is the JSON shape the status path is expected to return.
// Both fields are optional.
type statusBody struct {
	Version string `json:"version"`
	Status  string `json:"status"`
}

// Check performs one probe, or returns the cached result if a probe ran
// within the minimum interval. It never returns an error: any failure is
// reported as an unhealthy ProbeResult.
func (p *Prober) Check(ctx context.Context) ProbeResult {
	if !p.limiter.Allow() {
		p.mu.Lock()
		last := p.last
		p.mu.Unlock()
		if last.Status != StateUnknown {
			return last
		}
	}

	result := p.probe(ctx)
	p.mu.Lock()
	p.last = result
	p.mu.Unlock()
	return result
}

// Last returns the most recent probe result without probing. The zero
// result (StateUnknown) means no probe has run yet.
func (p *Prober) Last() ProbeResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *Prober) probe(ctx context.Context) ProbeResult {
	start := p.clock.Now()
	result := ProbeResult{Status: StateUnhealthy}
	defer func() {
		result.Latency = p.clock.Since(start)
		result.CheckedAt = p.clock.Now()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		result.Detail = fmt.Sprintf("building probe request: %v", err)
		return result
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		result.Detail = fmt.Sprintf("probe request failed: %v", err)
		return result
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Detail = fmt.Sprintf("probe returned HTTP %d", resp.StatusCode)
		return result
	}

	result.Status = StateHealthy
	var body statusBody
	if data, err := io.ReadAll(io.LimitReader(resp.Body, probeBodyLimit)); err == nil {
		// The body is informational only; a non-JSON 200 is still healthy.
		if json.Unmarshal(data, &body) == nil {
			result.RemoteVersion = body.Version
		}
	}
	return result
}
