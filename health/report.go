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
	"fmt"

	"github.com/bufbuild/jrpc/pool"
	"github.com/bufbuild/jrpc/track"
)

// Thresholds tune how pool and call statistics map onto health states.
// They are deployment configuration, not constants: a client behind an
// aggressive autoscaler will want different utilization bounds than one
// with a fixed backend.
type Thresholds struct {
	// DegradedUtilization and UnhealthyUtilization bound the ratio of
	// active connections to the pool cap.
	DegradedUtilization  float64
	UnhealthyUtilization float64
	// DegradedFaults and UnhealthyFaults bound the combined count of
	// connection timeouts and errors.
	DegradedFaults  int64
	UnhealthyFaults int64
	// DegradedFailureRate and UnhealthyFailureRate bound the fraction of
	// resolved calls that ended in error or timeout.
	DegradedFailureRate  float64
	UnhealthyFailureRate float64
}

// DefaultThresholds returns the thresholds used when the client is not
// configured otherwise.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DegradedUtilization:  0.80,
		UnhealthyUtilization: 0.95,
		DegradedFaults:       10,
		UnhealthyFaults:      50,
		DegradedFailureRate:  0.20,
		UnhealthyFailureRate: 0.50,
	}
}

// ClassifyPool maps a pool snapshot onto a health state. It is a pure
// function of its inputs.
func ClassifyPool(stats pool.Stats, t Thresholds) State {
	ratio := stats.Utilization()
	faults := stats.Faults()
	switch {
	case ratio >= t.UnhealthyUtilization || faults >= t.UnhealthyFaults:
		return StateUnhealthy
	case ratio >= t.DegradedUtilization || faults >= t.DegradedFaults:
		return StateDegraded
	default:
		return StateHealthy
	}
}

// ClassifyCalls maps rolling call aggregates onto a health state. It is a
// pure function of its inputs.
func ClassifyCalls(aggs track.Aggregates, t Thresholds) State {
	rate := aggs.FailureRate()
	switch {
	case rate >= t.UnhealthyFailureRate:
		return StateUnhealthy
	case rate >= t.DegradedFailureRate:
		return StateDegraded
	default:
		return StateHealthy
	}
}

// Report is a composite view of client health, rebuilt from current state
// on every query.
type Report struct {
	// Status is the worst of the probe, pool, and call-stats states.
	Status State
	// Probe is the latest probe result that contributed to Status.
	Probe ProbeResult
	// Pool is the pool snapshot that contributed to Status.
	Pool pool.Stats
	// Calls are the call aggregates that contributed to Status.
	Calls track.Aggregates
	// Recommendations holds one human-readable suggestion per signal that
	// was degraded or unhealthy. Empty when Status is healthy.
	Recommendations []string
}

// Monitor composes probe results with pool and correlator statistics into
// health reports.
type Monitor struct {
	prober     *Prober
	thresholds Thresholds
	poolStats  func() pool.Stats
	callStats  func() track.Aggregates
}

// NewMonitor creates a Monitor that probes through the given Prober and
// reads statistics through the two snapshot functions.
func NewMonitor(prober *Prober, thresholds Thresholds, poolStats func() pool.Stats, callStats func() track.Aggregates) *Monitor {
	return &Monitor{
		prober:     prober,
		thresholds: thresholds,
		poolStats:  poolStats,
		callStats:  callStats,
	}
}

// Check issues one probe (subject to the prober's throttle) and returns
// its result. It never returns an error.
func (m *Monitor) Check(ctx context.Context) ProbeResult {
	return m.prober.Check(ctx)
}

// Report probes the remote (subject to the prober's throttle), snapshots
// pool and call statistics, and combines the three signals with a
// worst-of rule. A probe that has never run counts as unknown, which is
// worse than healthy but better than degraded, so a fresh client with no
// traffic reports unknown rather than healthy.
func (m *Monitor) Report(ctx context.Context) *Report {
	probe := m.prober.Check(ctx)
	poolStats := m.poolStats()
	callAggs := m.callStats()

	poolState := ClassifyPool(poolStats, m.thresholds)
	callState := ClassifyCalls(callAggs, m.thresholds)
	overall := Worst(probe.Status, Worst(poolState, callState))

	report := &Report{
		Status: overall,
		Probe:  probe,
		Pool:   poolStats,
		Calls:  callAggs,
	}
	if probe.Status == StateUnhealthy {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("remote status probe failing (%s) - verify the backend is reachable", probe.Detail))
	}
	if poolState >= StateDegraded {
		report.Recommendations = append(report.Recommendations, poolRecommendation(poolStats, m.thresholds))
	}
	if callState >= StateDegraded {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("%.0f%% of recent calls failed or timed out - inspect backend logs and consider backing off", callAggs.FailureRate()*100))
	}
	return report
}

func poolRecommendation(stats pool.Stats, t Thresholds) string {
	if stats.Utilization() >= t.DegradedUtilization {
		return fmt.Sprintf("connection pool at %.0f%% of its %d-connection cap - consider raising the maximum",
			stats.Utilization()*100, stats.MaxConnections)
	}
	return fmt.Sprintf("%d connection faults observed (%d timeouts, %d errors) - check network path to the backend",
		stats.Faults(), stats.Timeouts, stats.Errors)
}
