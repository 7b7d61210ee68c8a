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

package pool

// Stats is a point-in-time snapshot of pool state. Counters are cumulative
// for the lifetime of the pool; gauges reflect the moment of the snapshot.
// Active+Idle <= Total <= MaxConnections holds, barring transient skew while
// a lease is changing hands.
type Stats struct {
	// Active is the number of connections currently leased out.
	Active int64
	// Idle is the number of connections sitting in the pool, ready for reuse.
	Idle int64
	// Total is the number of live connections, leased or idle.
	Total int64
	// Queued is the number of Acquire calls currently waiting for capacity.
	Queued int64
	// MaxConnections is the configured pool cap.
	MaxConnections int64
	// Timeouts counts Acquire waits abandoned because the caller's context
	// expired before capacity freed up.
	Timeouts int64
	// Errors counts connections discarded because their last round trip
	// failed at the transport level.
	Errors int64
}

// Utilization returns Active as a fraction of MaxConnections, in [0, 1].
func (s Stats) Utilization() float64 {
	if s.MaxConnections <= 0 {
		return 0
	}
	return float64(s.Active) / float64(s.MaxConnections)
}

// Faults returns the combined count of connection timeouts and errors.
func (s Stats) Faults() int64 {
	return s.Timeouts + s.Errors
}
