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

import (
	"net/http"
	"sync/atomic"
)

// Conn is a single pooled connection. It must only be used by the goroutine
// that currently holds its lease, between Acquire and Release.
type Conn struct {
	scheme       string
	hostPort     string
	roundTripper http.RoundTripper
	closeFunc    func()

	// +checkatomic
	closed atomic.Bool
}

// RoundTrip sends the request over this connection. If the connection's
// transport requires a different URL scheme than the request carries (as
// with h2c, which speaks HTTP/2 over a plain-text "http" URL), the request
// is cloned and rewritten rather than mutated in place.
func (c *Conn) RoundTrip(req *http.Request) (*http.Response, error) {
	if (c.scheme != "" && c.scheme != req.URL.Scheme) || req.URL.Host != c.hostPort {
		req = req.Clone(req.Context())
		if c.scheme != "" {
			req.URL.Scheme = c.scheme
		}
		req.URL.Host = c.hostPort
	}
	return c.roundTripper.RoundTrip(req)
}

func (c *Conn) close() {
	if c.closed.CompareAndSwap(false, true) && c.closeFunc != nil {
		c.closeFunc()
	}
}
