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

// Package retry provides the backoff policy and transient-failure
// detection used by the client's attempt loop. The policy itself is pure
// arithmetic; waiting between attempts is the caller's job, so that the
// wait can race against the call's deadline.
package retry

import (
	"errors"
	"io"
	"net"
	"syscall"
	"time"
)

const (
	// DefaultMaxRetries is the number of re-attempts after the initial one.
	DefaultMaxRetries = 3
	// DefaultBaseDelay is the wait before the first re-attempt.
	DefaultBaseDelay = 100 * time.Millisecond
	// DefaultMaxDelay caps the exponential growth of the backoff.
	DefaultMaxDelay = 5 * time.Second
)

// Policy describes how transient failures are retried. The zero value
// retries nothing; use Default for the standard settings.
type Policy struct {
	// MaxRetries is the number of re-attempts after the initial attempt, so
	// a call makes at most MaxRetries+1 attempts in total.
	MaxRetries int
	// BaseDelay is the wait before the first re-attempt. Each subsequent
	// re-attempt doubles it.
	BaseDelay time.Duration
	// MaxDelay caps the computed wait. Zero means no cap.
	MaxDelay time.Duration
}

// Default returns the policy used when the client is not configured
// otherwise.
func Default() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// Attempts returns the total attempt budget, MaxRetries+1.
func (p Policy) Attempts() int {
	return p.MaxRetries + 1
}

// Delay returns the wait before re-attempting after the given attempt
// number (1-based): min(BaseDelay * 2^(attempt-1), MaxDelay).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Transient reports whether err is a network-level failure that is worth
// re-attempting: the kind of error produced by a backend that dropped the
// connection or was briefly unreachable, as opposed to one that rejected
// the request.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed):
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		// A per-attempt transport timeout is transient; the caller decides
		// separately whether its own deadline has expired.
		return true
	}
	return false
}
