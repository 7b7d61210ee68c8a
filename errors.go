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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind partitions everything that can go wrong with a call into a closed
// taxonomy. Every failure is converted to a Kind at the transport boundary;
// no untyped error escapes the call executor.
type Kind int

const (
	// KindNetwork is a network-level failure: connection refused or reset,
	// DNS failure, unreachable host.
	KindNetwork Kind = iota + 1
	// KindServerUnavailable is an HTTP 5xx from the remote.
	KindServerUnavailable
	// KindRateLimited is an HTTP 429 from the remote.
	KindRateLimited
	// KindTimeout means the call's deadline expired. The deadline always
	// wins: once it has passed, no retry budget can resurrect the call.
	KindTimeout
	// KindAuth is an HTTP 401 or 403. Retrying with the same credential
	// cannot succeed.
	KindAuth
	// KindValidation is any other HTTP 4xx, or a request the client itself
	// refused to build.
	KindValidation
	// KindProtocol means the response was not a well-formed JSON-RPC 2.0
	// envelope: wrong version, wrong content type, unparseable body, or a
	// correlation id that matches no outstanding call.
	KindProtocol
	// KindRemoteRPC is a well-formed response envelope carrying an error
	// object: the remote understood the call and reported a business error.
	KindRemoteRPC
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindServerUnavailable:
		return "server_unavailable"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindProtocol:
		return "protocol"
	case KindRemoteRPC:
		return "remote_rpc"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Retryable reports whether failures of this kind are worth re-attempting.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindServerUnavailable, KindRateLimited:
		return true
	default:
		return false
	}
}

// Error is the single typed error surfaced to callers. It carries the
// failure kind, the HTTP status when one was involved, the remote error
// code for KindRemoteRPC, and - after a retried call is exhausted - the
// attempt count and the chain of per-attempt failures.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Message is a human-readable description. It never includes raw
	// transport internals beyond the underlying error's own message.
	Message string
	// HTTPStatus is the response status code, or zero if the failure
	// happened before a status was received.
	HTTPStatus int
	// Code is the remote JSON-RPC error code for KindRemoteRPC.
	Code int
	// Data is the remote error's data payload for KindRemoteRPC.
	Data json.RawMessage
	// Attempts is how many transport attempts were made, when more than one.
	Attempts int
	// Retried reports whether the call was re-attempted before failing.
	Retried bool

	cause error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Retried {
		msg = fmt.Sprintf("%s (after %d attempts)", msg, e.Attempts)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

// AsError extracts the typed *Error from err, if there is one.
func AsError(err error) (*Error, bool) {
	var typed *Error
	ok := errors.As(err, &typed)
	return typed, ok
}

// KindOf returns the taxonomy kind of err, or zero if err carries none.
func KindOf(err error) Kind {
	if typed, ok := AsError(err); ok {
		return typed.Kind
	}
	return 0
}

// kindForStatus maps a non-2xx HTTP status onto the taxonomy.
func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status >= 500:
		return KindServerUnavailable
	case status >= 400:
		return KindValidation
	default:
		// 1xx/3xx are not meaningful replies to a JSON-RPC POST.
		return KindProtocol
	}
}

// classify converts an arbitrary attempt failure into the taxonomy at the
// transport boundary. Typed errors pass through unchanged; the caller's
// deadline expiring trumps everything else.
func classify(ctx context.Context, err error) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{
			Kind:    KindTimeout,
			Message: "call deadline exceeded",
			cause:   err,
		}
	}
	// Anything else that surfaced from the transport without an HTTP status
	// is network-level: the request never produced a reply.
	return &Error{
		Kind:    KindNetwork,
		Message: err.Error(),
		cause:   err,
	}
}
