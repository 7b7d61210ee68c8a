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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/bufbuild/jrpc/retry"
	"github.com/bufbuild/jrpc/track"
)

// responseBodyLimit caps how much of an RPC response body is read.
const responseBodyLimit = 16 << 20

// CallOption customizes a single call.
type CallOption interface {
	applyToCall(*callOptions)
}

type callOptionFunc func(*callOptions)

func (f callOptionFunc) applyToCall(opts *callOptions) {
	f(opts)
}

type callOptions struct {
	timeout time.Duration
}

// WithCallTimeout overrides the client's default timeout for this call.
func WithCallTimeout(duration time.Duration) CallOption {
	return callOptionFunc(func(opts *callOptions) {
		opts.timeout = duration
	})
}

// Call invokes a single remote procedure and returns its raw result value.
// Params may be any JSON-serializable value or nil. The token is attached
// as a bearer credential; this client treats it as opaque.
//
// Transient failures are re-attempted with exponential backoff, up to the
// configured retry limit; attempts for one call are strictly sequential.
// On failure the returned error is always a *Error carrying the taxonomy
// kind, and - if the call was re-attempted - the attempt count and the
// chain of per-attempt failures.
func (c *Client) Call(ctx context.Context, method string, params any, token string, options ...CallOption) (json.RawMessage, error) {
	if c.isClosed() {
		return nil, &Error{Kind: KindValidation, Message: "client is closed", cause: errClientClosed}
	}
	var callOpts callOptions
	for _, opt := range options {
		opt.applyToCall(&callOpts)
	}
	ctx, cancel := c.applyTimeout(ctx, callOpts.timeout)
	defer cancel()

	id := c.tracker.Begin(method)
	env, err := newRequest(id, method, params)
	if err != nil {
		c.tracker.RecordAttempt(id, track.OutcomeError, 0)
		return nil, err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		typed := &Error{Kind: KindValidation, Message: fmt.Sprintf("marshaling envelope: %v", err), cause: err}
		c.tracker.RecordAttempt(id, track.OutcomeError, 0)
		return nil, typed
	}

	started := c.clock.Now()
	body, sendErr := c.send(ctx, id, payload, token)
	elapsed := c.clock.Since(started)
	if sendErr != nil {
		c.tracker.RecordAttempt(id, outcomeFor(sendErr), elapsed)
		return nil, sendErr
	}

	result, parseErr := c.parseResponse(id, body)
	if parseErr != nil {
		c.tracker.RecordAttempt(id, track.OutcomeError, elapsed)
		return nil, parseErr
	}
	c.tracker.RecordAttempt(id, track.OutcomeSuccess, elapsed)
	return result, nil
}

func outcomeFor(err error) track.Outcome {
	if KindOf(err) == KindTimeout {
		return track.OutcomeTimeout
	}
	return track.OutcomeError
}

// send runs the retry loop around individual transport attempts. It
// returns the raw bytes of a 2xx JSON response body, or a typed error.
func (c *Client) send(ctx context.Context, id string, payload []byte, token string) ([]byte, error) {
	var failures []error
	attempts := c.policy.Attempts()
	for attempt := 1; ; attempt++ {
		c.tracker.RecordAttempt(id, track.OutcomePending, 0)
		body, err := c.attempt(ctx, payload, token)
		if err == nil {
			return body, nil
		}

		typed := classify(ctx, err)
		failures = append(failures, typed)
		if typed.Kind == KindTimeout || !c.shouldRetry(typed) || attempt >= attempts {
			return nil, wrapExhausted(typed, attempt, failures)
		}

		// Wait out the backoff, unless the deadline expires first: the
		// deadline always wins over remaining retry budget.
		select {
		case <-c.clock.After(c.policy.Delay(attempt)):
		case <-ctx.Done():
			timeoutErr := &Error{
				Kind:     KindTimeout,
				Message:  "call deadline exceeded while waiting to re-attempt",
				Attempts: attempt,
				Retried:  attempt > 1,
				cause:    errors.Join(append(failures, ctx.Err())...),
			}
			return nil, timeoutErr
		}
	}
}

// shouldRetry applies the failure-classification rules: only kinds marked
// retryable are re-attempted, and within network failures only the classic
// transient set (refused, reset, DNS, dropped connection).
func (c *Client) shouldRetry(typed *Error) bool {
	if !typed.Kind.Retryable() {
		return false
	}
	if typed.Kind == KindNetwork && typed.cause != nil {
		return retry.Transient(typed.cause)
	}
	return true
}

func wrapExhausted(last *Error, attempts int, failures []error) *Error {
	if attempts <= 1 {
		return last
	}
	return &Error{
		Kind:       last.Kind,
		Message:    last.Message,
		HTTPStatus: last.HTTPStatus,
		Code:       last.Code,
		Data:       last.Data,
		Attempts:   attempts,
		Retried:    true,
		cause:      errors.Join(failures...),
	}
}

// attempt performs one transport round trip through the pool. A 2xx
// response yields the body bytes; anything else yields a typed error for
// the retry loop to classify.
func (c *Client) attempt(ctx context.Context, payload []byte, token string) ([]byte, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, &Error{Kind: KindTimeout, Message: "deadline exceeded while waiting for a connection", cause: err}
		}
		return nil, &Error{Kind: KindNetwork, Message: err.Error(), cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(payload))
	if err != nil {
		c.pool.Release(conn, false)
		return nil, &Error{Kind: KindValidation, Message: fmt.Sprintf("building request: %v", err), cause: err}
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := conn.RoundTrip(req)
	if err != nil {
		c.pool.Release(conn, true)
		return nil, err
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	closeErr := resp.Body.Close()
	c.pool.Release(conn, readErr != nil || closeErr != nil)
	if readErr != nil {
		return nil, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp.StatusCode, body)
	}
	if err := checkContentType(resp.Header.Get("Content-Type")); err != nil {
		return nil, err
	}
	return body, nil
}

func checkContentType(contentType string) error {
	mediaType := contentType
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = parsed
	}
	if !strings.EqualFold(mediaType, contentTypeJSON) {
		return &Error{
			Kind:    KindProtocol,
			Message: fmt.Sprintf("response content type is %q, want %q", contentType, contentTypeJSON),
		}
	}
	return nil
}

// statusError maps a non-2xx HTTP reply onto the taxonomy, folding in a
// snippet of the body for diagnosis.
func statusError(status int, body []byte) *Error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	msg := fmt.Sprintf("remote returned HTTP %d", status)
	if snippet != "" {
		msg = fmt.Sprintf("%s: %s", msg, snippet)
	}
	return &Error{
		Kind:       kindForStatus(status),
		Message:    msg,
		HTTPStatus: status,
	}
}

// parseResponse validates the response envelope and extracts the result.
func (c *Client) parseResponse(id string, body []byte) (json.RawMessage, error) {
	var env response
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &Error{
			Kind:    KindProtocol,
			Message: fmt.Sprintf("response is not a valid JSON-RPC envelope: %v", err),
			cause:   err,
		}
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	if env.ID != id {
		return nil, &Error{
			Kind:    KindProtocol,
			Message: fmt.Sprintf("response correlation id %q does not match any outstanding call", env.ID),
		}
	}
	if env.Error != nil {
		return nil, env.Error.asError()
	}
	return env.Result, nil
}
