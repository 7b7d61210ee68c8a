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
	"fmt"
	"time"

	"github.com/bufbuild/jrpc/track"
)

// BatchRequest is one call inside a batch.
type BatchRequest struct {
	Method string
	Params any
}

// BatchResponse is the outcome of one call inside a batch. Exactly one of
// Result and Err is set.
type BatchResponse struct {
	// ID is the correlation id assigned to the call.
	ID string
	// Method is the method the call invoked.
	Method string
	// Result is the raw result value, when the call succeeded.
	Result json.RawMessage
	// Err is the per-item failure: a remote error object, or a synthesized
	// error when the remote's reply was missing or malformed for this item.
	Err *Error
}

// BatchResult is the outcome of a whole batch whose transport round trip
// succeeded. Responses appear in the same order as the originating
// requests, regardless of the order the remote replied in.
type BatchResult struct {
	Responses    []BatchResponse
	SuccessCount int
	ErrorCount   int
	Duration     time.Duration
}

// CallBatch sends all requests as one wire round trip and demultiplexes
// the replies back to their originating calls by correlation id; the
// remote is not required to preserve order.
//
// The transport step is all-or-nothing: if the single HTTP round trip
// fails (after the usual retries), the whole batch fails with one typed
// error. Per-item error objects inside a successful reply are captured in
// the corresponding BatchResponse and counted in ErrorCount; they never
// fail the batch. On success, len(Responses) == len(requests) and
// SuccessCount+ErrorCount == len(requests): an id the remote did not
// answer yields a synthesized per-item error.
func (c *Client) CallBatch(ctx context.Context, requests []BatchRequest, token string) (*BatchResult, error) {
	if c.isClosed() {
		return nil, &Error{Kind: KindValidation, Message: "client is closed", cause: errClientClosed}
	}
	if len(requests) == 0 {
		return nil, &Error{Kind: KindValidation, Message: "batch contains no requests"}
	}
	ctx, cancel := c.applyTimeout(ctx, 0)
	defer cancel()

	started := c.clock.Now()
	ids := make([]string, len(requests))
	envelopes := make([]request, len(requests))
	for i, breq := range requests {
		id := c.tracker.Begin(breq.Method)
		ids[i] = id
		env, err := newRequest(id, breq.Method, breq.Params)
		if err != nil {
			c.failBatchTracking(ids[:i+1], track.OutcomeError, started)
			return nil, err
		}
		envelopes[i] = env
	}

	payload, err := json.Marshal(envelopes)
	if err != nil {
		typed := &Error{Kind: KindValidation, Message: fmt.Sprintf("marshaling batch: %v", err), cause: err}
		c.failBatchTracking(ids, track.OutcomeError, started)
		return nil, typed
	}

	// The batch shares the single-call retry loop; correlation ids inside
	// the payload are stable across attempts. Attempt counts are tracked
	// against the first id, terminal outcomes against every id.
	body, sendErr := c.send(ctx, ids[0], payload, token)
	elapsed := c.clock.Since(started)
	if sendErr != nil {
		outcome := outcomeFor(sendErr)
		for _, id := range ids {
			c.tracker.RecordAttempt(id, outcome, elapsed)
		}
		return nil, sendErr
	}

	var envs []response
	if err := json.Unmarshal(body, &envs); err != nil {
		typed := &Error{
			Kind:    KindProtocol,
			Message: fmt.Sprintf("batch response is not a JSON array of envelopes: %v", err),
			cause:   err,
		}
		c.failBatchTracking(ids, track.OutcomeError, started)
		return nil, typed
	}

	byID := make(map[string]*response, len(envs))
	for i := range envs {
		byID[envs[i].ID] = &envs[i]
	}

	result := &BatchResult{
		Responses: make([]BatchResponse, len(requests)),
		Duration:  elapsed,
	}
	for i, id := range ids {
		bresp := BatchResponse{ID: id, Method: requests[i].Method}
		env, ok := byID[id]
		if !ok {
			bresp.Err = &Error{
				Kind:    KindProtocol,
				Message: fmt.Sprintf("missing response for id %s", id),
			}
		} else if err := env.validate(); err != nil {
			bresp.Err, _ = AsError(err)
		} else if env.Error != nil {
			bresp.Err = env.Error.asError()
		} else {
			bresp.Result = env.Result
		}

		if bresp.Err != nil {
			result.ErrorCount++
			c.tracker.RecordAttempt(id, track.OutcomeError, elapsed)
		} else {
			result.SuccessCount++
			c.tracker.RecordAttempt(id, track.OutcomeSuccess, elapsed)
		}
		result.Responses[i] = bresp
	}
	return result, nil
}

func (c *Client) failBatchTracking(ids []string, outcome track.Outcome, started time.Time) {
	elapsed := c.clock.Since(started)
	for _, id := range ids {
		c.tracker.RecordAttempt(id, outcome, elapsed)
	}
}
