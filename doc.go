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

// Package jrpc provides a resilient JSON-RPC 2.0 client for invoking
// procedures on a single remote origin over HTTP. It is intended for
// server-to-server use where the caller needs more than a bare HTTP
// client: connection pooling with a hard concurrency cap, automatic
// retries of transient failures with exponential backoff, correlation of
// concurrent in-flight calls, batched round trips, and an on-demand
// health signal suitable for caller-side circuit breaking.
//
// To create a client use [NewClient] with the origin URL that call
// envelopes should be POSTed to. Single procedures are invoked with
// [Client.Call]; multiple invocations can share one wire round trip via
// [Client.CallBatch], with replies matched back to their requests by
// correlation id rather than position.
//
// Every failure surfaces as a *[Error] carrying a [Kind] from a closed
// taxonomy. Kinds classified as transient (network failures, HTTP 5xx,
// HTTP 429) are retried up to the configured limit with exponential
// backoff; authentication, validation, and protocol failures fail fast on
// the first occurrence. A call's deadline always wins over remaining
// retry budget: once it expires, the call resolves as a timeout and no
// further attempt is made.
//
// The client does not make circuit-breaking decisions itself. Instead it
// exposes the inputs for them: [Client.ConnectionStats] and
// [Client.CallStats] are cheap snapshots, [Client.HealthReport] combines
// a throttled probe of the remote's status path with pool and call
// statistics into a three-state classification, and [Client.IsHealthy]
// is the boolean gate over that classification.
//
// A client has a notion of "closing", via [Client.Close]. The transition
// is one-way: new calls are rejected immediately, in-flight calls may
// drain until the given context's deadline, and remaining connections are
// then force-closed.
package jrpc
