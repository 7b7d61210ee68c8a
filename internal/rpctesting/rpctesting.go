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

// Package rpctesting provides an in-process JSON-RPC 2.0 server for tests,
// with hooks for injecting the failure modes a resilient client has to
// survive: dropped connections, error status codes, out-of-order batch
// replies, and missing or corrupted envelopes.
package rpctesting

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
)

// Handler computes the reply for one method invocation. Returning a
// non-nil *WireError produces an error object in the response envelope.
type Handler func(params json.RawMessage) (any, *WireError)

// WireError is the JSON-RPC error object a Handler can return.
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type wireRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      string          `json:"id"`
}

type wireResponse struct {
	JSONRPC string     `json:"jsonrpc"`
	ID      string     `json:"id"`
	Result  any        `json:"result,omitempty"`
	Error   *WireError `json:"error,omitempty"`
}

// Server is an in-process JSON-RPC server. The zero value is not usable;
// create one with NewServer.
type Server struct {
	*httptest.Server

	// Version is reported by the health endpoint.
	Version string
	// HealthPath is where the health endpoint is served. Defaults to
	// "/health".
	HealthPath string
	// RequireToken, if non-empty, causes requests without a matching
	// bearer token to be rejected with 401.
	RequireToken string
	// ReverseBatches, if true, returns batch replies in reverse request
	// order, exercising id-based matching in the client.
	ReverseBatches bool
	// OmitMethods lists methods whose replies are silently dropped from
	// batch responses, exercising the client's missing-response handling.
	OmitMethods []string

	requests atomic.Int64

	mu sync.Mutex
	// +checklocks:mu
	handlers map[string]Handler
	// +checklocks:mu
	dropNext int
	// +checklocks:mu
	statusNext []int
}

// NewServer starts an in-process server. The caller must Close it.
func NewServer() *Server {
	server := &Server{
		Version:    "1.2.3",
		HealthPath: "/health",
		handlers:   map[string]Handler{},
	}
	server.Server = httptest.NewServer(http.HandlerFunc(server.serve))
	return server
}

// Handle registers the handler for a method.
func (s *Server) Handle(method string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
}

// DropNext makes the server sever the connection, without writing any
// response, for the next n RPC requests. The client observes these as
// network-level failures.
func (s *Server) DropNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropNext = n
}

// StatusNext makes the server answer the next RPC requests with the given
// bare HTTP status codes, in order, before resuming normal behavior.
func (s *Server) StatusNext(codes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusNext = append(s.statusNext, codes...)
}

// Requests returns how many RPC requests (not health probes) the server
// has received, including dropped ones.
func (s *Server) Requests() int64 {
	return s.requests.Load()
}

func (s *Server) serve(writer http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodGet && req.URL.Path == s.HealthPath {
		writer.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(writer).Encode(map[string]string{"status": "ok", "version": s.Version})
		return
	}

	s.requests.Add(1)

	s.mu.Lock()
	drop := s.dropNext > 0
	if drop {
		s.dropNext--
	}
	status := 0
	if !drop && len(s.statusNext) > 0 {
		status = s.statusNext[0]
		s.statusNext = s.statusNext[1:]
	}
	s.mu.Unlock()

	if drop {
		hijacker, ok := writer.(http.Hijacker)
		if !ok {
			panic("rpctesting: response writer does not support hijacking")
		}
		conn, _, err := hijacker.Hijack()
		if err != nil {
			panic(err)
		}
		_ = conn.Close()
		return
	}
	if status != 0 {
		http.Error(writer, http.StatusText(status), status)
		return
	}

	if s.RequireToken != "" {
		want := "Bearer " + s.RequireToken
		if req.Header.Get("Authorization") != want {
			http.Error(writer, "bad credentials", http.StatusUnauthorized)
			return
		}
	}

	body, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}

	trimmed := strings.TrimSpace(string(body))
	writer.Header().Set("Content-Type", "application/json")
	if strings.HasPrefix(trimmed, "[") {
		var batch []wireRequest
		if err := json.Unmarshal(body, &batch); err != nil {
			http.Error(writer, err.Error(), http.StatusBadRequest)
			return
		}
		responses := make([]wireResponse, 0, len(batch))
		for _, wreq := range batch {
			if s.omitted(wreq.Method) {
				continue
			}
			responses = append(responses, s.dispatch(wreq))
		}
		if s.ReverseBatches {
			for i, j := 0, len(responses)-1; i < j; i, j = i+1, j-1 {
				responses[i], responses[j] = responses[j], responses[i]
			}
		}
		_ = json.NewEncoder(writer).Encode(responses)
		return
	}

	var wreq wireRequest
	if err := json.Unmarshal(body, &wreq); err != nil {
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}
	_ = json.NewEncoder(writer).Encode(s.dispatch(wreq))
}

func (s *Server) omitted(method string) bool {
	for _, omit := range s.OmitMethods {
		if omit == method {
			return true
		}
	}
	return false
}

func (s *Server) dispatch(wreq wireRequest) wireResponse {
	s.mu.Lock()
	handler := s.handlers[wreq.Method]
	s.mu.Unlock()
	resp := wireResponse{JSONRPC: "2.0", ID: wreq.ID}
	if handler == nil {
		resp.Error = &WireError{Code: -32601, Message: "method not found: " + wreq.Method}
		return resp
	}
	result, wireErr := handler(wreq.Params)
	if wireErr != nil {
		resp.Error = wireErr
		return resp
	}
	if result == nil {
		result = map[string]any{}
	}
	resp.Result = result
	return resp
}
