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
	"encoding/json"
	"fmt"
)

// protocolVersion is the only JSON-RPC version this client speaks.
const protocolVersion = "2.0"

// contentTypeJSON is the content type required on both requests and
// responses.
const contentTypeJSON = "application/json"

// request is the JSON-RPC 2.0 call envelope.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      string          `json:"id"`
}

func newRequest(id, method string, params any) (request, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return request{}, &Error{
				Kind:    KindValidation,
				Message: fmt.Sprintf("marshaling params for %s: %v", method, err),
				cause:   err,
			}
		}
		raw = data
	}
	return request{JSONRPC: protocolVersion, Method: method, Params: raw, ID: id}, nil
}

// response is the JSON-RPC 2.0 response envelope. Exactly one of Result
// and Error is present in a well-formed response.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *responseError  `json:"error,omitempty"`
}

// responseError is the error object a remote embeds in a response envelope.
type responseError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// validate checks the envelope's internal invariants, independent of which
// call it belongs to.
func (r *response) validate() error {
	if r.JSONRPC != protocolVersion {
		return &Error{
			Kind:    KindProtocol,
			Message: fmt.Sprintf("response reports JSON-RPC version %q, want %q", r.JSONRPC, protocolVersion),
		}
	}
	if r.Error != nil && r.Result != nil {
		return &Error{
			Kind:    KindProtocol,
			Message: "response carries both result and error",
		}
	}
	if r.Error == nil && r.Result == nil {
		return &Error{
			Kind:    KindProtocol,
			Message: "response carries neither result nor error",
		}
	}
	return nil
}

// asError converts an embedded remote error object to the typed taxonomy.
func (r *responseError) asError() *Error {
	return &Error{
		Kind:    KindRemoteRPC,
		Message: r.Message,
		Code:    r.Code,
		Data:    r.Data,
	}
}
