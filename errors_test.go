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
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindRetryable(t *testing.T) {
	t.Parallel()

	retryable := []Kind{KindNetwork, KindServerUnavailable, KindRateLimited}
	for _, kind := range retryable {
		assert.True(t, kind.Retryable(), "%v", kind)
	}
	fatal := []Kind{KindTimeout, KindAuth, KindValidation, KindProtocol, KindRemoteRPC}
	for _, kind := range fatal {
		assert.False(t, kind.Retryable(), "%v", kind)
	}
}

func TestKindForStatus(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		status int
		want   Kind
	}{
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusUnauthorized, KindAuth},
		{http.StatusForbidden, KindAuth},
		{http.StatusInternalServerError, KindServerUnavailable},
		{http.StatusBadGateway, KindServerUnavailable},
		{http.StatusServiceUnavailable, KindServerUnavailable},
		{http.StatusBadRequest, KindValidation},
		{http.StatusNotFound, KindValidation},
		{http.StatusMovedPermanently, KindProtocol},
		{http.StatusSwitchingProtocols, KindProtocol},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(fmt.Sprintf("%d", testCase.status), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, testCase.want, kindForStatus(testCase.status))
		})
	}
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	err := &Error{Kind: KindAuth, Message: "bad credentials", HTTPStatus: 401}
	assert.Equal(t, "auth: bad credentials", err.Error())

	err = &Error{Kind: KindNetwork, Message: "connection refused", Attempts: 4, Retried: true}
	assert.Equal(t, "network: connection refused (after 4 attempts)", err.Error())
}

func TestAsErrorUnwrapsChains(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	typed := &Error{Kind: KindNetwork, Message: "boom", cause: cause}
	wrapped := fmt.Errorf("sending request: %w", typed)

	got, ok := AsError(wrapped)
	require.True(t, ok)
	assert.Same(t, typed, got)
	assert.Equal(t, KindNetwork, KindOf(wrapped))
	assert.ErrorIs(t, wrapped, cause)

	_, ok = AsError(errors.New("untyped"))
	assert.False(t, ok)
	assert.Equal(t, Kind(0), KindOf(errors.New("untyped")))
}
