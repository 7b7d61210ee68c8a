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
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// Factory creates the transport backing a single pooled connection.
type Factory interface {
	// New creates a new [http.RoundTripper] for requests using the given
	// scheme to the given host, configured using the given options.
	New(scheme, hostPort string, opts TransportOptions) Result
}

// Result represents a transport created by a Factory.
type Result struct {
	// RoundTripper is the actual round-tripper that handles requests.
	RoundTripper http.RoundTripper
	// Scheme, if non-empty, replaces the request's URL scheme for requests
	// sent through RoundTripper. This is how the "h2c" scheme maps onto a
	// transport that expects plain "http" URLs.
	Scheme string
	// Close is an optional function that is called when the connection is
	// discarded from the pool.
	Close func()
}

// TransportOptions defines the options used to create a connection's
// transport.
type TransportOptions struct {
	// Factory overrides the scheme-derived transport factory. Mainly useful
	// for tests that substitute an in-memory round tripper.
	Factory Factory
	// DialFunc is used to establish network connections.
	DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)
	// MaxResponseHeaderBytes limits the size of the response status line and
	// headers.
	MaxResponseHeaderBytes int64
	// IdleConnTimeout, if non-zero, expires idle network connections that
	// back a pooled connection.
	IdleConnTimeout time.Duration
	// TLSClientConfig, if present, provides custom TLS configuration for
	// "https" origins.
	TLSClientConfig *tls.Config
	// TLSHandshakeTimeout bounds the TLS handshake step.
	TLSHandshakeTimeout time.Duration
}

//nolint:gochecknoglobals
var defaultDialer = &net.Dialer{
	Timeout:   30 * time.Second,
	KeepAlive: 30 * time.Second,
}

func factoryForScheme(scheme string) Factory {
	if scheme == "h2c" {
		return h2cFactory{}
	}
	return simpleFactory{}
}

type simpleFactory struct{}

func (s simpleFactory) New(_, _ string, opts TransportOptions) Result {
	dialFunc := opts.DialFunc
	if dialFunc == nil {
		dialFunc = defaultDialer.DialContext
	}
	transport := &http.Transport{
		DialContext:            dialFunc,
		ForceAttemptHTTP2:      true,
		MaxIdleConns:           1,
		MaxIdleConnsPerHost:    1,
		IdleConnTimeout:        opts.IdleConnTimeout,
		TLSHandshakeTimeout:    opts.TLSHandshakeTimeout,
		TLSClientConfig:        opts.TLSClientConfig,
		MaxResponseHeaderBytes: opts.MaxResponseHeaderBytes,
		ExpectContinueTimeout:  1 * time.Second,
	}
	return Result{RoundTripper: transport, Close: transport.CloseIdleConnections}
}

type h2cFactory struct{}

func (h h2cFactory) New(_, _ string, opts TransportOptions) Result {
	dialFunc := opts.DialFunc
	if dialFunc == nil {
		dialFunc = defaultDialer.DialContext
	}
	// H2C is plain-text only, so the TLS options are not applicable.
	transport := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialFunc(ctx, network, addr)
		},
		MaxHeaderListSize: uint32(opts.MaxResponseHeaderBytes),
	}
	return Result{RoundTripper: transport, Scheme: "http", Close: transport.CloseIdleConnections}
}
