// Copyright 2025 The AnyRouter Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// ErrHelperUnavailable wraps every transport-level failure talking to the
// helper (cannot connect, broken response, id mismatch). Callers use it to
// decide that the privileged channel is down, as opposed to the helper
// answering with a structured error.
var ErrHelperUnavailable = errors.New("helper unavailable")

const (
	// DefaultConnectTimeout bounds the socket connect, separately from any
	// probing timeout: a hung helper must not stall the optimization loop.
	DefaultConnectTimeout = 5 * time.Second
	// DefaultCallTimeout bounds one full request/response exchange.
	DefaultCallTimeout = 30 * time.Second
)

// Client talks to the helper daemon. One connection per call; the zero
// timeouts are filled with the defaults above.
type Client struct {
	SocketPath     string
	ConnectTimeout time.Duration
	CallTimeout    time.Duration

	nextID atomic.Uint64
}

// NewClient returns a Client for the helper socket at path, or the platform
// default when path is empty.
func NewClient(path string) *Client {
	if path == "" {
		path = DefaultSocketPath()
	}
	return &Client{SocketPath: path}
}

// Call invokes method with params and decodes the result into out (which may
// be nil). A transport failure is reported wrapped in
// [ErrHelperUnavailable]; an error answered by the helper is returned as
// [*Error].
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	connectTimeout := c.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = DefaultConnectTimeout
	}
	callTimeout := c.CallTimeout
	if callTimeout == 0 {
		callTimeout = DefaultCallTimeout
	}

	req := Request{JSONRPC: jsonrpcVersion, ID: c.nextID.Add(1), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding %s params: %w", method, err)
		}
		req.Params = raw
	}

	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.SocketPath)
	if err != nil {
		return fmt.Errorf("%w: connecting %s: %v", ErrHelperUnavailable, c.SocketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(callTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", ErrHelperUnavailable, err)
	}

	if err := json.NewEncoder(conn).Encode(&req); err != nil {
		return fmt.Errorf("%w: sending %s: %v", ErrHelperUnavailable, method, err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("%w: reading %s response: %v", ErrHelperUnavailable, method, err)
	}
	if resp.ID != req.ID {
		return fmt.Errorf("%w: response id %d does not match request id %d", ErrHelperUnavailable, resp.ID, req.ID)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out != nil && resp.Result != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("%w: decoding %s result: %v", ErrHelperUnavailable, method, err)
		}
	}
	return nil
}

// Ping checks helper liveness and returns its version.
func (c *Client) Ping(ctx context.Context) (PingResult, error) {
	var res PingResult
	err := c.Call(ctx, MethodPing, nil, &res)
	return res, err
}

// WriteBinding asks the helper to bind domain to ip.
func (c *Client) WriteBinding(ctx context.Context, domain, ip string) error {
	return c.Call(ctx, MethodWriteBinding, BindingParams{Domain: domain, IP: ip}, nil)
}

// WriteBindingsBatch applies all bindings in one helper-side rewrite.
func (c *Client) WriteBindingsBatch(ctx context.Context, bindings []Binding) (int, error) {
	var res CountResult
	err := c.Call(ctx, MethodWriteBindingsBatch, WriteBatchParams{Bindings: bindings}, &res)
	return res.Count, err
}

// ClearBinding removes the managed entry for domain.
func (c *Client) ClearBinding(ctx context.Context, domain string) error {
	return c.Call(ctx, MethodClearBinding, BindingParams{Domain: domain}, nil)
}

// ClearBindingsBatch removes the managed entries for all given domains.
func (c *Client) ClearBindingsBatch(ctx context.Context, domains []string) (int, error) {
	var res CountResult
	err := c.Call(ctx, MethodClearBindingsBatch, ClearBatchParams{Domains: domains}, &res)
	return res.Count, err
}

// ReadBinding reports the managed IP for domain, if any.
func (c *Client) ReadBinding(ctx context.Context, domain string) (string, bool, error) {
	var res ReadResult
	if err := c.Call(ctx, MethodReadBinding, BindingParams{Domain: domain}, &res); err != nil {
		return "", false, err
	}
	if res.IP == nil {
		return "", false, nil
	}
	return *res.IP, true, nil
}

// GetAllBindings lists every managed binding.
func (c *Client) GetAllBindings(ctx context.Context) ([]Binding, error) {
	var res BindingsResult
	if err := c.Call(ctx, MethodGetAllBindings, nil, &res); err != nil {
		return nil, err
	}
	return res.Bindings, nil
}

// FlushDNS asks the helper to invalidate the system resolver cache.
func (c *Client) FlushDNS(ctx context.Context) error {
	return c.Call(ctx, MethodFlushDNS, nil, nil)
}
