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

// Package gateway presents one hosts-mutation interface regardless of
// whether this process may edit the hosts file itself. Mutations prefer the
// privileged helper daemon when its socket answers a ping; otherwise they go
// through the in-process store, whose permission errors surface to the
// caller unchanged.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"

	"github.com/anyrouter/anyrouter/internal/hostsfile"
	"github.com/anyrouter/anyrouter/internal/rpc"
)

// Backend is the closed set of ways to reach the hosts file. All methods
// take a context because the helper variant performs local IPC.
type Backend interface {
	Name() string
	WriteBinding(ctx context.Context, domain, ip string) error
	WriteBindings(ctx context.Context, bindings []hostsfile.Binding) (int, error)
	ClearBinding(ctx context.Context, domain string) error
	ClearBindings(ctx context.Context, domains []string) (int, error)
	ClearAll(ctx context.Context) (int, error)
	ReadBinding(ctx context.Context, domain string) (string, bool, error)
	Bindings(ctx context.Context) ([]hostsfile.Binding, error)
	FlushDNS(ctx context.Context) error
}

// Status is what the UI layer needs to decide whether to prompt for
// elevation or helper installation.
type Status struct {
	HasPermission          bool   `json:"has_permission"`
	UsingPrivilegedChannel bool   `json:"is_using_privileged_channel"`
	HelperVersion          string `json:"helper_version,omitempty"`
}

// Gateway routes hosts mutations to the helper or the direct store based on
// a cached liveness probe. The cache goes stale only on a failed helper call
// or an explicit [Gateway.Refresh]; it is never re-probed per call.
type Gateway struct {
	direct Backend
	helper Backend
	client *rpc.Client
	store  *hostsfile.Store

	// OnFallback, when set, is called each time a helper call fails at the
	// transport level and the operation retries on the direct backend.
	OnFallback func()

	mu      sync.Mutex
	probed  bool
	alive   bool
	version string
}

// New returns a Gateway over store. client may be nil, in which case every
// call is direct; that is how the helper daemon itself, which already holds
// privilege, uses the store.
func New(store *hostsfile.Store, client *rpc.Client) *Gateway {
	g := &Gateway{
		direct: &directBackend{store: store},
		client: client,
		store:  store,
	}
	if client != nil {
		g.helper = &helperBackend{client: client}
	} else {
		g.probed = true
	}
	return g
}

// active returns the backend to use, probing helper liveness on first use.
func (g *Gateway) active(ctx context.Context) Backend {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.probed {
		res, err := g.client.Ping(ctx)
		g.probed = true
		g.alive = err == nil && res.Pong
		g.version = res.Version
		if g.alive {
			slog.Info("privileged helper reachable", "socket", g.client.SocketPath, "version", res.Version)
		} else {
			slog.Debug("privileged helper not reachable, using direct hosts access", "socket", g.client.SocketPath, "error", err)
		}
	}
	if g.alive {
		return g.helper
	}
	return g.direct
}

// call runs fn against the active backend. A transport-level helper failure
// marks the liveness cache stale and retries the call once on the direct
// backend; structured helper errors (invalid input, permission) do not.
func (g *Gateway) call(ctx context.Context, op string, fn func(Backend) error) error {
	b := g.active(ctx)
	err := fn(b)
	if b == g.helper && errors.Is(err, rpc.ErrHelperUnavailable) {
		g.mu.Lock()
		g.alive = false
		g.mu.Unlock()
		slog.Warn("helper call failed, falling back to direct hosts access", "op", op, "error", err)
		if g.OnFallback != nil {
			g.OnFallback()
		}
		return fn(g.direct)
	}
	return err
}

// WriteBinding pins domain to ip.
func (g *Gateway) WriteBinding(ctx context.Context, domain, ip string) error {
	return g.call(ctx, "write_binding", func(b Backend) error {
		return b.WriteBinding(ctx, domain, ip)
	})
}

// WriteBindings applies all bindings in one hosts rewrite and reports how
// many entries were written.
func (g *Gateway) WriteBindings(ctx context.Context, bindings []hostsfile.Binding) (int, error) {
	var count int
	err := g.call(ctx, "write_bindings_batch", func(b Backend) error {
		var e error
		count, e = b.WriteBindings(ctx, bindings)
		return e
	})
	return count, err
}

// ClearBinding removes the managed entry for domain, if any.
func (g *Gateway) ClearBinding(ctx context.Context, domain string) error {
	return g.call(ctx, "clear_binding", func(b Backend) error {
		return b.ClearBinding(ctx, domain)
	})
}

// ClearBindings removes the managed entries for domains and reports how many
// were actually present.
func (g *Gateway) ClearBindings(ctx context.Context, domains []string) (int, error) {
	var count int
	err := g.call(ctx, "clear_bindings_batch", func(b Backend) error {
		var e error
		count, e = b.ClearBindings(ctx, domains)
		return e
	})
	return count, err
}

// ClearAll removes every managed entry and reports how many there were.
func (g *Gateway) ClearAll(ctx context.Context) (int, error) {
	var count int
	err := g.call(ctx, "clear_all", func(b Backend) error {
		var e error
		count, e = b.ClearAll(ctx)
		return e
	})
	return count, err
}

// ReadBinding reports the managed IP for domain, if any.
func (g *Gateway) ReadBinding(ctx context.Context, domain string) (string, bool, error) {
	var (
		ip string
		ok bool
	)
	err := g.call(ctx, "read_binding", func(b Backend) error {
		var e error
		ip, ok, e = b.ReadBinding(ctx, domain)
		return e
	})
	return ip, ok, err
}

// Bindings lists every managed entry.
func (g *Gateway) Bindings(ctx context.Context) ([]hostsfile.Binding, error) {
	var bindings []hostsfile.Binding
	err := g.call(ctx, "get_all_bindings", func(b Backend) error {
		var e error
		bindings, e = b.Bindings(ctx)
		return e
	})
	return bindings, err
}

// FlushDNS invalidates the system resolver cache so a fresh binding takes
// effect for new connections.
func (g *Gateway) FlushDNS(ctx context.Context) error {
	return g.call(ctx, "flush_dns", func(b Backend) error {
		return b.FlushDNS(ctx)
	})
}

// Status reports whether hosts mutations can currently succeed and through
// which channel. It probes the helper only if liveness was never checked.
func (g *Gateway) Status(ctx context.Context) Status {
	g.active(ctx)
	g.mu.Lock()
	alive, version := g.alive, g.version
	g.mu.Unlock()
	return Status{
		HasPermission:          alive || canWriteHosts(g.store.Path()),
		UsingPrivilegedChannel: alive,
		HelperVersion:          version,
	}
}

// Refresh drops the cached liveness state and probes again, so the UI can
// re-check after the helper has been installed or started.
func (g *Gateway) Refresh(ctx context.Context) Status {
	g.mu.Lock()
	if g.helper != nil {
		g.probed = false
	}
	g.mu.Unlock()
	return g.Status(ctx)
}

// canWriteHosts is the capability probe for the direct backend: opening for
// append exercises the same permission a mutation needs without touching the
// file's contents.
func canWriteHosts(path string) bool {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return false
	}
	f.Close()
	return true
}
