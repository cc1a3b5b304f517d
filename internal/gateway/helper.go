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

package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/anyrouter/anyrouter/internal/hostsfile"
	"github.com/anyrouter/anyrouter/internal/rpc"
)

// helperBackend forwards every operation to the privileged helper daemon.
// Structured helper errors are mapped back onto the store's sentinel errors
// so callers see one vocabulary regardless of backend.
type helperBackend struct {
	client *rpc.Client
}

func (h *helperBackend) Name() string { return "helper" }

func (h *helperBackend) WriteBinding(ctx context.Context, domain, ip string) error {
	return mapHelperError(h.client.WriteBinding(ctx, domain, ip))
}

func (h *helperBackend) WriteBindings(ctx context.Context, bindings []hostsfile.Binding) (int, error) {
	count, err := h.client.WriteBindingsBatch(ctx, bindings)
	return count, mapHelperError(err)
}

func (h *helperBackend) ClearBinding(ctx context.Context, domain string) error {
	return mapHelperError(h.client.ClearBinding(ctx, domain))
}

func (h *helperBackend) ClearBindings(ctx context.Context, domains []string) (int, error) {
	count, err := h.client.ClearBindingsBatch(ctx, domains)
	return count, mapHelperError(err)
}

// ClearAll is not a helper method; it is composed from list and batch-clear.
func (h *helperBackend) ClearAll(ctx context.Context) (int, error) {
	bindings, err := h.client.GetAllBindings(ctx)
	if err != nil {
		return 0, mapHelperError(err)
	}
	if len(bindings) == 0 {
		return 0, nil
	}
	domains := make([]string, 0, len(bindings))
	for _, b := range bindings {
		domains = append(domains, b.Domain)
	}
	count, err := h.client.ClearBindingsBatch(ctx, domains)
	return count, mapHelperError(err)
}

func (h *helperBackend) ReadBinding(ctx context.Context, domain string) (string, bool, error) {
	ip, ok, err := h.client.ReadBinding(ctx, domain)
	return ip, ok, mapHelperError(err)
}

func (h *helperBackend) Bindings(ctx context.Context) ([]hostsfile.Binding, error) {
	bindings, err := h.client.GetAllBindings(ctx)
	return bindings, mapHelperError(err)
}

func (h *helperBackend) FlushDNS(ctx context.Context) error {
	return mapHelperError(h.client.FlushDNS(ctx))
}

// mapHelperError translates the helper's wire codes. Transport failures pass
// through unchanged so the gateway's fallback can recognize them.
func mapHelperError(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *rpc.Error
	if !errors.As(err, &rpcErr) {
		return err
	}
	switch rpcErr.Code {
	case rpc.CodeInvalidIP:
		return fmt.Errorf("%w: %s", hostsfile.ErrInvalidIP, rpcErr.Message)
	case rpc.CodeInvalidDomain:
		return fmt.Errorf("%w: %s", hostsfile.ErrInvalidDomain, rpcErr.Message)
	case rpc.CodePermissionDenied:
		return fmt.Errorf("%w: %s", os.ErrPermission, rpcErr.Message)
	default:
		return rpcErr
	}
}
