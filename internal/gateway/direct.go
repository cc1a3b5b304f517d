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

	"github.com/anyrouter/anyrouter/internal/hostsfile"
)

// directBackend mutates the hosts file in-process. Permission errors from
// the store pass through untouched.
type directBackend struct {
	store *hostsfile.Store
}

func (d *directBackend) Name() string { return "direct" }

func (d *directBackend) WriteBinding(_ context.Context, domain, ip string) error {
	return d.store.Apply(domain, ip)
}

func (d *directBackend) WriteBindings(_ context.Context, bindings []hostsfile.Binding) (int, error) {
	return d.store.ApplyBatch(bindings)
}

func (d *directBackend) ClearBinding(_ context.Context, domain string) error {
	return d.store.Unbind(domain)
}

func (d *directBackend) ClearBindings(_ context.Context, domains []string) (int, error) {
	return d.store.UnbindBatch(domains)
}

func (d *directBackend) ClearAll(_ context.Context) (int, error) {
	return d.store.ClearAll()
}

func (d *directBackend) ReadBinding(_ context.Context, domain string) (string, bool, error) {
	return d.store.Read(domain)
}

func (d *directBackend) Bindings(_ context.Context) ([]hostsfile.Binding, error) {
	return d.store.List()
}

func (d *directBackend) FlushDNS(ctx context.Context) error {
	return hostsfile.FlushDNS(ctx)
}
