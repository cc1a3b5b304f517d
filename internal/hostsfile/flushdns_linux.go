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

//go:build linux

package hostsfile

import (
	"context"
	"errors"
	"os/exec"
)

// FlushDNS asks systemd-resolved to drop its cache. Hosts entries are read
// on every lookup by nsswitch, so on systems without resolvectl there is
// nothing to flush and the absence of the tool is not an error.
func FlushDNS(ctx context.Context) error {
	err := exec.CommandContext(ctx, "resolvectl", "flush-caches").Run()
	if errors.Is(err, exec.ErrNotFound) {
		return nil
	}
	return err
}
