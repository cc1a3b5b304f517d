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

//go:build darwin

package hostsfile

import (
	"context"
	"fmt"
	"os/exec"
)

// FlushDNS clears the macOS resolver cache. mDNSResponder keeps its own
// cache, so it gets a HUP as well; that part is best effort.
func FlushDNS(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "dscacheutil", "-flushcache").CombinedOutput()
	if err != nil {
		return fmt.Errorf("dscacheutil -flushcache: %v: %s", err, out)
	}
	_ = exec.CommandContext(ctx, "killall", "-HUP", "mDNSResponder").Run()
	return nil
}
