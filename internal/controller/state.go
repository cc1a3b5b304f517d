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

package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Mode says how a domain is currently routed.
type Mode string

const (
	// ModeDNS trusts the system resolver; no managed hosts entry exists.
	ModeDNS Mode = "dns"
	// ModePinned means a managed hosts entry overrides resolution.
	ModePinned Mode = "pinned"
)

// domainState is the per-domain hysteresis state the monitor loop carries
// between cycles. Baseline is the weighted score recorded when the current
// pin was applied; the streak counters gate transitions in both directions.
type domainState struct {
	Mode         Mode      `json:"mode"`
	PinnedIP     string    `json:"pinned_ip,omitempty"`
	PinnedAt     time.Time `json:"pinned_at"`
	LastSwitch   time.Time `json:"last_switch"`
	Baseline     float64   `json:"baseline"`
	BetterStreak int       `json:"better_streak"`
	WorseStreak  int       `json:"worse_streak"`
	FailStreak   int       `json:"fail_streak"`
}

// inCooldown reports whether a switch happened recently enough that another
// quality-driven switch must wait.
func (d *domainState) inCooldown(now time.Time, cooldown time.Duration) bool {
	return !d.LastSwitch.IsZero() && now.Sub(d.LastSwitch) < cooldown
}

// stateFile is the on-disk shape of the persisted state.
type stateFile struct {
	Domains map[string]*domainState `json:"domains"`
}

// loadState reads path and returns a usable state map. Missing, corrupt, or
// nonsensical entries become plain DNS mode instead of failing the load:
// losing hysteresis state is recoverable, refusing to start is not.
func loadState(path string) map[string]*domainState {
	domains := make(map[string]*domainState)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return domains
	}
	if err != nil {
		slog.Warn("could not read state file, starting clean", "path", path, "error", err)
		return domains
	}
	var f stateFile
	if err := json.Unmarshal(data, &f); err != nil {
		slog.Warn("state file is corrupt, starting clean", "path", path, "error", err)
		return domains
	}
	for domain, st := range f.Domains {
		if domain == "" || st == nil {
			continue
		}
		switch {
		case st.Mode != ModeDNS && st.Mode != ModePinned:
			st = &domainState{Mode: ModeDNS}
		case st.Mode == ModePinned && st.PinnedIP == "":
			// A pin without an address cannot be supervised or cleared.
			st = &domainState{Mode: ModeDNS, LastSwitch: st.LastSwitch}
		}
		domains[domain] = st
	}
	return domains
}

// saveState writes the state map atomically, the same write-then-rename the
// hosts mutator uses, so a crash never leaves a half-written file.
func saveState(path string, domains map[string]*domainState) error {
	data, err := json.MarshalIndent(stateFile{Domains: domains}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing state: %w", err)
	}
	return nil
}
