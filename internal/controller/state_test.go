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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	pinnedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	in := map[string]*domainState{
		"api.example": {
			Mode:         ModePinned,
			PinnedIP:     "203.0.113.5",
			PinnedAt:     pinnedAt,
			LastSwitch:   pinnedAt,
			Baseline:     52.5,
			BetterStreak: 0,
			WorseStreak:  1,
			FailStreak:   2,
		},
		"plain.example": {Mode: ModeDNS},
	}
	require.NoError(t, saveState(path, in))

	out := loadState(path)
	require.Len(t, out, 2)
	st := out["api.example"]
	require.NotNil(t, st)
	require.Equal(t, ModePinned, st.Mode)
	require.Equal(t, "203.0.113.5", st.PinnedIP)
	require.True(t, st.PinnedAt.Equal(pinnedAt))
	require.Equal(t, 52.5, st.Baseline)
	require.Equal(t, 1, st.WorseStreak)
	require.Equal(t, 2, st.FailStreak)
	require.Equal(t, ModeDNS, out["plain.example"].Mode)
}

func TestLoadStateMissingFile(t *testing.T) {
	out := loadState(filepath.Join(t.TempDir(), "nope.json"))
	require.NotNil(t, out)
	require.Empty(t, out)
}

func TestLoadStateCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	require.Empty(t, loadState(path))
}

func TestLoadStateHealsNonsense(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	switched := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, saveState(path, map[string]*domainState{
		"noip.example": {Mode: ModePinned, LastSwitch: switched, Baseline: 40},
		"odd.example":  {Mode: Mode("turbo"), PinnedIP: "203.0.113.9"},
	}))

	out := loadState(path)

	// A pin without an address reverts to DNS but keeps the switch time so
	// the cooldown still applies.
	st := out["noip.example"]
	require.Equal(t, ModeDNS, st.Mode)
	require.Zero(t, st.Baseline)
	require.True(t, st.LastSwitch.Equal(switched))

	// An unknown mode is dropped entirely.
	st = out["odd.example"]
	require.Equal(t, ModeDNS, st.Mode)
	require.Empty(t, st.PinnedIP)
}

func TestSaveStateCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "state.json")
	require.NoError(t, saveState(path, map[string]*domainState{
		"api.example": {Mode: ModeDNS},
	}))
	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestInCooldown(t *testing.T) {
	now := time.Now()
	st := &domainState{}
	require.False(t, st.inCooldown(now, 10*time.Minute), "zero switch time means no cooldown")

	st.LastSwitch = now.Add(-5 * time.Minute)
	require.True(t, st.inCooldown(now, 10*time.Minute))
	require.False(t, st.inCooldown(now, 4*time.Minute))
}
