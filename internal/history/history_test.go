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

package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Add(ctx, []Record{
		{Time: now.Add(-2 * time.Minute), Domain: "a.example", OriginalMS: 200, OptimizedMS: 100, SpeedupPercent: 50, Applied: true},
		{Time: now.Add(-1 * time.Minute), Domain: "b.example", OriginalMS: 150, OptimizedMS: 150, SpeedupPercent: 0, Applied: false},
	}))

	records, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "b.example", records[0].Domain, "newest first")
	require.Equal(t, "a.example", records[1].Domain)
	require.Equal(t, 200.0, records[1].OriginalMS)
	require.Equal(t, 100.0, records[1].OptimizedMS)
	require.True(t, records[1].Applied)
	require.False(t, records[0].Applied)
	require.WithinDuration(t, now.Add(-2*time.Minute), records[1].Time, time.Second)
}

func TestAddEmptyIsNoOp(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Add(context.Background(), nil))
	records, err := s.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestAddStampsZeroTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Add(ctx, []Record{{Domain: "a.example", SpeedupPercent: 10, Applied: true}}))

	records, err := s.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.WithinDuration(t, time.Now(), records[0].Time, time.Minute)
}

func TestAddPrunesExpiredRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A record already past retention is swept by the very Add that wrote it.
	old := Record{Time: time.Now().Add(-8 * 24 * time.Hour), Domain: "stale.example"}
	require.NoError(t, s.Add(ctx, []Record{old}))
	records, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, records)

	require.NoError(t, s.Add(ctx, []Record{{Time: time.Now(), Domain: "fresh.example"}}))
	records, err = s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "fresh.example", records[0].Domain)
}

func TestRecentLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	var batch []Record
	for i := 0; i < 5; i++ {
		batch = append(batch, Record{Time: now.Add(time.Duration(i) * time.Second), Domain: "a.example"})
	}
	require.NoError(t, s.Add(ctx, batch))

	records, err := s.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, records, 3)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Add(ctx, []Record{
		// Applied with speedup: saved 100ms at 50%.
		{Time: now.Add(-10 * time.Minute), Domain: "fast.example", OriginalMS: 200, OptimizedMS: 100, SpeedupPercent: 50, Applied: true},
		// Applied with speedup: saved 30ms at 20%.
		{Time: now.Add(-8 * time.Minute), Domain: "slow.example", OriginalMS: 150, OptimizedMS: 120, SpeedupPercent: 20, Applied: true},
		// Tested but original kept.
		{Time: now.Add(-6 * time.Minute), Domain: "meh.example", OriginalMS: 90, OptimizedMS: 90, SpeedupPercent: 0, Applied: false},
		// Outside a 5 minute window checks below.
		{Time: now.Add(-2 * time.Minute), Domain: "fast.example", OriginalMS: 100, OptimizedMS: 80, SpeedupPercent: 20, Applied: true},
	}))

	st, err := s.Stats(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 4, st.Count)
	require.Equal(t, 3, st.Applied)
	require.InDelta(t, (50.0+20.0+20.0)/3, st.AvgSpeedup, 0.01)
	require.InDelta(t, (100.0+120.0+80.0)/3, st.AvgOptimizedMS, 0.01)
	require.InDelta(t, 100.0+30.0+20.0, st.TotalSavedMS, 0.01)
	require.Equal(t, "fast.example", st.BestDomain, "(50+20)/2 beats 20")

	st, err = s.Stats(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, st.Count)
	require.Equal(t, 1, st.Applied)
	require.InDelta(t, 20.0, st.AvgSpeedup, 0.01)
}

func TestStatsEmpty(t *testing.T) {
	s := newTestStore(t)
	st, err := s.Stats(context.Background(), time.Hour)
	require.NoError(t, err)
	require.Zero(t, st.Count)
	require.Zero(t, st.Applied)
	require.Zero(t, st.AvgSpeedup)
	require.Empty(t, st.BestDomain)
}

func TestPruneAndClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Add(ctx, []Record{
		{Time: now.Add(-48 * time.Hour), Domain: "old.example"},
		{Time: now, Domain: "new.example"},
	}))

	n, err := s.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	records, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "new.example", records[0].Domain)

	require.NoError(t, s.Clear(ctx))
	records, err = s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, records)
}
