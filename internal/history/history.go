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

// Package history persists optimization records in SQLite so users can see
// what the optimizer actually bought them over the last days.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultRetention is how long records are kept. Add prunes older rows
// opportunistically, so the store never needs a maintenance job.
const DefaultRetention = 7 * 24 * time.Hour

const defaultRecentLimit = 100

// Record is one optimization outcome for one domain.
type Record struct {
	Time           time.Time `json:"time"`
	Domain         string    `json:"domain"`
	OriginalMS     float64   `json:"original_latency"`
	OptimizedMS    float64   `json:"optimized_latency"`
	SpeedupPercent float64   `json:"speedup_percent"`
	Applied        bool      `json:"applied"`
}

// Stats summarizes the records inside a time window.
type Stats struct {
	Count          int     `json:"count"`
	Applied        int     `json:"applied"`
	AvgSpeedup     float64 `json:"avg_speedup"`      // percent, over records that sped up
	AvgOptimizedMS float64 `json:"avg_optimized_ms"` // over applied records
	TotalSavedMS   float64 `json:"total_saved_ms"`   // applied records that sped up
	BestDomain     string  `json:"best_domain"`
}

// Store is a SQLite-backed record store. Safe for concurrent use.
type Store struct {
	db        *sql.DB
	retention time.Duration
}

// Open opens (creating if needed) the database at path and ensures the
// schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("unable to open history database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping history database: %w", err)
	}
	s := &Store{db: db, retention: DefaultRetention}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS records (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	at           TEXT NOT NULL,
	domain       TEXT NOT NULL,
	original_ms  REAL NOT NULL,
	optimized_ms REAL NOT NULL,
	speedup      REAL NOT NULL,
	applied      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_at ON records (at DESC);
CREATE INDEX IF NOT EXISTS idx_records_domain_at ON records (domain, at DESC);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Add stores records in one transaction and prunes rows older than the
// retention window while it is at it. Records with a zero time get stamped
// with the current time.
func (s *Store) Add(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	const insert = `INSERT INTO records (at, domain, original_ms, optimized_ms, speedup, applied) VALUES (?, ?, ?, ?, ?, ?)`
	for _, r := range records {
		at := r.Time
		if at.IsZero() {
			at = time.Now()
		}
		if _, err := tx.ExecContext(ctx, insert, timestamp(at), r.Domain, r.OriginalMS, r.OptimizedMS, r.SpeedupPercent, r.Applied); err != nil {
			return fmt.Errorf("failed to insert record: %w", err)
		}
	}

	cutoff := timestamp(time.Now().Add(-s.retention))
	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE at <= ?`, cutoff); err != nil {
		return fmt.Errorf("failed to prune old records: %w", err)
	}
	return tx.Commit()
}

// Recent returns the newest records, newest first. A non-positive limit
// means the default of 100.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, domain, original_ms, optimized_ms, speedup, applied FROM records ORDER BY at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var at string
		if err := rows.Scan(&at, &r.Domain, &r.OriginalMS, &r.OptimizedMS, &r.SpeedupPercent, &r.Applied); err != nil {
			return nil, fmt.Errorf("failed to scan record row: %w", err)
		}
		r.Time, _ = time.Parse(time.RFC3339Nano, at)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Stats summarizes the records newer than window ago. A non-positive window
// covers everything: the empty cutoff string sorts before any timestamp.
func (s *Store) Stats(ctx context.Context, window time.Duration) (Stats, error) {
	var cutoff string
	if window > 0 {
		cutoff = timestamp(time.Now().Add(-window))
	}

	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(applied), 0) FROM records WHERE at > ?`, cutoff).
		Scan(&st.Count, &st.Applied)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count records: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(AVG(speedup), 0) FROM records WHERE at > ? AND speedup > 0`, cutoff).
		Scan(&st.AvgSpeedup)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to average speedup: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(AVG(optimized_ms), 0) FROM records WHERE at > ? AND applied = 1`, cutoff).
		Scan(&st.AvgOptimizedMS)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to average latency: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(original_ms - optimized_ms), 0) FROM records WHERE at > ? AND applied = 1 AND speedup > 0`, cutoff).
		Scan(&st.TotalSavedMS)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to sum savings: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT domain FROM records WHERE at > ? AND speedup > 0 GROUP BY domain ORDER BY AVG(speedup) DESC LIMIT 1`, cutoff).
		Scan(&st.BestDomain)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Stats{}, fmt.Errorf("failed to find best domain: %w", err)
	}
	return st, nil
}

// Prune deletes records older than olderThan and reports how many went. A
// non-positive duration means the default retention.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = s.retention
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE at <= ?`, timestamp(time.Now().Add(-olderThan)))
	if err != nil {
		return 0, fmt.Errorf("failed to prune records: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Clear deletes every record.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return fmt.Errorf("failed to clear records: %w", err)
	}
	return nil
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
