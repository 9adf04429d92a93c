// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package usage records served responses in a local SQLite ledger.
//
// Only token counts, tiers and latencies are stored; prompts and completions
// never are. The ledger is optional: the orchestrator accepts any Recorder and
// uses Nop when none is configured.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/rigrun-router/internal/router"
)

// =============================================================================
// TYPES
// =============================================================================

// Record is one served response.
type Record struct {
	RequestID    string
	Tier         router.Tier
	CacheHit     bool
	Fallback     bool
	InputTokens  int
	OutputTokens int
	LatencyMs    int64
	CreatedAt    time.Time
}

// TierSummary aggregates the ledger for one tier.
type TierSummary struct {
	Tier         string
	Requests     int64
	CacheHits    int64
	Fallbacks    int64
	InputTokens  int64
	OutputTokens int64
	AvgLatencyMs float64
}

// TotalTokens returns input plus output tokens.
func (s TierSummary) TotalTokens() int64 {
	return s.InputTokens + s.OutputTokens
}

// Recorder receives one Record per served response.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Nop discards every record.
var Nop Recorder = nopRecorder{}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, Record) error { return nil }

// =============================================================================
// SQLITE LEDGER
// =============================================================================

const createTable = `
CREATE TABLE IF NOT EXISTS usage_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	tier TEXT NOT NULL,
	cache_hit INTEGER NOT NULL DEFAULT 0,
	fallback INTEGER NOT NULL DEFAULT 0,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_tier_time ON usage_records(tier, created_at);
`

// Ledger is a Recorder backed by SQLite. It is safe for concurrent use.
type Ledger struct {
	db *sql.DB
}

var _ Recorder = (*Ledger)(nil)

// Open opens (creating if needed) the ledger at path. Use ":memory:" for a
// throwaway ledger.
func Open(path string) (*Ledger, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage db: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Record stores a usage record. A zero CreatedAt is stamped with the current time.
func (l *Ledger) Record(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO usage_records (request_id, tier, cache_hit, fallback, input_tokens, output_tokens, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.Tier.String(), boolInt(rec.CacheHit), boolInt(rec.Fallback),
		rec.InputTokens, rec.OutputTokens, rec.LatencyMs, rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Summary aggregates records created at or after since, grouped by tier.
// A zero since covers the whole ledger.
func (l *Ledger) Summary(ctx context.Context, since time.Time) ([]TierSummary, error) {
	var sinceMs int64
	if !since.IsZero() {
		sinceMs = since.UnixMilli()
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT tier, COUNT(*), COALESCE(SUM(cache_hit), 0), COALESCE(SUM(fallback), 0),
		        COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(AVG(latency_ms), 0)
		 FROM usage_records WHERE created_at >= ?
		 GROUP BY tier ORDER BY tier`,
		sinceMs,
	)
	if err != nil {
		return nil, fmt.Errorf("usage summary: %w", err)
	}
	defer rows.Close()

	var summaries []TierSummary
	for rows.Next() {
		var s TierSummary
		if err := rows.Scan(&s.Tier, &s.Requests, &s.CacheHits, &s.Fallbacks, &s.InputTokens, &s.OutputTokens, &s.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("scan usage summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Prune deletes records older than before and returns how many were removed.
func (l *Ledger) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM usage_records WHERE created_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune usage: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
