// Copyright 2026 ABParts Authors
// SPDX-License-Identifier: Apache-2.0

package offcache

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const timeLayout = time.RFC3339Nano

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// initializeDatabase creates the cache, metadata and queue tables and applies
// the pragmas the engine depends on (WAL journal, foreign keys, busy timeout).
func initializeDatabase(db *sql.DB) error {
	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA foreign_keys=ON`,
		`PRAGMA busy_timeout=5000`,
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("failed to apply pragma %q: %w", p, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS _cache_records (
			store_name      TEXT NOT NULL,
			id              TEXT NOT NULL,
			owner_user_id   TEXT NOT NULL DEFAULT '',
			owner_tenant_id TEXT NOT NULL DEFAULT '',
			payload         TEXT NOT NULL,
			fetched_at      TEXT NOT NULL,
			last_write_at   TEXT NOT NULL,
			synced          INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (store_name, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_records_scope
			ON _cache_records(store_name, owner_tenant_id, owner_user_id)`,
		`CREATE TABLE IF NOT EXISTS _cache_meta (
			store_name      TEXT PRIMARY KEY,
			last_fetched_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS _client_info (
			id        INTEGER PRIMARY KEY CHECK (id = 1),
			source_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS _mutation_queue (
			queue_id        TEXT PRIMARY KEY,
			entity_type     TEXT NOT NULL,
			op              TEXT NOT NULL,
			target_ref      TEXT NOT NULL,
			parent_ref      TEXT NOT NULL DEFAULT '',
			body            TEXT,
			priority        INTEGER NOT NULL DEFAULT 100,
			attempts        INTEGER NOT NULL DEFAULT 0,
			status          TEXT NOT NULL DEFAULT 'pending',
			rejected        INTEGER NOT NULL DEFAULT 0,
			last_error      TEXT NOT NULL DEFAULT '',
			owner_user_id   TEXT NOT NULL DEFAULT '',
			owner_tenant_id TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL,
			last_attempt_at TEXT,
			next_eligible_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mutation_queue_batch
			ON _mutation_queue(status, priority, created_at)`,
		// Exactly one outstanding create per provisional id per entity type.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_mutation_queue_create
			ON _mutation_queue(entity_type, target_ref) WHERE op = 'create'`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// recoverInFlight resets entries stranded in_flight by a crash or app close
// mid-sync back to pending so the next cycle picks them up. Safe because the
// server deduplicates resends on the client-supplied idempotency token.
func recoverInFlight(db *sql.DB) error {
	_, err := db.Exec(`
		UPDATE _mutation_queue SET status = ? WHERE status = ?
	`, StatusPending, StatusInFlight)
	if err != nil {
		return fmt.Errorf("failed to reset in-flight entries: %w", err)
	}
	return nil
}

// EnsureSourceID returns the stable per-install source id, generating and
// persisting one on first use. The id is sent with every sync request so the
// backend can attribute changes per device.
func EnsureSourceID(db *sql.DB) (string, error) {
	var sourceID string
	err := db.QueryRow(`SELECT source_id FROM _client_info WHERE id = 1`).Scan(&sourceID)
	if err == nil {
		return sourceID, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to read client info: %w", err)
	}

	sourceID = uuid.NewString()
	if _, err := db.Exec(`INSERT INTO _client_info (id, source_id) VALUES (1, ?)`, sourceID); err != nil {
		return "", fmt.Errorf("failed to persist source id: %w", err)
	}
	return sourceID, nil
}
