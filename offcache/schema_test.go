// Copyright 2026 ABParts Authors
// SPDX-License-Identifier: Apache-2.0

package offcache

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func TestInitializeDatabase(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, initializeDatabase(db))

	expectedTables := []string{"_cache_records", "_cache_meta", "_client_info", "_mutation_queue"}
	for _, table := range expectedTables {
		var count int
		err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "table %s should exist", table)
	}

	var journalMode string
	require.NoError(t, db.QueryRow(`PRAGMA journal_mode`).Scan(&journalMode))
	require.Equal(t, "wal", journalMode)

	// Re-running initialization must be a no-op, not an error.
	require.NoError(t, initializeDatabase(db))
}

func TestEnsureSourceID(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, initializeDatabase(db))

	first, err := EnsureSourceID(db)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := EnsureSourceID(db)
	require.NoError(t, err)
	require.Equal(t, first, second, "source id must be stable per install")
}

func TestRecoverInFlightResetsToPending(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, initializeDatabase(db))

	_, err = db.Exec(`
		INSERT INTO _mutation_queue
			(queue_id, entity_type, op, target_ref, status, created_at, owner_user_id, owner_tenant_id)
		VALUES ('q1', 'machines', 'update', 'm-1', 'in_flight', '2026-01-01T00:00:00Z', 'u1', 't1')
	`)
	require.NoError(t, err)

	require.NoError(t, recoverInFlight(db))

	var status string
	require.NoError(t, db.QueryRow(`SELECT status FROM _mutation_queue WHERE queue_id = 'q1'`).Scan(&status))
	require.Equal(t, string(StatusPending), status)
}

func TestProvisionalIDs(t *testing.T) {
	id := NewProvisionalID()
	require.True(t, IsProvisionalID(id))
	require.False(t, IsProvisionalID("srv-99"))

	other := NewProvisionalID()
	require.NotEqual(t, id, other)
}
