// Copyright 2026 ABParts Authors
// SPDX-License-Identifier: Apache-2.0

package offcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CachedRecord is a stored copy of a server-owned record. ID is either the
// server-durable identifier or a provisional id assigned while offline.
type CachedRecord struct {
	Store         string
	ID            string
	OwnerUserID   string
	OwnerTenantID string
	Payload       json.RawMessage
	FetchedAt     time.Time
	LastWriteAt   time.Time
	Synced        bool
}

// LocalStore is the durable key/value layer backing every entity-type store,
// plus per-store refresh metadata for staleness checks. All access goes
// through its scoped API; callers never reach into the tables directly.
type LocalStore struct {
	db     *sql.DB
	reg    *Registry
	logger *slog.Logger
	mu     *sync.Mutex // shared app-level write lock, serializes SQLite writers
	now    func() time.Time
}

func newLocalStore(db *sql.DB, reg *Registry, logger *slog.Logger, mu *sync.Mutex, now func() time.Time) *LocalStore {
	return &LocalStore{db: db, reg: reg, logger: logger, mu: mu, now: now}
}

// checkScope applies the fail-closed rule: a scoped store accessed without a
// complete user scope yields nothing, loudly. Returns (useScope, ok).
func (s *LocalStore) checkScope(storeName string, scope Scope) (bool, bool) {
	et, known := s.reg.Lookup(storeName)
	if !known {
		s.logger.Warn("access to undeclared store", "store", storeName)
		return false, false
	}
	if et.Global {
		return false, true // global stores are read unscoped
	}
	if !scope.IsUser() {
		s.logger.Warn("SECURITY: scoped store accessed without complete scope, failing closed",
			"store", storeName, "userID", scope.UserID, "tenantID", scope.TenantID)
		return false, false
	}
	return true, true
}

// Put upserts a single record. It does not touch the store's refresh
// metadata; only full refreshes count for staleness.
func (s *LocalStore) Put(ctx context.Context, rec CachedRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(ctx, s.db, rec)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *LocalStore) putLocked(ctx context.Context, ex execer, rec CachedRecord) error {
	synced := 0
	if rec.Synced {
		synced = 1
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO _cache_records
			(store_name, id, owner_user_id, owner_tenant_id, payload, fetched_at, last_write_at, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(store_name, id) DO UPDATE SET
			owner_user_id = excluded.owner_user_id,
			owner_tenant_id = excluded.owner_tenant_id,
			payload = excluded.payload,
			fetched_at = excluded.fetched_at,
			last_write_at = excluded.last_write_at,
			synced = excluded.synced
	`, rec.Store, rec.ID, rec.OwnerUserID, rec.OwnerTenantID, string(rec.Payload),
		fmtTime(rec.FetchedAt), fmtTime(rec.LastWriteAt), synced)
	if err != nil {
		return fmt.Errorf("failed to put record %s/%s: %w", rec.Store, rec.ID, err)
	}
	return nil
}

// PutAll replaces the store's synced contents for the given scope with the
// fetched records and stamps the store's last_fetched_at metadata. Unsynced
// optimistic records are left in place; the mutation queue still owns them.
func (s *LocalStore) PutAll(ctx context.Context, storeName string, scope Scope, payloads map[string]json.RawMessage) error {
	scoped, ok := s.checkScope(storeName, scope)
	if !ok {
		return ErrMissingScope
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin refresh tx: %w", err)
	}
	defer tx.Rollback()

	if scoped {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM _cache_records
			WHERE store_name = ? AND owner_tenant_id = ? AND owner_user_id = ? AND synced = 1
		`, storeName, scope.TenantID, scope.UserID)
	} else {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM _cache_records WHERE store_name = ? AND synced = 1
		`, storeName)
	}
	if err != nil {
		return fmt.Errorf("failed to clear store %s for refresh: %w", storeName, err)
	}

	// Rows that survived the delete are unsynced optimistic writes; the
	// mutation queue still owns them, so a fetched copy of the same id must
	// not clobber them.
	unsynced, err := s.unsyncedIDs(ctx, tx, storeName, scoped, scope)
	if err != nil {
		return err
	}

	now := s.now()
	for id, payload := range payloads {
		if unsynced[id] {
			continue
		}
		rec := CachedRecord{
			Store:       storeName,
			ID:          id,
			Payload:     payload,
			FetchedAt:   now,
			LastWriteAt: now,
			Synced:      true,
		}
		if scoped {
			rec.OwnerUserID = scope.UserID
			rec.OwnerTenantID = scope.TenantID
		}
		if err := s.putLocked(ctx, tx, rec); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO _cache_meta (store_name, last_fetched_at) VALUES (?, ?)
		ON CONFLICT(store_name) DO UPDATE SET last_fetched_at = excluded.last_fetched_at
	`, storeName, fmtTime(now))
	if err != nil {
		return fmt.Errorf("failed to update refresh metadata for %s: %w", storeName, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit refresh for %s: %w", storeName, err)
	}
	return nil
}

func (s *LocalStore) unsyncedIDs(ctx context.Context, tx *sql.Tx,
	storeName string, scoped bool, scope Scope) (map[string]bool, error) {

	var (
		rows *sql.Rows
		err  error
	)
	if scoped {
		rows, err = tx.QueryContext(ctx, `
			SELECT id FROM _cache_records
			WHERE store_name = ? AND owner_tenant_id = ? AND owner_user_id = ? AND synced = 0
		`, storeName, scope.TenantID, scope.UserID)
	} else {
		rows, err = tx.QueryContext(ctx, `
			SELECT id FROM _cache_records WHERE store_name = ? AND synced = 0
		`, storeName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced ids for %s: %w", storeName, err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan unsynced id: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// Get returns all records visible under scope. A scoped store read without a
// complete scope returns an empty slice after logging a security warning;
// it never falls through to unscoped data.
func (s *LocalStore) Get(ctx context.Context, storeName string, scope Scope) ([]CachedRecord, error) {
	scoped, ok := s.checkScope(storeName, scope)
	if !ok {
		return []CachedRecord{}, nil
	}

	var (
		rows *sql.Rows
		err  error
	)
	if scoped {
		rows, err = s.db.QueryContext(ctx, `
			SELECT store_name, id, owner_user_id, owner_tenant_id, payload, fetched_at, last_write_at, synced
			FROM _cache_records
			WHERE store_name = ? AND owner_tenant_id = ? AND owner_user_id = ?
			ORDER BY last_write_at
		`, storeName, scope.TenantID, scope.UserID)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT store_name, id, owner_user_id, owner_tenant_id, payload, fetched_at, last_write_at, synced
			FROM _cache_records
			WHERE store_name = ?
			ORDER BY last_write_at
		`, storeName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query store %s: %w", storeName, err)
	}
	defer rows.Close()

	var out []CachedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetByID is a point lookup with the same scoping rule as Get.
// Returns (nil, nil) when the record is absent or out of scope.
func (s *LocalStore) GetByID(ctx context.Context, storeName, id string, scope Scope) (*CachedRecord, error) {
	scoped, ok := s.checkScope(storeName, scope)
	if !ok {
		return nil, nil
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT store_name, id, owner_user_id, owner_tenant_id, payload, fetched_at, last_write_at, synced
		FROM _cache_records
		WHERE store_name = ? AND id = ?
	`, storeName, id)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if scoped && (rec.OwnerTenantID != scope.TenantID || rec.OwnerUserID != scope.UserID) {
		s.logger.Warn("SECURITY: point lookup crossed scope boundary, failing closed",
			"store", storeName, "id", id, "tenantID", scope.TenantID)
		return nil, nil
	}
	return &rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (CachedRecord, error) {
	var rec CachedRecord
	var payload, fetchedAt, lastWriteAt string
	var synced int
	err := row.Scan(&rec.Store, &rec.ID, &rec.OwnerUserID, &rec.OwnerTenantID,
		&payload, &fetchedAt, &lastWriteAt, &synced)
	if err != nil {
		if err == sql.ErrNoRows {
			return rec, err
		}
		return rec, fmt.Errorf("failed to scan cache record: %w", err)
	}
	rec.Payload = json.RawMessage(payload)
	rec.FetchedAt = parseTime(fetchedAt)
	rec.LastWriteAt = parseTime(lastWriteAt)
	rec.Synced = synced == 1
	return rec, nil
}

// Remove deletes a single record.
func (s *LocalStore) Remove(ctx context.Context, storeName, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM _cache_records WHERE store_name = ? AND id = ?
	`, storeName, id)
	if err != nil {
		return fmt.Errorf("failed to remove record %s/%s: %w", storeName, id, err)
	}
	return nil
}

// Clear empties one store and forgets its refresh metadata.
func (s *LocalStore) Clear(ctx context.Context, storeName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin clear tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM _cache_records WHERE store_name = ?`, storeName); err != nil {
		return fmt.Errorf("failed to clear store %s: %w", storeName, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM _cache_meta WHERE store_name = ?`, storeName); err != nil {
		return fmt.Errorf("failed to clear metadata for %s: %w", storeName, err)
	}
	return tx.Commit()
}

// ClearAll wipes every store, the refresh metadata and the mutation queue.
// Used on logout and tenant switch so no residual cross-tenant data survives.
func (s *LocalStore) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin clear-all tx: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"_cache_records", "_cache_meta", "_mutation_queue"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// IsStale reports whether the store has had no successful full refresh within
// ttl. A store with no refresh metadata at all is stale.
func (s *LocalStore) IsStale(ctx context.Context, storeName string, ttl time.Duration) (bool, error) {
	var lastFetched string
	err := s.db.QueryRowContext(ctx, `
		SELECT last_fetched_at FROM _cache_meta WHERE store_name = ?
	`, storeName).Scan(&lastFetched)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("failed to read refresh metadata for %s: %w", storeName, err)
	}
	return s.now().Sub(parseTime(lastFetched)) > ttl, nil
}

// hasRefreshMetadata reports whether the store was ever fully refreshed,
// which is how an empty result set is told apart from "no cached data".
func (s *LocalStore) hasRefreshMetadata(ctx context.Context, storeName string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM _cache_meta WHERE store_name = ?
	`, storeName).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check refresh metadata for %s: %w", storeName, err)
	}
	return n > 0, nil
}
