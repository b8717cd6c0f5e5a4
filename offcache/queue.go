// Copyright 2026 ABParts Authors
// SPDX-License-Identifier: Apache-2.0

package offcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// Operation is the kind of pending mutation.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// EntryStatus is the lifecycle state of a queue entry. Done entries are
// deleted rather than kept, so the table only ever holds live work.
type EntryStatus string

const (
	StatusPending  EntryStatus = "pending"
	StatusInFlight EntryStatus = "in_flight"
	StatusFailed   EntryStatus = "failed"
	// StatusAbandoned marks entries past the retry ceiling; they need manual
	// attention and are never retried automatically.
	StatusAbandoned EntryStatus = "abandoned"
	// StatusBlocked marks children whose parent create entry was abandoned;
	// retrying them would be pointless until the parent is resolved.
	StatusBlocked EntryStatus = "blocked"
)

// QueueEntry is one durable pending mutation.
type QueueEntry struct {
	QueueID       string
	EntityType    string
	Operation     Operation
	TargetRef     string
	ParentRef     string
	Body          json.RawMessage
	Priority      int
	Attempts      int
	Status        EntryStatus
	Rejected      bool
	LastError     string
	OwnerUserID   string
	OwnerTenantID string
	CreatedAt     time.Time
	LastAttemptAt time.Time
	NextEligible  time.Time
}

const provisionalPrefix = "temp_"

// NewProvisionalID generates a client-side temporary identifier for a record
// created offline. It doubles as the idempotency token the server dedupes on.
func NewProvisionalID() string {
	return fmt.Sprintf("%s%d_%s", provisionalPrefix, time.Now().Unix(), uuid.NewString()[:8])
}

// IsProvisionalID reports whether id was generated locally and has not yet
// been reconciled with a server-assigned durable id.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, provisionalPrefix)
}

// Mutation describes a write a domain collaborator wants replayed against the
// server. TargetID is empty for creates; a provisional id is assigned.
type Mutation struct {
	EntityType string
	Operation  Operation
	TargetID   string
	// ParentRef links this mutation to the record it depends on (e.g. a
	// checklist completion to its maintenance execution, a photo to its
	// owning record). While ParentRef is provisional the entry is held back
	// until the parent's create is confirmed.
	ParentRef string
	Payload   json.RawMessage
	// Priority overrides the entity type's default when non-zero.
	Priority int
}

// MutationQueue is the durable FIFO-with-priority store of pending mutations.
type MutationQueue struct {
	db          *sql.DB
	store       *LocalStore
	reg         *Registry
	logger      *slog.Logger
	mu          *sync.Mutex
	now         func() time.Time
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
}

func newMutationQueue(db *sql.DB, store *LocalStore, reg *Registry, logger *slog.Logger,
	mu *sync.Mutex, now func() time.Time, cfg *Config) *MutationQueue {
	return &MutationQueue{
		db:          db,
		store:       store,
		reg:         reg,
		logger:      logger,
		mu:          mu,
		now:         now,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		backoffMax:  cfg.BackoffMax,
	}
}

// Enqueue records the mutation and its optimistic cache write in a single
// transaction: both land or neither does. Returns the persisted entry, whose
// TargetRef carries the assigned provisional id for creates.
func (q *MutationQueue) Enqueue(ctx context.Context, m Mutation, scope Scope) (*QueueEntry, error) {
	et, known := q.reg.Lookup(m.EntityType)
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, m.EntityType)
	}
	if !scope.IsUser() {
		q.logger.Warn("SECURITY: mutation enqueued without complete scope, refusing",
			"entityType", m.EntityType, "op", m.Operation)
		return nil, ErrMissingScope
	}

	targetRef := m.TargetID
	switch m.Operation {
	case OpCreate:
		if targetRef == "" {
			targetRef = NewProvisionalID()
		} else if !IsProvisionalID(targetRef) {
			return nil, fmt.Errorf("create target %q is not a provisional id", targetRef)
		}
	case OpUpdate, OpDelete:
		if targetRef == "" {
			return nil, fmt.Errorf("%s mutation requires a target id", m.Operation)
		}
	default:
		return nil, fmt.Errorf("unknown operation %q", m.Operation)
	}

	priority := m.Priority
	if priority == 0 {
		priority = et.Priority
	}

	now := q.now()
	entry := &QueueEntry{
		QueueID:       uuid.NewString(),
		EntityType:    m.EntityType,
		Operation:     m.Operation,
		TargetRef:     targetRef,
		ParentRef:     m.ParentRef,
		Body:          m.Payload,
		Priority:      priority,
		Status:        StatusPending,
		OwnerUserID:   scope.UserID,
		OwnerTenantID: scope.TenantID,
		CreatedAt:     now,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin enqueue tx: %w", err)
	}
	defer tx.Rollback()

	if err := q.applyOptimisticWrite(ctx, tx, et, entry, now); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO _mutation_queue
			(queue_id, entity_type, op, target_ref, parent_ref, body, priority,
			 attempts, status, rejected, last_error, owner_user_id, owner_tenant_id,
			 created_at, last_attempt_at, next_eligible_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, 0, '', ?, ?, ?, NULL, 0)
	`, entry.QueueID, entry.EntityType, string(entry.Operation), entry.TargetRef,
		entry.ParentRef, string(entry.Body), entry.Priority, string(StatusPending),
		entry.OwnerUserID, entry.OwnerTenantID, fmtTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateCreate, entry.EntityType, entry.TargetRef)
		}
		return nil, fmt.Errorf("failed to enqueue mutation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return entry, nil
}

// applyOptimisticWrite mirrors the mutation into the cache so reads see the
// user's change immediately, flagged synced=false until the server confirms.
func (q *MutationQueue) applyOptimisticWrite(ctx context.Context, tx *sql.Tx,
	et EntityType, entry *QueueEntry, now time.Time) error {

	switch entry.Operation {
	case OpDelete:
		_, err := tx.ExecContext(ctx, `
			DELETE FROM _cache_records WHERE store_name = ? AND id = ?
		`, entry.EntityType, entry.TargetRef)
		if err != nil {
			return fmt.Errorf("failed to apply optimistic delete: %w", err)
		}
		return nil

	case OpCreate, OpUpdate:
		rec := CachedRecord{
			Store:       entry.EntityType,
			ID:          entry.TargetRef,
			Payload:     entry.Body,
			FetchedAt:   now,
			LastWriteAt: now,
			Synced:      false,
		}
		if !et.Global {
			rec.OwnerUserID = entry.OwnerUserID
			rec.OwnerTenantID = entry.OwnerTenantID
		}
		if entry.Operation == OpUpdate {
			// Preserve the original fetch timestamp on updates.
			var fetchedAt string
			err := tx.QueryRowContext(ctx, `
				SELECT fetched_at FROM _cache_records WHERE store_name = ? AND id = ?
			`, entry.EntityType, entry.TargetRef).Scan(&fetchedAt)
			if err == nil {
				rec.FetchedAt = parseTime(fetchedAt)
			} else if err != sql.ErrNoRows {
				return fmt.Errorf("failed to read record for optimistic update: %w", err)
			}
		}
		return q.store.putLocked(ctx, tx, rec)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// DequeueNextBatch returns the entries eligible for the next sync pass:
// pending, or failed with retry budget left and backoff elapsed, ordered by
// priority then insertion order. Entries gated on a still-outstanding parent
// create are excluded; children of abandoned parents are moved to blocked.
func (q *MutationQueue) DequeueNextBatch(ctx context.Context) ([]QueueEntry, error) {
	now := q.now()
	rows, err := q.db.QueryContext(ctx, `
		SELECT queue_id, entity_type, op, target_ref, parent_ref, body, priority,
		       attempts, status, rejected, last_error, owner_user_id, owner_tenant_id,
		       created_at, last_attempt_at, next_eligible_at
		FROM _mutation_queue
		WHERE status IN (?, ?)
		  AND attempts < ?
		  AND next_eligible_at <= ?
		ORDER BY priority ASC, rowid ASC
	`, string(StatusPending), string(StatusFailed), q.maxAttempts, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible entries: %w", err)
	}
	candidates, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}

	outstanding, err := q.outstandingCreates(ctx)
	if err != nil {
		return nil, err
	}

	var batch []QueueEntry
	for _, e := range candidates {
		gated, parentStatus := gatingParent(e, outstanding)
		if !gated {
			batch = append(batch, e)
			continue
		}
		if parentStatus == StatusAbandoned || parentStatus == StatusBlocked {
			if err := q.block(ctx, e.QueueID, "parent create abandoned: "+gatingRef(e)); err != nil {
				return nil, err
			}
			continue
		}
		// Parent create still live; the entry stays pending for a later pass.
	}
	return batch, nil
}

// gatingParent reports whether entry must wait on an outstanding create, and
// that create's status.
func gatingParent(e QueueEntry, outstanding map[string]EntryStatus) (bool, EntryStatus) {
	if e.Operation != OpCreate && IsProvisionalID(e.TargetRef) {
		if st, ok := outstanding[e.TargetRef]; ok {
			return true, st
		}
	}
	if e.ParentRef != "" && IsProvisionalID(e.ParentRef) {
		if st, ok := outstanding[e.ParentRef]; ok {
			return true, st
		}
	}
	return false, ""
}

func gatingRef(e QueueEntry) string {
	if e.ParentRef != "" && IsProvisionalID(e.ParentRef) {
		return e.ParentRef
	}
	return e.TargetRef
}

// outstandingCreates maps provisional ids to the status of their create
// entry. Completed creates are deleted, so presence means unfinished.
func (q *MutationQueue) outstandingCreates(ctx context.Context) (map[string]EntryStatus, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT target_ref, status FROM _mutation_queue WHERE op = ?
	`, string(OpCreate))
	if err != nil {
		return nil, fmt.Errorf("failed to query outstanding creates: %w", err)
	}
	defer rows.Close()

	out := make(map[string]EntryStatus)
	for rows.Next() {
		var ref, status string
		if err := rows.Scan(&ref, &status); err != nil {
			return nil, fmt.Errorf("failed to scan outstanding create: %w", err)
		}
		out[ref] = EntryStatus(status)
	}
	return out, rows.Err()
}

// MarkInFlight transitions an entry to in_flight before its request is sent.
func (q *MutationQueue) MarkInFlight(ctx context.Context, queueID string) error {
	return q.setStatus(ctx, queueID, StatusInFlight, "")
}

// MarkDone removes the entry; the mutation is confirmed server-side.
func (q *MutationQueue) MarkDone(ctx context.Context, queueID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.db.ExecContext(ctx, `DELETE FROM _mutation_queue WHERE queue_id = ?`, queueID)
	if err != nil {
		return fmt.Errorf("failed to mark entry %s done: %w", queueID, err)
	}
	return nil
}

// MarkFailed records a failed attempt, schedules exponential backoff and
// moves the entry to abandoned once the retry ceiling is hit. rejected flags
// 4xx server rejections so the UI can say "rejected", not "still trying".
func (q *MutationQueue) MarkFailed(ctx context.Context, entry *QueueEntry, sendErr error, rejected bool) error {
	now := q.now()
	attempts := entry.Attempts + 1
	status := StatusFailed
	if attempts >= q.maxAttempts {
		status = StatusAbandoned
		q.logger.Warn("mutation abandoned after exhausting retries",
			"queueID", entry.QueueID, "entityType", entry.EntityType,
			"targetRef", entry.TargetRef, "attempts", attempts, "err", sendErr)
	}
	delay := backoffDelay(attempts, q.backoffBase, q.backoffMax)

	rejectedVal := 0
	if rejected || entry.Rejected {
		rejectedVal = 1
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.db.ExecContext(ctx, `
		UPDATE _mutation_queue
		SET status = ?, attempts = ?, rejected = ?, last_error = ?,
		    last_attempt_at = ?, next_eligible_at = ?
		WHERE queue_id = ?
	`, string(status), attempts, rejectedVal, sendErr.Error(),
		fmtTime(now), now.Add(delay).UnixMilli(), entry.QueueID)
	if err != nil {
		return fmt.Errorf("failed to mark entry %s failed: %w", entry.QueueID, err)
	}

	entry.Attempts = attempts
	entry.Status = status
	entry.Rejected = rejectedVal == 1
	return nil
}

// backoffDelay computes min(2^attempts * base, max).
func backoffDelay(attempts int, base, max time.Duration) time.Duration {
	if attempts > 30 {
		attempts = 30
	}
	d := base << uint(attempts)
	if d <= 0 || d > max {
		return max
	}
	return d
}

func (q *MutationQueue) setStatus(ctx context.Context, queueID string, status EntryStatus, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.db.ExecContext(ctx, `
		UPDATE _mutation_queue SET status = ?, last_error = CASE WHEN ? != '' THEN ? ELSE last_error END
		WHERE queue_id = ?
	`, string(status), reason, reason, queueID)
	if err != nil {
		return fmt.Errorf("failed to set entry %s to %s: %w", queueID, status, err)
	}
	return nil
}

func (q *MutationQueue) block(ctx context.Context, queueID, reason string) error {
	q.logger.Warn("mutation blocked on abandoned parent", "queueID", queueID, "reason", reason)
	return q.setStatus(ctx, queueID, StatusBlocked, reason)
}

// Retry resets an abandoned, blocked or failed entry for another round of
// attempts. Retrying a create also unblocks children held on its target.
func (q *MutationQueue) Retry(ctx context.Context, queueID string) error {
	entry, err := q.getEntry(ctx, queueID)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin retry tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE _mutation_queue
		SET status = ?, attempts = 0, rejected = 0, last_error = '', next_eligible_at = 0
		WHERE queue_id = ?
	`, string(StatusPending), queueID); err != nil {
		return fmt.Errorf("failed to retry entry %s: %w", queueID, err)
	}

	if entry.Operation == OpCreate {
		if _, err := tx.ExecContext(ctx, `
			UPDATE _mutation_queue SET status = ?, last_error = ''
			WHERE status = ? AND (target_ref = ? OR parent_ref = ?)
		`, string(StatusPending), string(StatusBlocked), entry.TargetRef, entry.TargetRef); err != nil {
			return fmt.Errorf("failed to unblock children of %s: %w", entry.TargetRef, err)
		}
	}
	return tx.Commit()
}

// Discard drops an entry and its optimistic cache record. Used when the user
// gives up on an abandoned or rejected mutation.
func (q *MutationQueue) Discard(ctx context.Context, queueID string) error {
	entry, err := q.getEntry(ctx, queueID)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin discard tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM _mutation_queue WHERE queue_id = ?`, queueID); err != nil {
		return fmt.Errorf("failed to discard entry %s: %w", queueID, err)
	}
	if entry.Operation == OpCreate {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM _cache_records WHERE store_name = ? AND id = ?
		`, entry.EntityType, entry.TargetRef); err != nil {
			return fmt.Errorf("failed to drop optimistic record %s: %w", entry.TargetRef, err)
		}
	}
	return tx.Commit()
}

func (q *MutationQueue) getEntry(ctx context.Context, queueID string) (*QueueEntry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT queue_id, entity_type, op, target_ref, parent_ref, body, priority,
		       attempts, status, rejected, last_error, owner_user_id, owner_tenant_id,
		       created_at, last_attempt_at, next_eligible_at
		FROM _mutation_queue WHERE queue_id = ?
	`, queueID)
	if err != nil {
		return nil, fmt.Errorf("failed to load entry %s: %w", queueID, err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("queue entry %s not found", queueID)
	}
	return &entries[0], nil
}

// PendingCount returns how many of the scope's mutations still await
// confirmation. Abandoned and blocked entries are excluded; they show up in
// NeedsAttentionCount instead.
func (q *MutationQueue) PendingCount(ctx context.Context, scope Scope) (int, error) {
	return q.countByStatus(ctx, scope, StatusPending, StatusInFlight, StatusFailed)
}

// NeedsAttentionCount returns how many of the scope's mutations require
// manual retry or discard.
func (q *MutationQueue) NeedsAttentionCount(ctx context.Context, scope Scope) (int, error) {
	return q.countByStatus(ctx, scope, StatusAbandoned, StatusBlocked)
}

func (q *MutationQueue) countByStatus(ctx context.Context, scope Scope, statuses ...EntryStatus) (int, error) {
	if !scope.IsUser() {
		q.logger.Warn("SECURITY: queue count requested without complete scope, failing closed")
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := []any{scope.TenantID, scope.UserID}
	for _, st := range statuses {
		args = append(args, string(st))
	}
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM _mutation_queue
		WHERE owner_tenant_id = ? AND owner_user_id = ? AND status IN (`+placeholders+`)
	`, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue entries: %w", err)
	}
	return n, nil
}

// ListEntries returns the scope's entries in the given statuses, queue order.
func (q *MutationQueue) ListEntries(ctx context.Context, scope Scope, statuses ...EntryStatus) ([]QueueEntry, error) {
	if !scope.IsUser() {
		q.logger.Warn("SECURITY: queue listing requested without complete scope, failing closed")
		return []QueueEntry{}, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := []any{scope.TenantID, scope.UserID}
	for _, st := range statuses {
		args = append(args, string(st))
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT queue_id, entity_type, op, target_ref, parent_ref, body, priority,
		       attempts, status, rejected, last_error, owner_user_id, owner_tenant_id,
		       created_at, last_attempt_at, next_eligible_at
		FROM _mutation_queue
		WHERE owner_tenant_id = ? AND owner_user_id = ? AND status IN (`+placeholders+`)
		ORDER BY priority ASC, rowid ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue entries: %w", err)
	}
	return scanEntries(rows)
}

// reconcileRefs rewrites every queue reference to a just-created record from
// its provisional id to the durable one, inside the caller's transaction.
func (q *MutationQueue) reconcileRefs(ctx context.Context, tx *sql.Tx, provisional, durable string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE _mutation_queue SET target_ref = ? WHERE target_ref = ?
	`, durable, provisional); err != nil {
		return fmt.Errorf("failed to rewrite target refs %s -> %s: %w", provisional, durable, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE _mutation_queue SET parent_ref = ? WHERE parent_ref = ?
	`, durable, provisional); err != nil {
		return fmt.Errorf("failed to rewrite parent refs %s -> %s: %w", provisional, durable, err)
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]QueueEntry, error) {
	defer rows.Close()
	var out []QueueEntry
	for rows.Next() {
		var e QueueEntry
		var op, status, createdAt string
		var body sql.NullString
		var lastAttemptAt sql.NullString
		var nextEligible int64
		var rejected int
		if err := rows.Scan(&e.QueueID, &e.EntityType, &op, &e.TargetRef, &e.ParentRef,
			&body, &e.Priority, &e.Attempts, &status, &rejected, &e.LastError,
			&e.OwnerUserID, &e.OwnerTenantID, &createdAt, &lastAttemptAt, &nextEligible); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		e.Operation = Operation(op)
		e.Status = EntryStatus(status)
		e.Rejected = rejected == 1
		if body.Valid {
			e.Body = json.RawMessage(body.String)
		}
		e.CreatedAt = parseTime(createdAt)
		if lastAttemptAt.Valid {
			e.LastAttemptAt = parseTime(lastAttemptAt.String)
		}
		if nextEligible > 0 {
			e.NextEligible = time.UnixMilli(nextEligible)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
