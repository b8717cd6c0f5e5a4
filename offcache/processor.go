// Copyright 2026 ABParts Authors
// SPDX-License-Identifier: Apache-2.0

package offcache

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
)

// TokenFunc returns the current bearer credential for outbound sync calls.
type TokenFunc func(ctx context.Context) (string, error)

// EntryError describes one entry that could not be confirmed this cycle.
type EntryError struct {
	QueueID    string
	EntityType string
	TargetRef  string
	Message    string
	// Rejected means the server refused the payload (4xx); the entry is not
	// "still syncing", the user has to fix and resubmit.
	Rejected bool
}

// SyncResult is the ephemeral aggregate of one sync cycle. It is never
// persisted; failures stay visible through queue entry statuses.
type SyncResult struct {
	Total     int
	Succeeded int
	Failed    int
	Rejected  int
	Errors    []EntryError
}

// wire field names the API backend contract fixes: the provisional id rides
// in client_ref as the idempotency token, parent linkage in parent_id.
const (
	fieldClientRef = "client_ref"
	fieldParentID  = "parent_id"
	fieldID        = "id"
)

// maxSyncPasses bounds how often one cycle re-selects the queue so children
// unlocked by a parent create in this cycle still go out; each pass requires
// progress, so the loop ends as soon as nothing moves.
const maxSyncPasses = 8

// SyncProcessor executes one sync cycle: drain eligible queue entries against
// the remote API and reconcile provisional identity.
type SyncProcessor struct {
	db       *sql.DB
	store    *LocalStore
	queue    *MutationQueue
	reg      *Registry
	monitor  *NetworkMonitor
	logger   *slog.Logger
	http     *http.Client
	baseURL  string
	token    TokenFunc
	sourceID string
	writeMu  *sync.Mutex
	now      func() time.Time

	requestTimeout  time.Duration
	typeConcurrency int

	subMu   sync.Mutex
	subs    map[int]func(provisional, durable string)
	nextSub int
}

func newSyncProcessor(db *sql.DB, store *LocalStore, queue *MutationQueue, reg *Registry,
	monitor *NetworkMonitor, logger *slog.Logger, httpClient *http.Client,
	baseURL, sourceID string, token TokenFunc, writeMu *sync.Mutex,
	now func() time.Time, cfg *Config) *SyncProcessor {
	return &SyncProcessor{
		db:              db,
		store:           store,
		queue:           queue,
		reg:             reg,
		monitor:         monitor,
		logger:          logger,
		http:            httpClient,
		baseURL:         baseURL,
		sourceID:        sourceID,
		token:           token,
		writeMu:         writeMu,
		now:             now,
		requestTimeout:  cfg.RequestTimeout,
		typeConcurrency: cfg.TypeConcurrency,
		subs:            make(map[int]func(string, string)),
	}
}

// OnIDReconciled subscribes to provisional-to-durable id rewrites so UI state
// can re-key instead of polling. The returned function unsubscribes.
func (p *SyncProcessor) OnIDReconciled(cb func(provisional, durable string)) func() {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = cb
	return func() {
		p.subMu.Lock()
		defer p.subMu.Unlock()
		delete(p.subs, id)
	}
}

func (p *SyncProcessor) notifyReconciled(provisional, durable string) {
	p.subMu.Lock()
	subs := make([]func(string, string), 0, len(p.subs))
	for _, cb := range p.subs {
		subs = append(subs, cb)
	}
	p.subMu.Unlock()
	for _, cb := range subs {
		cb(provisional, durable)
	}
}

// RunSyncCycle drains the eligible queue once. Entries within one entity type
// go out strictly sequentially; independent types run concurrently. A single
// failing entry never aborts the cycle.
func (p *SyncProcessor) RunSyncCycle(ctx context.Context) (*SyncResult, error) {
	result := &SyncResult{}
	if !p.monitor.IsOnline() {
		return result, nil
	}

	var resMu sync.Mutex
	seen := make(map[string]bool)

	for pass := 0; pass < maxSyncPasses; pass++ {
		batch, err := p.queue.DequeueNextBatch(ctx)
		if err != nil {
			return result, err
		}

		groups := make(map[string][]QueueEntry)
		var order []string
		for _, e := range batch {
			if seen[e.QueueID] {
				continue
			}
			seen[e.QueueID] = true
			if _, ok := groups[e.EntityType]; !ok {
				order = append(order, e.EntityType)
			}
			groups[e.EntityType] = append(groups[e.EntityType], e)
		}
		if len(order) == 0 {
			break
		}

		progressed := false
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.typeConcurrency)
		for _, entityType := range order {
			entries := groups[entityType]
			g.Go(func() error {
				for i := range entries {
					if err := gctx.Err(); err != nil {
						return err
					}
					ok := p.processEntry(gctx, &entries[i], result, &resMu)
					if ok {
						resMu.Lock()
						progressed = true
						resMu.Unlock()
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return result, err
		}
		if !progressed {
			break
		}
	}
	return result, nil
}

// processEntry sends one mutation and applies the outcome. Returns true when
// the entry reached done.
func (p *SyncProcessor) processEntry(ctx context.Context, e *QueueEntry,
	result *SyncResult, resMu *sync.Mutex) bool {

	resMu.Lock()
	result.Total++
	resMu.Unlock()

	if err := p.queue.MarkInFlight(ctx, e.QueueID); err != nil {
		p.logger.Error("failed to mark entry in flight", "queueID", e.QueueID, "err", err)
		p.recordFailure(ctx, e, err, false, result, resMu)
		return false
	}

	code, body, err := p.send(ctx, e)
	if err != nil {
		p.recordFailure(ctx, e, err, false, result, resMu)
		return false
	}

	switch {
	case code >= 200 && code < 300:
		if err := p.applySuccess(ctx, e, body); err != nil {
			p.recordFailure(ctx, e, err, false, result, resMu)
			return false
		}
	case code == http.StatusNotFound && e.Operation != OpCreate:
		// The resource is already gone server-side; retrying a delete of the
		// already-deleted (or an update of it) reconciles to nothing.
		if err := p.applyGone(ctx, e); err != nil {
			p.recordFailure(ctx, e, err, false, result, resMu)
			return false
		}
	case code >= 400 && code < 500:
		p.recordFailure(ctx, e,
			fmt.Errorf("server rejected payload: status %d: %s", code, truncate(body, 256)),
			true, result, resMu)
		return false
	default:
		p.recordFailure(ctx, e,
			fmt.Errorf("transient server error: status %d", code), false, result, resMu)
		return false
	}

	resMu.Lock()
	result.Succeeded++
	resMu.Unlock()
	return true
}

func (p *SyncProcessor) recordFailure(ctx context.Context, e *QueueEntry, sendErr error,
	rejected bool, result *SyncResult, resMu *sync.Mutex) {

	if err := p.queue.MarkFailed(ctx, e, sendErr, rejected); err != nil {
		p.logger.Error("failed to record entry failure", "queueID", e.QueueID, "err", err)
	}
	resMu.Lock()
	result.Failed++
	if rejected {
		result.Rejected++
	}
	result.Errors = append(result.Errors, EntryError{
		QueueID:    e.QueueID,
		EntityType: e.EntityType,
		TargetRef:  e.TargetRef,
		Message:    sendErr.Error(),
		Rejected:   rejected,
	})
	resMu.Unlock()
}

// send performs the HTTP call for one entry and returns status and body.
// A returned error means the request never completed (network, timeout).
func (p *SyncProcessor) send(ctx context.Context, e *QueueEntry) (int, []byte, error) {
	et, ok := p.reg.Lookup(e.EntityType)
	if !ok {
		return 0, nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, e.EntityType)
	}

	var (
		method string
		url    string
		body   io.Reader
	)
	switch e.Operation {
	case OpCreate:
		wire, err := p.wireBody(e)
		if err != nil {
			return 0, nil, err
		}
		method, url, body = http.MethodPost, p.baseURL+et.Endpoint, bytes.NewReader(wire)
	case OpUpdate:
		wire, err := p.wireBody(e)
		if err != nil {
			return 0, nil, err
		}
		method, url, body = http.MethodPut, p.baseURL+et.Endpoint+"/"+e.TargetRef, bytes.NewReader(wire)
	case OpDelete:
		method, url = http.MethodDelete, p.baseURL+et.Endpoint+"/"+e.TargetRef
	default:
		return 0, nil, fmt.Errorf("unknown operation %q", e.Operation)
	}

	ctx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}

	token, err := p.token(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to obtain bearer token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Source-ID", p.sourceID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// wireBody builds the outbound payload. Creates always carry the provisional
// id as the client-supplied idempotency token; the backend contract is that
// it deduplicates on it, which is what upgrades at-least-once delivery to an
// effective exactly-once. Entries linked to a parent carry the (by now
// durable) parent reference.
func (p *SyncProcessor) wireBody(e *QueueEntry) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if len(e.Body) > 0 {
		if err := json.Unmarshal(e.Body, &fields); err != nil {
			return nil, fmt.Errorf("stored body for %s is not a JSON object: %w", e.QueueID, err)
		}
	}
	if e.Operation == OpCreate {
		tok, _ := json.Marshal(e.TargetRef)
		fields[fieldClientRef] = tok
	}
	if e.ParentRef != "" {
		ref, _ := json.Marshal(e.ParentRef)
		fields[fieldParentID] = ref
	}
	return json.Marshal(fields)
}

// applySuccess finalizes a confirmed entry: creates reconcile provisional
// identity, updates flip the synced flag, deletes drop any remnant.
func (p *SyncProcessor) applySuccess(ctx context.Context, e *QueueEntry, respBody []byte) error {
	switch e.Operation {
	case OpCreate:
		durable, err := extractDurableID(respBody)
		if err != nil {
			return err
		}
		if err := p.reconcileCreate(ctx, e, durable); err != nil {
			return err
		}
		p.notifyReconciled(e.TargetRef, durable)
		return nil

	case OpUpdate:
		p.writeMu.Lock()
		_, err := p.db.ExecContext(ctx, `
			UPDATE _cache_records SET synced = 1 WHERE store_name = ? AND id = ?
		`, e.EntityType, e.TargetRef)
		p.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to flag record synced: %w", err)
		}
		return p.queue.MarkDone(ctx, e.QueueID)

	case OpDelete:
		return p.applyGone(ctx, e)
	}
	return nil
}

// applyGone settles an entry whose target no longer exists server-side.
func (p *SyncProcessor) applyGone(ctx context.Context, e *QueueEntry) error {
	if err := p.store.Remove(ctx, e.EntityType, e.TargetRef); err != nil {
		return err
	}
	return p.queue.MarkDone(ctx, e.QueueID)
}

// reconcileCreate rewrites the cached record's id from provisional to durable
// in place, rewrites every queue reference to it, and removes the create
// entry, all in one transaction. A duplicate durable row left by a replayed
// create (success whose response was lost) collapses into the surviving one.
func (p *SyncProcessor) reconcileCreate(ctx context.Context, e *QueueEntry, durable string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reconcile tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM _cache_records WHERE store_name = ? AND id = ?
	`, e.EntityType, durable); err != nil {
		return fmt.Errorf("failed to drop duplicate durable record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE _cache_records SET id = ?, synced = 1, last_write_at = ?
		WHERE store_name = ? AND id = ?
	`, durable, fmtTime(p.now()), e.EntityType, e.TargetRef); err != nil {
		return fmt.Errorf("failed to rewrite provisional id %s -> %s: %w", e.TargetRef, durable, err)
	}
	if err := p.queue.reconcileRefs(ctx, tx, e.TargetRef, durable); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM _mutation_queue WHERE queue_id = ?
	`, e.QueueID); err != nil {
		return fmt.Errorf("failed to remove confirmed create entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reconciliation: %w", err)
	}

	p.logger.Info("reconciled provisional id",
		"entityType", e.EntityType, "provisional", e.TargetRef, "durable", durable)
	return nil
}

func extractDurableID(respBody []byte) (string, error) {
	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse create response: %w", err)
	}
	if parsed.ID == "" {
		return "", fmt.Errorf("create response carried no durable id")
	}
	return parsed.ID, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	// Back up so the cut never splits a multi-byte rune.
	for n > 0 && !utf8.RuneStart(b[n]) {
		n--
	}
	return string(b[:n]) + "..."
}
