// Copyright 2026 ABParts Authors
// SPDX-License-Identifier: Apache-2.0

package offcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// FetchedRecord is one record returned by a remote list fetch.
type FetchedRecord struct {
	ID      string
	Payload json.RawMessage
}

// RemoteFetchFunc fetches the current server-side collection for a store.
type RemoteFetchFunc func(ctx context.Context) ([]FetchedRecord, error)

// FetchOptions tunes a FetchAndCache call.
type FetchOptions struct {
	// ForceRefresh bypasses the staleness check and always hits the network
	// when online.
	ForceRefresh bool
}

// CacheAccessor is the read façade over the local store. It enforces the
// scope contract and the staleness policy; domain collaborators never talk
// to the store tables directly.
type CacheAccessor struct {
	store      *LocalStore
	reg        *Registry
	monitor    *NetworkMonitor
	logger     *slog.Logger
	defaultTTL time.Duration
}

func newCacheAccessor(store *LocalStore, reg *Registry, monitor *NetworkMonitor,
	logger *slog.Logger, defaultTTL time.Duration) *CacheAccessor {
	return &CacheAccessor{store: store, reg: reg, monitor: monitor, logger: logger, defaultTTL: defaultTTL}
}

// FetchAndCache is the read-through entry point. Online with a stale (or
// force-refreshed) store it fetches, caches under scope and returns the fresh
// data; otherwise it serves the cache. Offline with a never-populated store
// it returns ErrNoCachedData, which is distinct from an empty result set.
//
// Every call must supply an explicit scope: a complete (user, tenant) pair or
// the global marker. This is the single control preventing leakage between
// users sharing a device, so it is enforced here rather than trusted to
// callers.
func (a *CacheAccessor) FetchAndCache(ctx context.Context, entityType string,
	fetch RemoteFetchFunc, scope Scope, opts FetchOptions) ([]CachedRecord, error) {

	et, known := a.reg.Lookup(entityType)
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}
	if !scope.Valid() || (!et.Global && !scope.IsUser()) {
		a.logger.Warn("SECURITY: fetchAndCache called without usable scope, failing closed",
			"entityType", entityType)
		return nil, ErrMissingScope
	}

	ttl := et.TTL
	if ttl == 0 {
		ttl = a.defaultTTL
	}

	online := a.monitor.IsOnline()
	if online {
		stale, err := a.store.IsStale(ctx, entityType, ttl)
		if err != nil {
			a.logger.Warn("staleness check failed, treating store as stale",
				"entityType", entityType, "err", err)
			stale = true
		}
		if opts.ForceRefresh || stale {
			if recs, err := a.refresh(ctx, entityType, fetch, scope); err == nil {
				return recs, nil
			}
			// Remote fetch failed; fall back to whatever is cached.
		}
	}

	cached, err := a.store.Get(ctx, entityType, scope)
	if err != nil {
		return nil, err
	}
	if !online && len(cached) == 0 {
		fetched, metaErr := a.store.hasRefreshMetadata(ctx, entityType)
		if metaErr != nil {
			a.logger.Warn("refresh metadata check failed", "entityType", entityType, "err", metaErr)
		}
		if !fetched {
			return nil, ErrNoCachedData
		}
	}
	return cached, nil
}

func (a *CacheAccessor) refresh(ctx context.Context, entityType string,
	fetch RemoteFetchFunc, scope Scope) ([]CachedRecord, error) {

	fetched, err := fetch(ctx)
	if err != nil {
		a.logger.Warn("remote fetch failed, serving cache", "entityType", entityType, "err", err)
		return nil, err
	}

	payloads := make(map[string]json.RawMessage, len(fetched))
	for _, f := range fetched {
		payloads[f.ID] = f.Payload
	}

	now := a.store.now()
	out := make([]CachedRecord, 0, len(fetched))
	for _, f := range fetched {
		rec := CachedRecord{
			Store:       entityType,
			ID:          f.ID,
			Payload:     f.Payload,
			FetchedAt:   now,
			LastWriteAt: now,
			Synced:      true,
		}
		if et, _ := a.reg.Lookup(entityType); !et.Global {
			rec.OwnerUserID = scope.UserID
			rec.OwnerTenantID = scope.TenantID
		}
		out = append(out, rec)
	}

	// Caching is a best-effort accelerator: a failed put means "not cached",
	// never a failed read for the caller who already has the data in hand.
	if err := a.store.PutAll(ctx, entityType, scope, payloads); err != nil {
		a.logger.Warn("failed to cache fetched records, continuing uncached",
			"entityType", entityType, "count", len(fetched), "err", err)
	}
	return out, nil
}

// Collection is a typed view over one entity-type store. Payloads are decoded
// at this boundary so schema drift surfaces here instead of inside sync logic.
type Collection[T any] struct {
	c          *Client
	entityType string
	id         func(T) string
}

// NewCollection builds a typed collection for entityType. id extracts the
// record identifier from a domain value.
func NewCollection[T any](c *Client, entityType string, id func(T) string) *Collection[T] {
	return &Collection[T]{c: c, entityType: entityType, id: id}
}

// FetchAndCache is the typed read-through; see CacheAccessor.FetchAndCache.
func (col *Collection[T]) FetchAndCache(ctx context.Context,
	fetch func(ctx context.Context) ([]T, error), scope Scope, opts FetchOptions) ([]T, error) {

	raw := func(ctx context.Context) ([]FetchedRecord, error) {
		values, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]FetchedRecord, 0, len(values))
		for _, v := range values {
			payload, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to encode %s record: %w", col.entityType, err)
			}
			out = append(out, FetchedRecord{ID: col.id(v), Payload: payload})
		}
		return out, nil
	}

	recs, err := col.c.accessor.FetchAndCache(ctx, col.entityType, raw, scope, opts)
	if err != nil {
		return nil, err
	}
	return col.decode(recs), nil
}

// Get returns the cached records visible under scope, decoded.
func (col *Collection[T]) Get(ctx context.Context, scope Scope) ([]T, error) {
	recs, err := col.c.store.Get(ctx, col.entityType, scope)
	if err != nil {
		return nil, err
	}
	return col.decode(recs), nil
}

// GetByID returns one cached record, or nil when absent or out of scope.
func (col *Collection[T]) GetByID(ctx context.Context, id string, scope Scope) (*T, error) {
	rec, err := col.c.store.GetByID(ctx, col.entityType, id, scope)
	if err != nil || rec == nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(rec.Payload, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s record %s: %w", col.entityType, id, err)
	}
	return &v, nil
}

// Create enqueues an offline-capable create for value, returning the entry
// whose TargetRef carries the assigned provisional id.
func (col *Collection[T]) Create(ctx context.Context, value T, scope Scope) (*QueueEntry, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s record: %w", col.entityType, err)
	}
	return col.c.EnqueueMutation(ctx, Mutation{
		EntityType: col.entityType,
		Operation:  OpCreate,
		Payload:    payload,
	}, scope)
}

// Update enqueues an update of the record with the given id.
func (col *Collection[T]) Update(ctx context.Context, id string, value T, scope Scope) (*QueueEntry, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s record: %w", col.entityType, err)
	}
	return col.c.EnqueueMutation(ctx, Mutation{
		EntityType: col.entityType,
		Operation:  OpUpdate,
		TargetID:   id,
		Payload:    payload,
	}, scope)
}

// Delete enqueues a delete of the record with the given id.
func (col *Collection[T]) Delete(ctx context.Context, id string, scope Scope) (*QueueEntry, error) {
	return col.c.EnqueueMutation(ctx, Mutation{
		EntityType: col.entityType,
		Operation:  OpDelete,
		TargetID:   id,
	}, scope)
}

func (col *Collection[T]) decode(recs []CachedRecord) []T {
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := json.Unmarshal(rec.Payload, &v); err != nil {
			col.c.logger.Warn("dropping undecodable cached record",
				"entityType", col.entityType, "id", rec.ID, "err", err)
			continue
		}
		out = append(out, v)
	}
	return out
}
