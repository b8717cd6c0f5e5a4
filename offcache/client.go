// Copyright 2026 ABParts Authors
// SPDX-License-Identifier: Apache-2.0

// Package offcache is the multi-tenant offline-first data layer for the
// field-operations client: a scoped local cache over SQLite plus a durable
// mutation queue replayed against the remote API when connectivity returns.
//
// Reads go through the CacheAccessor, which serves from the local store when
// offline or fresh. Writes are recorded as optimistic cache entries paired
// atomically with queue entries under provisional identity; the sync
// processor replays them with at-least-once delivery and reconciles the
// provisional ids once the server assigns durable ones.
package offcache

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds the engine configuration.
type Config struct {
	// EntityTypes declares the synchronized stores.
	EntityTypes []EntityType

	// MaxAttempts is the retry ceiling before an entry is abandoned.
	MaxAttempts int

	// BackoffBase and BackoffMax bound the retry delay
	// min(2^attempts * BackoffBase, BackoffMax).
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// RequestTimeout bounds each outbound sync HTTP call.
	RequestTimeout time.Duration

	// ReferenceTTL is the default staleness TTL for stores without their own.
	ReferenceTTL time.Duration

	// DebounceWindow is how long an online signal must hold before it counts
	// as a real transition.
	DebounceWindow time.Duration

	// ReconnectGrace is the extra settle time after a debounced reconnect
	// before the first sync cycle fires.
	ReconnectGrace time.Duration

	// ProbeInterval is how often the connectivity probe runs.
	ProbeInterval time.Duration

	// TypeConcurrency caps how many independent entity types sync in parallel.
	TypeConcurrency int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the standard configuration for the given entity set.
func DefaultConfig(types []EntityType) *Config {
	return &Config{
		EntityTypes:     types,
		MaxAttempts:     5,
		BackoffBase:     1 * time.Second,
		BackoffMax:      5 * time.Minute,
		RequestTimeout:  30 * time.Second,
		ReferenceTTL:    24 * time.Hour,
		DebounceWindow:  2 * time.Second,
		ReconnectGrace:  2 * time.Second,
		ProbeInterval:   15 * time.Second,
		TypeConcurrency: 4,
	}
}

// Client ties the engine together and is the API surface for UI/domain
// collaborators.
type Client struct {
	DB *sql.DB

	cfg      *Config
	logger   *slog.Logger
	registry *Registry
	writeMu  sync.Mutex

	store     *LocalStore
	queue     *MutationQueue
	monitor   *NetworkMonitor
	accessor  *CacheAccessor
	processor *SyncProcessor
	orch      *SyncOrchestrator
}

// NewClient builds the engine over an open SQLite handle. It initializes the
// schema, recovers entries stranded in flight by a previous crash, and wires
// every component. probe may be nil when connectivity signals are fed through
// SignalConnectivity instead.
func NewClient(db *sql.DB, baseURL string, token TokenFunc, probe ProbeFunc, cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if len(cfg.EntityTypes) == 0 {
		return nil, fmt.Errorf("config declares no entity types")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := initializeDatabase(db); err != nil {
		return nil, err
	}
	if err := recoverInFlight(db); err != nil {
		return nil, err
	}
	sourceID, err := EnsureSourceID(db)
	if err != nil {
		return nil, err
	}

	registry, err := NewRegistry(cfg.EntityTypes)
	if err != nil {
		return nil, err
	}

	c := &Client{
		DB:       db,
		cfg:      cfg,
		logger:   logger,
		registry: registry,
	}
	now := time.Now

	c.store = newLocalStore(db, registry, logger, &c.writeMu, now)
	c.queue = newMutationQueue(db, c.store, registry, logger, &c.writeMu, now, cfg)
	c.monitor = newNetworkMonitor(probe, cfg.ProbeInterval, cfg.DebounceWindow, logger)
	c.accessor = newCacheAccessor(c.store, registry, c.monitor, logger, cfg.ReferenceTTL)
	c.processor = newSyncProcessor(db, c.store, c.queue, registry, c.monitor, logger,
		&http.Client{Timeout: cfg.RequestTimeout}, baseURL, sourceID, token, &c.writeMu, now, cfg)
	c.orch = newSyncOrchestrator(c.processor, c.queue, c.monitor, logger, cfg.ReconnectGrace)
	return c, nil
}

// Open opens (or creates) the cache database at path and builds the engine
// over it.
func Open(path, baseURL string, token TokenFunc, probe ProbeFunc, cfg *Config) (*Client, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	c, err := NewClient(db, baseURL, token, probe, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Start launches the connectivity probe loop and the sync trigger policy.
func (c *Client) Start(ctx context.Context) {
	c.monitor.Start(ctx)
	c.orch.Start(ctx)
}

// Close stops background work. The database handle is left to the caller
// that opened it; Open callers should close c.DB as well.
func (c *Client) Close() {
	c.orch.Stop()
	c.monitor.Stop()
}

// Store exposes the local store for advanced callers and tests.
func (c *Client) Store() *LocalStore { return c.store }

// Queue exposes the mutation queue for advanced callers and tests.
func (c *Client) Queue() *MutationQueue { return c.queue }

// Monitor exposes the network monitor.
func (c *Client) Monitor() *NetworkMonitor { return c.monitor }

// FetchAndCache is the read-through API; see CacheAccessor.FetchAndCache.
func (c *Client) FetchAndCache(ctx context.Context, entityType string,
	fetch RemoteFetchFunc, scope Scope, opts FetchOptions) ([]CachedRecord, error) {
	return c.accessor.FetchAndCache(ctx, entityType, fetch, scope, opts)
}

// EnqueueMutation records an offline-capable write; see MutationQueue.Enqueue.
func (c *Client) EnqueueMutation(ctx context.Context, m Mutation, scope Scope) (*QueueEntry, error) {
	return c.queue.Enqueue(ctx, m, scope)
}

// PendingCount returns the scope's "N pending sync" badge count.
func (c *Client) PendingCount(ctx context.Context, scope Scope) (int, error) {
	return c.queue.PendingCount(ctx, scope)
}

// NeedsAttentionCount returns how many mutations require manual attention.
func (c *Client) NeedsAttentionCount(ctx context.Context, scope Scope) (int, error) {
	return c.queue.NeedsAttentionCount(ctx, scope)
}

// ForceSyncNow runs a sync cycle on demand; see SyncOrchestrator.ForceSyncNow.
func (c *Client) ForceSyncNow(ctx context.Context) (*SyncResult, error) {
	return c.orch.ForceSyncNow(ctx)
}

// OnSyncStatusChange subscribes to sync status publications.
func (c *Client) OnSyncStatusChange(cb func(SyncStatus)) func() {
	return c.orch.OnSyncStatusChange(cb)
}

// OnIDReconciled subscribes to provisional-to-durable id rewrites.
func (c *Client) OnIDReconciled(cb func(provisional, durable string)) func() {
	return c.processor.OnIDReconciled(cb)
}

// LastSyncResult returns the most recent cycle's aggregate.
func (c *Client) LastSyncResult() *SyncResult {
	return c.orch.LastSyncResult()
}

// IsOnline returns the debounced connectivity state.
func (c *Client) IsOnline() bool { return c.monitor.IsOnline() }

// SignalConnectivity feeds an external connectivity observation, e.g. a
// platform reachability hint.
func (c *Client) SignalConnectivity(online bool) { c.monitor.Signal(online) }

// ClearAll wipes all cached data and queued mutations. Call on logout or
// tenant switch.
func (c *Client) ClearAll(ctx context.Context) error {
	return c.store.ClearAll(ctx)
}
