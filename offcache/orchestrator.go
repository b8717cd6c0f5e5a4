// Copyright 2026 ABParts Authors
// SPDX-License-Identifier: Apache-2.0

package offcache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SyncStatus is the observable state published to UI badges.
type SyncStatus struct {
	Online     bool
	Syncing    bool
	LastResult *SyncResult
}

// SyncOrchestrator owns the policy of when to run a sync cycle: on a
// debounced reconnect after a grace period, and on demand. It guarantees at
// most one cycle runs at a time; re-entrant triggers coalesce into a single
// follow-up run instead of racing the same queue.
type SyncOrchestrator struct {
	processor *SyncProcessor
	queue     *MutationQueue
	monitor   *NetworkMonitor
	logger    *slog.Logger
	grace     time.Duration

	mu          sync.Mutex
	running     bool
	rerun       bool
	lastResult  *SyncResult
	statusSubs  map[int]func(SyncStatus)
	nextSub     int
	unsubscribe func()
}

func newSyncOrchestrator(processor *SyncProcessor, queue *MutationQueue,
	monitor *NetworkMonitor, logger *slog.Logger, grace time.Duration) *SyncOrchestrator {
	return &SyncOrchestrator{
		processor:  processor,
		queue:      queue,
		monitor:    monitor,
		logger:     logger,
		grace:      grace,
		statusSubs: make(map[int]func(SyncStatus)),
	}
}

// Start subscribes to connectivity transitions. Offline→Online triggers a
// cycle after the grace period; Online→Offline only flips the published flag.
func (o *SyncOrchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.unsubscribe != nil {
		return
	}
	o.unsubscribe = o.monitor.OnTransition(func(online bool) {
		if !online {
			o.publish()
			return
		}
		go func() {
			// Let the network stack settle before hitting the API.
			if err := sleepWithContext(ctx, o.grace); err != nil {
				return
			}
			if _, err := o.runCoalesced(ctx); err != nil && err != ErrSyncInProgress {
				o.logger.Warn("reconnect sync cycle failed", "err", err)
			}
		}()
	})
}

// Stop detaches from the network monitor.
func (o *SyncOrchestrator) Stop() {
	o.mu.Lock()
	unsub := o.unsubscribe
	o.unsubscribe = nil
	o.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// ForceSyncNow runs a cycle immediately for explicit "sync now" affordances.
// If a cycle is already in progress it returns ErrSyncInProgress and the
// in-progress run picks up the extra pass.
func (o *SyncOrchestrator) ForceSyncNow(ctx context.Context) (*SyncResult, error) {
	return o.runCoalesced(ctx)
}

func (o *SyncOrchestrator) runCoalesced(ctx context.Context) (*SyncResult, error) {
	o.mu.Lock()
	if o.running {
		o.rerun = true
		o.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	o.running = true
	o.mu.Unlock()
	o.publish()

	var (
		res *SyncResult
		err error
	)
	for {
		res, err = o.processor.RunSyncCycle(ctx)

		o.mu.Lock()
		if res != nil {
			o.lastResult = res
		}
		if o.rerun && err == nil {
			o.rerun = false
			o.mu.Unlock()
			continue
		}
		o.rerun = false
		o.running = false
		o.mu.Unlock()
		break
	}

	o.publish()
	return res, err
}

// LastSyncResult returns the most recent cycle's aggregate, or nil before the
// first cycle.
func (o *SyncOrchestrator) LastSyncResult() *SyncResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastResult
}

// PendingCount exposes the queue's pending badge count.
func (o *SyncOrchestrator) PendingCount(ctx context.Context, scope Scope) (int, error) {
	return o.queue.PendingCount(ctx, scope)
}

// OnSyncStatusChange subscribes to status publications. The returned function
// unsubscribes.
func (o *SyncOrchestrator) OnSyncStatusChange(cb func(SyncStatus)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextSub
	o.nextSub++
	o.statusSubs[id] = cb
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.statusSubs, id)
	}
}

func (o *SyncOrchestrator) publish() {
	o.mu.Lock()
	status := SyncStatus{
		Online:     o.monitor.IsOnline(),
		Syncing:    o.running,
		LastResult: o.lastResult,
	}
	subs := make([]func(SyncStatus), 0, len(o.statusSubs))
	for _, cb := range o.statusSubs {
		subs = append(subs, cb)
	}
	o.mu.Unlock()
	for _, cb := range subs {
		cb(status)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
