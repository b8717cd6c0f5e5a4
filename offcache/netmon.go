// Copyright 2026 ABParts Authors
// SPDX-License-Identifier: Apache-2.0

package offcache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProbeFunc checks reachability of the remote API, returning true when a
// request could plausibly succeed right now.
type ProbeFunc func(ctx context.Context) bool

// NetworkMonitor is the single source of truth for connectivity. It exposes
// point-in-time state and edge-triggered transition callbacks; consumers
// never query platform globals directly.
//
// Going offline takes effect immediately. Going online is debounced: the
// signal must hold for the configured window before subscribers are notified,
// so a flapping connection does not trigger a sync that will die mid-request.
type NetworkMonitor struct {
	probe    ProbeFunc
	interval time.Duration
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	online  bool
	pending *time.Timer // armed while an online signal waits out the debounce
	subs    map[int]func(online bool)
	nextSub int
	cancel  context.CancelFunc
}

func newNetworkMonitor(probe ProbeFunc, interval, debounce time.Duration, logger *slog.Logger) *NetworkMonitor {
	return &NetworkMonitor{
		probe:    probe,
		interval: interval,
		debounce: debounce,
		logger:   logger,
		subs:     make(map[int]func(online bool)),
	}
}

// IsOnline returns the current debounced state.
func (m *NetworkMonitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnTransition subscribes to online/offline edges (not level changes).
// The returned function unsubscribes.
func (m *NetworkMonitor) OnTransition(cb func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = cb
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Signal feeds a raw connectivity observation, from the probe loop or from a
// platform-level hint. Offline flips state at once; online arms the debounce.
func (m *NetworkMonitor) Signal(online bool) {
	m.mu.Lock()

	if !online {
		if m.pending != nil {
			m.pending.Stop()
			m.pending = nil
		}
		if !m.online {
			m.mu.Unlock()
			return
		}
		m.online = false
		subs := m.snapshotSubs()
		m.mu.Unlock()
		m.logger.Info("network transition", "online", false)
		for _, cb := range subs {
			cb(false)
		}
		return
	}

	if m.online || m.pending != nil {
		m.mu.Unlock()
		return
	}
	if m.debounce <= 0 {
		m.commitOnlineLocked()
		return
	}
	m.pending = time.AfterFunc(m.debounce, func() {
		m.mu.Lock()
		if m.pending == nil { // an offline signal cancelled us
			m.mu.Unlock()
			return
		}
		m.pending = nil
		m.commitOnlineLocked()
	})
	m.mu.Unlock()
}

// commitOnlineLocked flips to online and notifies. Unlocks m.mu.
func (m *NetworkMonitor) commitOnlineLocked() {
	m.online = true
	subs := m.snapshotSubs()
	m.mu.Unlock()
	m.logger.Info("network transition", "online", true)
	for _, cb := range subs {
		cb(true)
	}
}

func (m *NetworkMonitor) snapshotSubs() []func(online bool) {
	out := make([]func(online bool), 0, len(m.subs))
	for _, cb := range m.subs {
		out = append(out, cb)
	}
	return out
}

// Start launches the probe loop, if a probe is configured. The first probe
// runs immediately so the initial state settles fast.
func (m *NetworkMonitor) Start(ctx context.Context) {
	if m.probe == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		m.Signal(m.probe(ctx))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Signal(m.probe(ctx))
			}
		}
	}()
}

// Stop ends the probe loop.
func (m *NetworkMonitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
