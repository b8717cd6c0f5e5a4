// Copyright 2026 ABParts Authors
// SPDX-License-Identifier: Apache-2.0

package offcache

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type transitionLog struct {
	mu    sync.Mutex
	edges []bool
}

func (l *transitionLog) record(online bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.edges = append(l.edges, online)
}

func (l *transitionLog) snapshot() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.edges...)
}

func TestMonitorOnlineIsDebounced(t *testing.T) {
	m := newNetworkMonitor(nil, time.Minute, 30*time.Millisecond, slog.Default())
	var log transitionLog
	m.OnTransition(log.record)

	m.Signal(true)
	require.False(t, m.IsOnline(), "online must not take effect before the debounce window")

	require.Eventually(t, m.IsOnline, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []bool{true}, log.snapshot())
}

func TestMonitorOfflineCancelsPendingOnline(t *testing.T) {
	m := newNetworkMonitor(nil, time.Minute, 30*time.Millisecond, slog.Default())
	var log transitionLog
	m.OnTransition(log.record)

	m.Signal(true)
	m.Signal(false)
	require.False(t, m.IsOnline())

	// The cancelled debounce must never fire late.
	time.Sleep(60 * time.Millisecond)
	require.False(t, m.IsOnline())
	require.Empty(t, log.snapshot(), "neither edge fired: we never left offline")
}

func TestMonitorOfflineTakesEffectImmediately(t *testing.T) {
	m := newNetworkMonitor(nil, time.Minute, 0, slog.Default())
	var log transitionLog
	m.OnTransition(log.record)

	m.Signal(true)
	require.True(t, m.IsOnline(), "zero debounce commits online synchronously")
	m.Signal(false)
	require.False(t, m.IsOnline())

	require.Equal(t, []bool{true, false}, log.snapshot())
}

func TestMonitorNotifiesEdgesNotLevels(t *testing.T) {
	m := newNetworkMonitor(nil, time.Minute, 0, slog.Default())
	var log transitionLog
	m.OnTransition(log.record)

	m.Signal(false)
	m.Signal(false)
	m.Signal(true)
	m.Signal(true)
	m.Signal(true)
	m.Signal(false)

	require.Equal(t, []bool{true, false}, log.snapshot())
}

func TestMonitorUnsubscribe(t *testing.T) {
	m := newNetworkMonitor(nil, time.Minute, 0, slog.Default())
	var log transitionLog
	unsub := m.OnTransition(log.record)
	unsub()

	m.Signal(true)
	require.Empty(t, log.snapshot())
}
