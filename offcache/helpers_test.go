// Copyright 2026 ABParts Authors
// SPDX-License-Identifier: Apache-2.0

package offcache

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testConfig returns a configuration tuned for fast tests: near-zero backoff
// and no connectivity debounce.
func testConfig() *Config {
	cfg := DefaultConfig(DefaultEntityTypes())
	cfg.BackoffBase = time.Nanosecond
	cfg.BackoffMax = time.Millisecond
	cfg.DebounceWindow = 0
	cfg.ReconnectGrace = time.Millisecond
	cfg.RequestTimeout = 5 * time.Second
	cfg.Logger = slog.Default()
	return cfg
}

// newTestClient builds a client over a file-backed database in a temp dir.
func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	return newTestClientAt(t, filepath.Join(t.TempDir(), "cache.db"), baseURL)
}

func newTestClientAt(t *testing.T, dbPath, baseURL string) *Client {
	t.Helper()
	token := func(ctx context.Context) (string, error) { return "test-token", nil }
	c, err := Open(dbPath, baseURL, token, nil, testConfig())
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		c.DB.Close()
	})
	return c
}

func mustEnqueue(t *testing.T, c *Client, m Mutation, scope Scope) *QueueEntry {
	t.Helper()
	entry, err := c.EnqueueMutation(context.Background(), m, scope)
	require.NoError(t, err)
	return entry
}
