// Copyright 2026 ABParts Authors
// SPDX-License-Identifier: Apache-2.0

package offcache

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func seedMachines(t *testing.T, c *Client, scope Scope, ids ...string) {
	t.Helper()
	payloads := make(map[string]json.RawMessage, len(ids))
	for _, id := range ids {
		payloads[id] = json.RawMessage(fmt.Sprintf(`{"id":%q,"name":"machine %s"}`, id, id))
	}
	require.NoError(t, c.Store().PutAll(context.Background(), "machines", scope, payloads))
}

func TestCrossTenantIsolation(t *testing.T) {
	c := newTestClient(t, "http://unused")
	ctx := context.Background()

	t1 := UserScope("user-a", "tenant-1")
	t2 := UserScope("user-b", "tenant-2")

	seedMachines(t, c, t1, "m1", "m2", "m3")
	seedMachines(t, c, t2, "m4", "m5")

	got1, err := c.Store().Get(ctx, "machines", t1)
	require.NoError(t, err)
	require.Len(t, got1, 3)

	got2, err := c.Store().Get(ctx, "machines", t2)
	require.NoError(t, err)
	require.Len(t, got2, 2)
	for _, rec := range got2 {
		require.Equal(t, "tenant-2", rec.OwnerTenantID)
		require.NotContains(t, []string{"m1", "m2", "m3"}, rec.ID)
	}
}

func TestScopeIsolationRandomPairs(t *testing.T) {
	c := newTestClient(t, "http://unused")
	ctx := context.Background()

	// Writing under one scope must never be readable under any other.
	for i := 0; i < 10; i++ {
		writer := UserScope(fmt.Sprintf("user-%d", i), fmt.Sprintf("tenant-%d", i))
		id := fmt.Sprintf("site-%d", i)
		require.NoError(t, c.Store().PutAll(ctx, "sites", writer,
			map[string]json.RawMessage{id: json.RawMessage(`{"name":"x"}`)}))

		for j := 0; j < 10; j++ {
			if j == i {
				continue
			}
			reader := UserScope(fmt.Sprintf("user-%d", j), fmt.Sprintf("tenant-%d", j))
			got, err := c.Store().Get(ctx, "sites", reader)
			require.NoError(t, err)
			for _, rec := range got {
				require.NotEqual(t, id, rec.ID)
			}
			rec, err := c.Store().GetByID(ctx, "sites", id, reader)
			require.NoError(t, err)
			require.Nil(t, rec, "point lookup must not cross scopes")
		}
	}
}

func TestFailClosedOnMissingScope(t *testing.T) {
	c := newTestClient(t, "http://unused")
	ctx := context.Background()

	seedMachines(t, c, UserScope("user-a", "tenant-1"), "m1")

	// Zero scope, incomplete scope and the global marker all fail closed on a
	// scoped store.
	for _, scope := range []Scope{{}, {UserID: "user-a"}, {TenantID: "tenant-1"}, GlobalScope()} {
		got, err := c.Store().Get(ctx, "machines", scope)
		require.NoError(t, err)
		require.Empty(t, got)
	}
}

func TestGlobalStoreVisibleAcrossTenants(t *testing.T) {
	c := newTestClient(t, "http://unused")
	ctx := context.Background()

	require.NoError(t, c.Store().PutAll(ctx, "protocols", GlobalScope(),
		map[string]json.RawMessage{"p1": json.RawMessage(`{"name":"net cleaning"}`)}))

	for _, scope := range []Scope{GlobalScope(), UserScope("u1", "t1"), UserScope("u2", "t2")} {
		got, err := c.Store().Get(ctx, "protocols", scope)
		require.NoError(t, err)
		require.Len(t, got, 1)
	}
}

func TestFullRefreshPreservesUnsyncedRecords(t *testing.T) {
	c := newTestClient(t, "http://unused")
	ctx := context.Background()
	scope := UserScope("user-a", "tenant-1")

	entry := mustEnqueue(t, c, Mutation{
		EntityType: "machines",
		Operation:  OpCreate,
		Payload:    json.RawMessage(`{"name":"Pen A1"}`),
	}, scope)

	seedMachines(t, c, scope, "m1", "m2")

	got, err := c.Store().Get(ctx, "machines", scope)
	require.NoError(t, err)
	require.Len(t, got, 3, "refresh replaces synced rows but keeps the optimistic one")

	rec, err := c.Store().GetByID(ctx, "machines", entry.TargetRef, scope)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.False(t, rec.Synced)
}

func TestFullRefreshPreservesPendingUpdate(t *testing.T) {
	c := newTestClient(t, "http://unused")
	ctx := context.Background()
	scope := UserScope("user-a", "tenant-1")

	seedMachines(t, c, scope, "m-1")
	mustEnqueue(t, c, Mutation{
		EntityType: "machines", Operation: OpUpdate, TargetID: "m-1",
		Payload: json.RawMessage(`{"name":"edited offline"}`),
	}, scope)

	// The refresh delivers a server copy of the same id that predates the
	// user's queued edit.
	require.NoError(t, c.Store().PutAll(ctx, "machines", scope, map[string]json.RawMessage{
		"m-1": json.RawMessage(`{"name":"stale server copy"}`),
		"m-2": json.RawMessage(`{"name":"machine m-2"}`),
	}))

	rec, err := c.Store().GetByID(ctx, "machines", "m-1", scope)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.False(t, rec.Synced, "synced must stay false while the queue holds the pending write")
	require.JSONEq(t, `{"name":"edited offline"}`, string(rec.Payload))

	pending, err := c.PendingCount(ctx, scope)
	require.NoError(t, err)
	require.Equal(t, 1, pending)

	got, err := c.Store().Get(ctx, "machines", scope)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestStaleness(t *testing.T) {
	c := newTestClient(t, "http://unused")
	ctx := context.Background()
	scope := UserScope("user-a", "tenant-1")

	stale, err := c.Store().IsStale(ctx, "machines", time.Hour)
	require.NoError(t, err)
	require.True(t, stale, "never-refreshed store is stale")

	seedMachines(t, c, scope, "m1")

	stale, err = c.Store().IsStale(ctx, "machines", time.Hour)
	require.NoError(t, err)
	require.False(t, stale)

	stale, err = c.Store().IsStale(ctx, "machines", 0)
	require.NoError(t, err)
	require.True(t, stale, "zero TTL means always stale")
}

func TestClearAllWipesEverything(t *testing.T) {
	c := newTestClient(t, "http://unused")
	ctx := context.Background()
	scope := UserScope("user-a", "tenant-1")

	seedMachines(t, c, scope, "m1")
	mustEnqueue(t, c, Mutation{
		EntityType: "machines",
		Operation:  OpCreate,
		Payload:    json.RawMessage(`{"name":"Pen A1"}`),
	}, scope)

	require.NoError(t, c.ClearAll(ctx))

	got, err := c.Store().Get(ctx, "machines", scope)
	require.NoError(t, err)
	require.Empty(t, got)

	pending, err := c.PendingCount(ctx, scope)
	require.NoError(t, err)
	require.Zero(t, pending)

	stale, err := c.Store().IsStale(ctx, "machines", time.Hour)
	require.NoError(t, err)
	require.True(t, stale, "refresh metadata is forgotten too")
}
