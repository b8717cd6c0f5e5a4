// Copyright 2026 ABParts Authors
// SPDX-License-Identifier: Apache-2.0

package offcache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestForceSyncNowCoalescesConcurrentTriggers(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var nextID atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		fmt.Fprintf(w, `{"id":"srv-%d"}`, nextID.Add(1))
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL)
	ctx := context.Background()
	scope := UserScope("user-a", "tenant-1")

	mustEnqueue(t, c, Mutation{
		EntityType: "machines", Operation: OpCreate, Payload: json.RawMessage(`{"name":"a"}`),
	}, scope)
	c.SignalConnectivity(true)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := c.ForceSyncNow(ctx)
		require.NoError(t, err)
	}()

	// Wait for the cycle to be mid-request, then trigger again.
	<-entered
	_, err := c.ForceSyncNow(ctx)
	require.ErrorIs(t, err, ErrSyncInProgress)

	// Work enqueued during the run is picked up by the coalesced follow-up.
	mustEnqueue(t, c, Mutation{
		EntityType: "machines", Operation: OpCreate, Payload: json.RawMessage(`{"name":"b"}`),
	}, scope)

	close(release)
	wg.Wait()

	pending, err := c.PendingCount(ctx, scope)
	require.NoError(t, err)
	require.Zero(t, pending, "both creates landed despite the rejected second trigger")
	require.Equal(t, int32(2), nextID.Load())
}

func TestReconnectTriggersSyncAfterGrace(t *testing.T) {
	api := newFakeAPI()
	srv := api.server(t)
	c := newTestClient(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	scope := UserScope("user-a", "tenant-1")

	mustEnqueue(t, c, Mutation{
		EntityType: "machines", Operation: OpCreate, Payload: json.RawMessage(`{"name":"x"}`),
	}, scope)

	c.Start(ctx)
	c.SignalConnectivity(true)

	require.Eventually(t, func() bool {
		n, err := c.PendingCount(context.Background(), scope)
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond, "reconnect must drain the queue without an explicit trigger")

	require.Equal(t, 1, api.recordCount())
}

func TestSyncStatusPublications(t *testing.T) {
	api := newFakeAPI()
	srv := api.server(t)
	c := newTestClient(t, srv.URL)
	ctx := context.Background()
	scope := UserScope("user-a", "tenant-1")

	var mu sync.Mutex
	var statuses []SyncStatus
	c.OnSyncStatusChange(func(s SyncStatus) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})

	mustEnqueue(t, c, Mutation{
		EntityType: "machines", Operation: OpCreate, Payload: json.RawMessage(`{"name":"x"}`),
	}, scope)
	c.SignalConnectivity(true)

	res, err := c.ForceSyncNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, statuses, 2)
	require.True(t, statuses[0].Syncing, "cycle start publishes syncing=true")
	require.False(t, statuses[1].Syncing)
	require.NotNil(t, statuses[1].LastResult)
	require.Equal(t, 1, statuses[1].LastResult.Succeeded)

	require.Equal(t, res, c.LastSyncResult())
}
