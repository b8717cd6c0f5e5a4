// Copyright 2026 ABParts Authors
// SPDX-License-Identifier: Apache-2.0

package offcache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// PhotoPayload is the wire shape of an inline photo attachment. The binary
// data rides base64-encoded; the owning record's reference is maintained by
// the queue's parent_ref, so it stays correct when the owner's provisional id
// is reconciled.
type PhotoPayload struct {
	MimeType   string    `json:"mime_type"`
	DataBase64 string    `json:"data_base64"`
	CapturedAt time.Time `json:"captured_at"`
}

// AttachPhoto stores a photo for the record ownerRef (provisional or durable)
// and queues its upload. The attachment uploads after the owning record: its
// queue entry is gated on ownerRef while provisional, and the photos type
// carries a later priority than the transactional parent types.
func (c *Client) AttachPhoto(ctx context.Context, ownerRef, mimeType string,
	data []byte, scope Scope) (*QueueEntry, error) {

	if ownerRef == "" {
		return nil, fmt.Errorf("photo attachment requires an owning record reference")
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("photo attachment requires non-empty data")
	}

	payload, err := json.Marshal(PhotoPayload{
		MimeType:   mimeType,
		DataBase64: base64.StdEncoding.EncodeToString(data),
		CapturedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode photo payload: %w", err)
	}

	return c.queue.Enqueue(ctx, Mutation{
		EntityType: PhotoStore,
		Operation:  OpCreate,
		ParentRef:  ownerRef,
		Payload:    payload,
	}, scope)
}

// PhotosFor returns the cached photos attached to ownerRef, in capture order.
func (c *Client) PhotosFor(ctx context.Context, ownerRef string, scope Scope) ([]PhotoPayload, []string, error) {
	recs, err := c.store.Get(ctx, PhotoStore, scope)
	if err != nil {
		return nil, nil, err
	}

	// Pending photo entries know their owner through parent_ref; map the
	// cached records back through the queue so provisional and durable owner
	// references both resolve.
	entries, err := c.queue.ListEntries(ctx, scope,
		StatusPending, StatusInFlight, StatusFailed, StatusAbandoned, StatusBlocked)
	if err != nil {
		return nil, nil, err
	}
	ownerByRef := make(map[string]string)
	for _, e := range entries {
		if e.EntityType == PhotoStore {
			ownerByRef[e.TargetRef] = e.ParentRef
		}
	}

	var photos []PhotoPayload
	var ids []string
	for _, rec := range recs {
		owner := ownerByRef[rec.ID]
		if owner == "" {
			// Synced photos carry their owner in the payload's parent field.
			var wire struct {
				ParentID string `json:"parent_id"`
			}
			_ = json.Unmarshal(rec.Payload, &wire)
			owner = wire.ParentID
		}
		if owner != ownerRef {
			continue
		}
		var p PhotoPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			c.logger.Warn("dropping undecodable photo record", "id", rec.ID, "err", err)
			continue
		}
		photos = append(photos, p)
		ids = append(ids, rec.ID)
	}
	return photos, ids, nil
}
