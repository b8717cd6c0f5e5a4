// Copyright 2026 ABParts Authors
// SPDX-License-Identifier: Apache-2.0

package offcache

import "errors"

var (
	// ErrMissingScope is returned when a scoped store is accessed without a
	// complete (user, tenant) scope. Reads fail closed in this case.
	ErrMissingScope = errors.New("offcache: missing or incomplete scope")

	// ErrNoCachedData is returned by FetchAndCache when the device is offline
	// and the store has never been populated. It is distinct from an empty
	// result set so callers can explain why a list is empty.
	ErrNoCachedData = errors.New("offcache: no cached data available offline")

	// ErrDuplicateCreate is returned when a second create mutation is enqueued
	// for a provisional id that already has an outstanding create entry.
	ErrDuplicateCreate = errors.New("offcache: duplicate create for provisional id")

	// ErrUnknownEntityType is returned for entity types not present in the registry.
	ErrUnknownEntityType = errors.New("offcache: unknown entity type")

	// ErrSyncInProgress is returned by ForceSyncNow when a cycle is already
	// running; the request is coalesced into a follow-up run.
	ErrSyncInProgress = errors.New("offcache: sync cycle already in progress, rerun scheduled")
)

// Scope is the (userID, tenantID) pair under which cached data is
// partitioned, or the global marker for tenant-independent reference data.
// It is the unit of isolation between users sharing a device.
type Scope struct {
	UserID   string
	TenantID string
	global   bool
}

// GlobalScope returns the marker scope for tenant-independent entity types.
func GlobalScope() Scope {
	return Scope{global: true}
}

// UserScope returns a tenant-scoped scope for the given user and tenant.
func UserScope(userID, tenantID string) Scope {
	return Scope{UserID: userID, TenantID: tenantID}
}

// IsGlobal reports whether this is the global marker.
func (s Scope) IsGlobal() bool { return s.global }

// IsUser reports whether the scope carries a complete (user, tenant) pair.
func (s Scope) IsUser() bool {
	return !s.global && s.UserID != "" && s.TenantID != ""
}

// Valid reports whether the scope is usable at all: either the explicit
// global marker or a complete user scope. A zero Scope is invalid, which is
// what makes reads fail closed rather than falling through to unscoped data.
func (s Scope) Valid() bool {
	return s.global || s.IsUser()
}
