// Copyright 2026 ABParts Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth carries the authenticated identity triple the data layer
// consumes: who the user is, which tenant they act for, and the opaque bearer
// credential for outbound API calls. Session management itself lives with the
// authentication collaborator.
package auth

import (
	"context"
)

// Identity is the auth context required on every cache and sync call.
type Identity struct {
	UserID         string
	TenantID       string
	PrivilegedRole bool
	BearerToken    string
}

type contextKey string

const identityKey contextKey = "identity"

// WithIdentity attaches the identity to the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext retrieves the identity from the context.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
