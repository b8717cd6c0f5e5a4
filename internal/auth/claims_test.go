// Copyright 2026 ABParts Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestIdentityFromToken(t *testing.T) {
	token := signedToken(t, Claims{
		TenantID:         "tenant-7",
		Role:             "technician",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-42"},
	})

	id, err := IdentityFromToken(token)
	require.NoError(t, err)
	require.Equal(t, "user-42", id.UserID)
	require.Equal(t, "tenant-7", id.TenantID)
	require.False(t, id.PrivilegedRole)
	require.Equal(t, token, id.BearerToken)
}

func TestIdentityFromTokenPrivilegedRoles(t *testing.T) {
	for _, role := range []string{"admin", "supervisor"} {
		token := signedToken(t, Claims{
			TenantID:         "tenant-1",
			Role:             role,
			RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
		})
		id, err := IdentityFromToken(token)
		require.NoError(t, err)
		require.True(t, id.PrivilegedRole, "role %s", role)
	}
}

func TestIdentityFromTokenMissingClaims(t *testing.T) {
	_, err := IdentityFromToken(signedToken(t, Claims{TenantID: "tenant-1"}))
	require.Error(t, err, "missing sub")

	_, err = IdentityFromToken(signedToken(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
	}))
	require.Error(t, err, "missing tid")

	_, err = IdentityFromToken("not-a-jwt")
	require.Error(t, err)
}

func TestIdentityContextRoundTrip(t *testing.T) {
	id := Identity{UserID: "user-1", TenantID: "tenant-1", BearerToken: "tok"}
	ctx := WithIdentity(context.Background(), id)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	require.Equal(t, id, got)

	_, ok = FromContext(context.Background())
	require.False(t, ok)
}
