// Copyright 2026 ABParts Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token shape the auth backend issues: user id in the standard
// sub claim, tenant and role as private claims.
type Claims struct {
	TenantID string `json:"tid"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// IdentityFromToken derives the identity triple from a bearer token. The
// token is decoded, not verified: the client holds no signing secret, and the
// server re-validates every request anyway. The claims only seed the local
// cache scope, which must match what the server will enforce.
func IdentityFromToken(tokenString string) (Identity, error) {
	var claims Claims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, &claims); err != nil {
		return Identity{}, fmt.Errorf("failed to decode bearer token: %w", err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("bearer token missing sub (user id) claim")
	}
	if claims.TenantID == "" {
		return Identity{}, fmt.Errorf("bearer token missing tid (tenant id) claim")
	}
	return Identity{
		UserID:         claims.Subject,
		TenantID:       claims.TenantID,
		PrivilegedRole: claims.Role == "admin" || claims.Role == "supervisor",
		BearerToken:    tokenString,
	}, nil
}
