// Package auth provides the pluggable authentication provider abstraction
// and a JWT reference implementation.
package auth

import (
	"context"
	"time"
)

// User is the authenticated principal attached to a request.
type User struct {
	// ID uniquely identifies the user.
	ID string `json:"id"`

	// Roles are the user's coarse-grained roles.
	Roles []string `json:"roles,omitempty"`

	// Permissions are the user's fine-grained permissions.
	Permissions []string `json:"permissions,omitempty"`
}

// HasRole reports whether the user holds the role.
func (u *User) HasRole(role string) bool {
	return contains(u.Roles, role)
}

// HasAnyRole reports whether the user holds at least one of the roles.
// An empty requirement is satisfied by anyone.
func (u *User) HasAnyRole(roles ...string) bool {
	if len(roles) == 0 {
		return true
	}
	for _, role := range roles {
		if contains(u.Roles, role) {
			return true
		}
	}
	return false
}

// HasAllRoles reports whether the user holds every role.
func (u *User) HasAllRoles(roles ...string) bool {
	for _, role := range roles {
		if !contains(u.Roles, role) {
			return false
		}
	}
	return true
}

// HasPermission reports whether the user holds the permission.
func (u *User) HasPermission(perm string) bool {
	return contains(u.Permissions, perm)
}

// HasAllPermissions reports whether the user holds every permission.
func (u *User) HasAllPermissions(perms ...string) bool {
	for _, perm := range perms {
		if !contains(u.Permissions, perm) {
			return false
		}
	}
	return true
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

// TokenPair is an access token plus its refresh token.
type TokenPair struct {
	// Token is the access token.
	Token string `json:"token"`

	// RefreshToken renews the pair when the access token expires.
	RefreshToken string `json:"refreshToken,omitempty"`

	// ExpiresAt is when the access token expires.
	ExpiresAt time.Time `json:"expiresAt"`
}

// Provider authenticates requests and issues tokens. Implementations that
// do not issue tokens return ErrRefreshUnsupported from the token
// operations.
type Provider interface {
	// VerifyToken validates a credential and returns the user it
	// represents.
	VerifyToken(ctx context.Context, token string) (*User, error)

	// GenerateToken issues a token pair for the user.
	GenerateToken(ctx context.Context, user *User) (*TokenPair, error)

	// RefreshToken exchanges a refresh token for a new pair.
	RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error)
}
