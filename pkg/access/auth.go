// Copyright (C) 2026 Driftboard Labs (eng@driftboard.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package access defines the authentication, authorization, and audit
// contracts the operation-log engine depends on.
//
// The engine never resolves roles or stores audit trails itself; those
// belong to the platform's identity and compliance services. This package
// holds the interfaces plus no-op and static implementations so the
// engine runs unmodified in local single-user deployments.
//
// # Open Source Behavior
//
// The Nop implementations authenticate every request as "local-user"
// with the admin role and permit every action. Hosted deployments swap
// in real providers backed by the platform's identity service.
package access

import (
	"context"
	"errors"
	"strings"
)

// ErrUnauthorized is returned when authentication or authorization
// fails. Implementations should wrap it with additional context:
//
//	return nil, fmt.Errorf("token expired: %w", access.ErrUnauthorized)
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo contains identity information returned after successful
// authentication. UserID is the only required field.
type AuthInfo struct {
	// UserID is the unique identifier for the authenticated user.
	// Must never be empty.
	UserID string

	// Email is the user's email address. May be empty.
	Email string

	// Roles contains the user's role names for authorization decisions.
	// Common roles: "admin", "editor", "viewer".
	Roles []string
}

// HasRole checks whether the user holds the named role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Role is a named set of permissions as resolved by the platform's
// RBAC service. Permissions use "resource:action" form, e.g.
// "content:delete" or "content:*".
type Role struct {
	// Name is the role identifier, e.g. "editor".
	Name string

	// Permissions lists the grants this role carries.
	Permissions []string
}

// Grants reports whether the role carries the given permission.
//
// A permission is "resource:action". A stored grant matches if it is
// equal, or if either side of the grant is the wildcard "*":
// "content:*" grants every content action, "*" grants everything.
func (r Role) Grants(permission string) bool {
	resource, action, ok := splitPermission(permission)
	if !ok {
		return false
	}
	for _, p := range r.Permissions {
		if p == "*" || p == permission {
			return true
		}
		gr, ga, ok := splitPermission(p)
		if !ok {
			continue
		}
		if (gr == resource || gr == "*") && (ga == action || ga == "*") {
			return true
		}
	}
	return false
}

func splitPermission(p string) (resource, action string, ok bool) {
	parts := strings.SplitN(p, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// AuthProvider validates authentication tokens and returns user
// identity. Implementations must be safe for concurrent use.
type AuthProvider interface {
	// Validate checks the token and returns the user's identity.
	// Returns ErrUnauthorized (possibly wrapped) when the token is
	// invalid; other errors indicate provider failures.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// RoleResolver resolves a user's effective role for permission checks.
// Implementations must be safe for concurrent use.
type RoleResolver interface {
	// ResolveRole returns the role for the given user. Returns
	// ErrUnauthorized (possibly wrapped) when the user is unknown.
	ResolveRole(ctx context.Context, userID string) (Role, error)
}

// NopAuthProvider authenticates every request as "local-user" with
// admin privileges. The token is ignored.
type NopAuthProvider struct{}

// Validate always succeeds with the local admin identity.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Roles:  []string{"admin"},
	}, nil
}

// NopRoleResolver grants every user a role holding the universal
// wildcard permission.
type NopRoleResolver struct{}

// ResolveRole always returns an admin role granting everything.
func (r *NopRoleResolver) ResolveRole(_ context.Context, _ string) (Role, error) {
	return Role{Name: "admin", Permissions: []string{"*"}}, nil
}

// StaticRoleResolver resolves roles from a fixed in-memory map.
// Useful for tests and single-tenant deployments.
type StaticRoleResolver struct {
	// RolesByUser maps user IDs to their role.
	RolesByUser map[string]Role

	// Fallback is returned for users absent from RolesByUser.
	// A zero-value fallback (no permissions) denies everything.
	Fallback Role
}

// ResolveRole returns the configured role for the user, or Fallback.
func (r *StaticRoleResolver) ResolveRole(_ context.Context, userID string) (Role, error) {
	if role, ok := r.RolesByUser[userID]; ok {
		return role, nil
	}
	return r.Fallback, nil
}

// Compile-time interface compliance checks.
var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ RoleResolver = (*NopRoleResolver)(nil)
	_ RoleResolver = (*StaticRoleResolver)(nil)
)
