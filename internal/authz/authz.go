// Package authz provides permission resolution and privacy scoping.
//
// This package exists to share access-control logic between the HTTP server
// and the MCP server without creating a circular dependency (both import this
// package; neither imports the other).
package authz

import (
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/kotae/internal/auth"
	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/storage"
)

// permTTL bounds how stale a permission set may be after a role mutation
// that was not routed through Invalidate (e.g. direct SQL).
const permTTL = 5 * time.Minute

// Checker resolves the effective permission set of a user: the union of the
// permissions granted by every role in user_roles. Results are cached for
// permTTL; mutations call Invalidate so changes apply immediately.
type Checker struct {
	db    *storage.DB
	cache *PermCache
}

// NewChecker creates a permission checker. Call Close to stop the cache's
// eviction goroutine.
func NewChecker(db *storage.DB) *Checker {
	return &Checker{db: db, cache: NewPermCache(permTTL)}
}

// Permissions returns the user's effective permission names.
func (c *Checker) Permissions(ctx context.Context, userID string) ([]string, error) {
	if perms, ok := c.cache.Get(userID); ok {
		return perms, nil
	}
	perms, err := c.db.GetUserPermissions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("authz: load permissions: %w", err)
	}
	c.cache.Set(userID, perms)
	return perms, nil
}

// Has reports whether the user holds the named permission. Admins hold every
// permission through their seeded role; no special case is needed here.
func (c *Checker) Has(ctx context.Context, userID, perm string) (bool, error) {
	perms, err := c.Permissions(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p == perm {
			return true, nil
		}
	}
	return false, nil
}

// Invalidate drops the cached permission set for a user. Call after any
// role assignment or removal.
func (c *Checker) Invalidate(userID string) {
	c.cache.Invalidate(userID)
}

// Close stops the cache's background eviction goroutine.
func (c *Checker) Close() {
	c.cache.Close()
}

// PrivacyScope maps a caller to the retrieval scope their role allows.
// Admins search everything; everyone else is restricted to public documents.
func PrivacyScope(claims *auth.Claims) model.PrivacyFilter {
	if claims != nil && claims.IsAdmin() {
		return model.FilterAll
	}
	return model.FilterPublic
}
