// Package core provides shared primitives used across the SDK:
// the user context the client is scoped to and the user scope
// attached to remote requests.
package core

import "sync"

// UserScope identifies the user a remote request acts on behalf of.
// Either field may be empty; an empty scope means "the authenticated
// principal" and is resolved server-side.
type UserScope struct {
	// InternalID is the service-assigned user id.
	InternalID string `json:"user_id,omitempty"`

	// ExternalID is the caller-assigned identifier (e.g. the id the
	// embedding application uses for this user).
	ExternalID string `json:"external_user_id,omitempty"`
}

// IsZero reports whether no identity is set.
func (s UserScope) IsZero() bool {
	return s.InternalID == "" && s.ExternalID == ""
}

// UserContext holds the identity the client is currently scoped to.
//
// All local state (tier collections, snapshots, cached results) is keyed
// to a single identity. The version counter increments on every identity
// change; background workers stamp their work with the version they
// started under and drop writes when the version has moved on.
//
// UserContext is safe for concurrent use. Version is read under the same
// lock that guards the identity fields, so a caller that observes a
// version also observes the identity that produced it.
type UserContext struct {
	mu         sync.Mutex
	internalID string
	externalID string
	version    uint64
}

// NewUserContext returns an unset context at version 0.
func NewUserContext() *UserContext {
	return &UserContext{}
}

// Set updates the identity. If the identity is unchanged this is a no-op
// and changed is false. Otherwise the version increments and the new
// version is returned.
func (u *UserContext) Set(internalID, externalID string) (changed bool, version uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.internalID == internalID && u.externalID == externalID {
		return false, u.version
	}
	u.internalID = internalID
	u.externalID = externalID
	u.version++
	return true, u.version
}

// Clear removes the identity. Equivalent to Set("", "").
func (u *UserContext) Clear() (changed bool, version uint64) {
	return u.Set("", "")
}

// Snapshot returns the current identity and the version it was set at.
func (u *UserContext) Snapshot() (scope UserScope, version uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return UserScope{InternalID: u.internalID, ExternalID: u.externalID}, u.version
}

// Version returns the current version counter.
func (u *UserContext) Version() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.version
}

// Current reports whether the given version is still the live one.
// Background workers call this before applying writes.
func (u *UserContext) Current(version uint64) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.version == version
}
