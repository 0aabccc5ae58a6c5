package core

import "sync/atomic"

// SyncMark records the user-context version the local working set last
// completed a sync cycle under. The searcher compares it against the
// live version before touching the local index: while the two differ
// the collections still hold (or may hold) another identity's items,
// and queries run remote-only instead.
//
// The zero value is synced at version 0, matching a fresh UserContext
// whose collections start empty.
type SyncMark struct {
	v atomic.Uint64
}

// Record stores the version a completed sync cycle ran under.
func (m *SyncMark) Record(version uint64) {
	m.v.Store(version)
}

// Version returns the last recorded version.
func (m *SyncMark) Version() uint64 {
	return m.v.Load()
}
