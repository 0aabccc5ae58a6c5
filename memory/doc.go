// Package memory defines the data model and storage interfaces for the
// local working set of a user's memories.
//
// The remote service is the source of truth; this package models the
// bounded slice of it that is mirrored on-device. Memories arrive in two
// tiers (tier 0: goals/OKRs and pinned items, tier 1: recently-hot
// memories) and are indexed into per-tier vector collections.
//
// Architecture:
//   - Item: one memory as synced from the remote service
//   - Collection: a named persistent vector collection (chromem-go backed)
//   - CollectionStore: opens/drops collections and validates their
//     stored embedding metadata against the active embedder
//   - Embedder: text-to-vector conversion (ONNX on-device, mock for tests)
//
// Higher layers live in sibling packages: memory/tier owns the two
// collections and the ingest diff, tiersync pulls from the remote, and
// search races the local index against the remote.
package memory
