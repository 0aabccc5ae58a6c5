package memory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Item is one memory as synced from the remote service.
//
// Items are opaque to the local layer: content and metadata are stored
// verbatim and handed back to callers unchanged. The only fields the
// local layer interprets are ID, Content, Tier, Embedding and UpdatedAt.
type Item struct {
	// ID is the stable identifier assigned by the remote service.
	// Unique within a tier; the same id may appear in both tiers.
	ID string `json:"id"`

	// Content is the memory text. Items with blank content are never
	// indexed locally.
	Content string `json:"content"`

	// Tier records which working-set tier the item was pulled from
	// (0 or 1). Provenance only.
	Tier int `json:"tier"`

	// Type is the remote's type label ("text", "document", ...),
	// preserved verbatim.
	Type string `json:"type,omitempty"`

	// Embedding is the dense vector for Content, if the remote
	// included one. When absent the embedder computes it at ingest.
	Embedding []float32 `json:"embedding,omitempty"`

	// Metadata is an opaque key->value map (topics, tags, title, role,
	// category, source fields, document-layout fields, server-side
	// scores, ...). Propagated through query results unchanged.
	Metadata map[string]any `json:"metadata,omitempty"`

	// ACL holds the remote access lists. Stored and returned verbatim;
	// the local layer never evaluates them.
	ACL *ACL `json:"acl,omitempty"`

	// CreatedAt and UpdatedAt are remote timestamps. UpdatedAt is the
	// change-detection signal for the sync diff.
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Blank reports whether the item has no indexable content.
func (it *Item) Blank() bool {
	return strings.TrimSpace(it.Content) == ""
}

// ACL holds read/write access lists keyed by principal kind.
type ACL struct {
	Read  Principals `json:"read,omitempty"`
	Write Principals `json:"write,omitempty"`
}

// Principals enumerates the principal kinds the remote service scopes
// access by.
type Principals struct {
	Users         []string `json:"users,omitempty"`
	ExternalUsers []string `json:"external_users,omitempty"`
	Organizations []string `json:"organizations,omitempty"`
	Namespaces    []string `json:"namespaces,omitempty"`
	Workspaces    []string `json:"workspaces,omitempty"`
	Roles         []string `json:"roles,omitempty"`
}

// ScoredItem is an Item with the scores a search path attached.
//
// RelevanceScore is only ever set by the remote (reranker output) and is
// preserved as-is. SimilarityScore is set by the local path as
// 1 - cosine distance. Neither path fabricates the other's score.
type ScoredItem struct {
	Item

	RelevanceScore  *float64 `json:"relevance_score,omitempty"`
	SimilarityScore *float64 `json:"similarity_score,omitempty"`
}

// itemMetaKey carries the serialized item inside collection metadata so
// local query results can be returned in the remote response shape.
const itemMetaKey = "_item"

// CollectionEntry flattens an Item into the (document, metadata) pair
// stored in a vector collection. The embedding travels separately.
func CollectionEntry(it *Item) (document string, metadata map[string]string, err error) {
	stripped := *it
	stripped.Embedding = nil // vectors live in the collection itself

	raw, err := json.Marshal(&stripped)
	if err != nil {
		return "", nil, fmt.Errorf("marshal item %s: %w", it.ID, err)
	}

	metadata = map[string]string{
		itemMetaKey:  string(raw),
		"tier":       fmt.Sprintf("%d", it.Tier),
		"type":       it.Type,
		"updated_at": it.UpdatedAt.UTC().Format(time.RFC3339),
	}
	return it.Content, metadata, nil
}

// ItemFromEntry reverses CollectionEntry. Falls back to a minimal item
// when the stored blob is missing or unreadable, so one bad record does
// not poison a result set.
func ItemFromEntry(id, document string, metadata map[string]string) Item {
	if raw, ok := metadata[itemMetaKey]; ok {
		var it Item
		if err := json.Unmarshal([]byte(raw), &it); err == nil {
			return it
		}
	}
	return Item{ID: id, Content: document, Type: metadata["type"]}
}
