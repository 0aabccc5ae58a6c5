// Package remote is the client for the memory service's HTTPS/JSON
// surface. The rest of the SDK treats it as an opaque dependency: the
// Service interface lists the operations the local layer consumes, and
// HTTPClient is the wire implementation.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/recallio/recall-go-sdk/core"
	"github.com/recallio/recall-go-sdk/memory"
)

// Service is the set of remote operations the SDK consumes.
type Service interface {
	// Search runs a remote search for the scoped user.
	Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error)

	// SyncTiers pulls the tier-0/tier-1 working set for the scoped
	// user. Primary input to the sync engine.
	SyncTiers(ctx context.Context, req *SyncTiersRequest) (*SyncTiersResponse, error)

	// AddMemory creates one memory. Surfaced verbatim to callers; the
	// local layer never writes through itself.
	AddMemory(ctx context.Context, req *AddMemoryRequest) (*AddMemoryResponse, error)

	// AddMemoryBatch creates many memories in one call.
	AddMemoryBatch(ctx context.Context, req *AddMemoryBatchRequest) (*AddMemoryBatchResponse, error)

	// DeleteMemory deletes one memory by id.
	DeleteMemory(ctx context.Context, id string) error

	// DeleteAll deletes every memory in the given scope.
	DeleteAll(ctx context.Context, scope core.UserScope) error
}

// SearchRequest is the remote search input. Zero values are omitted on
// the wire so server defaults apply.
type SearchRequest struct {
	Query       string         `json:"query"`
	MaxMemories int            `json:"max_memories,omitempty"`
	GraphWalk   bool           `json:"graph_walk,omitempty"`
	Rerank      *RerankConfig  `json:"rerank,omitempty"`
	SchemaID    string         `json:"schema_id,omitempty"`
	Filters     map[string]any `json:"filters,omitempty"`
	Scope       core.UserScope `json:"user_scope,omitzero"`
}

// RerankConfig toggles server-side reranking.
type RerankConfig struct {
	Enabled bool   `json:"enabled"`
	Model   string `json:"model,omitempty"`
}

// SearchResponse is the remote search output. The local path returns
// results in this same shape so callers are agnostic to which path
// served them.
type SearchResponse struct {
	Memories []memory.ScoredItem `json:"memories"`
	Nodes    []GraphNode         `json:"nodes,omitempty"`
}

// GraphNode is a graph-walk hit. Opaque to the local layer.
type GraphNode struct {
	ID         string         `json:"id"`
	Labels     []string       `json:"labels,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// SyncTiersRequest parametrises a working-set pull.
type SyncTiersRequest struct {
	MaxTier0          int            `json:"max_tier0"`
	MaxTier1          int            `json:"max_tier1"`
	IncludeEmbeddings bool           `json:"include_embeddings"`
	EmbeddingFormat   string         `json:"embedding_format,omitempty"`
	EmbedLimit        int            `json:"embed_limit,omitempty"`
	EmbedModel        string         `json:"embed_model,omitempty"`
	Scope             core.UserScope `json:"user_scope,omitzero"`
}

// SyncTiersResponse carries the pulled working set.
type SyncTiersResponse struct {
	Tier0    []memory.Item `json:"tier0"`
	Tier1    []memory.Item `json:"tier1"`
	SyncedAt time.Time     `json:"synced_at,omitempty"`
}

// AddMemoryRequest creates one memory.
type AddMemoryRequest struct {
	Content       string         `json:"content"`
	Type          string         `json:"type,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty"`
	GraphPolicy   string         `json:"graph_policy,omitempty"`
	Scope         core.UserScope `json:"user_scope,omitzero"`
}

// Relationship links the new memory to a graph node. Opaque here.
type Relationship struct {
	Type     string `json:"type"`
	TargetID string `json:"target_id"`
}

// AddMemoryResponse is the creation result.
type AddMemoryResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// AddMemoryBatchRequest creates many memories.
type AddMemoryBatchRequest struct {
	Items []AddMemoryRequest `json:"items"`
	Scope core.UserScope     `json:"user_scope,omitzero"`
}

// AddMemoryBatchResponse reports per-item outcomes. Partial success is
// normal; failures carry the index of the failed input.
type AddMemoryBatchResponse struct {
	Successes []AddMemoryResponse `json:"successes"`
	Failures  []BatchFailure      `json:"failures,omitempty"`
}

// BatchFailure is one failed item of a batch.
type BatchFailure struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}

// ErrorKind classifies remote failures for retry policy.
type ErrorKind string

const (
	KindTransient   ErrorKind = "transient_remote"
	KindRateLimited ErrorKind = "rate_limited"
	KindAuth        ErrorKind = "auth"
	KindNotFound    ErrorKind = "not_found"
	KindValidation  ErrorKind = "validation"
)

// APIError is a non-2xx response from the service.
type APIError struct {
	Kind      ErrorKind
	Status    int
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("remote: %s (%d): %s [request %s]", e.Kind, e.Status, e.Message, e.RequestID)
	}
	return fmt.Sprintf("remote: %s (%d): %s", e.Kind, e.Status, e.Message)
}

// Retryable reports whether the failure may succeed on retry.
func (e *APIError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

// KindForStatus maps an HTTP status to an error kind.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 404:
		return KindNotFound
	case status == 422:
		return KindValidation
	case status == 429:
		return KindRateLimited
	default:
		return KindTransient
	}
}

// IsAuthError reports whether err is an authentication failure. The
// sync loop stops retrying on these until credentials are refreshed.
func IsAuthError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindAuth
}
