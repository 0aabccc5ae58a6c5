package tier

import (
	"context"
	"fmt"
	"log"

	"github.com/recallio/recall-go-sdk/memory"
)

// Stats summarises one ingest cycle. Tests and the sync engine read
// these; the duplicate and blank counters are part of the contract.
type Stats struct {
	Tier       int
	Incoming   int
	Duplicates int
	Blanks     int
	Added      int
	Updated    int
	Unchanged  int
	Removed    int
	Embedded   int
}

func (st Stats) String() string {
	return fmt.Sprintf("tier%d: incoming=%d dup=%d blank=%d added=%d updated=%d unchanged=%d removed=%d embedded=%d",
		st.Tier, st.Incoming, st.Duplicates, st.Blanks, st.Added, st.Updated, st.Unchanged, st.Removed, st.Embedded)
}

// Ingest applies one tier's pulled items against the local collection.
//
// The incoming batch is deduplicated by id (first wins), blank items
// are skipped, and the rest is partitioned against the previous
// snapshot into new/changed/unchanged/removed. Only new and changed
// items are written; removed ids are deleted. Items without a vector
// are embedded in a single batch. On success the snapshot is replaced
// atomically, so re-applying the same remote state performs zero
// writes.
//
// A vector of the wrong dimension aborts the cycle with
// memory.ErrDimensionMismatch before any write; the caller recovers the
// collection and retries.
func (s *Store) Ingest(ctx context.Context, t int, items []memory.Item) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{Tier: t, Incoming: len(items)}
	if !s.opened {
		return stats, fmt.Errorf("tier: store not opened")
	}
	col := s.cols[t]
	prev := s.snaps[t]

	// Dedupe (first occurrence wins) and drop blanks.
	seen := make(map[string]struct{}, len(items))
	kept := make([]*memory.Item, 0, len(items))
	for i := range items {
		it := &items[i]
		it.Tier = t
		if _, dup := seen[it.ID]; dup {
			stats.Duplicates++
			continue
		}
		seen[it.ID] = struct{}{}
		if it.Blank() {
			stats.Blanks++
			continue
		}
		kept = append(kept, it)
	}
	if stats.Duplicates > 0 {
		log.Printf("[TIER] %s: dropped %d duplicate ids from batch", col.Name(), stats.Duplicates)
	}

	// Partition against the previous snapshot, validating provided
	// vectors before any write happens.
	dim := s.embedder.Dimensions()
	next := make(snapshot, len(kept))
	var newItems, changedItems []*memory.Item
	for _, it := range kept {
		if len(it.Embedding) > 0 && len(it.Embedding) != dim {
			return stats, fmt.Errorf("tier: item %s has %d-dim embedding, embedder yields %d: %w",
				it.ID, len(it.Embedding), dim, memory.ErrDimensionMismatch)
		}
		fp := fingerprintOf(it)
		next[it.ID] = fp

		prevFp, existed := prev[it.ID]
		switch {
		case !existed:
			newItems = append(newItems, it)
		case prevFp != fp:
			changedItems = append(changedItems, it)
		default:
			stats.Unchanged++
		}
	}

	var removed []string
	for id := range prev {
		if _, still := next[id]; !still {
			removed = append(removed, id)
		}
	}

	// Embed the gaps in one batch. Remote-supplied vectors pass
	// through untouched.
	if err := s.fillEmbeddings(ctx, &stats, newItems, changedItems); err != nil {
		return stats, err
	}

	if err := s.applyWrites(ctx, col, newItems, changedItems, removed); err != nil {
		return stats, err
	}
	stats.Added = len(newItems)
	stats.Updated = len(changedItems)
	stats.Removed = len(removed)

	s.snaps[t] = next
	if s.snapshotDir != "" {
		if err := saveSnapshot(s.snapshotDir, col.Name(), next); err != nil {
			// Worst case the next restart rewrites the tier.
			log.Printf("[TIER] %s: persisting snapshot failed: %v", col.Name(), err)
		}
	}

	log.Printf("[TIER] ingest %s", stats)
	return stats, nil
}

func (s *Store) fillEmbeddings(ctx context.Context, stats *Stats, groups ...[]*memory.Item) error {
	var missing []*memory.Item
	var texts []string
	for _, group := range groups {
		for _, it := range group {
			if len(it.Embedding) == 0 {
				missing = append(missing, it)
				texts = append(texts, it.Content)
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}

	vecs, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("tier: embed %d documents: %w", len(texts), err)
	}
	if len(vecs) != len(missing) {
		return fmt.Errorf("tier: embedder returned %d vectors for %d documents", len(vecs), len(missing))
	}
	for i, it := range missing {
		it.Embedding = vecs[i]
	}
	stats.Embedded = len(missing)
	return nil
}

func (s *Store) applyWrites(ctx context.Context, col memory.Collection, newItems, changedItems []*memory.Item, removed []string) error {
	if len(newItems) > 0 {
		ids, vectors, documents, metadatas, err := entryColumns(newItems)
		if err != nil {
			return err
		}
		if err := col.Add(ctx, ids, vectors, documents, metadatas); err != nil {
			return fmt.Errorf("tier: add to %s: %w", col.Name(), err)
		}
	}
	if len(changedItems) > 0 {
		ids, vectors, documents, metadatas, err := entryColumns(changedItems)
		if err != nil {
			return err
		}
		if err := col.Update(ctx, ids, vectors, documents, metadatas); err != nil {
			return fmt.Errorf("tier: update in %s: %w", col.Name(), err)
		}
	}
	if len(removed) > 0 {
		if err := col.Delete(ctx, removed...); err != nil {
			return fmt.Errorf("tier: delete from %s: %w", col.Name(), err)
		}
	}
	return nil
}

func entryColumns(items []*memory.Item) (ids []string, vectors [][]float32, documents []string, metadatas []map[string]string, err error) {
	ids = make([]string, len(items))
	vectors = make([][]float32, len(items))
	documents = make([]string, len(items))
	metadatas = make([]map[string]string, len(items))
	for i, it := range items {
		doc, meta, err := memory.CollectionEntry(it)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		ids[i] = it.ID
		vectors[i] = it.Embedding
		documents[i] = doc
		metadatas[i] = meta
	}
	return ids, vectors, documents, metadatas, nil
}
