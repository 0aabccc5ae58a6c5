package tier

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/recallio/recall-go-sdk/memory"
)

// fingerprint condenses one item to a pair of hashes used for change
// detection between sync cycles.
type fingerprint struct {
	ContentHash uint64 `json:"content_hash"`
	MetaHash    uint64 `json:"meta_hash"`
}

// snapshot is the last-known remote view of one tier: id -> fingerprint.
// Built during ingest and swapped in atomically at the end of the cycle.
type snapshot map[string]fingerprint

// fingerprintOf hashes the fields the diff compares: the document text,
// and the metadata fields that signal a meaningful change (source, tier,
// type, topics, id, updated_at). Anything else changing does not force a
// rewrite, which keeps repeat syncs of unchanged state write-free.
func fingerprintOf(it *memory.Item) fingerprint {
	content := fnv.New64a()
	content.Write([]byte(it.Content))

	meta := fnv.New64a()
	fmt.Fprintf(meta, "id=%s;tier=%d;type=%s;updated_at=%d;",
		it.ID, it.Tier, it.Type, it.UpdatedAt.UnixNano())
	writeMetaField(meta, it.Metadata, "source")
	writeMetaField(meta, it.Metadata, "topics")

	return fingerprint{
		ContentHash: content.Sum64(),
		MetaHash:    meta.Sum64(),
	}
}

func writeMetaField(h io.Writer, metadata map[string]any, key string) {
	v, ok := metadata[key]
	if !ok {
		return
	}
	// Canonicalise through JSON so lists (topics) hash stably.
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(h, "%s=%s;", key, raw)
}

// snapshotFile is the on-disk form. Persisting snapshots keeps the
// "unchanged remote state means zero writes" property across process
// restarts, not just within a session.
type snapshotFile struct {
	SavedAt time.Time              `json:"saved_at"`
	Items   map[string]fingerprint `json:"items"`
}

func snapshotPath(dir, collection string) string {
	return filepath.Join(dir, collection+".snapshot.json")
}

func loadSnapshot(dir, collection string) (snapshot, error) {
	raw, err := os.ReadFile(snapshotPath(dir, collection))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot for %s: %w", collection, err)
	}
	var f snapshotFile
	if err := json.Unmarshal(raw, &f); err != nil {
		// A corrupt snapshot only costs one full rewrite cycle.
		return nil, nil
	}
	return f.Items, nil
}

func saveSnapshot(dir, collection string, s snapshot) error {
	raw, err := json.Marshal(snapshotFile{SavedAt: time.Now().UTC(), Items: s})
	if err != nil {
		return fmt.Errorf("marshal snapshot for %s: %w", collection, err)
	}
	if err := os.WriteFile(snapshotPath(dir, collection), raw, 0o644); err != nil {
		return fmt.Errorf("write snapshot for %s: %w", collection, err)
	}
	return nil
}

func dropSnapshot(dir, collection string) {
	_ = os.Remove(snapshotPath(dir, collection))
}
