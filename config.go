package recall

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config configures the client. Zero values take the documented
// defaults; FromEnv overlays RECALL_* environment variables for
// deployments that configure through the environment.
type Config struct {
	// BaseURL is the memory service root. Required.
	BaseURL string

	// APIKey authenticates every request.
	APIKey string

	// OnDeviceEnabled is the master switch for the local path:
	// embedding model, tier collections, sync loop. Default true; the
	// probe may still disable it on weak hosts.
	OnDeviceEnabled bool

	// SyncInterval is the period between background sync cycles.
	// Default 300s.
	SyncInterval time.Duration

	// MaxTier0 and MaxTier1 cap the working-set pull. Defaults 50 and
	// 500.
	MaxTier0 int
	MaxTier1 int

	// EmbedLimit caps how many items the remote embeds per cycle.
	// Default 200.
	EmbedLimit int

	// EmbedModel is the embedding model tag, requested remotely and
	// expected locally. Default "embeddinggemma-300m".
	EmbedModel string

	// EmbeddingDimensions is the vector size of EmbedModel. Default
	// 2560.
	EmbeddingDimensions int

	// EmbeddingFormat is "float32" or a quantised format. When the
	// chosen accelerator runs fp16 natively the client upgrades this
	// to float32 to preserve accuracy. Default "float32".
	EmbeddingFormat string

	// AccelComputeUnits prefers a device: "accel", "gpu" or "cpu".
	// Empty uses the probe verdict. The preference falls back in
	// order, it is not absolute.
	AccelComputeUnits string

	// AllowCPUEmbedding permits embedding on plain CPU. Off by
	// default: at this model size CPU inference is too slow for
	// interactive search.
	AllowCPUEmbedding bool

	// ParallelSearch races the local index against the remote search.
	// Default true.
	ParallelSearch bool

	// SimilarityThreshold is the minimum local max-similarity that
	// short-circuits the race. Default 0.70.
	SimilarityThreshold float64

	// DisablePreload skips the eager model warmup inference.
	DisablePreload bool

	// LocalStorePath is where tier collections and snapshots persist.
	// Default <user cache dir>/recall.
	LocalStorePath string

	// ModelPath and TokenizerPath locate the on-device model files.
	ModelPath     string
	TokenizerPath string

	// SyncEventsEnabled subscribes to the server's tier-events stream
	// so changes pull the next sync cycle forward. Default false.
	SyncEventsEnabled bool

	// SearchCacheTTL bounds the hot-query cache. Zero disables it.
	// Default 15s.
	SearchCacheTTL time.Duration

	// HTTPTimeout bounds one remote request attempt. Default 30s.
	HTTPTimeout time.Duration
}

// DefaultConfig returns the documented defaults. BaseURL and APIKey
// still need to be set.
func DefaultConfig() *Config {
	return &Config{
		OnDeviceEnabled:     true,
		SyncInterval:        300 * time.Second,
		MaxTier0:            50,
		MaxTier1:            500,
		EmbedLimit:          200,
		EmbedModel:          "embeddinggemma-300m",
		EmbeddingDimensions: 2560,
		EmbeddingFormat:     "float32",
		ParallelSearch:      true,
		SimilarityThreshold: 0.70,
		SearchCacheTTL:      15 * time.Second,
		HTTPTimeout:         30 * time.Second,
	}
}

// FromEnv overlays RECALL_* environment variables onto the defaults.
func FromEnv() *Config {
	cfg := DefaultConfig()

	setString(&cfg.BaseURL, "RECALL_BASE_URL")
	setString(&cfg.APIKey, "RECALL_API_KEY")
	setBool(&cfg.OnDeviceEnabled, "RECALL_ONDEVICE_ENABLED")
	setSeconds(&cfg.SyncInterval, "RECALL_SYNC_INTERVAL_SECS")
	setInt(&cfg.MaxTier0, "RECALL_MAX_TIER0")
	setInt(&cfg.MaxTier1, "RECALL_MAX_TIER1")
	setInt(&cfg.EmbedLimit, "RECALL_EMBED_LIMIT")
	setString(&cfg.EmbedModel, "RECALL_EMBED_MODEL")
	setInt(&cfg.EmbeddingDimensions, "RECALL_EMBEDDING_DIMENSIONS")
	setString(&cfg.EmbeddingFormat, "RECALL_EMBEDDING_FORMAT")
	setString(&cfg.AccelComputeUnits, "RECALL_ACCEL_COMPUTE_UNITS")
	setBool(&cfg.AllowCPUEmbedding, "RECALL_ALLOW_CPU_EMBEDDING")
	setBool(&cfg.ParallelSearch, "RECALL_PARALLEL_SEARCH")
	setFloat(&cfg.SimilarityThreshold, "RECALL_SIMILARITY_THRESHOLD")
	setBool(&cfg.DisablePreload, "RECALL_DISABLE_ST_PRELOAD")
	setString(&cfg.LocalStorePath, "RECALL_LOCAL_STORE_PATH")
	setString(&cfg.ModelPath, "RECALL_MODEL_PATH")
	setString(&cfg.TokenizerPath, "RECALL_TOKENIZER_PATH")
	setBool(&cfg.SyncEventsEnabled, "RECALL_SYNC_EVENTS_ENABLED")
	setSeconds(&cfg.SearchCacheTTL, "RECALL_SEARCH_CACHE_TTL_SECS")

	return cfg
}

func (c *Config) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("recall: BaseURL is required")
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("recall: SimilarityThreshold must be in [0, 1], got %g", c.SimilarityThreshold)
	}
	if c.MaxTier0 < 0 || c.MaxTier1 < 0 {
		return fmt.Errorf("recall: tier caps must be non-negative")
	}
	return nil
}

func (c *Config) storePath() string {
	if c.LocalStorePath != "" {
		return c.LocalStorePath
	}
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "recall")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = parsed
		}
	}
}

func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(parsed) * time.Second
		}
	}
}
