// Package config loads chunkyindex's layered configuration: hardcoded
// defaults, overridden by a user/global YAML file, overridden by a
// project-local YAML file, overridden by environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete chunkyindex configuration.
type Config struct {
	Version    int              `yaml:"version" json:"version"`
	Storage    StorageConfig    `yaml:"storage" json:"storage"`
	Indexes    IndexesConfig    `yaml:"indexes" json:"indexes"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Query      QueryConfig      `yaml:"query" json:"query"`
	Retry      RetryConfig      `yaml:"retry" json:"retry"`
}

// StorageConfig configures where the engine persists its database file and
// the chunk object store.
type StorageConfig struct {
	// Dir is the storage root; the database file and chunk folder live
	// under it (spec.md §6: "One database file per storage root").
	Dir string `yaml:"dir" json:"dir"`
	// SQLiteCacheMB is a page cache size in MB. It is loaded and merged
	// but not applied: storekit.Open sets no cache_size pragma.
	SQLiteCacheMB int `yaml:"sqlite_cache_mb" json:"sqlite_cache_mb"`
}

// IndexesConfig controls the five named TextIndexes a ChunkyIndex owns
// (spec.md §4.6: summaries, keywords, tags, synonyms, docinfos).
type IndexesConfig struct {
	// CaseSensitive disables StringTable case-folding (default: folded).
	CaseSensitive bool `yaml:"case_sensitive" json:"case_sensitive"`
	// SemanticIndex enables the VectorTable/embedding phase per index.
	// Individual entries may turn it off for specific index names, e.g.
	// {"docinfos": false} to skip embeddings for structured JSON blobs.
	SemanticIndex     bool            `yaml:"semantic_index" json:"semantic_index"`
	SemanticOverrides map[string]bool `yaml:"semantic_overrides" json:"semantic_overrides"`
	// Concurrency bounds fan-out in getNearestHitsMultiple (spec.md §5:
	// "configured concurrency limit (default 4)"); getNearestMultiple runs
	// its texts sequentially.
	Concurrency int `yaml:"concurrency" json:"concurrency"`
	// ANNBackend selects the VectorTable implementation: "linear" (default,
	// spec-mandated exact scan) or "hnsw" (opt-in ANN, spec.md §9: "VectorTable
	// contract is compatible with an ANN replacement").
	ANNBackend string `yaml:"ann_backend" json:"ann_backend"`
}

// EmbeddingsConfig configures the embedding provider and its shared cache.
type EmbeddingsConfig struct {
	Provider   string `yaml:"provider" json:"provider"`
	Dimensions int    `yaml:"dimensions" json:"dimensions"`
	// CacheSize is the shared LRU embedding cache capacity (spec.md §6:
	// "LRU with fixed capacity (default 1000)").
	CacheSize int `yaml:"cache_size" json:"cache_size"`
	// RequestTimeout is a per-embed() time limit. It is loaded and merged
	// but not applied: embed calls run with the caller's context only.
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// QueryConfig tunes the orchestrator's query stage (spec.md §4.6).
type QueryConfig struct {
	DefaultMaxHits   int `yaml:"default_max_hits" json:"default_max_hits"`
	MaxAnswerChunks  int `yaml:"max_answer_chunks" json:"max_answer_chunks"`
	AnswerHistorySize int `yaml:"answer_history_size" json:"answer_history_size"`
}

// RetryConfig is the ambient retry/backoff profile. The Ingest* fields drive
// the embedChunk best-effort retries (spec.md §4.6: "base 1ms, double on each
// retry, fail after ~10 retries/1s"). The Lock* fields hold the
// external-file-lock profile (spec.md §5: "up to 5 retries, exponential
// backoff 50ms-200ms, doubling") but are not read: extlock uses its own
// DefaultMaxRetries/DefaultBaseDelay/DefaultMaxDelay constants.
type RetryConfig struct {
	IngestMaxRetries int           `yaml:"ingest_max_retries" json:"ingest_max_retries"`
	IngestBaseDelay  time.Duration `yaml:"ingest_base_delay" json:"ingest_base_delay"`
	IngestMaxDelay   time.Duration `yaml:"ingest_max_delay" json:"ingest_max_delay"`
	LockMaxRetries   int           `yaml:"lock_max_retries" json:"lock_max_retries"`
	LockBaseDelay    time.Duration `yaml:"lock_base_delay" json:"lock_base_delay"`
	LockMaxDelay     time.Duration `yaml:"lock_max_delay" json:"lock_max_delay"`
}

// NewConfig returns a Config populated with the spec's defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Storage: StorageConfig{
			Dir:           defaultStorageDir(),
			SQLiteCacheMB: 64,
		},
		Indexes: IndexesConfig{
			CaseSensitive:     false,
			SemanticIndex:     true,
			SemanticOverrides: map[string]bool{},
			Concurrency:       4,
			ANNBackend:        "linear",
		},
		Embeddings: EmbeddingsConfig{
			Provider:       "",
			Dimensions:     0,
			CacheSize:      1000,
			RequestTimeout: 30 * time.Second,
		},
		Query: QueryConfig{
			DefaultMaxHits:    10,
			MaxAnswerChunks:   30,
			AnswerHistorySize: 20,
		},
		Retry: RetryConfig{
			IngestMaxRetries: 10,
			IngestBaseDelay:  1 * time.Millisecond,
			IngestMaxDelay:   1024 * time.Millisecond,
			LockMaxRetries:   5,
			LockBaseDelay:    50 * time.Millisecond,
			LockMaxDelay:     200 * time.Millisecond,
		},
	}
}

func defaultStorageDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".chunkyindex")
	}
	return filepath.Join(home, ".chunkyindex")
}

// GetUserConfigPath follows the XDG Base Directory specification:
//   - $XDG_CONFIG_HOME/chunkyindex/config.yaml (if set)
//   - ~/.config/chunkyindex/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "chunkyindex", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "chunkyindex", "config.yaml")
	}
	return filepath.Join(home, ".config", "chunkyindex", "config.yaml")
}

// Load loads configuration from dir in increasing order of precedence:
//  1. hardcoded defaults
//  2. user/global config (GetUserConfigPath)
//  3. project config (dir/.chunkyindex.yaml)
//  4. environment variables (CHUNKYINDEX_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userCfg, err := loadUserConfig(); err != nil {
		return nil, fmt.Errorf("config: load user config: %w", err)
	} else if userCfg != nil {
		cfg.mergeWith(userCfg)
	}

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadUserConfig() (*Config, error) {
	path := GetUserConfigPath()
	if !fileExists(path) {
		return nil, nil
	}
	cfg := NewConfig()
	if err := cfg.loadYAML(path); err != nil {
		return nil, fmt.Errorf("config: load user config from %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) loadFromFile(dir string) error {
	for _, name := range []string{".chunkyindex.yaml", ".chunkyindex.yml"} {
		path := filepath.Join(dir, name)
		if fileExists(path) {
			return c.loadYAML(path)
		}
	}
	return nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}
	if other.Storage.Dir != "" {
		c.Storage.Dir = other.Storage.Dir
	}
	if other.Storage.SQLiteCacheMB != 0 {
		c.Storage.SQLiteCacheMB = other.Storage.SQLiteCacheMB
	}

	if other.Indexes.CaseSensitive {
		c.Indexes.CaseSensitive = true
	}
	if other.Indexes.Concurrency != 0 {
		c.Indexes.Concurrency = other.Indexes.Concurrency
	}
	if other.Indexes.ANNBackend != "" {
		c.Indexes.ANNBackend = other.Indexes.ANNBackend
	}
	for name, enabled := range other.Indexes.SemanticOverrides {
		c.Indexes.SemanticOverrides[name] = enabled
	}

	if other.Embeddings.Provider != "" {
		c.Embeddings.Provider = other.Embeddings.Provider
	}
	if other.Embeddings.Dimensions != 0 {
		c.Embeddings.Dimensions = other.Embeddings.Dimensions
	}
	if other.Embeddings.CacheSize != 0 {
		c.Embeddings.CacheSize = other.Embeddings.CacheSize
	}
	if other.Embeddings.RequestTimeout != 0 {
		c.Embeddings.RequestTimeout = other.Embeddings.RequestTimeout
	}

	if other.Query.DefaultMaxHits != 0 {
		c.Query.DefaultMaxHits = other.Query.DefaultMaxHits
	}
	if other.Query.MaxAnswerChunks != 0 {
		c.Query.MaxAnswerChunks = other.Query.MaxAnswerChunks
	}
	if other.Query.AnswerHistorySize != 0 {
		c.Query.AnswerHistorySize = other.Query.AnswerHistorySize
	}

	if other.Retry.IngestMaxRetries != 0 {
		c.Retry.IngestMaxRetries = other.Retry.IngestMaxRetries
	}
	if other.Retry.IngestBaseDelay != 0 {
		c.Retry.IngestBaseDelay = other.Retry.IngestBaseDelay
	}
	if other.Retry.IngestMaxDelay != 0 {
		c.Retry.IngestMaxDelay = other.Retry.IngestMaxDelay
	}
	if other.Retry.LockMaxRetries != 0 {
		c.Retry.LockMaxRetries = other.Retry.LockMaxRetries
	}
	if other.Retry.LockBaseDelay != 0 {
		c.Retry.LockBaseDelay = other.Retry.LockBaseDelay
	}
	if other.Retry.LockMaxDelay != 0 {
		c.Retry.LockMaxDelay = other.Retry.LockMaxDelay
	}
}

// applyEnvOverrides applies CHUNKYINDEX_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CHUNKYINDEX_STORAGE_DIR"); v != "" {
		c.Storage.Dir = v
	}
	if v := os.Getenv("CHUNKYINDEX_EMBEDDINGS_PROVIDER"); v != "" {
		c.Embeddings.Provider = v
	}
	if v := os.Getenv("CHUNKYINDEX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Indexes.Concurrency = n
		}
	}
	if v := os.Getenv("CHUNKYINDEX_ANN_BACKEND"); v != "" {
		c.Indexes.ANNBackend = v
	}
	if v := os.Getenv("CHUNKYINDEX_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Embeddings.CacheSize = n
		}
	}
}

// Validate checks the configuration for obviously invalid values.
func (c *Config) Validate() error {
	if c.Storage.Dir == "" {
		return fmt.Errorf("storage.dir must not be empty")
	}
	if c.Indexes.Concurrency <= 0 {
		return fmt.Errorf("indexes.concurrency must be positive, got %d", c.Indexes.Concurrency)
	}
	backend := strings.ToLower(c.Indexes.ANNBackend)
	if backend != "linear" && backend != "hnsw" {
		return fmt.Errorf("indexes.ann_backend must be 'linear' or 'hnsw', got %s", c.Indexes.ANNBackend)
	}
	if c.Embeddings.CacheSize <= 0 {
		return fmt.Errorf("embeddings.cache_size must be positive, got %d", c.Embeddings.CacheSize)
	}
	if c.Query.MaxAnswerChunks <= 0 {
		return fmt.Errorf("query.max_answer_chunks must be positive, got %d", c.Query.MaxAnswerChunks)
	}
	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// LoadUserConfig loads the user configuration file, if any.
func LoadUserConfig() (*Config, error) {
	return loadUserConfig()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// DefaultConcurrency returns a sensible concurrency default derived from
// the host, capped the way the spec's default of 4 is capped in practice.
func DefaultConcurrency() int {
	n := runtime.NumCPU()
	if n > 4 {
		return 4
	}
	if n < 1 {
		return 1
	}
	return n
}
