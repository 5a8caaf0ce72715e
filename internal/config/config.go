package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ModelConfig describes one OpenAI-compatible embedding model.
type ModelConfig struct {
	ID         string `yaml:"id"`
	BaseURL    string `yaml:"base_url"`
	APIKeyEnv  string `yaml:"api_key_env"`
	Dimensions int    `yaml:"dimensions"`
}

// APIKey reads the model's key from the environment.
func (m ModelConfig) APIKey() string {
	if m.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(m.APIKeyEnv)
}

// EmbeddingConfig configures the embedding provider and its models.
type EmbeddingConfig struct {
	CacheCapacity int           `yaml:"cache_capacity"`
	TimeoutSecs   int           `yaml:"timeout_secs"`
	MaxRetries    int           `yaml:"max_retries"`
	Models        []ModelConfig `yaml:"models"`
}

// StoreConfig selects the document store backend: bolt (default), sqlite or
// memory. Memory only makes sense for a long-running serve.
type StoreConfig struct {
	Type string `yaml:"type"`
	Path string `yaml:"path,omitempty"`
}

// KnowledgeConfig holds defaults for new knowledge bases and searches.
type KnowledgeConfig struct {
	ChunkSize           int     `yaml:"chunk_size"`
	ChunkOverlap        int     `yaml:"chunk_overlap"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	DocumentCount       int     `yaml:"document_count"`
	SearchLimit         int     `yaml:"search_limit"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures slog output. Format is text or json.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Embedding EmbeddingConfig `yaml:"embedding"`
	Store     StoreConfig     `yaml:"store"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

// Validate reports settings that cannot work.
func (c *AppConfig) Validate() error {
	switch c.Store.Type {
	case "memory":
	case "bolt", "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store %s needs a path", c.Store.Type)
		}
	default:
		return fmt.Errorf("unknown store type: %s", c.Store.Type)
	}
	if k := c.Knowledge; k.ChunkOverlap < 0 || k.ChunkOverlap >= k.ChunkSize {
		return fmt.Errorf("chunk_overlap %d must be in [0, %d)", k.ChunkOverlap, k.ChunkSize)
	}
	seen := make(map[string]bool, len(c.Embedding.Models))
	for _, m := range c.Embedding.Models {
		if m.ID == "" {
			return errors.New("embedding model without id")
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate embedding model: %s", m.ID)
		}
		seen[m.ID] = true
	}
	return nil
}

// Load reads a config from a specified path. If the file does not exist, returns defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaultConfig(), nil
		}
		return nil, err
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	applyConfigDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/kb/config.yaml.
// If neither exists, it writes defaults to ~/.config/kb/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := defaultConfig()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "kb", "config.yaml"), nil
}

// defaultStorePath puts the bolt file next to the user config. Every CLI
// command is its own process, so the default store must persist.
func defaultStorePath() string {
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return "kb.db"
	}
	return filepath.Join(filepath.Dir(userPath), "kb.db")
}

func defaultConfig() *AppConfig {
	cfg := &AppConfig{
		Embedding: EmbeddingConfig{
			Models: []ModelConfig{{
				ID:         "text-embedding-3-small",
				BaseURL:    "https://api.openai.com/v1",
				APIKeyEnv:  "OPENAI_API_KEY",
				Dimensions: 1536,
			}},
		},
	}
	applyConfigDefaults(cfg)
	return cfg
}

func applyConfigDefaults(cfg *AppConfig) {
	if cfg.Embedding.CacheCapacity == 0 {
		cfg.Embedding.CacheCapacity = 100
	}
	if cfg.Embedding.TimeoutSecs == 0 {
		cfg.Embedding.TimeoutSecs = 30
	}
	for i := range cfg.Embedding.Models {
		m := &cfg.Embedding.Models[i]
		if m.BaseURL == "" {
			m.BaseURL = "https://api.openai.com/v1"
		}
		if m.APIKeyEnv == "" {
			m.APIKeyEnv = "OPENAI_API_KEY"
		}
	}
	if cfg.Store.Type == "" {
		cfg.Store.Type = "bolt"
	}
	if cfg.Store.Type == "bolt" && cfg.Store.Path == "" {
		cfg.Store.Path = defaultStorePath()
	}
	if cfg.Knowledge.ChunkSize == 0 {
		cfg.Knowledge.ChunkSize = 1000
		if cfg.Knowledge.ChunkOverlap == 0 {
			cfg.Knowledge.ChunkOverlap = 200
		}
	}
	if cfg.Knowledge.SimilarityThreshold == 0 {
		cfg.Knowledge.SimilarityThreshold = 0.7
	}
	if cfg.Knowledge.DocumentCount == 0 {
		cfg.Knowledge.DocumentCount = 5
	}
	if cfg.Knowledge.SearchLimit == 0 {
		cfg.Knowledge.SearchLimit = 5
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
