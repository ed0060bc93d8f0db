// Package config loads the explicit configuration struct every component
// receives at construction time. Sources, lowest to highest priority:
// built-in defaults, an optional JSON/YAML file, RECALL_* environment
// variables. No library code reads implicit filesystem paths; the default
// data directory is resolved here and nowhere else.
package config

import (
	"os"
	"path/filepath"
)

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" validate:"required"`
	Storage   StorageConfig   `mapstructure:"storage" validate:"required"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Search    SearchConfig    `mapstructure:"search"`
	Patterns  PatternsConfig  `mapstructure:"patterns"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig configures the HTTP and MCP listeners.
type ServerConfig struct {
	Port    int `mapstructure:"port" validate:"gt=0,lte=65535"`
	MCPPort int `mapstructure:"mcpport" validate:"gt=0,lte=65535"`
	// Token protects the HTTP API. Empty disables bearer auth; the
	// listener binds loopback only, so that is acceptable for local use.
	Token string `mapstructure:"token"`
}

// StorageConfig configures the SQLite data directory.
type StorageConfig struct {
	DataDir string `mapstructure:"datadir" validate:"required"`
}

// EmbeddingConfig configures the optional embedding backend. Disabled
// means search runs on the keyword fallback strategy only.
type EmbeddingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"baseurl" validate:"omitempty,url"`
	Model   string `mapstructure:"model"`
}

// SearchConfig tunes retrieval.
type SearchConfig struct {
	DefaultLimit int `mapstructure:"defaultlimit" validate:"gt=0"`
}

// PatternsConfig tunes pattern pruning.
type PatternsConfig struct {
	MinOccurrences int     `mapstructure:"minoccurrences" validate:"gt=0"`
	MinSuccessRate float64 `mapstructure:"minsuccessrate" validate:"gte=0,lte=1"`
	StalenessDays  int     `mapstructure:"stalenessdays" validate:"gte=0"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4600,
			MCPPort: 4601,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Embedding: EmbeddingConfig{
			Enabled: false,
			BaseURL: "http://localhost:11434",
			Model:   "nomic-embed-text",
		},
		Search: SearchConfig{
			DefaultLimit: 10,
		},
		Patterns: PatternsConfig{
			MinOccurrences: 3,
			MinSuccessRate: 0.4,
			StalenessDays:  30,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// defaultDataDir resolves $XDG_DATA_HOME/recall, falling back to
// ~/.local/share/recall.
func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "recall")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "recall-data"
	}
	return filepath.Join(home, ".local", "share", "recall")
}
