package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "RECALL_"
	// Delimiter is the key delimiter for nested config.
	Delimiter = "."
)

// Load builds the configuration from defaults, an optional file, and
// environment variables, then validates it. An empty configPath tries the
// standard locations and silently proceeds on absence; an explicit path
// that cannot be read is an error.
func Load(configPath string) (Config, error) {
	k := koanf.New(Delimiter)

	// Defaults are seeded as flat leaf keys so file and env sources merge
	// per field instead of replacing whole sections.
	d := Defaults()
	if err := k.Load(confmap.Provider(map[string]any{
		"server.port":             d.Server.Port,
		"server.mcpport":          d.Server.MCPPort,
		"server.token":            d.Server.Token,
		"storage.datadir":         d.Storage.DataDir,
		"embedding.enabled":       d.Embedding.Enabled,
		"embedding.baseurl":       d.Embedding.BaseURL,
		"embedding.model":         d.Embedding.Model,
		"search.defaultlimit":     d.Search.DefaultLimit,
		"patterns.minoccurrences": d.Patterns.MinOccurrences,
		"patterns.minsuccessrate": d.Patterns.MinSuccessRate,
		"patterns.stalenessdays":  d.Patterns.StalenessDays,
		"log.level":               d.Log.Level,
	}, Delimiter), nil); err != nil {
		return Config{}, fmt.Errorf("loading defaults: %w", err)
	}

	if configPath != "" {
		if err := loadFile(k, configPath); err != nil {
			return Config{}, fmt.Errorf("loading config file: %w", err)
		}
	} else if path := findDefaultFile(); path != "" {
		if err := loadFile(k, path); err != nil {
			return Config{}, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// RECALL_SERVER_PORT -> server.port, RECALL_LOG_LEVEL -> log.level
	if err := k.Load(env.Provider(EnvPrefix, Delimiter, func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", Delimiter)
	}), nil); err != nil {
		return Config{}, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(k *koanf.Koanf, path string) error {
	parser, err := parserFor(path)
	if err != nil {
		return err
	}
	return k.Load(file.Provider(path), parser)
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return kyaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", path)
	}
}

// findDefaultFile checks the standard config locations in order.
func findDefaultFile() string {
	candidates := []string{
		"recall.yaml",
		"recall.json",
	}
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		candidates = append(candidates,
			filepath.Join(dir, "recall", "config.yaml"),
			filepath.Join(dir, "recall", "config.json"),
		)
	} else if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".config", "recall", "config.yaml"),
			filepath.Join(home, ".config", "recall", "config.json"),
		)
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
