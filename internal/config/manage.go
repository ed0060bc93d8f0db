package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type keyKind int

const (
	kString keyKind = iota
	kInt
	kFloat
	kBool
)

type keySpec struct {
	key    string
	kind   keyKind
	secret bool
}

var keySpecs = []keySpec{
	{key: "server.port", kind: kInt},
	{key: "server.mcpport", kind: kInt},
	{key: "server.token", kind: kString, secret: true},
	{key: "storage.datadir", kind: kString},
	{key: "embedding.enabled", kind: kBool},
	{key: "embedding.baseurl", kind: kString},
	{key: "embedding.model", kind: kString},
	{key: "search.defaultlimit", kind: kInt},
	{key: "patterns.minoccurrences", kind: kInt},
	{key: "patterns.minsuccessrate", kind: kFloat},
	{key: "patterns.stalenessdays", kind: kInt},
	{key: "log.level", kind: kString},
}

// ValidKeys returns the settable config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range keySpecs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}

func (s keySpec) coerce(value string) (any, error) {
	switch s.kind {
	case kInt:
		i, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid integer value for %s: %w", s.key, err)
		}
		return i, nil
	case kFloat:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number value for %s: %w", s.key, err)
		}
		return f, nil
	case kBool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid boolean value for %s: %w", s.key, err)
		}
		return b, nil
	default:
		return value, nil
	}
}

// SetKey writes one config key to the config file, creating the file at the
// default location when none exists yet. Secrets are refused; those travel
// through the environment only.
func SetKey(configPath, key, value string) error {
	var spec *keySpec
	for i := range keySpecs {
		if keySpecs[i].key == key {
			spec = &keySpecs[i]
			break
		}
	}
	if spec == nil {
		return fmt.Errorf("unknown config key %q (valid keys: %v)", key, ValidKeys())
	}
	if spec.secret {
		return fmt.Errorf("cannot set secret %q in the config file; use %s%s",
			key, EnvPrefix, envName(key))
	}

	v, err := spec.coerce(value)
	if err != nil {
		return err
	}

	path := configPath
	if path == "" {
		path = findDefaultFile()
	}
	if path == "" {
		path = defaultFilePath()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}

	parser, err := parserFor(path)
	if err != nil {
		return err
	}

	k := koanf.New(Delimiter)
	if _, statErr := os.Stat(path); statErr == nil {
		if err := k.Load(file.Provider(path), parser); err != nil {
			return fmt.Errorf("loading config file: %w", err)
		}
	}
	if err := k.Set(key, v); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}

	data, err := parser.Marshal(k.Raw())
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// envName maps a dotted key to its environment variable suffix:
// server.port -> SERVER_PORT.
func envName(key string) string {
	out := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c == '.':
			out[i] = '_'
		case c >= 'a' && c <= 'z':
			out[i] = c - 'a' + 'A'
		default:
			out[i] = c
		}
	}
	return string(out)
}

// defaultFilePath is where `config set` creates a file when none exists.
func defaultFilePath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "recall", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "recall.yaml"
	}
	return filepath.Join(home, ".config", "recall", "config.yaml")
}
