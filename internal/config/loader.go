package config

import (
	"fmt"
	"os"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"
)

// Loader reads a Config from a YAML file, with `${VAR}` / `${VAR:-default}`
// environment substitution applied before parsing, and supports reloading
// the same path later (e.g. on a SIGHUP or a config-file fsnotify event).
type Loader struct {
	mu       sync.RWMutex
	cfg      *Config
	filePath string
}

// NewLoader creates a Loader seeded with DefaultConfig until Load is called.
func NewLoader() *Loader {
	return &Loader{cfg: DefaultConfig()}
}

// Load reads, env-substitutes, and parses the YAML file at path, replacing
// the current config on success. Fields absent from the file keep their
// DefaultConfig value.
func (l *Loader) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	substituted := substituteEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(substituted), cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	l.mu.Lock()
	l.cfg = cfg
	l.filePath = path
	l.mu.Unlock()
	return nil
}

// Reload re-reads the file path passed to the last successful Load.
func (l *Loader) Reload() error {
	l.mu.RLock()
	path := l.filePath
	l.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("reload: no config file has been loaded yet")
	}
	return l.Load(path)
}

// Get returns the current config. Safe for concurrent use with Load/Reload.
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// FilePath returns the path of the last successfully loaded file, or ""
// if Load has never succeeded.
func (l *Loader) FilePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filePath
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// substituteEnvVars replaces `${VAR}` and `${VAR:-default}` references with
// the named environment variable's value, or the default (or empty string)
// when unset.
func substituteEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, def := groups[1], groups[3]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return def
	})
}

// GenerateDefault writes DefaultConfig as YAML to path, for `aegis init`
// style bootstrapping.
func GenerateDefault(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
