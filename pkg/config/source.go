package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrNotConfigured is returned by a Source when a key has no value
var ErrNotConfigured = errors.New("not configured")

// Source resolves runtime configuration keys such as the default landing page,
// per-provider secrets and queue names. Keys are dotted lowercase paths,
// e.g. "redirect.default_landing_page".
type Source interface {
	GetString(key string) (string, error)
}

// GetStringOr returns the value for key, or def if the key is not configured.
// Errors other than ErrNotConfigured are returned unchanged.
func GetStringOr(src Source, key, def string) (string, error) {
	if src == nil {
		return def, nil
	}
	v, err := src.GetString(key)
	if errors.Is(err, ErrNotConfigured) {
		return def, nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// GetBoolOr interprets the value for key as a boolean, falling back to def.
func GetBoolOr(src Source, key string, def bool) bool {
	v, err := GetStringOr(src, key, "")
	if err != nil || v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return def
}

// MapSource is an in-memory Source, safe for concurrent use
type MapSource struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMapSource creates a MapSource seeded with values
func NewMapSource(values map[string]string) *MapSource {
	m := &MapSource{values: make(map[string]string, len(values))}
	for k, v := range values {
		m.values[k] = v
	}
	return m
}

// GetString implements Source
func (m *MapSource) GetString(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok || v == "" {
		return "", fmt.Errorf("%s: %w", key, ErrNotConfigured)
	}
	return v, nil
}

// Set stores a value
func (m *MapSource) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
}

// replace swaps the whole key set
func (m *MapSource) replace(values map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = values
}

// EnvSource maps keys onto environment variables: "redirect.default_landing_page"
// with prefix "AUTHBROKER" reads AUTHBROKER_REDIRECT_DEFAULT_LANDING_PAGE.
type EnvSource struct {
	prefix string
	lookup func(string) (string, bool)
}

// NewEnvSource creates an EnvSource
func NewEnvSource(prefix string) *EnvSource {
	return &EnvSource{prefix: prefix, lookup: os.LookupEnv}
}

// EnvKey returns the environment variable name used for key
func (e *EnvSource) EnvKey(key string) string {
	name := strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
	if e.prefix == "" {
		return name
	}
	return e.prefix + "_" + name
}

// GetString implements Source
func (e *EnvSource) GetString(key string) (string, error) {
	v, ok := e.lookup(e.EnvKey(key))
	if !ok || v == "" {
		return "", fmt.Errorf("%s: %w", key, ErrNotConfigured)
	}
	return v, nil
}

// ChainSource consults each source in order and returns the first configured value
type ChainSource []Source

// GetString implements Source
func (c ChainSource) GetString(key string) (string, error) {
	for _, src := range c {
		if src == nil {
			continue
		}
		v, err := src.GetString(key)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotConfigured) {
			return "", err
		}
	}
	return "", fmt.Errorf("%s: %w", key, ErrNotConfigured)
}
