// Package credentials stores and resolves provider API keys for the
// CLI: a YAML file under the user's home directory plus environment
// variable fallbacks. Key values are never logged.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Credential is one resolved API key.
type Credential struct {
	Provider string
	Value    string // the secret; mask before displaying
	Source   string // "store" or "environment"
}

// envFallbacks maps providers to the conventional API key variables
// checked when neither the store nor REPOLENS_<PROVIDER>_API_KEY is
// set. The "claude" provider is the agent CLI's subscription login,
// which accepts the same key as the API provider.
var envFallbacks = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"claude":    "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
}

// DefaultPath is ~/.repolens/credentials.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	return filepath.Join(home, ".repolens", "credentials.yaml"), nil
}

// Store is the credential file: a YAML mapping of provider name to API
// key, written with mode 0600. The file need not exist yet.
type Store struct {
	path string

	mu      sync.Mutex
	entries map[string]string
	loaded  bool
}

// NewStore returns a store backed by the given file.
func NewStore(path string) *Store {
	return &Store{path: path, entries: make(map[string]string)}
}

// load reads the file once. A missing file is an empty store.
// Callers hold s.mu.
func (s *Store) load() error {
	if s.loaded {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = true
			return nil
		}
		return fmt.Errorf("failed to read credentials file: %w", err)
	}
	if err := yaml.Unmarshal(data, &s.entries); err != nil {
		return fmt.Errorf("failed to parse credentials file: %w", err)
	}
	if s.entries == nil {
		s.entries = make(map[string]string)
	}
	s.loaded = true
	return nil
}

// save writes the store back with owner-only permissions. Callers hold
// s.mu.
func (s *Store) save() error {
	data, err := yaml.Marshal(s.entries)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create credentials dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	return nil
}

// Set stores or replaces the key for a provider.
func (s *Store) Set(provider, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	s.entries[Normalize(provider)] = value
	return s.save()
}

// Get returns the stored key for a provider, if any.
func (s *Store) Get(provider string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return "", false, err
	}
	v, ok := s.entries[Normalize(provider)]
	return v, ok, nil
}

// Delete removes a provider's key and reports whether one was stored.
func (s *Store) Delete(provider string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return false, err
	}
	p := Normalize(provider)
	if _, ok := s.entries[p]; !ok {
		return false, nil
	}
	delete(s.entries, p)
	return true, s.save()
}

// Providers lists providers with stored keys, sorted.
func (s *Store) Providers() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(s.entries))
	for p := range s.entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// Resolve finds the API key for a provider: the store first, then
// REPOLENS_<PROVIDER>_API_KEY, then the provider's conventional
// variable.
func (s *Store) Resolve(provider string) (Credential, error) {
	p := Normalize(provider)
	v, ok, err := s.Get(p)
	if err != nil {
		return Credential{}, err
	}
	if ok && v != "" {
		return Credential{Provider: p, Value: v, Source: "store"}, nil
	}
	if v := os.Getenv(EnvVar(p)); v != "" {
		return Credential{Provider: p, Value: v, Source: "environment"}, nil
	}
	if fallback, ok := envFallbacks[p]; ok {
		if v := os.Getenv(fallback); v != "" {
			return Credential{Provider: p, Value: v, Source: "environment"}, nil
		}
	}
	return Credential{}, fmt.Errorf("no API key found for provider %q", p)
}

// EnvVar is the repolens-prefixed key variable for a provider.
func EnvVar(provider string) string {
	return "REPOLENS_" + strings.ToUpper(Normalize(provider)) + "_API_KEY"
}

// Normalize lowercases and trims a provider name.
func Normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

// Mask renders a key for display: enough to recognize, not enough to
// use.
func Mask(value string) string {
	if len(value) <= 8 {
		return strings.Repeat("*", len(value))
	}
	return value[:4] + "..." + value[len(value)-4:]
}
