package xbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// ConfigStore persists the integration config document.
type ConfigStore interface {
	Load(ctx context.Context) (*Config, error)
	Save(ctx context.Context, cfg *Config) error
}

// FileStore keeps the config as a JSON document on disk. Saves go through a
// temp file and an atomic rename so a crash mid-write never truncates the
// previous document.
type FileStore struct {
	path string
	mu   sync.Mutex
}

var _ ConfigStore = (*FileStore)(nil)

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(_ context.Context) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Config{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed reading config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed parsing config: %w", err)
	}
	return &cfg, nil
}

func (s *FileStore) Save(_ context.Context, cfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed encoding config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed creating config directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("failed writing config: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed committing config: %w", err)
	}
	return nil
}

// MemoryStore is an in-memory ConfigStore for tests and examples.
type MemoryStore struct {
	mu  sync.RWMutex
	cfg Config
	set bool

	// SaveErr, when set, is returned by Save to exercise persistence
	// failure paths.
	SaveErr error
}

var _ ConfigStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) (*Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.set {
		return &Config{}, nil
	}
	cfg := s.cfg
	cfg.ConsoleList = append([]Console(nil), s.cfg.ConsoleList...)
	if s.cfg.Tokens != nil {
		tokens := *s.cfg.Tokens
		cfg.Tokens = &tokens
	}
	return &cfg, nil
}

func (s *MemoryStore) Save(_ context.Context, cfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	s.cfg = *cfg
	s.cfg.ConsoleList = append([]Console(nil), cfg.ConsoleList...)
	if cfg.Tokens != nil {
		tokens := *cfg.Tokens
		s.cfg.Tokens = &tokens
	}
	s.set = true
	return nil
}

func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = Config{}
	s.set = false
}
