package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// JSONStore is a MemoryStore that writes its contents to a JSON file after
// every mutation so registrations survive restarts.
type JSONStore struct {
	mem      *MemoryStore
	filePath string

	// persistOverride lets tests inject persistence failures.
	persistOverride func([]Entry) error
}

type jsonDocument struct {
	Streams []Entry `json:"streams"`
}

// NewJSONStore opens or creates the datastore at path.
func NewJSONStore(path string) (*JSONStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("registry path is required")
	}
	store := &JSONStore{mem: NewMemoryStore(), filePath: path}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *JSONStore) load() error {
	data, err := os.ReadFile(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read registry file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	var doc jsonDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode registry file: %w", err)
	}
	for _, entry := range doc.Streams {
		alias, pair, err := Validate(entry.Alias, entry.Stream)
		if err != nil {
			return fmt.Errorf("registry file entry %q: %w", entry.Alias, err)
		}
		if err := s.mem.createLocked(alias, pair); err != nil {
			return fmt.Errorf("registry file entry %q: %w", alias, err)
		}
	}
	return nil
}

func (s *JSONStore) Create(_ context.Context, alias string, pair StreamPair) error {
	alias, pair, err := normalize(alias, pair)
	if err != nil {
		return err
	}
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()
	if err := s.mem.createLocked(alias, pair); err != nil {
		return err
	}
	if err := s.persistLocked(); err != nil {
		_, _ = s.mem.deleteLocked(alias)
		return err
	}
	return nil
}

func (s *JSONStore) Get(ctx context.Context, alias string) (StreamPair, error) {
	return s.mem.Get(ctx, alias)
}

func (s *JSONStore) Delete(_ context.Context, alias string) error {
	alias = strings.TrimSpace(alias)
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()
	pair, ok := s.mem.streams[alias]
	if !ok {
		return ErrNotFound
	}
	index, err := s.mem.deleteLocked(alias)
	if err != nil {
		return err
	}
	if err := s.persistLocked(); err != nil {
		s.mem.streams[alias] = pair
		if index >= 0 && index <= len(s.mem.order) {
			s.mem.order = append(s.mem.order[:index], append([]string{alias}, s.mem.order[index:]...)...)
		} else {
			s.mem.order = append(s.mem.order, alias)
		}
		return err
	}
	return nil
}

func (s *JSONStore) List(ctx context.Context) ([]Entry, error) {
	return s.mem.List(ctx)
}

// Len returns the number of registered aliases.
func (s *JSONStore) Len() int {
	return s.mem.Len()
}

func (s *JSONStore) Close(context.Context) error {
	return nil
}

func (s *JSONStore) persistLocked() error {
	entries := s.mem.snapshotLocked()
	if s.persistOverride != nil {
		if err := s.persistOverride(entries); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "registry-*.json")
	if err != nil {
		return fmt.Errorf("create temp registry file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(jsonDocument{Streams: entries}); err != nil {
		return fmt.Errorf("encode registry file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush registry file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp registry file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace registry file: %w", err)
	}
	success = true
	return nil
}
