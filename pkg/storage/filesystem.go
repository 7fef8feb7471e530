package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/berth/pkg/plugins"
)

const documentExt = ".yaml"

// FileStore keeps one YAML document per id in a directory
type FileStore[T any] struct {
	rootDir string
	mu      sync.RWMutex
}

// NewFileStore creates a YAML document store rooted at rootDir
func NewFileStore[T any](rootDir string) (*FileStore[T], error) {
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &FileStore[T]{rootDir: rootDir}, nil
}

// Dir returns the store directory
func (s *FileStore[T]) Dir() string {
	return s.rootDir
}

// ValidID reports whether id can name a document or directory
func ValidID(id string) bool {
	return id != "" && id != "." && id != ".." &&
		!strings.HasPrefix(id, ".") &&
		!strings.ContainsAny(id, `/\`) &&
		filepath.Base(id) == id
}

func (s *FileStore[T]) path(id string) (string, error) {
	if !ValidID(id) {
		return "", plugins.Errorf(plugins.ValidationFailure, "storage", "invalid document id %q", id)
	}
	return filepath.Join(s.rootDir, id+documentExt), nil
}

// Save writes the document for id, replacing any previous version
func (s *FileStore[T]) Save(id string, doc *T) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.rootDir, "."+id+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", id, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", id, err)
	}
	return nil
}

// Get reads the document for id
func (s *FileStore[T]) Get(id string) (*T, error) {
	p, err := s.path(id)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	data, err := os.ReadFile(p)
	s.mu.RUnlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, plugins.Errorf(plugins.NotFound, "storage", "document %s not found", id)
		}
		return nil, fmt.Errorf("failed to read %s: %w", id, err)
	}

	var doc T
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, plugins.Wrap(plugins.ValidationFailure, "storage", err, "failed to parse %s", p)
	}
	return &doc, nil
}

// Delete removes the document for id. Deleting a missing document is a
// NotFound error.
func (s *FileStore[T]) Delete(id string) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return plugins.Errorf(plugins.NotFound, "storage", "document %s not found", id)
		}
		return fmt.Errorf("failed to delete %s: %w", id, err)
	}
	return nil
}

// IDs lists stored document ids in lexical order
func (s *FileStore[T]) IDs() ([]string, error) {
	s.mu.RLock()
	entries, err := os.ReadDir(s.rootDir)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("failed to read root directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, documentExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, documentExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// List reads every stored document keyed by id
func (s *FileStore[T]) List() (map[string]*T, error) {
	ids, err := s.IDs()
	if err != nil {
		return nil, err
	}

	docs := make(map[string]*T, len(ids))
	for _, id := range ids {
		doc, err := s.Get(id)
		if err != nil {
			return nil, fmt.Errorf("failed to get document %s: %w", id, err)
		}
		docs[id] = doc
	}
	return docs, nil
}
