// Package memory provides an in-memory BlobStore for tests and local runs.
package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

type entry struct {
	data        []byte
	contentType string
	metadata    map[string]string
}

// Store keeps blobs in a map. Semantics mirror the Azure adapter: Delete of
// a missing blob is fine, Move tolerates a retried half-finished move.
type Store struct {
	mu    sync.RWMutex
	blobs map[string]entry
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{blobs: make(map[string]entry)}
}

// Put stores data under path, overwriting any existing blob.
func (s *Store) Put(_ domain.Context, path string, data []byte, contentType string, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := entry{data: append([]byte(nil), data...), contentType: contentType}
	if len(metadata) > 0 {
		e.metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			e.metadata[k] = v
		}
	}
	s.blobs[path] = e
	return nil
}

// Get returns the blob bytes at path.
func (s *Store) Get(_ domain.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.blobs[path]
	if !ok {
		return nil, fmt.Errorf("op=blob.get %s: %w", path, domain.ErrNotFound)
	}
	return append([]byte(nil), e.data...), nil
}

// Exists reports whether a blob exists at path.
func (s *Store) Exists(_ domain.Context, path string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[path]
	return ok, nil
}

// Delete removes the blob at path. Missing blobs are not an error.
func (s *Store) Delete(_ domain.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, path)
	return nil
}

// Copy duplicates src under dst.
func (s *Store) Copy(_ domain.Context, src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.blobs[src]
	if !ok {
		return fmt.Errorf("op=blob.copy %s: %w", src, domain.ErrNotFound)
	}
	cp := entry{data: append([]byte(nil), e.data...), contentType: e.contentType}
	if len(e.metadata) > 0 {
		cp.metadata = make(map[string]string, len(e.metadata))
		for k, v := range e.metadata {
			cp.metadata[k] = v
		}
	}
	s.blobs[dst] = cp
	return nil
}

// Move copies src to dst and deletes src. A retried move whose copy half
// already completed (dst present, src gone) succeeds.
func (s *Store) Move(_ domain.Context, src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.blobs[src]
	if !ok {
		if _, dstOK := s.blobs[dst]; dstOK {
			return nil
		}
		return fmt.Errorf("op=blob.move %s: %w", src, domain.ErrNotFound)
	}
	s.blobs[dst] = e
	delete(s.blobs, src)
	return nil
}

// List returns up to max blob names under prefix, sorted; max <= 0 means no
// cap.
func (s *Store) List(_ domain.Context, prefix string, max int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []string
	for path := range s.blobs {
		if strings.HasPrefix(path, prefix) {
			names = append(names, path)
		}
	}
	sort.Strings(names)
	if max > 0 && len(names) > max {
		names = names[:max]
	}
	return names, nil
}

// PresignedURL returns a fake signed URL for path.
func (s *Store) PresignedURL(_ domain.Context, path string, ttl time.Duration, readOnly bool) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.blobs[path]; !ok {
		return "", fmt.Errorf("op=blob.presigned_url %s: %w", path, domain.ErrNotFound)
	}
	mode := "r"
	if !readOnly {
		mode = "rw"
	}
	return fmt.Sprintf("memory://%s?mode=%s&expires=%d", path, mode, time.Now().UTC().Add(ttl).Unix()), nil
}

// ContentType reports the stored content type; tests use it.
func (s *Store) ContentType(path string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blobs[path].contentType
}

// Metadata reports the stored metadata; tests use it.
func (s *Store) Metadata(path string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blobs[path].metadata
}
