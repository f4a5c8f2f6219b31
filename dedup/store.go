// Package dedup arbitrates which ISBNs have already been accepted in a run.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roperkevin/jewishbooks/parser"
)

// ErrInvalidISBN is returned for keys that cannot be canonicalised to ISBN-13.
var ErrInvalidISBN = errors.New("invalid isbn")

// Store is the single arbitration point for accepted ISBNs. TryAccept is an
// atomic test-and-insert: it returns true exactly once per canonical key.
type Store interface {
	TryAccept(ctx context.Context, isbn string) (bool, error)
	Seed(ctx context.Context, isbns []string) error
	Len(ctx context.Context) (int, error)
}

// Canonical converts an ISBN-10 or ISBN-13 to the ISBN-13 dedup key.
func Canonical(isbn string) (string, error) {
	key, ok := parser.CanonicalISBN(isbn)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidISBN, isbn)
	}
	return key, nil
}

// MemoryStore is a mutex-guarded in-process set.
type MemoryStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]struct{})}
}

func (s *MemoryStore) TryAccept(_ context.Context, isbn string) (bool, error) {
	key, err := Canonical(isbn)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return false, nil
	}
	s.seen[key] = struct{}{}
	return true, nil
}

// Seed marks isbns as already accepted. Invalid entries are skipped.
func (s *MemoryStore) Seed(_ context.Context, isbns []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, isbn := range isbns {
		key, err := Canonical(isbn)
		if err != nil {
			continue
		}
		s.seen[key] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen), nil
}

// Contains reports whether isbn has been accepted.
func (s *MemoryStore) Contains(isbn string) bool {
	key, err := Canonical(isbn)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[key]
	return ok
}
