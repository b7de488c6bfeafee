// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/jaswinder6991/teeproof/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]*storage.Record
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]*storage.Record)}
}

func (r *Repository) Put(rec *storage.Record) error {
	if rec == nil || rec.VerificationID == "" {
		return storage.ErrInvalidRecord
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var current uint64
	if existing, ok := r.data[rec.VerificationID]; ok {
		current = existing.Version
	}
	r.putLocked(rec, current+1)
	return nil
}

func (r *Repository) PutCAS(rec *storage.Record, expectedVersion uint64) error {
	if rec == nil || rec.VerificationID == "" {
		return storage.ErrInvalidRecord
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var current uint64
	if existing, ok := r.data[rec.VerificationID]; ok {
		current = existing.Version
	}
	if current != expectedVersion {
		return storage.ErrCASFailed
	}
	r.putLocked(rec, current+1)
	return nil
}

func (r *Repository) putLocked(rec *storage.Record, version uint64) {
	rec.Version = version
	r.data[rec.VerificationID] = rec.Clone()
}

func (r *Repository) Get(verificationID string) (*storage.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.data[verificationID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", verificationID, storage.ErrNotFound)
	}
	return rec.Clone(), nil
}

// List returns the archived verification IDs in lexical order.
func (r *Repository) List() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.data))
	for id := range r.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *Repository) Delete(verificationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[verificationID]; !ok {
		return fmt.Errorf("%s: %w", verificationID, storage.ErrNotFound)
	}
	delete(r.data, verificationID)
	return nil
}
