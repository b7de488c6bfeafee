// Package bbolt provides a BBolt-backed storage repository.
package bbolt

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jaswinder6991/teeproof/storage"
)

var bucketName = []byte("proofs")

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(rec *storage.Record) error {
	if rec == nil || rec.VerificationID == "" {
		return storage.ErrInvalidRecord
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		current, err := versionOf(b, rec.VerificationID)
		if err != nil {
			return err
		}
		return putRecord(b, rec, current+1)
	})
}

func (s *Store) PutCAS(rec *storage.Record, expectedVersion uint64) error {
	if rec == nil || rec.VerificationID == "" {
		return storage.ErrInvalidRecord
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		current, err := versionOf(b, rec.VerificationID)
		if err != nil {
			return err
		}
		if current != expectedVersion {
			return storage.ErrCASFailed
		}
		return putRecord(b, rec, current+1)
	})
}

func (s *Store) Get(verificationID string) (*storage.Record, error) {
	var rec storage.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return fmt.Errorf("%s: %w", verificationID, storage.ErrNotFound)
		}
		data := b.Get([]byte(verificationID))
		if data == nil {
			return fmt.Errorf("%s: %w", verificationID, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns the archived verification IDs in key order.
func (s *Store) List() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func (s *Store) Delete(verificationID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil || b.Get([]byte(verificationID)) == nil {
			return fmt.Errorf("%s: %w", verificationID, storage.ErrNotFound)
		}
		return b.Delete([]byte(verificationID))
	})
}

func versionOf(b *bbolt.Bucket, verificationID string) (uint64, error) {
	data := b.Get([]byte(verificationID))
	if data == nil {
		return 0, nil
	}
	var existing struct {
		Version uint64 `json:"version"`
	}
	if err := json.Unmarshal(data, &existing); err != nil {
		return 0, err
	}
	return existing.Version, nil
}

func putRecord(b *bbolt.Bucket, rec *storage.Record, version uint64) error {
	stored := rec.Clone()
	stored.Version = version
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	if err := b.Put([]byte(rec.VerificationID), data); err != nil {
		return err
	}
	rec.Version = version
	return nil
}
