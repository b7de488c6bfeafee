// Package storage provides the archive of exported proof records.
package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for a verification ID.
	ErrNotFound = errors.New("record not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
	// ErrInvalidRecord is returned for records without a verification ID.
	ErrInvalidRecord = errors.New("record requires a verification id")
)

// Record is an exported proof together with the state derived from it.
// Version is maintained by the repository and starts at 1.
type Record struct {
	VerificationID string          `json:"verificationId"`
	Model          string          `json:"model"`
	ExportedAt     time.Time       `json:"exportedAt"`
	RequestHash    string          `json:"requestHash,omitempty"`
	ResponseHash   string          `json:"responseHash,omitempty"`
	Proof          json.RawMessage `json:"proof"`
	State          json.RawMessage `json:"state,omitempty"`
	Version        uint64          `json:"version"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Proof = append(json.RawMessage(nil), r.Proof...)
	cp.State = append(json.RawMessage(nil), r.State...)
	return &cp
}

// Repository stores proof records keyed by verification ID.
//
// Put replaces any existing record and bumps its version. PutCAS only writes
// when the stored version equals expectedVersion, where 0 means the record
// must not exist yet. Both set rec.Version to the stored version on success.
type Repository interface {
	Put(rec *Record) error
	PutCAS(rec *Record, expectedVersion uint64) error
	Get(verificationID string) (*Record, error)
	List() ([]string, error)
	Delete(verificationID string) error
}
