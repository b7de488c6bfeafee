// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The proof and derived state are stored as JSONB so archived bundles can be
// queried in place.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jaswinder6991/teeproof/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ---------------------------------------------------------------------------
// Repository interface implementation
// ---------------------------------------------------------------------------

func (s *Store) Put(rec *storage.Record) error {
	if rec == nil || rec.VerificationID == "" {
		return storage.ErrInvalidRecord
	}
	var version uint64
	err := s.pool.QueryRow(context.Background(),
		`INSERT INTO proofs (verification_id, model, exported_at, request_hash, response_hash, proof, state, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
		 ON CONFLICT (verification_id)
		 DO UPDATE SET model = $2, exported_at = $3, request_hash = $4, response_hash = $5,
		               proof = $6, state = $7, version = proofs.version + 1
		 RETURNING version`,
		recordArgs(rec)...).Scan(&version)
	if err != nil {
		return err
	}
	rec.Version = version
	return nil
}

func (s *Store) PutCAS(rec *storage.Record, expectedVersion uint64) error {
	if rec == nil || rec.VerificationID == "" {
		return storage.ErrInvalidRecord
	}
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := putCASInTx(ctx, tx, rec, expectedVersion); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	rec.Version = expectedVersion + 1
	return nil
}

func (s *Store) Get(verificationID string) (*storage.Record, error) {
	var rec storage.Record
	var state []byte
	err := s.pool.QueryRow(context.Background(),
		`SELECT verification_id, model, exported_at, request_hash, response_hash, proof, state, version
		 FROM proofs WHERE verification_id = $1`,
		verificationID).Scan(
		&rec.VerificationID, &rec.Model, &rec.ExportedAt, &rec.RequestHash, &rec.ResponseHash,
		&rec.Proof, &state, &rec.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", verificationID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rec.State = state
	return &rec, nil
}

// List returns the archived verification IDs in lexical order.
func (s *Store) List() ([]string, error) {
	rows, err := s.pool.Query(context.Background(),
		`SELECT verification_id FROM proofs ORDER BY verification_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Delete(verificationID string) error {
	tag, err := s.pool.Exec(context.Background(),
		`DELETE FROM proofs WHERE verification_id = $1`, verificationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", verificationID, storage.ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func putCASInTx(ctx context.Context, tx pgx.Tx, rec *storage.Record, expectedVersion uint64) error {
	var currentVersion uint64
	err := tx.QueryRow(ctx,
		`SELECT version FROM proofs WHERE verification_id = $1 FOR UPDATE`,
		rec.VerificationID).Scan(&currentVersion)

	if errors.Is(err, pgx.ErrNoRows) {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO proofs (verification_id, model, exported_at, request_hash, response_hash, proof, state, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, 1)`,
			recordArgs(rec)...)
		return err
	}
	if err != nil {
		return err
	}

	if currentVersion != expectedVersion {
		return storage.ErrCASFailed
	}

	_, err = tx.Exec(ctx,
		`UPDATE proofs SET model = $2, exported_at = $3, request_hash = $4, response_hash = $5,
		                   proof = $6, state = $7, version = version + 1
		 WHERE verification_id = $1`,
		recordArgs(rec)...)
	return err
}

// recordArgs returns the column values for $1..$7. JSON columns are passed
// as strings so pgx sends them as text rather than bytea.
func recordArgs(rec *storage.Record) []any {
	var state any
	if len(rec.State) > 0 {
		state = string(rec.State)
	}
	proof := string(rec.Proof)
	if proof == "" {
		proof = "null"
	}
	return []any{
		rec.VerificationID, rec.Model, rec.ExportedAt,
		rec.RequestHash, rec.ResponseHash, proof, state,
	}
}
