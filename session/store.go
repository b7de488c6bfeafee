package session

import (
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jaswinder6991/teeproof/internal/util"
)

// Store is a thread-safe in-memory session registry. Sessions are lost on
// restart; they are short-lived and can be re-created.
type Store struct {
	mu   sync.RWMutex
	data map[string]Session

	ttl             time.Duration
	cleanupInterval time.Duration
	now             func() time.Time
	random          io.Reader
	logger          *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets the session lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRandom sets the source of nonce entropy. It must be cryptographically
// secure outside of tests.
func WithRandom(r io.Reader) Option {
	return func(s *Store) { s.random = r }
}

// WithCleanupInterval sets the background sweep interval. A value <= 0
// disables the sweeper; expired sessions are then only removed lazily.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *Store) { s.cleanupInterval = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStore creates a session store and starts its sweeper. Call Close to
// stop it.
func NewStore(opts ...Option) *Store {
	s := &Store{
		data:            make(map[string]Session),
		ttl:             DefaultTTL,
		cleanupInterval: DefaultCleanupInterval,
		now:             time.Now,
		logger:          slog.Default(),
		stopCh:          make(chan struct{}),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "session")

	if s.cleanupInterval > 0 {
		go s.cleanupLoop()
	} else {
		close(s.done)
	}
	return s
}

func (s *Store) cleanupLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("swept expired sessions", "count", n)
			}
		case <-s.stopCh:
			return
		}
	}
}

// Close stops the background sweeper. It is safe to call more than once.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
	return nil
}

// Sweep removes every expired session and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(now)
}

func (s *Store) sweepLocked(now time.Time) int {
	n := 0
	for id, sess := range s.data {
		if sess.Expired(now) {
			delete(s.data, id)
			n++
		}
	}
	return n
}

// getLocked returns the live session for id, deleting it if expired. The
// caller must hold the write lock.
func (s *Store) getLocked(id string, now time.Time) (Session, bool) {
	sess, ok := s.data[id]
	if !ok {
		return Session{}, false
	}
	if sess.Expired(now) {
		delete(s.data, id)
		return Session{}, false
	}
	return sess, true
}

// Get returns the live session for id. A read that finds an expired entry
// sweeps the whole store.
func (s *Store) Get(id string) (Session, bool) {
	now := s.now()
	s.mu.RLock()
	sess, ok := s.data[id]
	s.mu.RUnlock()
	if !ok {
		return Session{}, false
	}
	if sess.Expired(now) {
		s.mu.Lock()
		// A concurrent Resync may have replaced it; only expired entries go.
		n := s.sweepLocked(now)
		s.mu.Unlock()
		if n > 0 {
			s.logger.Debug("swept expired sessions", "count", n)
		}
		return Session{}, false
	}
	return sess.clone(), true
}

// Register creates a session for id, or merges into the live one. On merge,
// only unset hash fields are filled; the nonce and expiry are kept. An empty
// nonce on creation is replaced by 32 random bytes in hex.
func (s *Store) Register(id, nonce string, requestHash, responseHash *string) (Session, error) {
	if id == "" {
		return Session{}, ErrEmptyID
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registerLocked(id, nonce, requestHash, responseHash, now)
}

func (s *Store) registerLocked(id, nonce string, requestHash, responseHash *string, now time.Time) (Session, error) {
	if existing, ok := s.getLocked(id, now); ok {
		merged := existing
		merged.RequestHash = firstSet(existing.RequestHash, requestHash)
		merged.ResponseHash = firstSet(existing.ResponseHash, responseHash)
		s.data[id] = merged
		return merged.clone(), nil
	}

	if nonce == "" {
		generated, err := util.RandomHex(s.random, NonceSize)
		if err != nil {
			return Session{}, err
		}
		nonce = generated
	}

	sess := Session{
		VerificationID: id,
		Nonce:          nonce,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
		RequestHash:    firstSet(requestHash),
		ResponseHash:   firstSet(responseHash),
	}
	s.data[id] = sess
	s.logger.Debug("session registered", "verification_id", id, "expires_at", sess.ExpiresAt)
	return sess.clone(), nil
}

// UpdateHashes sets the given hash fields on a live session without touching
// its expiry. Nil arguments leave the stored value alone. It reports whether
// a live session was found.
func (s *Store) UpdateHashes(id string, requestHash, responseHash *string) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.getLocked(id, now)
	if !ok {
		return false
	}
	updated := existing
	updated.RequestHash = firstSet(requestHash, existing.RequestHash)
	updated.ResponseHash = firstSet(responseHash, existing.ResponseHash)
	s.data[id] = updated
	return true
}

// Resync replaces the nonce of id with an authoritative one and restarts the
// TTL window. CreatedAt is kept from a live session. Non-nil hashes override
// stored values.
func (s *Store) Resync(id, nonce string, requestHash, responseHash *string) (Session, error) {
	if id == "" {
		return Session{}, ErrEmptyID
	}
	if nonce == "" {
		return Session{}, ErrEmptyNonce
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resyncLocked(id, nonce, requestHash, responseHash, now), nil
}

func (s *Store) resyncLocked(id, nonce string, requestHash, responseHash *string, now time.Time) Session {
	existing, ok := s.getLocked(id, now)
	createdAt := now
	if ok {
		createdAt = existing.CreatedAt
	}
	sess := Session{
		VerificationID: id,
		Nonce:          nonce,
		CreatedAt:      createdAt,
		ExpiresAt:      now.Add(s.ttl),
		RequestHash:    firstSet(requestHash, existing.RequestHash),
		ResponseHash:   firstSet(responseHash, existing.ResponseHash),
	}
	s.data[id] = sess
	s.logger.Debug("session nonce resynced", "verification_id", id, "nonce", util.Truncate(nonce, 12))
	return sess.clone()
}

// Sync registers or merges id like Register and then, if attestedNonce is
// set and differs from the session nonce, resyncs to it like Resync. Both
// steps run under one lock, so the session is either fully synced or left
// untouched. It reports whether a resync happened.
func (s *Store) Sync(id, nonce, attestedNonce string, requestHash, responseHash *string) (Session, bool, error) {
	if id == "" {
		return Session{}, false, ErrEmptyID
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.registerLocked(id, nonce, requestHash, responseHash, now)
	if err != nil {
		return Session{}, false, err
	}
	if attestedNonce == "" || strings.EqualFold(attestedNonce, sess.Nonce) {
		return sess, false, nil
	}
	return s.resyncLocked(id, attestedNonce, requestHash, responseHash, now), true, nil
}

// Clear removes id unconditionally.
func (s *Store) Clear(id string) {
	s.mu.Lock()
	delete(s.data, id)
	s.mu.Unlock()
}

// Len returns the number of stored sessions, including expired ones not yet
// swept.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
