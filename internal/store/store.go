package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	golock "github.com/viney-shih/go-lock"
)

type lockEntry struct {
	mu      *golock.CASMutex
	token   Token
	holder  string
	since   time.Time
	pending bool
}

// Store is the entity store. Every key can be locked independently; all
// mutations require the caller's lock token.
type Store struct {
	db    *sql.DB
	mu    sync.Mutex
	locks map[Key]*lockEntry
	now   func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{
		db:    db,
		locks: make(map[Key]*lockEntry),
		now:   time.Now,
	}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) entry(k Key) *lockEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.locks[k]
	if !ok {
		e = &lockEntry{mu: golock.NewCASMutex()}
		s.locks[k] = e
	}
	return e
}

func (s *Store) lockedError(k Key) *LockedError {
	s.mu.Lock()
	defer s.mu.Unlock()

	le := &LockedError{Key: k}
	if e, ok := s.locks[k]; ok {
		le.Holder = e.holder
		le.Since = e.since
	}
	return le
}

func (s *Store) grant(k Key, e *lockEntry, holder string) Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.token = Token(uuid.NewString())
	e.holder = holder
	e.since = s.now()
	return e.token
}

// Lock blocks until the key is acquired or ctx is done. On ctx expiry the
// returned *LockedError names the current holder.
func (s *Store) Lock(ctx context.Context, k Key, holder string) (Token, error) {
	e := s.entry(k)
	if !e.mu.TryLockWithContext(ctx) {
		return "", s.lockedError(k)
	}
	return s.grant(k, e, holder), nil
}

// TryLock fails fast with *LockedError when the key is held elsewhere.
func (s *Store) TryLock(k Key, holder string) (Token, error) {
	e := s.entry(k)
	if !e.mu.TryLock() {
		return "", s.lockedError(k)
	}
	return s.grant(k, e, holder), nil
}

func (s *Store) Release(k Key, tok Token) error {
	s.mu.Lock()
	e, ok := s.locks[k]
	if !ok || tok == "" || e.token != tok {
		s.mu.Unlock()
		return fmt.Errorf("failed to release %s: %w", k, ErrNotLocked)
	}
	e.token = ""
	e.holder = ""
	e.since = time.Time{}
	e.pending = false
	s.mu.Unlock()

	e.mu.Unlock()
	return nil
}

// Holder reports who holds the key, for diagnostics.
func (s *Store) Holder(k Key) (LockInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.locks[k]
	if !ok || e.token == "" {
		return LockInfo{Key: k}, false
	}
	return LockInfo{Key: k, Holder: e.holder, Since: e.since}, true
}

func (s *Store) checkToken(k Key, tok Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.locks[k]
	if !ok || tok == "" || e.token != tok {
		return ErrNotLocked
	}
	return nil
}

func (s *Store) isPending(k Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.locks[k]
	return ok && e.pending
}

// Get returns the latest committed version of the entity.
func (s *Store) Get(ctx context.Context, k Key) (*Record, error) {
	if s.isPending(k) {
		return nil, ErrNotFound
	}
	rec := &Record{Key: k.ID}
	var data string
	err := s.db.QueryRowContext(ctx, GetEntity, k.Kind, k.ID).Scan(&rec.Version, &data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", k, err)
	}
	rec.Data = []byte(data)
	return rec, nil
}

func (s *Store) Exists(ctx context.Context, k Key) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, ExistsEntity, k.Kind, k.ID).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check %s: %w", k, err)
	}
	return n > 0, nil
}

// Insert writes a new entity and returns the lock that keeps it invisible to
// other workers until Release.
func (s *Store) Insert(ctx context.Context, k Key, parent string, status int, data []byte, holder string) (Token, error) {
	tok, err := s.TryLock(k, holder)
	if err != nil {
		return "", err
	}

	exists, err := s.Exists(ctx, k)
	if err == nil && exists {
		err = fmt.Errorf("failed to insert %s: %w", k, ErrExists)
	}
	if err == nil {
		// Hidden before the row exists; Release clears the flag.
		s.mu.Lock()
		s.locks[k].pending = true
		s.mu.Unlock()

		now := s.now()
		_, err = s.db.ExecContext(ctx, InsertEntity, k.Kind, k.ID, parent, status, string(data), now, now)
		if err != nil {
			err = fmt.Errorf("failed to insert %s: %w", k, err)
		}
	}
	if err != nil {
		s.Release(k, tok)
		return "", err
	}
	return tok, nil
}

func (s *Store) Update(ctx context.Context, k Key, parent string, status int, data []byte, tok Token) error {
	if err := s.checkToken(k, tok); err != nil {
		return fmt.Errorf("failed to update %s: %w", k, err)
	}
	result, err := s.db.ExecContext(ctx, UpdateEntity, parent, status, string(data), s.now(), k.Kind, k.ID)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", k, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("failed to update %s: %w", k, ErrNotFound)
	}
	return nil
}

// Delete removes the entity. The caller still releases the lock afterwards.
func (s *Store) Delete(ctx context.Context, k Key, tok Token) error {
	if err := s.checkToken(k, tok); err != nil {
		return fmt.Errorf("failed to delete %s: %w", k, err)
	}
	if _, err := s.db.ExecContext(ctx, DeleteEntity, k.Kind, k.ID); err != nil {
		return fmt.Errorf("failed to delete %s: %w", k, err)
	}
	return nil
}

func (s *Store) list(ctx context.Context, kind, query string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec := &Record{}
		var data string
		if err := rows.Scan(&rec.Key, &rec.Version, &data); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", kind, err)
		}
		if s.isPending(Key{Kind: kind, ID: rec.Key}) {
			continue
		}
		rec.Data = []byte(data)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) List(ctx context.Context, kind string) ([]*Record, error) {
	return s.list(ctx, kind, ListEntities, kind)
}

func (s *Store) ListByParent(ctx context.Context, kind, parent string) ([]*Record, error) {
	return s.list(ctx, kind, ListEntitiesByParent, kind, parent)
}

func (s *Store) ListByStatus(ctx context.Context, kind string, status int) ([]*Record, error) {
	return s.list(ctx, kind, ListEntitiesByStatus, kind, status)
}

func (s *Store) NextSeq(ctx context.Context, name string) (int64, error) {
	var v int64
	if err := s.db.QueryRowContext(ctx, NextSequence, name).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to allocate %s sequence: %w", name, err)
	}
	return v, nil
}
