// Package cache keeps short-lived snapshots of backend reads (holdings,
// shortfalls, wallets) so repeated CLI invocations can answer from disk and
// fall back to a stale copy when the backend is unavailable.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

const lockWait = 5 * time.Second

type Store struct {
	db   *sql.DB
	lock *flock.Flock
	now  func() time.Time
}

// Lookup describes a cached snapshot relative to its TTL and the caller's
// stale budget.
type Lookup struct {
	Hit      bool
	Value    []byte
	Age      time.Duration
	Stale    bool
	TooStale bool
}

// Key derives a stable snapshot key. The namespace stays readable so a whole
// family of snapshots can be dropped with Invalidate.
func Key(namespace string, parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return namespace + ":" + hex.EncodeToString(sum[:12])
}

func Open(path, lockPath string) (*Store, error) {
	for _, dir := range []string{filepath.Dir(path), filepath.Dir(lockPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create snapshot directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot cache: %w", err)
	}
	schema := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS snapshots (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			fetched_at INTEGER NOT NULL,
			ttl_seconds INTEGER NOT NULL
		);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init snapshot schema: %w", err)
		}
	}

	store := &Store{db: db, lock: flock.New(lockPath), now: time.Now}
	_ = store.Prune(context.Background(), 24*time.Hour)
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Prune drops snapshots that expired more than grace ago.
func (s *Store) Prune(ctx context.Context, grace time.Duration) error {
	if s == nil || s.db == nil {
		return nil
	}
	cutoff := s.now().UTC().Add(-grace).Unix()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM snapshots WHERE fetched_at + ttl_seconds < ?", cutoff); err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	return nil
}

// Get reads a snapshot. A negative maxStale means any stale age is accepted.
func (s *Store) Get(ctx context.Context, key string, maxStale time.Duration) (Lookup, error) {
	var (
		value     []byte
		fetchedAt int64
		ttlSecs   int64
	)
	row := s.db.QueryRowContext(ctx, "SELECT value, fetched_at, ttl_seconds FROM snapshots WHERE key = ?", key)
	if err := row.Scan(&value, &fetchedAt, &ttlSecs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Lookup{}, nil
		}
		return Lookup{}, fmt.Errorf("read snapshot: %w", err)
	}

	age := s.now().UTC().Sub(time.Unix(fetchedAt, 0).UTC())
	if age < 0 {
		age = 0
	}
	ttl := time.Duration(ttlSecs) * time.Second
	lookup := Lookup{Hit: true, Value: value, Age: age, Stale: age > ttl}
	lookup.TooStale = lookup.Stale && maxStale >= 0 && age > ttl+maxStale
	return lookup, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	unlock, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	ttlSecs := int64(ttl / time.Second)
	if ttlSecs < 1 {
		ttlSecs = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (key, value, fetched_at, ttl_seconds)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value=excluded.value,
			fetched_at=excluded.fetched_at,
			ttl_seconds=excluded.ttl_seconds
	`, key, value, s.now().UTC().Unix(), ttlSecs)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Invalidate removes every snapshot in a namespace. Used once a bridge
// completes so the next read goes to the backend.
func (s *Store) Invalidate(ctx context.Context, namespace string) error {
	unlock, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM snapshots WHERE key LIKE ?", namespace+":%"); err != nil {
		return fmt.Errorf("invalidate snapshots: %w", err)
	}
	return nil
}

func (s *Store) acquire(ctx context.Context) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, lockWait)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 25*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("lock snapshot cache: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("lock snapshot cache: timeout acquiring lock")
	}
	return func() { _ = s.lock.Unlock() }, nil
}
