// Package store persists bridge executions and safe workflow memory so a
// tracking session or a safe retry can resume after the process exits.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/agent-funding/internal/errors"
	"github.com/ggonzalez94/agent-funding/internal/model"
	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

func Open(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create state lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS bridge_executions (
			quote_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_bridge_status_updated ON bridge_executions(status, updated_at DESC);",
		`CREATE TABLE IF NOT EXISTS safe_memory (
			chain TEXT PRIMARY KEY,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS route_cooldowns (
			request_key TEXT PRIMARY KEY,
			until INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init state schema: %w", err)
		}
	}
	return &Store{db: db, lock: flock.New(lockPath)}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) withLock(ctx context.Context, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 25*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock state store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock state store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

// SaveExecution upserts the latest state of a bridge execution.
func (s *Store) SaveExecution(ctx context.Context, state model.BridgeExecutionState) error {
	if strings.TrimSpace(state.ID) == "" {
		return fmt.Errorf("save execution: missing quote id")
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	created := unixOrNow(state.CreatedAt)
	updated := unixOrNow(state.UpdatedAt)

	return s.withLock(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO bridge_executions (quote_id, status, created_at, updated_at, payload)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(quote_id) DO UPDATE SET
				status=excluded.status,
				updated_at=excluded.updated_at,
				payload=excluded.payload
		`, state.ID, string(state.Status), created, updated, payload)
		if err != nil {
			return fmt.Errorf("save execution: %w", err)
		}
		return nil
	})
}

func (s *Store) Execution(ctx context.Context, quoteID string) (model.BridgeExecutionState, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM bridge_executions WHERE quote_id = ?", quoteID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.BridgeExecutionState{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("bridge execution not found: %s", quoteID))
		}
		return model.BridgeExecutionState{}, fmt.Errorf("read execution: %w", err)
	}
	var state model.BridgeExecutionState
	if err := json.Unmarshal(payload, &state); err != nil {
		return model.BridgeExecutionState{}, fmt.Errorf("decode execution payload: %w", err)
	}
	return state, nil
}

// Executions lists tracked executions, most recently updated first.
func (s *Store) Executions(ctx context.Context, status string, limit int) ([]model.BridgeExecutionState, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		rows *sql.Rows
		err  error
	)
	if strings.TrimSpace(status) == "" {
		rows, err = s.db.QueryContext(ctx, "SELECT payload FROM bridge_executions ORDER BY updated_at DESC LIMIT ?", limit)
	} else {
		rows, err = s.db.QueryContext(ctx, "SELECT payload FROM bridge_executions WHERE status = ? ORDER BY updated_at DESC LIMIT ?", strings.ToUpper(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	out := make([]model.BridgeExecutionState, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan execution row: %w", err)
		}
		var state model.BridgeExecutionState
		if err := json.Unmarshal(payload, &state); err != nil {
			return nil, fmt.Errorf("decode execution row: %w", err)
		}
		out = append(out, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution rows: %w", err)
	}
	return out, nil
}

// SafeMemory returns the remembered safe state for a chain. A chain never
// seen before yields an empty memory.
func (s *Store) SafeMemory(ctx context.Context, chain string) (model.SafeMemory, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM safe_memory WHERE chain = ?", chain).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SafeMemory{Chain: chain, Transfers: map[string]model.TransferStatus{}}, nil
		}
		return model.SafeMemory{}, fmt.Errorf("read safe memory: %w", err)
	}
	var mem model.SafeMemory
	if err := json.Unmarshal(payload, &mem); err != nil {
		return model.SafeMemory{}, fmt.Errorf("decode safe memory: %w", err)
	}
	if mem.Transfers == nil {
		mem.Transfers = map[string]model.TransferStatus{}
	}
	return mem, nil
}

// MergeSafeMemory folds an observation into the stored memory under the
// store lock and returns the result.
func (s *Store) MergeSafeMemory(ctx context.Context, next model.SafeMemory) (model.SafeMemory, error) {
	var merged model.SafeMemory
	err := s.withLock(ctx, func() error {
		current, err := s.SafeMemory(ctx, next.Chain)
		if err != nil {
			return err
		}
		merged = current.Merge(next)
		if merged.UpdatedAt.IsZero() {
			merged.UpdatedAt = time.Now().UTC()
		}
		payload, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("marshal safe memory: %w", err)
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO safe_memory (chain, updated_at, payload)
			VALUES (?, ?, ?)
			ON CONFLICT(chain) DO UPDATE SET
				updated_at=excluded.updated_at,
				payload=excluded.payload
		`, next.Chain, merged.UpdatedAt.Unix(), payload)
		if err != nil {
			return fmt.Errorf("save safe memory: %w", err)
		}
		return nil
	})
	return merged, err
}

// SaveCooldown remembers an unserviceable quote for its request set until the
// given time, so later processes skip the route too.
func (s *Store) SaveCooldown(ctx context.Context, key string, quote model.RefillQuote, until time.Time) error {
	payload, err := json.Marshal(quote)
	if err != nil {
		return fmt.Errorf("marshal cooldown: %w", err)
	}
	return s.withLock(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO route_cooldowns (request_key, until, payload)
			VALUES (?, ?, ?)
			ON CONFLICT(request_key) DO UPDATE SET
				until=excluded.until,
				payload=excluded.payload
		`, key, until.UTC().Unix(), payload)
		if err != nil {
			return fmt.Errorf("save cooldown: %w", err)
		}
		return nil
	})
}

// Cooldown returns the remembered quote for key while its window is open.
func (s *Store) Cooldown(ctx context.Context, key string, now time.Time) (model.RefillQuote, bool, error) {
	var (
		until   int64
		payload []byte
	)
	err := s.db.QueryRowContext(ctx, "SELECT until, payload FROM route_cooldowns WHERE request_key = ?", key).Scan(&until, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RefillQuote{}, false, nil
		}
		return model.RefillQuote{}, false, fmt.Errorf("read cooldown: %w", err)
	}
	if now.Unix() >= until {
		return model.RefillQuote{}, false, nil
	}
	var quote model.RefillQuote
	if err := json.Unmarshal(payload, &quote); err != nil {
		return model.RefillQuote{}, false, fmt.Errorf("decode cooldown: %w", err)
	}
	return quote, true, nil
}

func (s *Store) ClearCooldown(ctx context.Context, key string) error {
	return s.withLock(ctx, func() error {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM route_cooldowns WHERE request_key = ?", key); err != nil {
			return fmt.Errorf("clear cooldown: %w", err)
		}
		return nil
	})
}

func unixOrNow(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().UTC().Unix()
	}
	return t.UTC().Unix()
}
