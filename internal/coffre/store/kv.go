package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coffre-fort/coffre/internal/coffre/kv"
)

var _ kv.Store = (*Store)(nil)

// live restricts a kv_keys query to unexpired rows; it takes the current
// time in unix milliseconds as its single argument.
const live = "(expires_at IS NULL OR expires_at > ?)"

// mgetChunk keeps IN lists well below SQLite's bound-variable limit.
const mgetChunk = 500

func (s *Store) now() int64 {
	return s.clock.Now().UnixMilli()
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM kv_keys WHERE key = ? AND kind = 'string' AND "+live,
		key, s.now()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", kv.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.put(ctx, key, value, sql.NullInt64{})
}

func (s *Store) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	exp := s.clock.Now().Add(ttl).UnixMilli()
	return s.put(ctx, key, value, sql.NullInt64{Int64: exp, Valid: true})
}

func (s *Store) put(ctx context.Context, key, value string, expiresAt sql.NullInt64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := deleteKey(ctx, tx, key); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO kv_keys (key, kind, value, expires_at) VALUES (?, 'string', ?, ?)",
			key, value, expiresAt)
		if err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
		return nil
	})
}

func deleteKey(ctx context.Context, tx *sql.Tx, key string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM kv_set_members WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete members of %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM kv_keys WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, k := range keys {
			if err := deleteKey(ctx, tx, k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM kv_keys WHERE key = ? AND "+live, key, s.now()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	now := s.now()
	var exp sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT expires_at FROM kv_keys WHERE key = ? AND "+live, key, now).Scan(&exp)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return kv.Missing, nil
	case err != nil:
		return 0, fmt.Errorf("ttl %s: %w", key, err)
	case !exp.Valid:
		return kv.NoExpiry, nil
	default:
		return time.Duration(exp.Int64-now) * time.Millisecond, nil
	}
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	now := s.clock.Now()
	_, err := s.db.ExecContext(ctx, "UPDATE kv_keys SET expires_at = ? WHERE key = ? AND "+live,
		now.Add(ttl).UnixMilli(), key, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

// liveKind returns the kind of the live row for key, or "" when there is none.
func liveKind(ctx context.Context, tx *sql.Tx, key string, now int64) (string, error) {
	var kind string
	err := tx.QueryRowContext(ctx, "SELECT kind FROM kv_keys WHERE key = ? AND "+live, key, now).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return kind, err
}

func (s *Store) SetAdd(ctx context.Context, key string, members ...string) error {
	now := s.now()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		kind, err := liveKind(ctx, tx, key, now)
		if err != nil {
			return fmt.Errorf("sadd %s: %w", key, err)
		}
		if kind != "set" {
			if err := deleteKey(ctx, tx, key); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, "INSERT INTO kv_keys (key, kind) VALUES (?, 'set')", key); err != nil {
				return fmt.Errorf("sadd %s: %w", key, err)
			}
		}
		for _, m := range members {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO kv_set_members (key, member) VALUES (?, ?)", key, m); err != nil {
				return fmt.Errorf("sadd %s: %w", key, err)
			}
		}
		return nil
	})
}

func (s *Store) SetRemove(ctx context.Context, key string, members ...string) error {
	now := s.now()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		kind, err := liveKind(ctx, tx, key, now)
		if err != nil {
			return fmt.Errorf("srem %s: %w", key, err)
		}
		if kind != "set" {
			return nil
		}
		for _, m := range members {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM kv_set_members WHERE key = ? AND member = ?", key, m); err != nil {
				return fmt.Errorf("srem %s: %w", key, err)
			}
		}
		var left int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM kv_set_members WHERE key = ?", key).Scan(&left); err != nil {
			return fmt.Errorf("srem %s: %w", key, err)
		}
		if left == 0 {
			return deleteKey(ctx, tx, key)
		}
		return nil
	})
}

func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.member FROM kv_set_members m
		JOIN kv_keys k ON k.key = m.key
		WHERE k.key = ? AND k.kind = 'set' AND (k.expires_at IS NULL OR k.expires_at > ?)
		ORDER BY m.member`, key, s.now())
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("smembers %s: %w", key, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Scan narrows by the pattern's literal prefix in SQL and matches the rest
// with kv.Match, so the glob dialect is exactly the one Redis uses.
func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	prefix := literalPrefix(pattern)
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM kv_keys WHERE substr(key, 1, ?) = ? AND "+live+" ORDER BY key",
		len([]rune(prefix)), prefix, s.now())
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		if kv.Match(pattern, k) {
			out = append(out, k)
		}
	}
	return out, rows.Err()
}

func literalPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, `*?[\`); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

func (s *Store) MGet(ctx context.Context, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	now := s.now()
	for start := 0; start < len(keys); start += mgetChunk {
		end := min(start+mgetChunk, len(keys))
		chunk := keys[start:end]

		args := make([]any, 0, len(chunk)+1)
		for _, k := range chunk {
			args = append(args, k)
		}
		args = append(args, now)
		q := "SELECT key, value FROM kv_keys WHERE key IN (?" + strings.Repeat(", ?", len(chunk)-1) +
			") AND kind = 'string' AND " + live
		if err := s.collect(ctx, out, q, args...); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) collect(ctx context.Context, out map[string]string, q string, args ...any) error {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("mget: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return fmt.Errorf("mget: %w", err)
		}
		out[k] = v
	}
	return rows.Err()
}

// Sweep deletes expired rows. Reads already ignore them; sweeping only
// reclaims space.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	now := s.now()
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM kv_set_members WHERE key IN (
				SELECT key FROM kv_keys WHERE expires_at IS NOT NULL AND expires_at <= ?
			)`, now); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM kv_keys WHERE expires_at IS NOT NULL AND expires_at <= ?", now)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(interval):
		}
		n, err := s.Sweep(ctx)
		if err != nil {
			slog.Warn("store: sweep failed", "err", err)
			continue
		}
		if n > 0 {
			slog.Debug("store: swept expired keys", "count", n)
		}
	}
}
