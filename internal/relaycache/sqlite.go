package relaycache

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/formthefog/form-net-relay/internal/wire"
)

// SQLiteCache is the default CacheIntegration: a small local SQLite
// database tracking per-peer failure streaks and the last relay that
// successfully reached each peer. It is meant to survive process restarts
// so a client doesn't re-learn its relay fallback history every time it
// starts.
type SQLiteCache struct {
	db     *sql.DB
	log    *zap.Logger
	thresh int
	window time.Duration
}

// OpenSQLiteCache opens (creating if necessary) a SQLite database at path
// and ensures its schema exists.
func OpenSQLiteCache(path string, log *zap.Logger) (*SQLiteCache, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("relaycache: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver serializes writers; avoid lock contention

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("relaycache: ping sqlite: %w", err)
	}

	c := &SQLiteCache{db: db, log: log, thresh: DefaultFailureThreshold, window: DefaultFailureWindow}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *SQLiteCache) migrate() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS peer_failures (
			peer_key     TEXT PRIMARY KEY,
			count        INTEGER NOT NULL,
			last_failure INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS relay_hints (
			peer_key       TEXT PRIMARY KEY,
			relay_endpoint TEXT NOT NULL,
			relay_key      TEXT NOT NULL,
			session_id     INTEGER NOT NULL,
			recorded_at    INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("relaycache: migrate: %w", err)
	}
	return nil
}

func keyHex(pub wire.PubKey) string { return hex.EncodeToString(pub[:]) }

// NeedsRelay reports whether peer's failure streak has reached the
// configured threshold within the failure window.
func (c *SQLiteCache) NeedsRelay(ctx context.Context, peer wire.PubKey) (bool, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT count, last_failure FROM peer_failures WHERE peer_key = ?`, keyHex(peer))

	var count int
	var lastUnix int64
	if err := row.Scan(&count, &lastUnix); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("relaycache: needs_relay: %w", err)
	}

	if time.Since(time.Unix(lastUnix, 0)) > c.window {
		return false, nil
	}
	return count >= c.thresh, nil
}

// RecordFailure increments peer's failure streak, resetting it first if the
// previous failure fell outside the window.
func (c *SQLiteCache) RecordFailure(ctx context.Context, peer wire.PubKey) error {
	now := time.Now()
	key := keyHex(peer)

	row := c.db.QueryRowContext(ctx,
		`SELECT count, last_failure FROM peer_failures WHERE peer_key = ?`, key)
	var count int
	var lastUnix int64
	err := row.Scan(&count, &lastUnix)

	switch {
	case err == sql.ErrNoRows:
		count = 1
	case err != nil:
		return fmt.Errorf("relaycache: record_failure: %w", err)
	case now.Sub(time.Unix(lastUnix, 0)) > c.window:
		count = 1
	default:
		count++
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO peer_failures (peer_key, count, last_failure) VALUES (?, ?, ?)
		ON CONFLICT(peer_key) DO UPDATE SET count = excluded.count, last_failure = excluded.last_failure`,
		key, count, now.Unix())
	if err != nil {
		return fmt.Errorf("relaycache: record_failure upsert: %w", err)
	}
	return nil
}

// RecordRelaySuccess clears peer's failure streak and remembers the relay
// that reached it.
func (c *SQLiteCache) RecordRelaySuccess(ctx context.Context, peer wire.PubKey, relayEndpoint string, relayKey wire.PubKey, sessionID uint64) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("relaycache: record_relay_success begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM peer_failures WHERE peer_key = ?`, keyHex(peer)); err != nil {
		return fmt.Errorf("relaycache: clear failures: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO relay_hints (peer_key, relay_endpoint, relay_key, session_id, recorded_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(peer_key) DO UPDATE SET
			relay_endpoint = excluded.relay_endpoint,
			relay_key = excluded.relay_key,
			session_id = excluded.session_id,
			recorded_at = excluded.recorded_at`,
		keyHex(peer), relayEndpoint, keyHex(relayKey), sessionID, time.Now().Unix()); err != nil {
		return fmt.Errorf("relaycache: record relay hint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("relaycache: record_relay_success commit: %w", err)
	}
	return nil
}

// PreferredRelay returns the last relay hint recorded for peer.
func (c *SQLiteCache) PreferredRelay(ctx context.Context, peer wire.PubKey) (RelayHint, bool, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT relay_endpoint, relay_key, session_id, recorded_at FROM relay_hints WHERE peer_key = ?`,
		keyHex(peer))

	var endpoint, relayKeyHex string
	var sessionID int64
	var recordedUnix int64
	if err := row.Scan(&endpoint, &relayKeyHex, &sessionID, &recordedUnix); err != nil {
		if err == sql.ErrNoRows {
			return RelayHint{}, false, nil
		}
		return RelayHint{}, false, fmt.Errorf("relaycache: preferred_relay: %w", err)
	}

	var rk wire.PubKey
	decoded, err := hex.DecodeString(relayKeyHex)
	if err != nil || len(decoded) != len(rk) {
		return RelayHint{}, false, fmt.Errorf("relaycache: preferred_relay: corrupt relay key for peer")
	}
	copy(rk[:], decoded)

	return RelayHint{
		RelayEndpoint: endpoint,
		RelayKey:      rk,
		SessionID:     uint64(sessionID),
		RecordedAt:    time.Unix(recordedUnix, 0),
	}, true, nil
}

// Close releases the underlying database handle.
func (c *SQLiteCache) Close() error { return c.db.Close() }
