package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Account is the persisted record of the ownership-proof handshake.
// PrivateToken is null until the first successful verification commits it.
type Account struct {
	ID                  int64
	PublicToken         string
	PrivateToken        sql.NullString
	PendingPrivateToken string
	Verified            bool
	DestroyAfter        sql.NullTime
}

// RateCounter is one fixed-window counter cell.
type RateCounter struct {
	Field string
	Key   string
	Count int
}

// CacheEntry is one long-cache record. Payload is the normalized response
// serialized as JSON.
type CacheEntry struct {
	Key       string
	Payload   []byte
	ExpiresAt time.Time
}

// State is the whole persisted document: loaded once at boot, replaced
// whole on every save.
type State struct {
	Accounts  []Account
	Counters  []RateCounter
	LongCache []CacheEntry
}

type DB struct {
	*sql.DB
}

func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &DB{db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return store, nil
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id INTEGER PRIMARY KEY,
		public_token TEXT NOT NULL,
		private_token TEXT,
		pending_private_token TEXT NOT NULL,
		verified BOOLEAN NOT NULL DEFAULT FALSE,
		destroy_after DATETIME
	);

	CREATE TABLE IF NOT EXISTS rate_counters (
		field TEXT NOT NULL,
		key TEXT NOT NULL,
		count INTEGER NOT NULL,
		PRIMARY KEY (field, key)
	);

	CREATE TABLE IF NOT EXISTS long_cache (
		key TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		expires_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_destroy_after ON accounts(destroy_after);
	CREATE INDEX IF NOT EXISTS idx_long_cache_expires_at ON long_cache(expires_at);
	`

	_, err := db.Exec(schema)
	return err
}

func (db *DB) Close() error {
	return db.DB.Close()
}

// Load reads the whole persisted state. Called once at boot; components
// seed their in-memory maps from the result and never read back.
func (db *DB) Load(ctx context.Context) (*State, error) {
	state := &State{}

	rows, err := db.QueryContext(ctx,
		`SELECT id, public_token, private_token, pending_private_token, verified, destroy_after FROM accounts`)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.PublicToken, &a.PrivateToken,
			&a.PendingPrivateToken, &a.Verified, &a.DestroyAfter); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		state.Accounts = append(state.Accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}

	counterRows, err := db.QueryContext(ctx,
		`SELECT field, key, count FROM rate_counters`)
	if err != nil {
		return nil, fmt.Errorf("load rate counters: %w", err)
	}
	defer counterRows.Close()
	for counterRows.Next() {
		var c RateCounter
		if err := counterRows.Scan(&c.Field, &c.Key, &c.Count); err != nil {
			return nil, fmt.Errorf("scan rate counter: %w", err)
		}
		state.Counters = append(state.Counters, c)
	}
	if err := counterRows.Err(); err != nil {
		return nil, fmt.Errorf("load rate counters: %w", err)
	}

	cacheRows, err := db.QueryContext(ctx,
		`SELECT key, payload, expires_at FROM long_cache`)
	if err != nil {
		return nil, fmt.Errorf("load long cache: %w", err)
	}
	defer cacheRows.Close()
	for cacheRows.Next() {
		var e CacheEntry
		if err := cacheRows.Scan(&e.Key, &e.Payload, &e.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		state.LongCache = append(state.LongCache, e)
	}
	if err := cacheRows.Err(); err != nil {
		return nil, fmt.Errorf("load long cache: %w", err)
	}

	return state, nil
}

// SaveState replaces the whole persisted document in one transaction.
func (db *DB) SaveState(ctx context.Context, state *State) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"accounts", "rate_counters", "long_cache"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for _, a := range state.Accounts {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (id, public_token, private_token, pending_private_token, verified, destroy_after)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			a.ID, a.PublicToken, a.PrivateToken, a.PendingPrivateToken, a.Verified, a.DestroyAfter)
		if err != nil {
			return fmt.Errorf("insert account %d: %w", a.ID, err)
		}
	}

	for _, c := range state.Counters {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO rate_counters (field, key, count) VALUES (?, ?, ?)`,
			c.Field, c.Key, c.Count)
		if err != nil {
			return fmt.Errorf("insert rate counter: %w", err)
		}
	}

	for _, e := range state.LongCache {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO long_cache (key, payload, expires_at) VALUES (?, ?, ?)`,
			e.Key, e.Payload, e.ExpiresAt)
		if err != nil {
			return fmt.Errorf("insert cache entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
