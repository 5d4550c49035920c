// Package sqlite implements the ledger's store interfaces on an embedded
// SQLite database (modernc.org/sqlite, no cgo). It serves single-node
// deployments and tests. Amounts are stored as base-10 TEXT and times as
// fixed-width UTC TEXT.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS markets (
    id                     INTEGER PRIMARY KEY AUTOINCREMENT,
    creator_id             INTEGER NOT NULL DEFAULT 0,
    title                  TEXT    NOT NULL,
    description            TEXT    NOT NULL DEFAULT '',
    category               TEXT    NOT NULL DEFAULT '',
    status                 TEXT    NOT NULL DEFAULT 'open',
    end_time               TEXT    NOT NULL,
    pool_yes               TEXT    NOT NULL DEFAULT '0',
    pool_no                TEXT    NOT NULL DEFAULT '0',
    resolved_outcome       TEXT    NOT NULL DEFAULT '',
    resolved_at            TEXT,
    contract_address       TEXT    NOT NULL DEFAULT '',
    contract_deployed_at   TEXT,
    refund_fee_bps         INTEGER NOT NULL DEFAULT 50,
    max_bet_percent        INTEGER NOT NULL DEFAULT 20,
    max_probability_change INTEGER NOT NULL DEFAULT 10,
    version                INTEGER NOT NULL DEFAULT 0,
    created_at             TEXT    NOT NULL,
    updated_at             TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS bets (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    market_id    INTEGER NOT NULL REFERENCES markets(id),
    user_id      INTEGER NOT NULL,
    side         TEXT    NOT NULL,
    amount_gross TEXT    NOT NULL,
    amount_net   TEXT    NOT NULL,
    fee_in       TEXT    NOT NULL,
    tx_hash      TEXT    NOT NULL DEFAULT '',
    status       TEXT    NOT NULL,
    price        REAL    NOT NULL,
    created_at   TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    event      TEXT NOT NULL,
    detail     TEXT,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_markets_status  ON markets(status, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_bets_user       ON bets(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_bets_market     ON bets(market_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_bets_tx  ON bets(tx_hash) WHERE tx_hash <> '';
`

// DB owns the SQLite handle and hands out the typed stores.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// ":memory:" gives a private in-memory database.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer; also keeps :memory: on one connection
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close releases the database handle.
func (d *DB) Close() error {
	return d.db.Close()
}

// Markets returns the market store.
func (d *DB) Markets() *MarketStore { return &MarketStore{db: d.db} }

// Bets returns the bet store.
func (d *DB) Bets() *BetStore { return &BetStore{db: d.db} }

// Audit returns the audit store.
func (d *DB) Audit() *AuditStore { return &AuditStore{db: d.db} }

// timeLayout is fixed width so TEXT ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func notFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// singleRow maps an UPDATE that matched no row to domain.ErrNotFound.
func singleRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
