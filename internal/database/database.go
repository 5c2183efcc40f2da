// Package database provides database access for the raffle server
//
// Two drivers are supported: PostgreSQL (lib/pq) for shared deployments where
// several processes write the same ticket ledger, and SQLite (modernc) for a
// single embedded process. Queries are written with '?' placeholders and
// rebound for the active dialect.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Supported driver names
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
	driver string
}

// New creates a new database connection
func New(driver, dsn string) (*DB, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	if driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY on
	// lock upgrades and keeps transactions strictly ordered.
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db, driver: driver}, nil
}

// sqliteDSN makes other processes sharing the file wait for the write lock
// instead of failing with SQLITE_BUSY, and starts every transaction with
// that lock held so a check-then-insert cannot be interleaved.
func sqliteDSN(dsn string) string {
	var params []string
	if !strings.Contains(dsn, "busy_timeout") {
		params = append(params, "_pragma=busy_timeout(5000)")
	}
	if !strings.Contains(dsn, "_txlock=") {
		params = append(params, "_txlock=immediate")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// Driver returns the driver name the connection was opened with
func (db *DB) Driver() string {
	return db.driver
}

// Rebind converts '?' placeholders into the dialect of the connection
func (db *DB) Rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Placeholders returns n comma separated '?' placeholders
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Migrate creates all required tables
func (db *DB) Migrate() error {
	schema := `
	-- Raffles; timestamps are unix milliseconds
	CREATE TABLE IF NOT EXISTS raffles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		photos TEXT NOT NULL DEFAULT '[]',
		ticket_price BIGINT NOT NULL DEFAULT 0,
		currency VARCHAR(3) NOT NULL DEFAULT 'MXN',
		total_tickets INTEGER NOT NULL,
		winning_round INTEGER NOT NULL,
		state VARCHAR(20) NOT NULL,
		winning_ticket INTEGER,
		winning_owner_name TEXT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	);

	-- Single active raffle system wide
	CREATE UNIQUE INDEX IF NOT EXISTS idx_raffles_single_active ON raffles (state) WHERE state = 'active';

	-- Participants (buyers)
	CREATE TABLE IF NOT EXISTS participants (
		id TEXT PRIMARY KEY,
		raffle_id TEXT NOT NULL REFERENCES raffles(id),
		name TEXT NOT NULL,
		phone TEXT NOT NULL,
		payment_state VARCHAR(20) NOT NULL DEFAULT 'reserved',
		created_at BIGINT NOT NULL
	);

	-- Ticket ledger; the primary key is the ownership compare-and-set
	CREATE TABLE IF NOT EXISTS tickets (
		raffle_id TEXT NOT NULL REFERENCES raffles(id),
		number INTEGER NOT NULL,
		participant_id TEXT NOT NULL REFERENCES participants(id),
		created_at BIGINT NOT NULL,
		PRIMARY KEY (raffle_id, number)
	);

	-- Audit Events
	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		type VARCHAR(100) NOT NULL,
		severity VARCHAR(20) NOT NULL,
		timestamp BIGINT NOT NULL,
		raffle_id TEXT,
		participant_id TEXT,
		description TEXT NOT NULL,
		data TEXT,
		ip_address VARCHAR(45) NOT NULL DEFAULT '',
		component VARCHAR(100) NOT NULL
	);

	-- Indexes for performance
	CREATE INDEX IF NOT EXISTS idx_raffles_state ON raffles(state, created_at);
	CREATE INDEX IF NOT EXISTS idx_participants_raffle ON participants(raffle_id);
	CREATE INDEX IF NOT EXISTS idx_tickets_participant ON tickets(participant_id);
	CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_events_raffle ON audit_events(raffle_id);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// CleanData deletes all rows without dropping tables (for testing)
func (db *DB) CleanData() error {
	for _, table := range []string{"audit_events", "tickets", "participants", "raffles"} {
		if _, err := db.Exec("DELETE FROM " + table); err != nil {
			return err
		}
	}
	return nil
}

// IsUniqueViolation reports whether err was caused by a primary key or
// unique index rejecting a write
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
