package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// ErrDuplicate is returned when an insert hits a unique constraint.
var ErrDuplicate = errors.New("duplicate record")

const maxBusyRetries = 10

type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// DB is the database struct. Read methods return (nil, nil) when no row matches.
type DB struct {
	db      *sql.DB
	dialect Dialect
	log     *zap.Logger
}

type Option func(*DB)

// WithLogger sets the logger used for schema and transaction warnings.
func WithLogger(log *zap.Logger) Option {
	return func(d *DB) { d.log = log }
}

// Open connects to the database and creates missing tables.
// driver is "sqlite" (modernc) or "postgres" (lib/pq).
func Open(driver, dsn string, opts ...Option) (*DB, error) {
	var dialect Dialect
	switch driver {
	case "sqlite":
		dialect = SQLite
	case "postgres":
		dialect = Postgres
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	d := &DB{db: conn, dialect: dialect, log: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	if dialect == SQLite {
		d.configureSQLite()
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(time.Hour)
	}

	if err := d.RunMigrations(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return d, nil
}

func (db *DB) configureSQLite() {
	// a single writer connection avoids most SQLITE_BUSY churn
	db.db.SetMaxOpenConns(1)

	var journalMode string
	if err := db.db.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		db.log.Warn("Failed to enable WAL mode", zap.Error(err))
	}
	db.db.Exec("PRAGMA synchronous = NORMAL")
	db.db.Exec("PRAGMA busy_timeout = 5000")
	db.db.Exec("PRAGMA foreign_keys = ON")
}

func (db *DB) Close() error {
	return db.db.Close()
}

// rebind rewrites ? placeholders into $n for postgres.
func (db *DB) rebind(query string) string {
	if db.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (db *DB) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	return tx.ExecContext(ctx, db.rebind(query), args...)
}

func (db *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.db.QueryRowContext(ctx, db.rebind(query), args...)
}

func (db *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.db.QueryContext(ctx, db.rebind(query), args...)
}

// wrapTransaction runs f in a transaction, starting over while sqlite reports SQLITE_BUSY
// or postgres reports a serialization failure.
func (db *DB) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	for attempt := 0; ; attempt++ {
		tctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := db.runTx(tctx, f)
		cancel()
		if err == nil {
			return nil
		}
		if isRetryable(err) && attempt < maxBusyRetries {
			time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
			continue
		}
		if isDuplicate(err) {
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		}
		db.log.Error("Transaction failed", zap.Error(err))
		return err
	}
}

func (db *DB) runTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isRetryable(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		code := serr.Code() & 0xff
		return code == sqlitelib.SQLITE_BUSY || code == sqlitelib.SQLITE_LOCKED
	}
	var perr *pq.Error
	if errors.As(err, &perr) {
		return perr.Code == "40001" || perr.Code == "40P01"
	}
	return false
}

func isDuplicate(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() {
		case sqlitelib.SQLITE_CONSTRAINT_UNIQUE, sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case sqlitelib.SQLITE_CONSTRAINT:
			return strings.Contains(serr.Error(), "UNIQUE")
		}
		return false
	}
	var perr *pq.Error
	if errors.As(err, &perr) {
		return perr.Code == "23505"
	}
	return false
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// toJSON encodes list columns. nil encodes as an empty list.
func toJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return "[]"
	}
	return string(b)
}

func fromJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}
