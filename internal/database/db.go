package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"contactgraph/internal/config"
)

// DB wraps the sql.DB connection pool together with the transaction policy of
// the configured dialect.
type DB struct {
	Conn *sql.DB

	driver      string
	txTimeout   time.Duration
	lockTimeout time.Duration
	maxRetries  int
	log         logrus.FieldLogger

	// OnRetry is called each time a transaction is retried after a conflict.
	OnRetry func()
}

// New opens the connection pool and runs migrations
func New(cfg config.DatabaseConfig, log logrus.FieldLogger) (*DB, error) {
	dsn := cfg.URL
	if cfg.Driver == config.DriverSQLite {
		dsn = sqliteDSN(cfg.URL, cfg.LockTimeout)
	}

	conn, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.Driver == config.DriverSQLite {
		// SQLite has a single writer; queue callers on the pool instead of
		// surfacing SQLITE_BUSY.
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
	} else {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
		conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.TxTimeout)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{
		Conn:        conn,
		driver:      cfg.Driver,
		txTimeout:   cfg.TxTimeout,
		lockTimeout: cfg.LockTimeout,
		maxRetries:  cfg.MaxRetries,
		log:         log,
	}

	if err := db.Migrate(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.WithField("driver", cfg.Driver).Info("Database initialized successfully")
	return db, nil
}

// Driver returns the sql driver name the pool was opened with.
func (db *DB) Driver() string {
	return db.driver
}

// Migrate executes the schema for the active dialect. It is idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	schema := sqliteSchema
	if db.driver == config.DriverPostgres {
		schema = postgresSchema
	}
	if _, err := db.Conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.Conn.PingContext(ctx)
}

// RunInTx executes fn inside a single transaction and commits it. The
// transaction is detached from caller cancellation so it always ends in commit
// or rollback, and is bounded by the configured timeout. Conflicts reported by
// the database are retried with exponential backoff.
func (db *DB) RunInTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	return db.RunLockedTx(ctx, nil, fn)
}

// RunLockedTx is RunInTx holding advisory locks on lockKeys for the whole
// call, retries included. On Postgres the locks are session-level and taken
// before BEGIN, so the transaction snapshot already contains everything the
// previous holder committed. SQLite serialises writers itself and ignores
// lockKeys.
func (db *DB) RunLockedTx(ctx context.Context, lockKeys []string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	txCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), db.txTimeout)
	defer cancel()

	var begin txBeginner = db.Conn
	if db.driver == config.DriverPostgres && len(lockKeys) > 0 {
		conn, err := db.acquireLocks(txCtx, lockKeys)
		if err != nil {
			if IsTimeout(err) {
				return errors.Wrapf(err, "identity locks not acquired within %s", db.txTimeout)
			}
			return err
		}
		defer db.releaseLocks(conn)
		begin = conn
	}

	attempt := 0
	op := func() error {
		attempt++
		err := db.runOnce(txCtx, begin, fn)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || txCtx.Err() != nil {
			return backoff.Permanent(err)
		}
		db.log.WithError(err).WithField("attempt", attempt).Warn("transaction conflict, retrying")
		if db.OnRetry != nil {
			db.OnRetry()
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = 500 * time.Millisecond

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(db.maxRetries)), txCtx))
	if err != nil {
		if IsTimeout(err) {
			return errors.Wrapf(err, "transaction timed out after %s", db.txTimeout)
		}
		return errors.Wrapf(err, "transaction failed after %d attempt(s)", attempt)
	}
	return nil
}

type txBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

func (db *DB) runOnce(ctx context.Context, begin txBeginner, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := begin.BeginTx(ctx, db.txOptions())
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if db.driver == config.DriverPostgres {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", db.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "set lock timeout")
		}
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}

func (db *DB) txOptions() *sql.TxOptions {
	if db.driver == config.DriverPostgres {
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	// BEGIN IMMEDIATE is selected through the DSN.
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.Conn.Close()
}

func sqliteDSN(path string, busyTimeout time.Duration) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_txlock=immediate&_busy_timeout=%d&_foreign_keys=on&_journal_mode=WAL",
		path, sep, busyTimeout.Milliseconds())
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS contacts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    phone_number TEXT,
    email TEXT,
    linked_id INTEGER,
    link_precedence TEXT NOT NULL CHECK(link_precedence IN ('primary', 'secondary')),
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    deleted_at DATETIME,
    CHECK (email IS NOT NULL OR phone_number IS NOT NULL),
    FOREIGN KEY (linked_id) REFERENCES contacts(id)
);

CREATE INDEX IF NOT EXISTS idx_phone ON contacts(phone_number);
CREATE INDEX IF NOT EXISTS idx_email ON contacts(email);
CREATE INDEX IF NOT EXISTS idx_linked_id ON contacts(linked_id);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS contacts (
    id BIGSERIAL PRIMARY KEY,
    phone_number TEXT,
    email TEXT,
    linked_id BIGINT REFERENCES contacts(id),
    link_precedence TEXT NOT NULL CHECK (link_precedence IN ('primary', 'secondary')),
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    deleted_at TIMESTAMPTZ,
    CHECK (email IS NOT NULL OR phone_number IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS idx_phone ON contacts(phone_number);
CREATE INDEX IF NOT EXISTS idx_email ON contacts(email);
CREATE INDEX IF NOT EXISTS idx_linked_id ON contacts(linked_id);
`
