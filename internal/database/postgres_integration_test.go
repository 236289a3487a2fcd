//go:build integration

package database

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"contactgraph/internal/config"
	"contactgraph/internal/logger"
)

func startPostgres(t *testing.T, maxRetries int) *DB {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("contacts"),
		postgres.WithUsername("contacts"),
		postgres.WithPassword("contacts"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err, "failed to start postgres container")
	testcontainers.CleanupContainer(t, container)

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := config.Default().Database
	cfg.Driver = config.DriverPostgres
	cfg.URL = url
	cfg.MaxRetries = maxRetries
	db, err := New(cfg, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPostgres_MigrateIsRepeatable(t *testing.T) {
	db := startPostgres(t, 3)
	require.NoError(t, db.Migrate(context.Background()))
	require.NoError(t, db.Ping(context.Background()))
}

func TestPostgres_SerializableCountersDoNotLoseUpdates(t *testing.T) {
	db := startPostgres(t, 10)
	ctx := context.Background()

	_, err := db.Conn.ExecContext(ctx, `CREATE TABLE counters (id INT PRIMARY KEY, n INT NOT NULL)`)
	require.NoError(t, err)
	_, err = db.Conn.ExecContext(ctx, `INSERT INTO counters VALUES (1, 0)`)
	require.NoError(t, err)

	var retries int
	var mu sync.Mutex
	db.OnRetry = func() {
		mu.Lock()
		retries++
		mu.Unlock()
	}

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := db.RunInTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
				var n int
				if err := tx.QueryRowContext(ctx, `SELECT n FROM counters WHERE id = 1`).Scan(&n); err != nil {
					return err
				}
				_, err := tx.ExecContext(ctx, `UPDATE counters SET n = $1 WHERE id = 1`, n+1)
				return err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var n int
	require.NoError(t, db.Conn.QueryRowContext(ctx, `SELECT n FROM counters WHERE id = 1`).Scan(&n))
	assert.Equal(t, workers, n)
	t.Logf("transactions retried: %d", retries)
}

func TestPostgres_LockedTxQueuesWithoutConflicts(t *testing.T) {
	db := startPostgres(t, 0)
	ctx := context.Background()

	_, err := db.Conn.ExecContext(ctx, `CREATE TABLE counters (id INT PRIMARY KEY, n INT NOT NULL)`)
	require.NoError(t, err)
	_, err = db.Conn.ExecContext(ctx, `INSERT INTO counters VALUES (1, 0)`)
	require.NoError(t, err)

	var retries atomic.Int32
	db.OnRetry = func() { retries.Add(1) }

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// no retry budget: a stale snapshot would surface as 40001 here
			err := db.RunLockedTx(ctx, []string{"counter:1"}, func(ctx context.Context, tx *sql.Tx) error {
				var n int
				if err := tx.QueryRowContext(ctx, `SELECT n FROM counters WHERE id = 1`).Scan(&n); err != nil {
					return err
				}
				_, err := tx.ExecContext(ctx, `UPDATE counters SET n = $1 WHERE id = 1`, n+1)
				return err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var n int
	require.NoError(t, db.Conn.QueryRowContext(ctx, `SELECT n FROM counters WHERE id = 1`).Scan(&n))
	assert.Equal(t, workers, n)
	assert.Zero(t, retries.Load())

	var held int
	require.NoError(t, db.Conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pg_locks WHERE locktype = 'advisory'`).Scan(&held))
	assert.Zero(t, held, "locks must be released after every call")
}
