//go:build integration

package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"contactgraph/internal/config"
	"contactgraph/internal/database"
	"contactgraph/internal/logger"
	"contactgraph/internal/models"
	"contactgraph/internal/store"
)

func newPostgresService(t *testing.T) (*ReconciliationService, *database.DB) {
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
	db, err := database.New(cfg, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewReconciliationService(store.NewTxRunner(db, nil), Options{Logger: logger.Discard()}), db
}

func TestPostgres_ConcurrentBridgesConvergeOnOnePrimary(t *testing.T) {
	svc, db := newPostgresService(t)
	ctx := context.Background()

	// four independent clusters
	for i := 0; i < 4; i++ {
		_, err := svc.Identify(ctx, models.IdentifyRequest{
			Email:       ptr(fmt.Sprintf("user%d@x.com", i)),
			PhoneNumber: ptr(fmt.Sprintf("%d00", i)),
		})
		require.NoError(t, err)
	}

	// bridge them pairwise from many goroutines at once
	var wg sync.WaitGroup
	for round := 0; round < 3; round++ {
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := svc.Identify(ctx, models.IdentifyRequest{
					Email:       ptr(fmt.Sprintf("user%d@x.com", i)),
					PhoneNumber: ptr(fmt.Sprintf("%d00", (i+1)%4)),
				})
				assert.NoError(t, err)
			}(i)
		}
	}
	wg.Wait()

	var primaries int
	require.NoError(t, db.Conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM contacts WHERE linked_id IS NULL AND deleted_at IS NULL`).Scan(&primaries))
	assert.Equal(t, 1, primaries)

	var nested int
	require.NoError(t, db.Conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM contacts c
		JOIN contacts p ON c.linked_id = p.id
		WHERE p.linked_id IS NOT NULL`).Scan(&nested))
	assert.Zero(t, nested, "secondaries must link directly to the primary")

	view, err := svc.Lookup(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), view.Contact.PrimaryContactID)
	assert.Len(t, view.Contact.Emails, 4)
	assert.Len(t, view.Contact.PhoneNumbers, 4)
}

func TestPostgres_SameNewEmailCreatesOneContact(t *testing.T) {
	svc, db := newPostgresService(t)
	ctx := context.Background()

	var retries atomic.Int32
	db.OnRetry = func() { retries.Add(1) }

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Identify(ctx, models.IdentifyRequest{Email: ptr("race@x.com")})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	t.Logf("transactions retried: %d", retries.Load())

	var count int
	require.NoError(t, db.Conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM contacts`).Scan(&count))
	assert.Equal(t, 1, count)
}
