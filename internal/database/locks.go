package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"hash/fnv"
	"sort"
	"time"

	"github.com/pkg/errors"
)

const releaseTimeout = 5 * time.Second

// LockKey maps an identity key onto the bigint space used by Postgres advisory
// locks.
func LockKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

// lockOrder hashes keys and returns the distinct lock ids in ascending order.
// Every caller takes its locks in this order, so two overlapping lock sets
// cannot deadlock.
func lockOrder(keys []string) []int64 {
	seen := make(map[int64]bool, len(keys))
	ids := make([]int64, 0, len(keys))
	for _, key := range keys {
		id := LockKey(key)
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// acquireLocks pins a pooled connection and takes session-level advisory locks
// on it. The caller must pass the connection to releaseLocks.
func (db *DB) acquireLocks(ctx context.Context, keys []string) (*sql.Conn, error) {
	conn, err := db.Conn.Conn(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "pin connection for identity locks")
	}

	for _, id := range lockOrder(keys) {
		if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, id); err != nil {
			// closing the session drops whatever was already granted
			discardConn(conn)
			return nil, errors.Wrapf(err, "acquire identity lock %d", id)
		}
	}
	return conn, nil
}

// releaseLocks drops every session lock and returns the connection to the
// pool. A connection that cannot be unlocked is closed instead so the locks
// die with the session.
func (db *DB) releaseLocks(conn *sql.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock_all()`); err != nil {
		db.log.WithError(err).Warn("failed to release identity locks, dropping connection")
		discardConn(conn)
		return
	}
	_ = conn.Close()
}

func discardConn(conn *sql.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = conn.Close()
}
