package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"contactgraph/internal/models"
)

const (
	keyPrefix     = "contactgraph:view:"
	versionPrefix = "contactgraph:view-version:"
	// versionTTL outlives any lookup that could still hold an older version.
	versionTTL = 24 * time.Hour
)

var errStale = errors.New("view invalidated since read")

// NewClient connects to Redis. It returns nil, nil when url is empty so
// callers can run without a cache.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// ViewCache keeps rendered cluster views in Redis, one key per contact id.
// Each contact also has a version counter that Invalidate bumps; Set only
// writes while the version a reader saw on its miss is still current.
type ViewCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewViewCache creates a view cache whose entries expire after ttl.
func NewViewCache(client redis.UniversalClient, ttl time.Duration) *ViewCache {
	return &ViewCache{client: client, ttl: ttl}
}

// Get returns the cached view, or nil and the contact's current version on a
// miss.
func (c *ViewCache) Get(ctx context.Context, contactID int64) (*models.IdentifyResponse, int64, error) {
	values, err := c.client.MGet(ctx, key(contactID), versionKey(contactID)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("get cached view %d: %w", contactID, err)
	}

	version, err := parseVersion(values[1])
	if err != nil {
		return nil, 0, fmt.Errorf("read view version %d: %w", contactID, err)
	}

	data, ok := values[0].(string)
	if !ok {
		return nil, version, nil
	}
	var view models.IdentifyResponse
	if err := json.Unmarshal([]byte(data), &view); err != nil {
		return nil, 0, fmt.Errorf("decode cached view %d: %w", contactID, err)
	}
	return &view, version, nil
}

// Set stores view unless the contact was invalidated after version was read.
// A lost race is not an error; the view is simply not cached.
func (c *ViewCache) Set(ctx context.Context, contactID int64, version int64, view *models.IdentifyResponse) error {
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("encode view %d: %w", contactID, err)
	}

	vkey := versionKey(contactID)
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, vkey).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		if current != version {
			return errStale
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key(contactID), data, c.ttl)
			return nil
		})
		return err
	}, vkey)
	if errors.Is(err, errStale) || errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("set cached view %d: %w", contactID, err)
	}
	return nil
}

// Invalidate drops the cached views of every given contact and bumps their
// versions.
func (c *ViewCache) Invalidate(ctx context.Context, contactIDs ...int64) error {
	if len(contactIDs) == 0 {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range contactIDs {
			pipe.Del(ctx, key(id))
			pipe.Incr(ctx, versionKey(id))
			pipe.Expire(ctx, versionKey(id), versionTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate cached views: %w", err)
	}
	return nil
}

func parseVersion(v any) (int64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func key(contactID int64) string {
	return keyPrefix + strconv.FormatInt(contactID, 10)
}

func versionKey(contactID int64) string {
	return versionPrefix + strconv.FormatInt(contactID, 10)
}
