// Package redis wraps go-redis with the few operations the ingester needs:
// manifest blobs and the run lock. Every key is namespaced with the
// configured prefix.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Compile-time interface compliance check.
var _ Client = (*client)(nil)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// ErrNotStarted is returned by every operation before Start.
var ErrNotStarted = errors.New("redis client not started")

// compareAndDelete deletes KEYS[1] only while it still holds ARGV[1].
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// compareAndExpire resets the TTL of KEYS[1] to ARGV[2] milliseconds only
// while it still holds ARGV[1].
var compareAndExpire = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Client provides the Redis operations used for manifests and the run lock.
type Client interface {
	Start(ctx context.Context) error
	Stop() error
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key; a zero ttl never expires.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	// SetNX stores value only when key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	// Del removes key. A missing key is not an error.
	Del(ctx context.Context, key string) error
	// CompareAndDelete deletes key if its value equals value and reports
	// whether it did.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	// CompareAndExpire resets the TTL of key if its value equals value and
	// reports whether it did.
	CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

type client struct {
	log logrus.FieldLogger
	cfg Config
	rdb *redis.Client
}

// NewClient creates a new Redis client. No connection is made until Start.
func NewClient(log logrus.FieldLogger, cfg Config) Client {
	return &client{
		log: log.WithField("component", "redis"),
		cfg: cfg,
	}
}

// Start opens the connection pool and pings the server.
func (c *client) Start(ctx context.Context) error {
	log := c.log.WithFields(logrus.Fields{
		"address":    c.cfg.Address,
		"db":         c.cfg.DB,
		"key_prefix": c.cfg.KeyPrefix,
	})

	c.rdb = redis.NewClient(&redis.Options{
		Addr:         c.cfg.Address,
		Password:     c.cfg.Password,
		DB:           c.cfg.DB,
		DialTimeout:  c.cfg.DialTimeout,
		ReadTimeout:  c.cfg.ReadTimeout,
		WriteTimeout: c.cfg.WriteTimeout,
		PoolSize:     c.cfg.PoolSize,
	})

	if err := c.rdb.Ping(ctx).Err(); err != nil {
		c.rdb.Close() //nolint:errcheck // already failing.
		c.rdb = nil

		return fmt.Errorf("failed to connect to Redis at %s: %w", c.cfg.Address, err)
	}

	log.Info("Connected to Redis")

	return nil
}

// Stop closes the connection pool.
func (c *client) Stop() error {
	if c.rdb == nil {
		return nil
	}

	c.log.Debug("Closing Redis connection pool")

	err := c.rdb.Close()
	c.rdb = nil

	return err
}

func (c *client) key(key string) string {
	return c.cfg.KeyPrefix + key
}

func (c *client) Get(ctx context.Context, key string) (string, error) {
	if c.rdb == nil {
		return "", ErrNotStarted
	}

	val, err := c.rdb.Get(ctx, c.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, c.key(key))
	}

	return val, err
}

func (c *client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if c.rdb == nil {
		return ErrNotStarted
	}

	return c.rdb.Set(ctx, c.key(key), value, ttl).Err()
}

func (c *client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if c.rdb == nil {
		return false, ErrNotStarted
	}

	return c.rdb.SetNX(ctx, c.key(key), value, ttl).Result()
}

func (c *client) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	if c.rdb == nil {
		return false, ErrNotStarted
	}

	n, err := compareAndDelete.Run(ctx, c.rdb, []string{c.key(key)}, value).Int64()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

func (c *client) Del(ctx context.Context, key string) error {
	if c.rdb == nil {
		return ErrNotStarted
	}

	return c.rdb.Del(ctx, c.key(key)).Err()
}

func (c *client) CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if c.rdb == nil {
		return false, ErrNotStarted
	}

	n, err := compareAndExpire.Run(ctx, c.rdb, []string{c.key(key)}, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}
