// Package lock provides a Redis-backed lock that keeps two ingestion runs
// from writing the same artifact concurrently. A held lock's TTL is renewed
// in the background until Release.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/lsoa-ingest/internal/redis"
)

// Compile-time interface compliance check.
var _ Locker = (*locker)(nil)

// ErrLocked is returned by Acquire when another run holds the lock.
var ErrLocked = errors.New("lock held by another run")

// Locker guards a single ingestion run.
type Locker interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

type locker struct {
	log         logrus.FieldLogger
	cfg         Config
	redis       redis.Client
	id          string // Unique holder ID for this process
	held        bool
	stopRenewal context.CancelFunc
	wg          sync.WaitGroup
	mu          sync.Mutex
}

// NewLocker creates a new Redis lock.
func NewLocker(log logrus.FieldLogger, cfg Config, redisClient redis.Client) Locker {
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = cfg.TTL / 3
	}

	return &locker{
		log:   log.WithField("component", "lock"),
		cfg:   cfg,
		redis: redisClient,
		id:    uuid.New().String(),
	}
}

// Acquire takes the lock or returns ErrLocked.
func (l *locker) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return nil
	}

	acquired, err := l.redis.SetNX(ctx, l.cfg.Key, l.id, l.cfg.TTL)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}

	if !acquired {
		// Get current holder for logging
		holder, _ := l.redis.Get(ctx, l.cfg.Key)

		l.log.WithFields(logrus.Fields{
			"instance_id": l.id,
			"holder_id":   holder,
		}).Warn("Ingestion lock is held by another run")

		return fmt.Errorf("%w: %s", ErrLocked, l.cfg.Key)
	}

	l.held = true
	l.log.WithFields(logrus.Fields{
		"instance_id":    l.id,
		"key":            l.cfg.Key,
		"ttl":            l.cfg.TTL,
		"renew_interval": l.cfg.RenewInterval,
	}).Debug("Acquired ingestion lock")

	renewCtx, cancel := context.WithCancel(context.Background())
	l.stopRenewal = cancel

	l.wg.Add(1)

	go l.renewLoop(renewCtx)

	return nil
}

// renewLoop resets the lock's TTL every RenewInterval until ctx is
// cancelled or the lock is found to belong to someone else.
func (l *locker) renewLoop(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !l.renew(ctx) {
				return
			}
		}
	}
}

// renew reports whether renewal should continue.
func (l *locker) renew(ctx context.Context) bool {
	renewed, err := l.redis.CompareAndExpire(ctx, l.cfg.Key, l.id, l.cfg.TTL)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}

		// Transient; the next tick tries again while the TTL lasts.
		l.log.WithError(err).Warn("Failed to renew ingestion lock")

		return true
	}

	if !renewed {
		l.log.WithField("key", l.cfg.Key).Error("Ingestion lock expired or was taken over, stopped renewing")

		return false
	}

	l.log.Debug("Renewed ingestion lock")

	return true
}

// Release drops the lock if this process still holds it.
func (l *locker) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return nil
	}

	l.held = false

	if l.stopRenewal != nil {
		l.stopRenewal()
		l.stopRenewal = nil
	}

	l.wg.Wait()

	deleted, err := l.redis.CompareAndDelete(ctx, l.cfg.Key, l.id)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}

	if !deleted {
		l.log.Warn("Ingestion lock expired or was taken over before release")
	}

	return nil
}
