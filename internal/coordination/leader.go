// Package coordination keeps a single master in charge of the accountant.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ErlanBelekov/media-harvester/internal/metrics"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL           = 30 * time.Second
	DefaultRetryInterval = 5 * time.Second
	renewalDivisor       = 3
)

var ErrNotHeld = errors.New("leader lock not held")

var (
	renewScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
)

type LeaderConfig struct {
	Key           string
	TTL           time.Duration
	RetryInterval time.Duration // between acquisition attempts
}

// LeaderLock is a Redis key holding the id of the current master. Whoever
// set it owns the accountant until the key expires or is released.
type LeaderLock struct {
	client *redis.Client
	cfg    LeaderConfig
	id     string
	logger *slog.Logger

	mu   sync.Mutex
	held bool
}

func NewLeaderLock(client *redis.Client, cfg LeaderConfig, logger *slog.Logger) (*LeaderLock, error) {
	if cfg.Key == "" {
		return nil, errors.New("leader key is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	id := uuid.NewString()
	return &LeaderLock{
		client: client,
		cfg:    cfg,
		id:     id,
		logger: logger.With("component", "leader", "leader_id", id),
	}, nil
}

func (l *LeaderLock) ID() string { return l.id }

// Acquire blocks until the lock is taken or ctx is done.
func (l *LeaderLock) Acquire(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, l.cfg.Key, l.id, l.cfg.TTL).Result()
		switch {
		case err != nil && ctx.Err() == nil:
			l.logger.Error("acquire leadership", "error", err)
		case ok:
			l.setHeld(true)
			l.logger.Info("acquired leadership")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Keep renews the lock every TTL/3. The returned channel is closed once
// leadership is lost or ctx is done.
func (l *LeaderLock) Keep(ctx context.Context) <-chan struct{} {
	lost := make(chan struct{})
	go func() {
		defer close(lost)
		ticker := time.NewTicker(l.cfg.TTL / renewalDivisor)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.renew(ctx); err != nil {
					if ctx.Err() != nil {
						return
					}
					l.logger.Error("lost leadership", "error", err)
					l.setHeld(false)
					return
				}
			}
		}
	}()
	return lost
}

func (l *LeaderLock) renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.client, []string{l.cfg.Key}, l.id, l.cfg.TTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("renew: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Release deletes the key if this instance still owns it.
func (l *LeaderLock) Release(ctx context.Context) error {
	defer l.setHeld(false)
	if _, err := releaseScript.Run(ctx, l.client, []string{l.cfg.Key}, l.id).Int(); err != nil {
		return fmt.Errorf("release leadership: %w", err)
	}
	l.logger.Info("released leadership")
	return nil
}

func (l *LeaderLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func (l *LeaderLock) setHeld(v bool) {
	l.mu.Lock()
	l.held = v
	l.mu.Unlock()
	if v {
		metrics.IsLeader.Set(1)
	} else {
		metrics.IsLeader.Set(0)
	}
}
