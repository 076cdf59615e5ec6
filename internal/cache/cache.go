// SPDX-License-Identifier: AGPL-3.0-or-later

/*
buildforge is a Go service that drives AI-generated application specs through
a multi-stage build pipeline, routing model calls across providers with cost
control and live progress streaming.

Copyright (C) 2026  buildforge contributors

This program is free software licensed under the terms of the GNU AGPL v3 or later.
See https://www.gnu.org/licenses/ for license details.
*/

// Package cache implements the content-addressed Response Cache (spec.md
// §4.C). Redis is the durable, TTL-bearing store; an in-process LRU index
// tracks recency so eviction on Store never needs a Redis round trip, and a
// singleflight group collapses concurrent identical misses so only one
// caller ever pays for the upstream work.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"buildforge/pkg/logging"
)

// ErrMiss is returned by Lookup when no live entry exists for a key.
var ErrMiss = errors.New("cache: miss")

// Entry is one cached response: the raw provider response body plus enough
// metadata for the Model Router to reconstruct a cached-call outcome.
type Entry struct {
	Provider string        `json:"provider"`
	Model    string        `json:"model"`
	Body     []byte        `json:"body"`
	StoredAt time.Time     `json:"storedAt"`
	TTL      time.Duration `json:"ttl"`
}

// RequestKeyInput is the canonical shape hashed to produce a cache key: the
// provider, model, a coarse temperature bucket, and the ordered message
// list. Two semantically identical requests must hash identically
// regardless of map key ordering elsewhere in the caller, so this struct's
// field order is the canonicalization.
type RequestKeyInput struct {
	Provider          string   `json:"provider"`
	Model             string   `json:"model"`
	TemperatureBucket int      `json:"temperatureBucket"`
	Messages          []string `json:"messages"`
}

// Key computes the cache key as a SHA-256 hash over the canonical JSON
// encoding of in.
func Key(in RequestKeyInput) (string, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("cache: encoding key input: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Config configures the cache's capacity and sweep cadence.
type Config struct {
	// MaxEntries bounds the in-process LRU recency index. When exceeded on
	// Store, the least-recently-used key is evicted from both the index
	// and Redis.
	MaxEntries int
	// SweepSchedule is a cron expression for the periodic scan that drops
	// entries Redis's own TTL already expired from the in-process index
	// (Redis enforces the TTL itself; the sweep only reconciles the local
	// recency structure so it doesn't grow unbounded with dead keys).
	SweepSchedule string
}

// DefaultConfig returns a 10,000-entry LRU with a sweep every five minutes.
func DefaultConfig() Config {
	return Config{MaxEntries: 10_000, SweepSchedule: "*/5 * * * *"}
}

type lruItem struct {
	key       string
	expiresAt time.Time
}

// Cache is the Response Cache. The zero value is not usable; construct with
// New.
type Cache struct {
	rdb   *redis.Client
	cfg   Config
	log   logging.Logger
	group singleflight.Group
	sched *cron.Cron

	mu    sync.Mutex
	lru   *list.List
	index map[string]*list.Element
}

// New wires a Cache around an existing Redis client. Callers own the
// client's lifecycle (Close it themselves).
func New(rdb *redis.Client, cfg Config, log logging.Logger) *Cache {
	if log == nil {
		log = logging.NewNopLogger()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	c := &Cache{
		rdb:   rdb,
		cfg:   cfg,
		log:   log,
		lru:   list.New(),
		index: make(map[string]*list.Element),
	}
	return c
}

// StartSweep registers and starts the periodic recency-reconciliation sweep.
// Callers should call the returned stop function on shutdown.
func (c *Cache) StartSweep() (stop func(), err error) {
	if c.cfg.SweepSchedule == "" {
		return func() {}, nil
	}
	sched := cron.New()
	_, err = sched.AddFunc(c.cfg.SweepSchedule, c.sweep)
	if err != nil {
		return nil, fmt.Errorf("cache: scheduling sweep: %w", err)
	}
	sched.Start()
	c.sched = sched
	return func() { sched.Stop() }, nil
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for key, el := range c.index {
		item := el.Value.(*lruItem)
		if now.After(item.expiresAt) {
			c.lru.Remove(el)
			delete(c.index, key)
		}
	}
	c.log.Debug("cache sweep complete", logging.NewField("liveEntries", len(c.index)))
}

func (c *Cache) touch(key string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		c.lru.MoveToFront(el)
		el.Value.(*lruItem).expiresAt = time.Now().Add(ttl)
		return
	}

	el := c.lru.PushFront(&lruItem{key: key, expiresAt: time.Now().Add(ttl)})
	c.index[key] = el

	for c.lru.Len() > c.cfg.MaxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		evictKey := oldest.Value.(*lruItem).key
		c.lru.Remove(oldest)
		delete(c.index, evictKey)
		if err := c.rdb.Del(context.Background(), redisKey(evictKey)).Err(); err != nil {
			c.log.Warn("cache eviction delete failed", logging.NewField("key", evictKey), logging.NewField("error", err.Error()))
		}
	}
}

func redisKey(key string) string { return "buildforge:cache:" + key }

// Lookup returns the live entry for key, or ErrMiss if absent or expired.
func (c *Cache) Lookup(ctx context.Context, key string) (Entry, error) {
	raw, err := c.rdb.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrMiss
	}
	if err != nil {
		return Entry{}, fmt.Errorf("cache: lookup %s: %w", key, err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, fmt.Errorf("cache: decoding entry %s: %w", key, err)
	}

	c.touch(key, entry.TTL)
	return entry, nil
}

// Store writes entry under key with the given TTL.
func (c *Cache) Store(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	entry.StoredAt = time.Now()
	entry.TTL = ttl

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: encoding entry %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, redisKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("cache: storing %s: %w", key, err)
	}

	c.touch(key, ttl)
	return nil
}

// Invalidate removes a single key from both Redis and the recency index.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	c.mu.Lock()
	if el, ok := c.index[key]; ok {
		c.lru.Remove(el)
		delete(c.index, key)
	}
	c.mu.Unlock()

	if err := c.rdb.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("cache: invalidating %s: %w", key, err)
	}
	return nil
}

// InvalidateMatching removes every currently tracked key for which
// predicate returns true. Only keys present in the in-process index are
// considered, which covers every key this process has looked up or stored
// since the last restart.
func (c *Cache) InvalidateMatching(ctx context.Context, predicate func(key string) bool) (int, error) {
	c.mu.Lock()
	var toRemove []string
	for key := range c.index {
		if predicate(key) {
			toRemove = append(toRemove, key)
		}
	}
	for _, key := range toRemove {
		if el, ok := c.index[key]; ok {
			c.lru.Remove(el)
			delete(c.index, key)
		}
	}
	c.mu.Unlock()

	for _, key := range toRemove {
		if err := c.rdb.Del(ctx, redisKey(key)).Err(); err != nil {
			return 0, fmt.Errorf("cache: invalidating %s: %w", key, err)
		}
	}
	return len(toRemove), nil
}

// GetOrCompute looks up key; on a miss it calls compute exactly once even
// under concurrent callers sharing the same key, storing and returning the
// freshly computed entry. Streaming calls must not use this path (spec.md
// §4.C excludes them from caching entirely).
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) (Entry, error)) (Entry, bool, error) {
	if entry, err := c.Lookup(ctx, key); err == nil {
		return entry, true, nil
	} else if !errors.Is(err, ErrMiss) {
		return Entry{}, false, err
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		entry, err := compute(ctx)
		if err != nil {
			return Entry{}, err
		}
		if storeErr := c.Store(ctx, key, entry, ttl); storeErr != nil {
			return Entry{}, storeErr
		}
		return entry, nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	return v.(Entry), false, nil
}
