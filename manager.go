// Copyright 2025 PulseCache Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pulsecache memoizes expensive, rate-limited, or slow operations
// behind a uniform fetch(key, ttl, operation) contract: a bounded memory
// tier in front of a durable SQLite tier, with per-key coalescing of
// concurrent fetches and a schema-version protocol that wipes stale
// persisted data on upgrade.
//
// Cache failures never propagate: every internal problem (corruption,
// version drift, encoding trouble) degrades to a cache miss. Only the
// caller's own operation errors, and type-tag mismatches, reach callers.
package pulsecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"pulsecache/internal/common"
	"pulsecache/internal/flight"
	"pulsecache/internal/memcache"
	"pulsecache/internal/storage"
)

// nominalEntryCost is charged against the memory budget for entries whose
// encoded size is unknowable (their value failed to encode).
const nominalEntryCost = 512

// Manager is the cache façade. Construct one with New and share it;
// all methods are safe for concurrent use.
type Manager struct {
	cfg     Config
	mem     *memcache.Store
	disk    *storage.DiskStore
	aggs    *storage.AggregateStore
	flights *flight.Group
	stats   counters
	persist map[string]struct{} // nil means every namespace persists

	mu     sync.Mutex
	closed bool
}

// New builds a Manager from cfg. Construction is explicit; there is no
// process-wide instance.
//
// The persistent tiers are best-effort: a store that cannot be opened
// even after corruption recovery is logged and skipped, and the Manager
// runs without it. A broken cache makes the application slower, never
// broken.
func New(cfg Config) *Manager {
	cfg.ApplyDefaults()
	if cfg.AppBusyTimeout > 0 || cfg.CLIBusyTimeout > 0 {
		storage.SetConfigBusyTimeouts(cfg.AppBusyTimeout, cfg.CLIBusyTimeout)
	}

	m := &Manager{
		cfg:     cfg,
		mem:     memcache.New(cfg.MemoryMaxEntries, cfg.MemoryMaxCost),
		flights: flight.New(),
	}
	if len(cfg.PersistNamespaces) > 0 {
		m.persist = make(map[string]struct{}, len(cfg.PersistNamespaces))
		for _, ns := range cfg.PersistNamespaces {
			m.persist[ns] = struct{}{}
		}
	}

	diskMax := cfg.DiskMaxBytes
	if diskMax < 0 {
		diskMax = 0
	}
	retention := cfg.RetentionWindow
	if retention < 0 {
		retention = 0
	}

	disk, err := storage.OpenDiskStoreWithContext(common.CacheDBPath(cfg.Dir), diskMax, retention, storage.DBContextApp)
	if err != nil {
		log.Errorf("[Manager] Disk store unavailable, running memory-only: %v", err)
	} else {
		m.disk = disk
		if cfg.SweepInterval > 0 {
			disk.StartJanitor(cfg.SweepInterval)
		}
	}

	aggs, err := storage.OpenAggregateStoreWithContext(common.AggregateDBPath(cfg.Dir), storage.DBContextApp)
	if err != nil {
		log.Warnf("[Manager] Aggregate store unavailable: %v", err)
	} else {
		m.aggs = aggs
	}

	ctx := context.Background()
	m.verifyMarkers(ctx)
	m.warm(ctx)
	return m
}

// verifyMarkers re-reads every open store's version marker after
// bootstrap. A mismatch here means the bootstrap protocol itself
// misbehaved; the storage layer logs it loudly.
func (m *Manager) verifyMarkers(ctx context.Context) {
	if m.disk != nil {
		if _, _, err := m.disk.Verify(ctx); err != nil {
			log.Warnf("[Manager] Envelope marker verification failed: %v", err)
		}
	}
	if m.aggs != nil {
		if _, _, err := m.aggs.Verify(ctx); err != nil {
			log.Warnf("[Manager] Aggregate marker verification failed: %v", err)
		}
	}
}

// warm promotes the newest surviving envelopes into memory, inserted
// oldest first so the LRU ends up favoring the newest. Payloads stay
// undecoded until the first typed read supplies the target type.
func (m *Manager) warm(ctx context.Context) {
	if m.disk == nil || m.cfg.WarmEntries <= 0 {
		return
	}
	envs, err := m.disk.Recent(ctx, m.cfg.WarmEntries)
	if err != nil {
		log.Warnf("[Manager] Cache warm-up scan failed: %v", err)
		return
	}
	for i := len(envs) - 1; i >= 0; i-- {
		env := envs[i]
		m.mem.Set(env.Key, &memcache.Entry{
			Body:     env.Payload,
			Tag:      env.Tag,
			CachedAt: env.CachedAt,
			Cost:     int(env.Cost()),
		})
	}
	if len(envs) > 0 {
		log.Debugf("[Manager] Warmed %d envelopes into memory", len(envs))
	}
}

// Fetch returns the value cached under key, running op to fill the cache
// when nothing fresh is stored. ttl gates serving only (ttl <= 0 uses
// Config.DefaultTTL); how long entries are kept is the retention window's
// business. Concurrent fetches for the same key share one op invocation
// and all receive its result. op errors propagate unchanged to every
// waiter; nothing is cached on failure.
//
// Fetch is a function rather than a method because methods cannot
// introduce type parameters.
func Fetch[T any](ctx context.Context, m *Manager, key string, ttl time.Duration, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ValidateKey(key); err != nil {
		return zero, err
	}
	if m.isClosed() {
		return zero, ErrClosed
	}
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}
	tag := typeTag[T]()

	// Fast path: a fresh memory entry answers without coordination or I/O.
	if e, ok := m.mem.Get(key); ok && fresh(e.CachedAt, ttl) {
		v, err := entryValue[T](m, key, e, tag)
		switch {
		case err == nil:
			m.stats.hits.Add(1)
			return v, nil
		case errors.Is(err, ErrTypeMismatch):
			return zero, err
		default:
			// A warmed payload that no longer decodes reads as a miss.
			log.Warnf("[Manager] Failed to decode warmed entry %q, discarding: %v", key, err)
			m.mem.Remove(key)
		}
	}

	res, shared, err := m.flights.Do(ctx, key, func(opCtx context.Context) (any, error) {
		return m.fill(opCtx, key, ttl, tag,
			func(c context.Context) (any, error) { return op(c) },
			func(data []byte) (any, error) { return decodeValue[T](data) })
	})
	if shared {
		m.stats.deduped.Add(1)
	}
	if err != nil {
		return zero, err
	}
	v, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("%w: key %q in flight as %T, requested %s", ErrTypeMismatch, key, res, tag)
	}
	return v, nil
}

// fill runs inside the coalesced flight: re-check memory (another flight
// may have landed between the caller's miss and this call), then disk,
// and only then run the operation. The decode hook carries the caller's
// concrete type across the type-erased flight boundary.
func (m *Manager) fill(ctx context.Context, key string, ttl time.Duration, tag string,
	run func(context.Context) (any, error),
	decode func([]byte) (any, error)) (any, error) {

	if e, ok := m.mem.Get(key); ok && fresh(e.CachedAt, ttl) && e.Decoded() {
		if e.Tag != tag {
			return nil, fmt.Errorf("%w: key %q holds %s, requested %s", ErrTypeMismatch, key, e.Tag, tag)
		}
		m.stats.hits.Add(1)
		return e.Value, nil
	}

	if env := m.diskLoad(ctx, key); env != nil && fresh(env.CachedAt, ttl) {
		if env.Tag != tag {
			return nil, fmt.Errorf("%w: key %q holds %s, requested %s", ErrTypeMismatch, key, env.Tag, tag)
		}
		v, err := decode(env.Payload)
		if err == nil {
			m.mem.Set(key, &memcache.Entry{Value: v, Tag: env.Tag, CachedAt: env.CachedAt, Cost: int(env.Cost())})
			m.stats.hits.Add(1)
			return v, nil
		}
		// An undecodable envelope reads as a miss; drop the row so it
		// cannot fail again.
		log.Warnf("[Manager] Failed to decode envelope %q, discarding: %v", key, err)
		m.diskRemove(ctx, key)
	}

	m.stats.misses.Add(1)
	v, err := run(ctx)
	if err != nil {
		return nil, err
	}
	m.save(ctx, key, v, tag, time.Now())
	return v, nil
}

// save writes through to memory and, for persistable namespaces, disk.
// An encoding failure degrades to memory-only caching: durability is
// lost, correctness is not.
func (m *Manager) save(ctx context.Context, key string, v any, tag string, at time.Time) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Warnf("[Manager] Failed to encode %q, caching in memory only: %v", key, err)
		m.mem.Set(key, &memcache.Entry{Value: v, Tag: tag, CachedAt: at, Cost: nominalEntryCost + len(key)})
		return
	}

	m.mem.Set(key, &memcache.Entry{Value: v, Tag: tag, CachedAt: at, Cost: len(payload) + len(key)})

	if m.disk == nil || !m.persistable(key) {
		return
	}
	env := &storage.Envelope{Key: key, Tag: tag, Payload: payload, CachedAt: at}
	if err := m.disk.Save(ctx, env); err != nil {
		if errors.Is(err, common.ErrStaleWrite) {
			log.Debugf("[Manager] Skipping stale disk write for %q", key)
		} else {
			log.Warnf("[Manager] Failed to persist %q: %v", key, err)
		}
	}
}

func (m *Manager) diskLoad(ctx context.Context, key string) *storage.Envelope {
	if m.disk == nil || !m.persistable(key) {
		return nil
	}
	env, err := m.disk.Load(ctx, key)
	if err != nil {
		if !errors.Is(err, common.ErrNotFound) {
			log.Debugf("[Manager] Disk read for %q failed: %v", key, err)
		}
		return nil
	}
	return env
}

func (m *Manager) diskRemove(ctx context.Context, key string) {
	if m.disk == nil {
		return
	}
	if _, err := m.disk.Remove(ctx, key); err != nil {
		log.Debugf("[Manager] Failed to remove %q from disk: %v", key, err)
	}
}

// Invalidate removes key from memory and disk. Idempotent: invalidating
// an absent key succeeds. An operation already in flight for key is not
// interrupted; its result will be stored when it completes.
func (m *Manager) Invalidate(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if m.isClosed() {
		return ErrClosed
	}
	m.mem.Remove(key)
	if m.disk != nil {
		if _, err := m.disk.Remove(ctx, key); err != nil {
			return fmt.Errorf("invalidate %q: %w", key, err)
		}
	}
	return nil
}

// IsValid reports whether a fresh entry for key sits in memory. It is
// side-effect free: no LRU touch, no disk read, no fill.
func (m *Manager) IsValid(key string, ttl time.Duration) bool {
	if m.isClosed() {
		return false
	}
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}
	e, ok := m.mem.Peek(key)
	return ok && fresh(e.CachedAt, ttl)
}

// ClearAll empties the memory store, the disk store, and the aggregate
// store, recording manual purge events in the audit trails.
func (m *Manager) ClearAll(ctx context.Context) error {
	if m.isClosed() {
		return ErrClosed
	}
	m.mem.Purge()

	g, gctx := errgroup.WithContext(ctx)
	if m.disk != nil {
		g.Go(func() error {
			_, err := m.disk.Clear(gctx, storage.PurgeReasonManual)
			return err
		})
	}
	if m.aggs != nil {
		g.Go(func() error {
			_, err := m.aggs.Clear(gctx, storage.PurgeReasonManual)
			return err
		})
	}
	return g.Wait()
}

// Statistics returns a snapshot of cache activity.
func (m *Manager) Statistics() Stats {
	hits, misses, deduped := m.stats.snapshot()
	s := Stats{
		HitCount:         hits,
		MissCount:        misses,
		DedupedCount:     deduped,
		MemoryEntryCount: m.mem.Len(),
	}
	if m.disk != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n, err := m.disk.Count(ctx)
		if err != nil {
			log.Debugf("[Manager] Failed to count disk entries: %v", err)
		} else {
			s.DiskEntryCount = n
		}
	}
	return s
}

// Aggregates exposes the secondary persistence layer for per-day metric
// summaries. Returns nil when the aggregate store could not be opened.
func (m *Manager) Aggregates() *storage.AggregateStore {
	return m.aggs
}

// Close stops the janitor and closes both stores. Subsequent calls, and
// any method called after Close, return ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.closed = true
	m.mu.Unlock()

	m.mem.Purge()
	var errs []error
	if m.disk != nil {
		errs = append(errs, m.disk.Close())
	}
	if m.aggs != nil {
		errs = append(errs, m.aggs.Close())
	}
	return errors.Join(errs...)
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) persistable(key string) bool {
	if m.persist == nil {
		return true
	}
	_, ok := m.persist[Namespace(key)]
	return ok
}

func fresh(cachedAt time.Time, ttl time.Duration) bool {
	return time.Since(cachedAt) < ttl
}
