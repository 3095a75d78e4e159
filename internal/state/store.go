package state

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradecouncil/council/internal/fault"
)

const (
	defaultKeyPrefix    = "council:state:"
	defaultSyncInterval = 30 * time.Second
	janitorInterval     = time.Minute
)

// Config configures the store
type Config struct {
	// Redis is an optional hot backend shared with sibling processes
	Redis *redis.Client
	// Archive is an optional Postgres backend for durable snapshots
	Archive *Archive
	// KeyPrefix namespaces Redis keys (default "council:state:")
	KeyPrefix string
	// SyncInterval is how often dirty entries flush to the archive
	// (default 30s)
	SyncInterval time.Duration
}

type dirtyKey struct {
	ns Namespace
	id string
}

// Store is the state store. The in-memory tier is authoritative for
// readers; Redis mirrors writes immediately and the archive receives
// dirty entries on a periodic sync. Backend failures are logged, never
// surfaced to callers.
type Store struct {
	mu      sync.RWMutex
	entries map[Namespace]map[string]*Entry
	dirty   map[dirtyKey]struct{}

	redis        *redis.Client
	archive      *Archive
	prefix       string
	syncInterval time.Duration
	logger       zerolog.Logger
	metrics      *storeMetrics
}

// New creates a store
func New(cfg Config) *Store {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}

	entries := make(map[Namespace]map[string]*Entry, len(AllNamespaces()))
	for _, ns := range AllNamespaces() {
		entries[ns] = make(map[string]*Entry)
	}

	return &Store{
		entries:      entries,
		dirty:        make(map[dirtyKey]struct{}),
		redis:        cfg.Redis,
		archive:      cfg.Archive,
		prefix:       cfg.KeyPrefix,
		syncInterval: cfg.SyncInterval,
		logger:       log.With().Str("component", "state").Logger(),
		metrics:      getOrCreateStoreMetrics(),
	}
}

// Save stores the value under (namespace, id). Last writer wins. The
// in-memory tier is updated synchronously so readers never need a
// backend round-trip.
func (s *Store) Save(ctx context.Context, ns Namespace, id string, value any) error {
	if !ns.Valid() {
		return fault.Newf(fault.KindInvalid, "unknown namespace %q", ns)
	}
	if id == "" {
		return fault.New(fault.KindInvalid, "entry id is required")
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fault.Wrap(fault.KindInvalid, "value not serializable", err)
	}

	now := time.Now()
	entry := &Entry{
		Namespace: ns,
		ID:        id,
		Value:     data,
		SavedAt:   now,
		ExpiresAt: now.Add(ns.TTL()),
	}

	s.mu.Lock()
	s.entries[ns][id] = entry
	if s.archive != nil {
		s.dirty[dirtyKey{ns: ns, id: id}] = struct{}{}
	}
	s.mu.Unlock()

	s.metrics.saves.Inc()
	s.writeThrough(ctx, entry)

	return nil
}

// Get loads the value under (namespace, id) into out. Returns false when
// the entry is absent or expired. A nil out only checks existence.
func (s *Store) Get(ctx context.Context, ns Namespace, id string, out any) (bool, error) {
	if !ns.Valid() {
		return false, fault.Newf(fault.KindInvalid, "unknown namespace %q", ns)
	}

	now := time.Now()

	s.mu.RLock()
	entry, ok := s.entries[ns][id]
	s.mu.RUnlock()

	if ok && entry.Expired(now) {
		s.mu.Lock()
		delete(s.entries[ns], id)
		s.mu.Unlock()
		ok = false
	}

	if !ok {
		entry = s.readThrough(ctx, ns, id, now)
		if entry == nil {
			s.metrics.misses.Inc()
			return false, nil
		}
	}

	s.metrics.hits.Inc()
	if out == nil {
		return true, nil
	}
	if err := entry.Decode(out); err != nil {
		return false, fault.Wrap(fault.KindInternal, "stored value not decodable", err)
	}
	return true, nil
}

// Delete removes the entry from every tier
func (s *Store) Delete(ctx context.Context, ns Namespace, id string) error {
	if !ns.Valid() {
		return fault.Newf(fault.KindInvalid, "unknown namespace %q", ns)
	}

	s.mu.Lock()
	delete(s.entries[ns], id)
	delete(s.dirty, dirtyKey{ns: ns, id: id})
	s.mu.Unlock()

	if s.redis != nil {
		if err := s.redis.Del(ctx, s.redisKey(ns, id)).Err(); err != nil {
			s.backendError(err, "Redis delete failed")
		}
	}
	if s.archive != nil {
		if err := s.archive.Delete(ctx, ns, id); err != nil {
			s.backendError(err, "Archive delete failed")
		}
	}
	return nil
}

// Query returns live entries in the namespace matching the filter,
// newest first.
func (s *Store) Query(ctx context.Context, ns Namespace, filter Filter) ([]*Entry, error) {
	if !ns.Valid() {
		return nil, fault.Newf(fault.KindInvalid, "unknown namespace %q", ns)
	}

	now := time.Now()

	s.mu.RLock()
	matched := make([]*Entry, 0, len(s.entries[ns]))
	for _, entry := range s.entries[ns] {
		if entry.Expired(now) {
			continue
		}
		if filter.matches(entry) {
			matched = append(matched, entry)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].SavedAt.After(matched[j].SavedAt)
	})
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Hydrate warms the in-memory tier from Redis after a restart. Entries
// already in memory are kept; hydrated entries are not marked dirty.
func (s *Store) Hydrate(ctx context.Context) (int, error) {
	if s.redis == nil {
		return 0, nil
	}

	loaded := 0
	now := time.Now()

	iter := s.redis.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.redis.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil || !entry.Namespace.Valid() {
			continue
		}
		if entry.Expired(now) {
			continue
		}

		s.mu.Lock()
		if _, exists := s.entries[entry.Namespace][entry.ID]; !exists {
			s.entries[entry.Namespace][entry.ID] = &entry
			loaded++
		}
		s.mu.Unlock()
	}
	if err := iter.Err(); err != nil {
		return loaded, fault.Wrap(fault.KindTransport, "redis scan failed", err)
	}

	s.logger.Info().Int("entries", loaded).Msg("State hydrated from Redis")
	return loaded, nil
}

// Run drives the periodic archive sync and the expiry janitor until the
// context is cancelled. A final flush runs on shutdown.
func (s *Store) Run(ctx context.Context) {
	syncTicker := time.NewTicker(s.syncInterval)
	defer syncTicker.Stop()
	janitor := time.NewTicker(janitorInterval)
	defer janitor.Stop()

	s.logger.Info().
		Dur("sync_interval", s.syncInterval).
		Bool("redis", s.redis != nil).
		Bool("archive", s.archive != nil).
		Msg("State sync loop started")

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.flushDirty(flushCtx)
			cancel()
			s.logger.Info().Msg("State sync loop stopped")
			return
		case <-syncTicker.C:
			s.flushDirty(ctx)
		case <-janitor.C:
			s.sweepExpired(time.Now())
			if s.archive != nil {
				if n, err := s.archive.PruneExpired(ctx, time.Now()); err != nil {
					s.backendError(err, "Archive prune failed")
				} else if n > 0 {
					s.logger.Debug().Int64("rows", n).Msg("Pruned expired archive rows")
				}
			}
		}
	}
}

// Stats returns a snapshot of store occupancy
func (s *Store) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byNamespace := make(map[string]int, len(s.entries))
	total := 0
	for ns, m := range s.entries {
		byNamespace[string(ns)] = len(m)
		total += len(m)
	}

	return map[string]any{
		"entries":      total,
		"by_namespace": byNamespace,
		"dirty":        len(s.dirty),
		"redis":        s.redis != nil,
		"archive":      s.archive != nil,
	}
}

func (s *Store) redisKey(ns Namespace, id string) string {
	return s.prefix + string(ns) + ":" + id
}

// writeThrough mirrors the entry to Redis so sibling processes see it
// without waiting for the archive sync
func (s *Store) writeThrough(ctx context.Context, entry *Entry) {
	if s.redis == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		s.backendError(err, "Entry not serializable for Redis")
		return
	}
	key := s.redisKey(entry.Namespace, entry.ID)
	if err := s.redis.Set(ctx, key, data, time.Until(entry.ExpiresAt)).Err(); err != nil {
		s.backendError(err, "Redis write failed")
	}
}

// readThrough fills a memory miss from Redis
func (s *Store) readThrough(ctx context.Context, ns Namespace, id string, now time.Time) *Entry {
	if s.redis == nil {
		return nil
	}
	data, err := s.redis.Get(ctx, s.redisKey(ns, id)).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.backendError(err, "Redis read failed")
		}
		return nil
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		s.backendError(err, "Redis entry not decodable")
		return nil
	}
	if entry.Expired(now) {
		return nil
	}

	s.mu.Lock()
	s.entries[ns][id] = &entry
	s.mu.Unlock()
	return &entry
}

// flushDirty writes dirty entries to the archive. Failed entries stay
// dirty for the next cycle.
func (s *Store) flushDirty(ctx context.Context) {
	if s.archive == nil {
		return
	}

	s.mu.RLock()
	batch := make([]*Entry, 0, len(s.dirty))
	keys := make([]dirtyKey, 0, len(s.dirty))
	for k := range s.dirty {
		if entry, ok := s.entries[k.ns][k.id]; ok {
			batch = append(batch, entry)
		}
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	if len(keys) == 0 {
		return
	}

	if err := s.archive.SaveBatch(ctx, batch); err != nil {
		s.backendError(err, "Archive flush failed")
		return
	}

	s.mu.Lock()
	for _, k := range keys {
		delete(s.dirty, k)
	}
	s.mu.Unlock()

	s.metrics.flushed.Add(float64(len(batch)))
	s.logger.Debug().Int("entries", len(batch)).Msg("Flushed dirty state to archive")
}

// sweepExpired drops lapsed entries from the memory tier
func (s *Store) sweepExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	swept := 0
	for ns, m := range s.entries {
		for id, entry := range m {
			if entry.Expired(now) {
				delete(m, id)
				delete(s.dirty, dirtyKey{ns: ns, id: id})
				swept++
			}
		}
	}
	if swept > 0 {
		s.metrics.swept.Add(float64(swept))
		s.logger.Debug().Int("entries", swept).Msg("Swept expired state entries")
	}
}

func (s *Store) backendError(err error, msg string) {
	s.metrics.backendErrors.Inc()
	s.logger.Warn().Err(err).Msg(msg)
}

// storeMetrics tracks store activity in Prometheus
type storeMetrics struct {
	saves         prometheus.Counter
	hits          prometheus.Counter
	misses        prometheus.Counter
	flushed       prometheus.Counter
	swept         prometheus.Counter
	backendErrors prometheus.Counter
}

var (
	storeMetricsInstance *storeMetrics
	storeMetricsOnce     sync.Once
)

func getOrCreateStoreMetrics() *storeMetrics {
	storeMetricsOnce.Do(func() {
		storeMetricsInstance = &storeMetrics{
			saves: promauto.NewCounter(prometheus.CounterOpts{
				Name: "council_state_saves_total",
				Help: "Entries written to the state store",
			}),
			hits: promauto.NewCounter(prometheus.CounterOpts{
				Name: "council_state_hits_total",
				Help: "Reads satisfied by the store",
			}),
			misses: promauto.NewCounter(prometheus.CounterOpts{
				Name: "council_state_misses_total",
				Help: "Reads that found no live entry",
			}),
			flushed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "council_state_flushed_total",
				Help: "Dirty entries flushed to the archive",
			}),
			swept: promauto.NewCounter(prometheus.CounterOpts{
				Name: "council_state_swept_total",
				Help: "Expired entries removed by the janitor",
			}),
			backendErrors: promauto.NewCounter(prometheus.CounterOpts{
				Name: "council_state_backend_errors_total",
				Help: "Redis or archive operations that failed",
			}),
		}
	})
	return storeMetricsInstance
}
