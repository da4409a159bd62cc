// Package cache is the in-process data-freshness layer: a bounded TTL store
// with approximate LRU eviction, deterministic key building, read-through
// fetching with request coalescing, and event-driven invalidation.
package cache

import (
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultMaxSize       = 100
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = 5 * time.Minute

	// entries hit since insertion and younger than this survive a sweep
	sweepGrace = time.Second
)

type entry struct {
	data      any
	timestamp time.Time
	ttl       time.Duration
	hits      int64
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.timestamp) > e.ttl
}

// Stats is a point-in-time snapshot of the store.
type Stats struct {
	Size    int     `json:"size"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
	// AvgAge is the mean entry age in milliseconds.
	AvgAge  int64   `json:"avg_age_ms"`
}

type Option func(*Store)

func WithMaxSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxSize = n
		}
	}
}

func WithDefaultTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.defaultTTL = d
		}
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// Store is a bounded key/value cache with per-entry expiry. It is safe for
// concurrent use and never returns errors.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	hits    int64
	misses  int64

	maxSize       int
	defaultTTL    time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	log           *zap.Logger

	flight singleflight.Group

	lifecycle sync.Mutex
	stop      chan struct{}
	done      chan struct{}
}

func New(opts ...Option) *Store {
	s := &Store{
		entries:       make(map[string]*entry),
		maxSize:       DefaultMaxSize,
		defaultTTL:    DefaultTTL,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		log:           zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the value stored under key. Expired entries are removed and
// reported as a miss.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		s.misses++
		return nil, false
	}
	if e.expired(s.now()) {
		delete(s.entries, key)
		s.misses++
		return nil, false
	}
	e.hits++
	s.hits++
	return e.data, true
}

// Set stores value under key. A non-positive ttl selects the default.
func (s *Store) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if _, exists := s.entries[key]; !exists && len(s.entries) >= s.maxSize {
		s.evictLocked(now)
	}
	s.entries[key] = &entry{data: value, timestamp: now, ttl: ttl}
}

func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok
}

// Invalidate removes every key containing pattern. An empty pattern clears
// the store. It returns the number of removed entries.
func (s *Store) Invalidate(pattern string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pattern == "" {
		n := len(s.entries)
		s.entries = make(map[string]*entry)
		return n
	}

	n := 0
	for k := range s.entries {
		if strings.Contains(k, pattern) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// Cleanup sweeps expired entries and returns how many were removed.
func (s *Store) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for k, e := range s.entries {
		if !e.expired(now) {
			continue
		}
		if e.hits > 0 && now.Sub(e.timestamp) < sweepGrace {
			continue
		}
		delete(s.entries, k)
		n++
	}
	return n
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Size: len(s.entries), Hits: s.hits, Misses: s.misses}
	if total := s.hits + s.misses; total > 0 {
		st.HitRate = math.Round(float64(s.hits)/float64(total)*100*100) / 100
	}
	if len(s.entries) > 0 {
		now := s.now()
		var sum time.Duration
		for _, e := range s.entries {
			sum += now.Sub(e.timestamp)
		}
		st.AvgAge = (sum / time.Duration(len(s.entries))).Milliseconds()
	}
	return st
}

// evictLocked drops the entry with the lowest hits + age-in-seconds score.
func (s *Store) evictLocked(now time.Time) {
	var (
		victim string
		best   = math.Inf(1)
		found  bool
	)
	for k, e := range s.entries {
		score := float64(e.hits) + now.Sub(e.timestamp).Seconds()
		if !found || score < best {
			victim, best, found = k, score, true
		}
	}
	if found {
		delete(s.entries, victim)
		s.log.Debug("cache evicted entry", zap.String("key", victim), zap.Float64("score", best))
	}
}

// Start launches the periodic sweeper. Calling Start on a running store is a
// no-op.
func (s *Store) Start() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.sweep(s.stop, s.done)
}

// Stop halts the sweeper and waits for it to exit.
func (s *Store) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
	s.stop, s.done = nil, nil
}

func (s *Store) sweep(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	tick := time.NewTicker(s.sweepInterval)
	defer tick.Stop()

	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			if n := s.Cleanup(); n > 0 {
				s.log.Debug("cache sweep", zap.Int("removed", n))
			}
		}
	}
}
