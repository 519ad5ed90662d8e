package ratelimit

import (
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Never is returned by TimeToAvailable when a bucket can not refill enough to
// serve the request.
const Never time.Duration = -1

// BucketConfig sizes one token bucket. RefillRate is tokens per second and may
// be zero, in which case the bucket only ever serves its initial capacity.
type BucketConfig struct {
	Capacity   int     `yaml:"capacity" json:"capacity"`
	RefillRate float64 `yaml:"refill_rate" json:"refill_rate"`
}

// BucketState is an observability view of one bucket.
type BucketState struct {
	Key        string  `json:"key"`
	Capacity   int     `json:"capacity"`
	RefillRate float64 `json:"refill_rate"`
	Tokens     float64 `json:"tokens"`
}

type bucket struct {
	cfg BucketConfig
	lim *rate.Limiter
}

// Limiter holds one token bucket per key (event type). Each bucket carries its
// own lock so a hot key never serializes the others.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	configs map[string]BucketConfig
	def     BucketConfig
	now     func() time.Time
}

func New(def BucketConfig, perKey map[string]BucketConfig) *Limiter {
	configs := make(map[string]BucketConfig, len(perKey))
	for k, c := range perKey {
		configs[k] = c
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		configs: configs,
		def:     def,
		now:     time.Now,
	}
}

// WithClock replaces the time source, used by tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) bucketFor(key string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	cfg, ok := l.configs[key]
	if !ok {
		cfg = l.def
	}
	if cfg.Capacity < 0 {
		cfg.Capacity = 0
	}
	if cfg.RefillRate < 0 {
		cfg.RefillRate = 0
	}
	b = &bucket{cfg: cfg, lim: rate.NewLimiter(rate.Limit(cfg.RefillRate), cfg.Capacity)}
	l.buckets[key] = b
	return b
}

// TryConsume takes n tokens from the bucket for key if they are available and
// reports whether it did. It never waits.
func (l *Limiter) TryConsume(key string, n int) bool {
	if n <= 0 {
		return true
	}
	b := l.bucketFor(key)
	if n > b.cfg.Capacity {
		return false
	}
	return b.lim.AllowN(l.now(), n)
}

// Tokens reports the tokens currently available for key.
func (l *Limiter) Tokens(key string) float64 {
	return l.tokens(l.bucketFor(key))
}

// tokens reads the bucket level. A zero-rate rate.Limiter serves requests by
// shrinking its burst and leaves its token count at zero, so the burst is the
// level there.
func (l *Limiter) tokens(b *bucket) float64 {
	if b.cfg.RefillRate <= 0 {
		return float64(b.lim.Burst())
	}
	return math.Min(b.lim.TokensAt(l.now()), float64(b.cfg.Capacity))
}

// TimeToAvailable estimates how long until n tokens are available for key.
func (l *Limiter) TimeToAvailable(key string, n int) time.Duration {
	b := l.bucketFor(key)
	need := float64(n) - l.tokens(b)
	switch {
	case need <= 0:
		return 0
	case n > b.cfg.Capacity || b.cfg.RefillRate <= 0:
		return Never
	}
	return time.Duration(need / b.cfg.RefillRate * float64(time.Second))
}

// Snapshot lists the state of every bucket created so far, sorted by key.
func (l *Limiter) Snapshot() []BucketState {
	l.mu.RLock()
	keys := make([]string, 0, len(l.buckets))
	for k := range l.buckets {
		keys = append(keys, k)
	}
	l.mu.RUnlock()
	sort.Strings(keys)

	out := make([]BucketState, 0, len(keys))
	for _, k := range keys {
		b := l.bucketFor(k)
		out = append(out, BucketState{
			Key:        k,
			Capacity:   b.cfg.Capacity,
			RefillRate: b.cfg.RefillRate,
			Tokens:     l.Tokens(k),
		})
	}
	return out
}
