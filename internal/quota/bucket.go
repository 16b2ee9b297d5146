// Package quota provides a generic per-key token bucket with continuous
// refill, used to cap cost-bearing outbound operations such as
// attachment uploads.
package quota

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds configuration for a Bucket.
type Config struct {
	// MaxTokens is the bucket capacity. Default: 5.
	MaxTokens float64

	// Window is the refill period over which TokensPerWindow tokens are
	// restored. Default: 10 minutes.
	Window time.Duration

	// TokensPerWindow is the number of tokens restored per Window.
	// Default: MaxTokens.
	TokensPerWindow float64

	// SweepInterval is how often idle buckets are evicted.
	// Default: 10 minutes.
	SweepInterval time.Duration

	// IdleAge is how long a bucket may go unused before the sweep
	// removes it. Default: 1 hour.
	IdleAge time.Duration

	// Logger is used for sweep reporting.
	Logger zerolog.Logger
}

// Result is the outcome of a limit check. A denied result carries the
// number of seconds after which one token will be available.
type Result struct {
	Allowed           bool
	RemainingTokens   int
	RetryAfterSeconds int
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Bucket is a per-key token-bucket limiter. All methods are safe for
// concurrent use.
type Bucket struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	buckets map[string]*bucket

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Bucket and starts its idle-bucket sweep.
func New(cfg Config) *Bucket {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 5
	}
	if cfg.Window == 0 {
		cfg.Window = 10 * time.Minute
	}
	if cfg.TokensPerWindow == 0 {
		cfg.TokensPerWindow = cfg.MaxTokens
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 10 * time.Minute
	}
	if cfg.IdleAge == 0 {
		cfg.IdleAge = time.Hour
	}

	b := &Bucket{
		cfg:     cfg,
		log:     cfg.Logger,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}

	go b.sweepLoop()

	return b
}

// Check consumes one token for the key if available.
//
// A key seen for the first time is initialized at full capacity with
// one token already consumed. Refill is continuous: elapsed time earns
// fractional tokens, capped at MaxTokens.
func (b *Bucket) Check(key string) Result {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	entry, ok := b.buckets[key]
	if !ok {
		b.buckets[key] = &bucket{
			tokens:     b.cfg.MaxTokens - 1,
			lastRefill: now,
		}
		return Result{
			Allowed:         true,
			RemainingTokens: int(math.Floor(b.cfg.MaxTokens - 1)),
		}
	}

	b.refill(entry, now)

	if entry.tokens >= 1 {
		entry.tokens--
		return Result{
			Allowed:         true,
			RemainingTokens: int(math.Floor(entry.tokens)),
		}
	}

	needed := 1 - entry.tokens
	retryMs := needed / b.cfg.TokensPerWindow * float64(b.cfg.Window.Milliseconds())
	return Result{
		Allowed:           false,
		RetryAfterSeconds: int(math.Ceil(retryMs / 1000)),
	}
}

// Tokens returns the current (refill-adjusted) token count for a key,
// or MaxTokens if the key has no bucket yet.
func (b *Bucket) Tokens(key string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.buckets[key]
	if !ok {
		return b.cfg.MaxTokens
	}
	b.refill(entry, time.Now())
	return entry.tokens
}

// ResetKey drops a key's bucket, restoring it to full capacity on next use.
func (b *Bucket) ResetKey(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.buckets, key)
}

// Len returns the number of tracked buckets.
func (b *Bucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buckets)
}

// Close stops the sweep goroutine.
func (b *Bucket) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}

// refill is called with the mutex held.
func (b *Bucket) refill(entry *bucket, now time.Time) {
	elapsed := now.Sub(entry.lastRefill)
	if elapsed <= 0 {
		return
	}
	earned := float64(elapsed) / float64(b.cfg.Window) * b.cfg.TokensPerWindow
	entry.tokens = math.Min(b.cfg.MaxTokens, entry.tokens+earned)
	entry.lastRefill = now
}

func (b *Bucket) sweepLoop() {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

func (b *Bucket) sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, entry := range b.buckets {
		if now.Sub(entry.lastRefill) > b.cfg.IdleAge {
			delete(b.buckets, key)
			removed++
		}
	}

	if removed > 0 {
		b.log.Debug().
			Int("removed", removed).
			Int("remaining", len(b.buckets)).
			Msg("swept idle quota buckets")
	}
}
