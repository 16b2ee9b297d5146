// Package abuse distinguishes normal chat cadence from flooding and
// spam. It combines sliding-window message counts, duplicate-content
// detection, and an escalating warn/cooldown/block penalty ladder.
package abuse

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

// maxHistorySize caps the per-user message-body history used by the
// duplicate check. The cap is the memory bound; DuplicateWindow is the
// semantic filter. With default thresholds a user cannot push
// duplicates out of the history without first tripping the burst or
// per-minute limits.
const maxHistorySize = 10

// hourWindow is the retention span for per-user message timestamps.
const hourWindow = time.Hour

// escalationWarnings is the warning count at which a rate violation
// escalates from a short cooldown to a full block.
const escalationWarnings = 3

// Config holds configuration for the Guard. Zero values take the
// documented defaults.
type Config struct {
	// MaxPerMinute is the message cap in any trailing 60s. Default: 20.
	MaxPerMinute int

	// MaxPerHour is the message cap in any trailing hour. Default: 300.
	MaxPerHour int

	// BurstLimit is the burst size within BurstWindow that counts as
	// flooding; the BurstLimit-th message is denied. Default: 5.
	BurstLimit int

	// BurstWindow is the burst detection span. Default: 10s.
	BurstWindow time.Duration

	// DuplicateThreshold is the number of identical messages within
	// DuplicateWindow that classifies as spam. Default: 3.
	DuplicateThreshold int

	// DuplicateWindow is the duplicate detection span. Default: 30s.
	DuplicateWindow time.Duration

	// RateCooldown is the short block applied on early rate violations.
	// Default: 30s.
	RateCooldown time.Duration

	// SpamCooldown is the block applied on spam and on escalated rate
	// violations. Default: 10 minutes.
	SpamCooldown time.Duration

	// MaxUsers bounds the user-state store; the least recently used
	// record is evicted beyond this. Default: 10000.
	MaxUsers int

	// UserTTL expires records not touched within this span. The TTL is
	// refreshed on every admission check. Default: 24h.
	UserTTL time.Duration

	// SweepInterval is how often the idle sweep runs. Default: 1h.
	SweepInterval time.Duration

	// IdleCutoff is the inactivity span after which non-blocked records
	// are swept. Default: 168h (one week).
	IdleCutoff time.Duration

	// OnDenial, when set, observes every denial CheckMessage issues.
	// Invoked with the guard's mutex held; it must not block.
	OnDenial func(*Denial)

	// Logger is used for violation and sweep reporting.
	Logger zerolog.Logger
}

// Guard is the sliding-window abuse limiter. All methods are safe for
// concurrent use.
type Guard struct {
	cfg Config
	log zerolog.Logger

	mu    sync.Mutex
	users *expirable.LRU[string, *userRecord]

	totalMessages int64
	warningTimes  []time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// NewGuard creates a Guard and starts its idle sweep.
func NewGuard(cfg Config) *Guard {
	if cfg.MaxPerMinute == 0 {
		cfg.MaxPerMinute = 20
	}
	if cfg.MaxPerHour == 0 {
		cfg.MaxPerHour = 300
	}
	if cfg.BurstLimit == 0 {
		cfg.BurstLimit = 5
	}
	if cfg.BurstWindow == 0 {
		cfg.BurstWindow = 10 * time.Second
	}
	if cfg.DuplicateThreshold == 0 {
		cfg.DuplicateThreshold = 3
	}
	if cfg.DuplicateWindow == 0 {
		cfg.DuplicateWindow = 30 * time.Second
	}
	if cfg.RateCooldown == 0 {
		cfg.RateCooldown = 30 * time.Second
	}
	if cfg.SpamCooldown == 0 {
		cfg.SpamCooldown = 10 * time.Minute
	}
	if cfg.MaxUsers == 0 {
		cfg.MaxUsers = 10000
	}
	if cfg.UserTTL == 0 {
		cfg.UserTTL = 24 * time.Hour
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Hour
	}
	if cfg.IdleCutoff == 0 {
		cfg.IdleCutoff = 7 * 24 * time.Hour
	}

	g := &Guard{
		cfg:   cfg,
		log:   cfg.Logger,
		users: expirable.NewLRU[string, *userRecord](cfg.MaxUsers, nil, cfg.UserTTL),
		done:  make(chan struct{}),
	}

	go g.sweepLoop()

	return g
}

// CheckMessage decides whether a message from the user is admitted.
// A nil return means allowed; otherwise the Denial carries the reason
// and user-facing text. Failures are isolated per user: one user's
// penalties never affect another's state.
func (g *Guard) CheckMessage(userID, username, content string) *Denial {
	if userID == "" {
		g.log.Warn().Msg("abuse check called with empty user id, allowing")
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()

	rec, ok := g.users.Get(userID)
	if !ok {
		rec = &userRecord{}
	}
	rec.username = username
	// Write-back refreshes the store TTL on every check.
	defer g.users.Add(userID, rec)

	if rec.blocked {
		if now.Before(rec.blockedUntil) {
			remaining := rec.blockedUntil.Sub(now)
			return g.deny(&Denial{
				Reason:     ReasonBlocked,
				Message:    fmt.Sprintf("you are blocked for another %d seconds", int(remaining.Seconds())+1),
				RetryAfter: remaining,
			})
		}
		// Block expired: lift it and forgive accumulated warnings.
		rec.blocked = false
		rec.blockedUntil = time.Time{}
		rec.warningCount = 0
	}

	g.prune(rec, now)

	// Like the duplicate check, the burst check fires on the limit-th
	// message: limit-1 prior sends inside the window deny this one.
	if g.countSince(rec, now.Add(-g.cfg.BurstWindow)) >= g.cfg.BurstLimit-1 {
		return g.deny(g.rateViolation(userID, rec, now, "burst"))
	}
	if g.countSince(rec, now.Add(-time.Minute)) >= g.cfg.MaxPerMinute {
		return g.deny(g.rateViolation(userID, rec, now, "per-minute"))
	}
	if len(rec.recent) >= g.cfg.MaxPerHour {
		return g.deny(g.rateViolation(userID, rec, now, "per-hour"))
	}

	duplicates := 0
	for _, h := range rec.history {
		if h.body == content && now.Sub(h.at) <= g.cfg.DuplicateWindow {
			duplicates++
		}
	}
	if duplicates >= g.cfg.DuplicateThreshold-1 {
		return g.deny(g.spamViolation(userID, rec, now))
	}

	rec.recent = append(rec.recent, now)
	rec.history = append(rec.history, historyEntry{body: content, at: now})
	if len(rec.history) > maxHistorySize {
		rec.history = rec.history[len(rec.history)-maxHistorySize:]
	}
	rec.messageCount++
	rec.lastMessage = now
	g.totalMessages++

	return nil
}

// UnblockUser lifts a user's block and forgives one warning.
func (g *Guard) UnblockUser(userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.users.Get(userID)
	if !ok {
		return false
	}

	rec.blocked = false
	rec.blockedUntil = time.Time{}
	if rec.warningCount > 0 {
		rec.warningCount--
	}
	g.users.Add(userID, rec)

	g.log.Info().Str("user_id", userID).Msg("user unblocked by admin")
	return true
}

// ClearWarnings resets a user's warning count to zero.
func (g *Guard) ClearWarnings(userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.users.Get(userID)
	if !ok {
		return false
	}
	rec.warningCount = 0
	g.users.Add(userID, rec)
	return true
}

// ResetAllUsers drops every tracked record.
func (g *Guard) ResetAllUsers() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.users.Purge()
	g.log.Info().Msg("all abuse guard state reset")
}

// BlockedUsers returns a snapshot of users inside an active block window.
func (g *Guard) BlockedUsers() []BlockedUser {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	var blocked []BlockedUser
	for _, userID := range g.users.Keys() {
		rec, ok := g.users.Peek(userID)
		if !ok {
			continue
		}
		if rec.blocked && now.Before(rec.blockedUntil) {
			blocked = append(blocked, BlockedUser{
				UserID:       userID,
				Username:     rec.username,
				BlockedUntil: rec.blockedUntil,
				WarningCount: rec.warningCount,
			})
		}
	}
	return blocked
}

// Stats returns an aggregate activity snapshot.
func (g *Guard) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()

	stats := Stats{
		TotalUsers:    g.users.Len(),
		TotalMessages: g.totalMessages,
	}

	for _, rec := range g.users.Values() {
		if rec.blocked && now.Before(rec.blockedUntil) {
			stats.BlockedUsers++
		}
		if now.Sub(rec.lastMessage) <= hourWindow {
			stats.ActiveLastHour++
		}
	}

	g.pruneWarningTimes(now)
	stats.WarningsLast24h = len(g.warningTimes)

	return stats
}

// Close stops the idle sweep.
func (g *Guard) Close() {
	g.closeOnce.Do(func() {
		close(g.done)
	})
}

func (g *Guard) deny(d *Denial) *Denial {
	if g.cfg.OnDenial != nil {
		g.cfg.OnDenial(d)
	}
	return d
}

// rateViolation applies the penalty ladder for burst/minute/hour
// violations. Called with the mutex held.
func (g *Guard) rateViolation(userID string, rec *userRecord, now time.Time, window string) *Denial {
	rec.warningCount++
	rec.lastWarning = now
	g.warningTimes = append(g.warningTimes, now)
	g.pruneWarningTimes(now)

	g.log.Warn().
		Str("user_id", userID).
		Str("window", window).
		Int("warnings", rec.warningCount).
		Msg("rate violation")

	if rec.warningCount >= escalationWarnings {
		rec.blocked = true
		rec.blockedUntil = now.Add(g.cfg.SpamCooldown)
		return &Denial{
			Reason:     ReasonRateLimited,
			Message:    fmt.Sprintf("repeated flooding, blocked for %d minutes", int(g.cfg.SpamCooldown.Minutes())),
			RetryAfter: g.cfg.SpamCooldown,
		}
	}

	// A short cooldown, not a hard block: further messages inside it
	// keep violating the window checks and accumulate warnings toward
	// the escalated block above.
	return &Denial{
		Reason:     ReasonRateLimited,
		Message:    fmt.Sprintf("sending messages too quickly (%s limit), try again in %d seconds", window, int(g.cfg.RateCooldown.Seconds())),
		RetryAfter: g.cfg.RateCooldown,
	}
}

// spamViolation blocks immediately and weighs two warnings, regardless
// of prior warning count. Called with the mutex held.
func (g *Guard) spamViolation(userID string, rec *userRecord, now time.Time) *Denial {
	rec.warningCount += 2
	rec.lastWarning = now
	rec.blocked = true
	rec.blockedUntil = now.Add(g.cfg.SpamCooldown)
	g.warningTimes = append(g.warningTimes, now)
	g.pruneWarningTimes(now)

	g.log.Warn().
		Str("user_id", userID).
		Int("warnings", rec.warningCount).
		Msg("duplicate spam detected")

	return &Denial{
		Reason:     ReasonSpam,
		Message:    fmt.Sprintf("duplicate messages detected, blocked for %d minutes", int(g.cfg.SpamCooldown.Minutes())),
		RetryAfter: g.cfg.SpamCooldown,
	}
}

// prune drops timestamps older than an hour and caps the body history.
// Called with the mutex held.
func (g *Guard) prune(rec *userRecord, now time.Time) {
	cutoff := now.Add(-hourWindow)
	i := 0
	for ; i < len(rec.recent); i++ {
		if rec.recent[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		rec.recent = append(rec.recent[:0], rec.recent[i:]...)
	}
	if len(rec.history) > maxHistorySize {
		rec.history = rec.history[len(rec.history)-maxHistorySize:]
	}
}

func (g *Guard) countSince(rec *userRecord, cutoff time.Time) int {
	count := 0
	for i := len(rec.recent) - 1; i >= 0; i-- {
		if rec.recent[i].Before(cutoff) {
			break
		}
		count++
	}
	return count
}

func (g *Guard) pruneWarningTimes(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	i := 0
	for ; i < len(g.warningTimes); i++ {
		if g.warningTimes[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		g.warningTimes = append(g.warningTimes[:0], g.warningTimes[i:]...)
	}
}

func (g *Guard) sweepLoop() {
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

// sweep removes week-idle records that are not currently blocked. This
// runs independently of the store's capacity and TTL eviction.
func (g *Guard) sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	removed := 0
	for _, userID := range g.users.Keys() {
		rec, ok := g.users.Peek(userID)
		if !ok {
			continue
		}
		if !rec.blocked && now.Sub(rec.lastMessage) > g.cfg.IdleCutoff {
			g.users.Remove(userID)
			removed++
		}
	}

	if removed > 0 {
		g.log.Debug().
			Int("removed", removed).
			Int("remaining", g.users.Len()).
			Msg("swept idle user records")
	}
}
