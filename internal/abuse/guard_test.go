package abuse_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkrelay/linkrelay/internal/abuse"
)

// sendDistinct pushes n messages with unique bodies so the duplicate
// check stays out of the way.
func sendDistinct(g *abuse.Guard, userID string, n int) *abuse.Denial {
	var last *abuse.Denial
	for i := 0; i < n; i++ {
		last = g.CheckMessage(userID, "tester", fmt.Sprintf("message %d %d", time.Now().UnixNano(), i))
	}
	return last
}

func TestGuard_AllowsNormalTraffic(t *testing.T) {
	g := abuse.NewGuard(abuse.Config{})
	defer g.Close()

	denial := g.CheckMessage("u1", "alice", "hello there")
	assert.Nil(t, denial)
}

func TestGuard_EmptyUserIDIsAllowed(t *testing.T) {
	g := abuse.NewGuard(abuse.Config{})
	defer g.Close()

	assert.Nil(t, g.CheckMessage("", "ghost", "hello"))
}

func TestGuard_BurstLimit(t *testing.T) {
	g := abuse.NewGuard(abuse.Config{BurstLimit: 5, BurstWindow: 10 * time.Second})
	defer g.Close()

	// The burst-limit-th message is the violation.
	require.Nil(t, sendDistinct(g, "u1", 4))

	denial := g.CheckMessage("u1", "alice", "one more")
	require.NotNil(t, denial)
	assert.Equal(t, abuse.ReasonRateLimited, denial.Reason)
	assert.Equal(t, 30*time.Second, denial.RetryAfter)
	assert.Contains(t, denial.Message, "burst")
}

func TestGuard_PerMinuteLimit(t *testing.T) {
	g := abuse.NewGuard(abuse.Config{
		MaxPerMinute: 20,
		BurstLimit:   100,
		BurstWindow:  time.Millisecond,
	})
	defer g.Close()

	require.Nil(t, sendDistinct(g, "u1", 20))

	denial := sendDistinct(g, "u1", 1)
	require.NotNil(t, denial)
	assert.Equal(t, abuse.ReasonRateLimited, denial.Reason)
	assert.Contains(t, denial.Message, "per-minute")
}

func TestGuard_DuplicateSpamBlocks(t *testing.T) {
	g := abuse.NewGuard(abuse.Config{
		DuplicateThreshold: 3,
		DuplicateWindow:    30 * time.Second,
		SpamCooldown:       10 * time.Minute,
	})
	defer g.Close()

	require.Nil(t, g.CheckMessage("u1", "alice", "buy my coins"))
	require.Nil(t, g.CheckMessage("u1", "alice", "buy my coins"))

	denial := g.CheckMessage("u1", "alice", "buy my coins")
	require.NotNil(t, denial)
	assert.Equal(t, abuse.ReasonSpam, denial.Reason)
	assert.Equal(t, 10*time.Minute, denial.RetryAfter)

	// The spam block is hard: everything is refused until it expires.
	denial = g.CheckMessage("u1", "alice", "unrelated message")
	require.NotNil(t, denial)
	assert.Equal(t, abuse.ReasonBlocked, denial.Reason)
}

func TestGuard_RepeatedRateViolationsEscalateToBlock(t *testing.T) {
	g := abuse.NewGuard(abuse.Config{
		BurstLimit:   3,
		BurstWindow:  10 * time.Second,
		RateCooldown: 30 * time.Second,
		SpamCooldown: 10 * time.Minute,
	})
	defer g.Close()

	require.Nil(t, sendDistinct(g, "u1", 2))

	// Two warnings carry the short cooldown only.
	for i := 0; i < 2; i++ {
		denial := sendDistinct(g, "u1", 1)
		require.NotNil(t, denial)
		assert.Equal(t, abuse.ReasonRateLimited, denial.Reason)
		assert.Equal(t, 30*time.Second, denial.RetryAfter)
	}

	// The third escalates into a full block.
	denial := sendDistinct(g, "u1", 1)
	require.NotNil(t, denial)
	assert.Equal(t, abuse.ReasonRateLimited, denial.Reason)
	assert.Equal(t, 10*time.Minute, denial.RetryAfter)

	denial = sendDistinct(g, "u1", 1)
	require.NotNil(t, denial)
	assert.Equal(t, abuse.ReasonBlocked, denial.Reason)
}

func TestGuard_BlockExpiryForgivesWarnings(t *testing.T) {
	g := abuse.NewGuard(abuse.Config{
		BurstLimit:   3,
		BurstWindow:  50 * time.Millisecond,
		RateCooldown: 30 * time.Second,
		SpamCooldown: 100 * time.Millisecond,
	})
	defer g.Close()

	require.Nil(t, sendDistinct(g, "u1", 2))
	sendDistinct(g, "u1", 3) // three warnings, escalated block

	denial := sendDistinct(g, "u1", 1)
	require.NotNil(t, denial)
	require.Equal(t, abuse.ReasonBlocked, denial.Reason)

	time.Sleep(150 * time.Millisecond)

	// Block lifted and warnings reset: traffic flows again.
	assert.Nil(t, sendDistinct(g, "u1", 1))
}

func TestGuard_ViolationsAreIsolatedPerUser(t *testing.T) {
	g := abuse.NewGuard(abuse.Config{BurstLimit: 2, BurstWindow: 10 * time.Second})
	defer g.Close()

	sendDistinct(g, "flooder", 5)
	assert.Nil(t, sendDistinct(g, "bystander", 1))
}

func TestGuard_UnblockUser(t *testing.T) {
	g := abuse.NewGuard(abuse.Config{DuplicateThreshold: 3})
	defer g.Close()

	g.CheckMessage("u1", "alice", "same thing")
	g.CheckMessage("u1", "alice", "same thing")
	require.NotNil(t, g.CheckMessage("u1", "alice", "same thing"))

	assert.True(t, g.UnblockUser("u1"))
	assert.Nil(t, g.CheckMessage("u1", "alice", "something new"))

	assert.False(t, g.UnblockUser("never-seen"))
}

func TestGuard_ClearWarnings(t *testing.T) {
	g := abuse.NewGuard(abuse.Config{BurstLimit: 3, BurstWindow: 10 * time.Second})
	defer g.Close()

	require.Nil(t, sendDistinct(g, "u1", 2))
	sendDistinct(g, "u1", 2) // two warnings accumulated

	require.True(t, g.ClearWarnings("u1"))

	// With the slate clean, three more violations are needed to block.
	for i := 0; i < 2; i++ {
		denial := sendDistinct(g, "u1", 1)
		require.NotNil(t, denial)
		assert.Equal(t, 30*time.Second, denial.RetryAfter)
	}

	assert.False(t, g.ClearWarnings("never-seen"))
}

func TestGuard_BlockedUsers(t *testing.T) {
	g := abuse.NewGuard(abuse.Config{DuplicateThreshold: 3, SpamCooldown: 10 * time.Minute})
	defer g.Close()

	g.CheckMessage("spammer", "mallory", "spam")
	g.CheckMessage("spammer", "mallory", "spam")
	g.CheckMessage("spammer", "mallory", "spam")
	g.CheckMessage("regular", "alice", "hello")

	blocked := g.BlockedUsers()
	require.Len(t, blocked, 1)
	assert.Equal(t, "spammer", blocked[0].UserID)
	assert.Equal(t, "mallory", blocked[0].Username)
	assert.Equal(t, 2, blocked[0].WarningCount)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), blocked[0].BlockedUntil, time.Second)
}

func TestGuard_Stats(t *testing.T) {
	g := abuse.NewGuard(abuse.Config{DuplicateThreshold: 3})
	defer g.Close()

	sendDistinct(g, "u1", 3)
	sendDistinct(g, "u2", 2)
	g.CheckMessage("u3", "mallory", "spam")
	g.CheckMessage("u3", "mallory", "spam")
	g.CheckMessage("u3", "mallory", "spam")

	stats := g.Stats()
	assert.Equal(t, 3, stats.TotalUsers)
	assert.Equal(t, 1, stats.BlockedUsers)
	assert.Equal(t, 3, stats.ActiveLastHour)
	// Only admitted messages count; the spam denial does not.
	assert.Equal(t, int64(7), stats.TotalMessages)
	assert.Equal(t, 1, stats.WarningsLast24h)
}

func TestGuard_DenialCallback(t *testing.T) {
	var reasons []abuse.Reason
	g := abuse.NewGuard(abuse.Config{
		BurstLimit:         3,
		BurstWindow:        10 * time.Second,
		DuplicateThreshold: 3,
		OnDenial:           func(d *abuse.Denial) { reasons = append(reasons, d.Reason) },
	})
	defer g.Close()

	require.Nil(t, sendDistinct(g, "u1", 2))
	require.NotNil(t, sendDistinct(g, "u1", 1))

	g.CheckMessage("u2", "mallory", "spam")
	g.CheckMessage("u2", "mallory", "spam")
	require.NotNil(t, g.CheckMessage("u2", "mallory", "spam"))

	assert.Equal(t, []abuse.Reason{abuse.ReasonRateLimited, abuse.ReasonSpam}, reasons)
}

func TestGuard_ResetAllUsers(t *testing.T) {
	g := abuse.NewGuard(abuse.Config{})
	defer g.Close()

	sendDistinct(g, "u1", 2)
	sendDistinct(g, "u2", 2)

	g.ResetAllUsers()

	assert.Equal(t, 0, g.Stats().TotalUsers)
}
