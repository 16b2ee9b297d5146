package abuse

import "time"

// Reason classifies why a message was denied.
type Reason string

// Denial reasons.
const (
	// ReasonBlocked means the user is inside an active block window.
	ReasonBlocked Reason = "blocked"

	// ReasonRateLimited means a burst, per-minute, or per-hour limit
	// was exceeded.
	ReasonRateLimited Reason = "rate_limited"

	// ReasonSpam means the duplicate-content check classified the
	// message as spam.
	ReasonSpam Reason = "spam"
)

// Denial is the declined admission result for a message. It is a
// first-class result, not an error: the caller owns user-facing
// messaging.
type Denial struct {
	Reason     Reason
	Message    string
	RetryAfter time.Duration
}

// historyEntry pairs a message body with the time it was seen, for
// duplicate-content detection.
type historyEntry struct {
	body string
	at   time.Time
}

// userRecord tracks one chat user's recent activity. Records are owned
// by the Guard and only read through snapshot accessors.
type userRecord struct {
	username     string
	messageCount int64
	lastMessage  time.Time
	recent       []time.Time
	history      []historyEntry
	warningCount int
	blocked      bool
	blockedUntil time.Time
	lastWarning  time.Time
}

// BlockedUser is a snapshot of one currently blocked user.
type BlockedUser struct {
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	BlockedUntil time.Time `json:"blocked_until"`
	WarningCount int       `json:"warning_count"`
}

// Stats is an aggregate snapshot of guard activity.
type Stats struct {
	TotalUsers      int   `json:"total_users"`
	BlockedUsers    int   `json:"blocked_users"`
	ActiveLastHour  int   `json:"active_last_hour"`
	TotalMessages   int64 `json:"total_messages"`
	WarningsLast24h int   `json:"warnings_last_24h"`
}
