// Package lookup serializes identity lookups against the legacy
// network. Requests are processed strictly one at a time, each paired
// with a correlated inbound response or a timeout fallback, so the
// bridge never triggers the network's flood-kick defenses.
package lookup

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/linkrelay/linkrelay/internal/events"
)

// Requester sends the outbound request for a key. Returning an error
// counts as a soft failure for that key only.
type Requester func(key string) error

// KeyExtractor pulls the correlation key from an inbound event's
// positional arguments. The second return is false when the event does
// not carry a key.
type KeyExtractor func(args []string) (string, bool)

// Config holds configuration for the Queue.
type Config struct {
	// EventName is the inbound bus event carrying responses
	// (e.g. "irc.whois.reply").
	EventName string

	// Timeout bounds the wait for a correlated response. Default: 5s.
	Timeout time.Duration

	// Bus is the event bus responses arrive on.
	Bus *events.Bus

	// Request sends the outbound request for a key.
	Request Requester

	// ExtractKey pulls the correlation key from a response event.
	ExtractKey KeyExtractor

	// OnTimeout, when set, observes keys dropped on timeout.
	OnTimeout func(key string)

	// Logger reports drops and timeouts.
	Logger zerolog.Logger
}

// Queue is a FIFO of pending request keys drained one at a time.
type Queue struct {
	cfg Config
	log zerolog.Logger

	mu         sync.Mutex
	pending    []string
	pendingSet map[string]struct{}
	processing bool
	closed     bool
}

// NewQueue creates an idle queue. Processing starts lazily on the
// first Add.
func NewQueue(cfg Config) *Queue {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Queue{
		cfg:        cfg,
		log:        cfg.Logger,
		pendingSet: make(map[string]struct{}),
	}
}

// Add enqueues a key and starts processing if the queue was idle.
// Empty keys and keys already pending are ignored. Add never blocks on
// in-flight processing; re-entrant calls only enqueue.
func (q *Queue) Add(key string) {
	if key == "" {
		q.log.Warn().Msg("ignoring empty lookup key")
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	if _, dup := q.pendingSet[key]; dup {
		return
	}

	q.pending = append(q.pending, key)
	q.pendingSet[key] = struct{}{}

	if !q.processing {
		q.processing = true
		go q.drain()
	}
}

// Len returns the number of keys waiting (not counting one in flight).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Active reports whether a drain loop is running.
func (q *Queue) Active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// Clear drops all pending keys. A key already in flight completes or
// times out on its own.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
	q.pendingSet = make(map[string]struct{})
}

// Close clears the queue and prevents further adds.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.pending = nil
	q.pendingSet = make(map[string]struct{})
}

// drain processes keys until the queue empties, then exits. The
// processing flag guarantees a single drain loop at a time.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if q.closed || len(q.pending) == 0 {
			q.processing = false
			q.mu.Unlock()
			return
		}
		key := q.pending[0]
		q.pending = q.pending[1:]
		delete(q.pendingSet, key)
		q.mu.Unlock()

		q.process(key)
	}
}

// process issues one request and waits for its correlated response or
// the timeout. On timeout or send failure the key is dropped, never
// requeued, so one unresponsive target cannot stall the queue.
func (q *Queue) process(key string) {
	matched := make(chan struct{}, 1)

	// The listener must be attached before the request goes out, or a
	// fast response could arrive before the correlator exists.
	token := q.cfg.Bus.Subscribe(q.cfg.EventName, func(e events.Event) {
		got, ok := q.cfg.ExtractKey(e.Args)
		if ok && got == key {
			select {
			case matched <- struct{}{}:
			default:
			}
		}
	})
	defer q.cfg.Bus.Unsubscribe(q.cfg.EventName, token)

	if err := q.cfg.Request(key); err != nil {
		q.log.Warn().Err(err).Str("key", key).Msg("lookup request failed, dropping")
		return
	}

	timer := time.NewTimer(q.cfg.Timeout)
	defer timer.Stop()

	select {
	case <-matched:
		q.log.Debug().Str("key", key).Msg("lookup response correlated")
	case <-timer.C:
		q.log.Warn().
			Str("key", key).
			Dur("timeout", q.cfg.Timeout).
			Msg("lookup timed out, dropping")
		if q.cfg.OnTimeout != nil {
			q.cfg.OnTimeout(key)
		}
	}
}
