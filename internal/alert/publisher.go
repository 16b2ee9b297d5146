// Package alert forwards recovery-lifecycle events to a Pub/Sub topic
// so an external pager or ops channel can react to exhausted
// recoveries and tripped breakers. The bridge itself never restarts on
// these signals.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"

	"github.com/linkrelay/linkrelay/internal/events"
	"github.com/linkrelay/linkrelay/internal/recovery"
)

// Notification is the message published for each forwarded event.
type Notification struct {
	Event   string    `json:"event"`
	Service string    `json:"service,omitempty"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// Config holds configuration for the publisher.
type Config struct {
	ProjectID string
	TopicName string
	Bus       *events.Bus
	Logger    zerolog.Logger
}

// Publisher bridges bus events onto a Pub/Sub topic.
type Publisher struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	topicName string
	bus       *events.Bus
	log       zerolog.Logger

	tokens map[string]string
}

// NewPublisher creates a Pub/Sub-backed alert publisher.
func NewPublisher(ctx context.Context, cfg Config) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	return &Publisher{
		client:    client,
		publisher: client.Publisher(cfg.TopicName),
		topicName: cfg.TopicName,
		bus:       cfg.Bus,
		log:       cfg.Logger,
		tokens:    make(map[string]string),
	}, nil
}

// Start subscribes to the alert-worthy lifecycle events.
func (p *Publisher) Start(ctx context.Context) {
	for _, name := range []string{recovery.EventRecoveryFailed, recovery.EventCircuitTripped} {
		name := name
		p.tokens[name] = p.bus.Subscribe(name, func(e events.Event) {
			p.publish(ctx, e)
		})
	}

	p.log.Info().
		Str("topic", p.topicName).
		Msg("alert publisher started")
}

// Close unsubscribes from the bus and closes the Pub/Sub client.
func (p *Publisher) Close() error {
	for name, token := range p.tokens {
		p.bus.Unsubscribe(name, token)
	}
	p.publisher.Stop()
	return p.client.Close()
}

func (p *Publisher) publish(ctx context.Context, e events.Event) {
	data, err := json.Marshal(Notification{
		Event:   e.Name,
		Service: e.Service,
		Time:    e.Time,
		Payload: e.Payload,
	})
	if err != nil {
		p.log.Error().Err(err).Str("event", e.Name).Msg("failed to encode alert")
		return
	}

	result := p.publisher.Publish(ctx, &pubsub.Message{Data: data})

	// Resolve off the emitter's goroutine; bus handlers must not block.
	go func() {
		id, err := result.Get(ctx)
		if err != nil {
			p.log.Error().
				Err(err).
				Str("event", e.Name).
				Str("topic", p.topicName).
				Msg("failed to publish alert")
			return
		}
		p.log.Debug().
			Str("event", e.Name).
			Str("message_id", id).
			Msg("alert published")
	}()
}
