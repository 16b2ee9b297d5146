package events_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkrelay/linkrelay/internal/events"
)

func TestBus_SubscribeAndEmit(t *testing.T) {
	bus := events.NewBus()

	var received []events.Event
	bus.Subscribe("test.event", func(e events.Event) {
		received = append(received, e)
	})

	bus.Emit(events.Event{Name: "test.event", Service: "irc"})

	require.Len(t, received, 1)
	assert.Equal(t, "irc", received[0].Service)
	assert.WithinDuration(t, time.Now(), received[0].Time, time.Second)
}

func TestBus_EmitOnlyMatchingName(t *testing.T) {
	bus := events.NewBus()

	count := 0
	bus.Subscribe("wanted", func(events.Event) { count++ })

	bus.Emit(events.Event{Name: "other"})
	bus.Emit(events.Event{Name: "wanted"})

	assert.Equal(t, 1, count)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := events.NewBus()

	count := 0
	token := bus.Subscribe("test.event", func(events.Event) { count++ })

	bus.Emit(events.Event{Name: "test.event"})
	bus.Unsubscribe("test.event", token)
	bus.Emit(events.Event{Name: "test.event"})

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, bus.SubscriberCount("test.event"))
}

func TestBus_UnsubscribeUnknownTokenIsNoop(t *testing.T) {
	bus := events.NewBus()
	bus.Subscribe("test.event", func(events.Event) {})

	bus.Unsubscribe("test.event", "no-such-token")
	bus.Unsubscribe("no-such-event", "no-such-token")

	assert.Equal(t, 1, bus.SubscriberCount("test.event"))
}

func TestBus_UnsubscribeFromWithinHandler(t *testing.T) {
	bus := events.NewBus()

	count := 0
	var token string
	token = bus.Subscribe("test.event", func(events.Event) {
		count++
		bus.Unsubscribe("test.event", token)
	})

	bus.Emit(events.Event{Name: "test.event"})
	bus.Emit(events.Event{Name: "test.event"})

	assert.Equal(t, 1, count)
}

func TestBus_Close(t *testing.T) {
	bus := events.NewBus()

	count := 0
	bus.Subscribe("test.event", func(events.Event) { count++ })

	bus.Close()
	bus.Emit(events.Event{Name: "test.event"})

	assert.Equal(t, 0, count)
}
