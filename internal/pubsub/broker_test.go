package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker[string]()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx)
	b.Publish(CreatedEvent, "hello")

	select {
	case ev := <-ch:
		assert.Equal(t, CreatedEvent, ev.Type)
		assert.Equal(t, "hello", ev.Payload)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBrokerMultipleSubscribers(t *testing.T) {
	b := NewBroker[int]()
	defer b.Close()

	ctx := context.Background()
	ch1 := b.Subscribe(ctx)
	ch2 := b.Subscribe(ctx)

	require.Equal(t, 2, b.SubscriberCount())

	b.Publish(UpdatedEvent, 42)

	for _, ch := range []<-chan Event[int]{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, 42, ev.Payload)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBrokerSubscribeCancelledContext(t *testing.T) {
	b := NewBroker[string]()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx)
	cancel()

	// Channel eventually closes once the cleanup goroutine runs.
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, b.SubscriberCount())
}

func TestBrokerCloseClosesSubscribers(t *testing.T) {
	b := NewBroker[string]()
	ch := b.Subscribe(context.Background())

	b.Close()

	_, ok := <-ch
	assert.False(t, ok)

	// Publishing after close is a no-op.
	b.Publish(CreatedEvent, "dropped")

	// Subscribing after close returns a closed channel.
	ch2 := b.Subscribe(context.Background())
	_, ok = <-ch2
	assert.False(t, ok)
}

func TestBrokerDropsWhenBufferFull(t *testing.T) {
	b := NewBrokerWithBuffer[int](1)
	defer b.Close()

	ch := b.Subscribe(context.Background())

	b.Publish(CreatedEvent, 1)
	b.Publish(CreatedEvent, 2) // dropped, nobody draining

	ev := <-ch
	assert.Equal(t, 1, ev.Payload)

	select {
	case ev := <-ch:
		t.Fatalf("expected second event to be dropped, got %v", ev.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}
