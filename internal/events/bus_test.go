package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, TopicResourceUpdated)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, TopicResourceUpdated, Event{Resource: "returns", ResourceID: "42"}))

	select {
	case evt := <-ch:
		assert.Equal(t, "returns", evt.Resource)
		assert.Equal(t, "42", evt.ResourceID)
		assert.NotEmpty(t, evt.ID)
		assert.False(t, evt.OccurredAt.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_TopicsAreIsolated(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	created, err := bus.Subscribe(ctx, TopicResourceCreated)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, TopicCacheReset, Event{}))

	select {
	case evt := <-created:
		t.Fatalf("unexpected event on created topic: %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_SubscriptionClosesWithContext(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, TopicResourceCreated)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription did not close")
	}
}
