package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestBus_PublishFansOut(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var calls atomic.Int32
	handler := func(ctx context.Context, e Event) error {
		calls.Add(1)
		return nil
	}
	bus.Subscribe(handler, EventResourcesPaused, EventResourcesResumed)
	bus.Subscribe(handler, EventResourcesPaused)

	bus.Publish(context.Background(), NewEvent(EventResourcesPaused, "alice@site-a", nil))
	bus.Publish(context.Background(), NewEvent(EventResourcesResumed, "alice@site-a", nil))
	bus.Publish(context.Background(), NewEvent(EventInvoiceCreated, "alice@site-a", nil))
	bus.Wait()

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, bus.Subscribers(EventResourcesPaused))
	assert.Equal(t, 0, bus.Subscribers(EventInvoiceCreated))
}

func TestBus_HandlerFailuresAreContained(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var delivered atomic.Bool
	bus.Subscribe(func(ctx context.Context, e Event) error { panic("boom") }, EventCreditsAdded)
	bus.Subscribe(func(ctx context.Context, e Event) error { return errors.New("nope") }, EventCreditsAdded)
	bus.Subscribe(func(ctx context.Context, e Event) error {
		delivered.Store(true)
		return nil
	}, EventCreditsAdded)

	bus.Publish(context.Background(), NewEvent(EventCreditsAdded, "", nil))
	bus.Wait()

	assert.True(t, delivered.Load())
}

func TestNewEvent_UniqueIDs(t *testing.T) {
	a := NewEvent(EventInvoiceSettled, "t", nil)
	b := NewEvent(EventInvoiceSettled, "t", nil)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.Timestamp.IsZero())
}
