package events

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestBusSubscribePublish(t *testing.T) {
	bus := NewBus()
	defer bus.Shutdown()

	var called bool
	sub := bus.Subscribe(EventCatalogChanged, func(ctx *Context) {
		called = true
		if ctx.Timestamp.IsZero() {
			t.Error("Publish should stamp the event time")
		}
	})

	if sub == nil || sub.ID == "" {
		t.Fatal("Subscribe returned an invalid subscription")
	}

	bus.Publish(&Context{Event: EventCatalogChanged})
	if !called {
		t.Error("Callback should have been called")
	}
}

func TestBusEventIsolation(t *testing.T) {
	bus := NewBus()
	defer bus.Shutdown()

	var health, quota int32
	bus.Subscribe(EventHealthChanged, func(*Context) { atomic.AddInt32(&health, 1) })
	bus.Subscribe(EventQuotaThreshold, func(*Context) { atomic.AddInt32(&quota, 1) })

	bus.Publish(&Context{Event: EventHealthChanged, Backend: "http://a"})
	bus.Publish(&Context{Event: EventHealthChanged, Backend: "http://b"})

	if atomic.LoadInt32(&health) != 2 {
		t.Errorf("expected 2 health callbacks, got %d", health)
	}
	if atomic.LoadInt32(&quota) != 0 {
		t.Errorf("quota subscriber should not fire, got %d", quota)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Shutdown()

	var called int32
	sub := bus.Subscribe(EventSessionExpired, func(*Context) { atomic.AddInt32(&called, 1) })
	sub.Unsubscribe()

	bus.Publish(&Context{Event: EventSessionExpired})
	if atomic.LoadInt32(&called) != 0 {
		t.Error("unsubscribed callback should not fire")
	}
}

func TestBusPanicIsolation(t *testing.T) {
	bus := NewBus()
	defer bus.Shutdown()

	var survived bool
	bus.Subscribe(EventHealthChanged, func(*Context) { panic("boom") })
	bus.Subscribe(EventHealthChanged, func(*Context) { survived = true })

	bus.Publish(&Context{Event: EventHealthChanged})
	if !survived {
		t.Error("a panicking subscriber must not break the others")
	}
}

func TestBusPublishAsync(t *testing.T) {
	bus := NewBus()
	defer bus.Shutdown()

	done := make(chan struct{})
	bus.Subscribe(EventQuotaUpdated, func(*Context) { close(done) })

	bus.PublishAsync(&Context{Event: EventQuotaUpdated})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async event never delivered")
	}
}

func TestBusPublishAsyncAfterShutdown(t *testing.T) {
	bus := NewBus()
	bus.Shutdown()

	// Must not panic on the closed queue.
	bus.PublishAsync(&Context{Event: EventQuotaUpdated})
}
