// Package events distributes collaborator-facing signals emitted by the
// core: health transitions, catalog changes, quota updates and session
// expiry. The core does not assume any particular UI event mechanism;
// presentation layers subscribe callbacks here.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Event identifies a signal kind.
type Event string

const (
	// EventHealthChanged fires when a backend's health verdict changes.
	EventHealthChanged Event = "health_changed"

	// EventCatalogChanged fires after a completed catalog aggregation.
	EventCatalogChanged Event = "catalog_changed"

	// EventQuotaThreshold fires once per session when a metered tier
	// crosses 50% utilization.
	EventQuotaThreshold Event = "quota_threshold_crossed"

	// EventQuotaUpdated fires on every quota snapshot or optimistic change.
	EventQuotaUpdated Event = "quota_updated"

	// EventSessionExpired fires when the cloud backend rejects the session.
	EventSessionExpired Event = "session_expired"

	// EventEmptyLocalCatalog fires when the local daemon is online but has
	// zero installed models.
	EventEmptyLocalCatalog Event = "empty_local_catalog"
)

// Context carries one published event.
type Context struct {
	Event     Event
	Timestamp time.Time
	// Backend is the backend address the event concerns, when applicable.
	Backend string
	Data    map[string]interface{}
}

// Subscription is a handle for a registered subscriber.
type Subscription struct {
	ID          string
	Event       Event
	Callback    func(*Context)
	Unsubscribe func()
}

// Bus manages event distribution to subscribers.
type Bus struct {
	subscribers  map[Event][]*Subscription
	mu           sync.RWMutex
	eventQueue   chan *Context
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	shutdown     bool
}

// NewBus creates a new event bus and starts its async processor.
func NewBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	bus := &Bus{
		subscribers: make(map[Event][]*Subscription),
		eventQueue:  make(chan *Context, 256),
		ctx:         ctx,
		cancel:      cancel,
	}
	go bus.processQueue()
	return bus
}

// Subscribe registers a callback for a specific event type.
func (b *Bus) Subscribe(event Event, callback func(*Context)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ID:       uuid.NewString(),
		Event:    event,
		Callback: callback,
	}
	sub.Unsubscribe = func() { b.unsubscribe(sub) }
	b.subscribers[event] = append(b.subscribers[event], sub)
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[sub.Event]
	for i, s := range subs {
		if s.ID == sub.ID {
			b.subscribers[sub.Event] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// Publish distributes an event to all subscribers synchronously.
func (b *Bus) Publish(ctx *Context) {
	if ctx.Timestamp.IsZero() {
		ctx.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := b.subscribers[ctx.Event]
	activeSubs := make([]*Subscription, len(subs))
	copy(activeSubs, subs)
	b.mu.RUnlock()

	for _, sub := range activeSubs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("Panic in event subscriber for %s: %v", ctx.Event, r)
				}
			}()
			sub.Callback(ctx)
		}()
	}
}

// PublishAsync distributes an event asynchronously via the queue.
func (b *Bus) PublishAsync(ctx *Context) {
	b.mu.RLock()
	isShutdown := b.shutdown
	b.mu.RUnlock()
	if isShutdown {
		return
	}

	select {
	case <-b.ctx.Done():
		return
	case b.eventQueue <- ctx:
	default:
		log.Warnf("Event queue full, dropping event: %s", ctx.Event)
	}
}

func (b *Bus) processQueue() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case event, ok := <-b.eventQueue:
			if !ok {
				return
			}
			if event != nil {
				b.Publish(event)
			}
		}
	}
}

// Shutdown stops the event bus processing.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.mu.Lock()
		b.shutdown = true
		b.mu.Unlock()

		b.cancel()
		close(b.eventQueue)
	})
}
