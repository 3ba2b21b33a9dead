package hooks

import (
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const eventQueueSize = 256

// Subscription is a handle for a registered subscriber.
type Subscription struct {
	ID          string
	Event       HookEvent
	Callback    func(*EventContext)
	Filter      func(*EventContext) bool
	Unsubscribe func()
}

// EventBus fans supervisor events out to subscribers.
type EventBus struct {
	subscribers  map[HookEvent][]*Subscription
	mu           sync.RWMutex
	eventQueue   chan *EventContext
	shutdownOnce sync.Once
	shutdown     bool
	done         chan struct{}
}

// NewEventBus creates an event bus and starts its async dispatcher.
func NewEventBus() *EventBus {
	bus := &EventBus{
		subscribers: make(map[HookEvent][]*Subscription),
		eventQueue:  make(chan *EventContext, eventQueueSize),
		done:        make(chan struct{}),
	}

	go bus.processQueue()

	return bus
}

// Subscribe registers a callback for a specific event type.
func (b *EventBus) Subscribe(event HookEvent, callback func(*EventContext)) *Subscription {
	return b.SubscribeWithFilter(event, callback, nil)
}

// SubscribeWithFilter registers a callback with an optional filter function.
func (b *EventBus) SubscribeWithFilter(event HookEvent, callback func(*EventContext), filter func(*EventContext) bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ID:       uuid.NewString(),
		Event:    event,
		Callback: callback,
		Filter:   filter,
	}
	sub.Unsubscribe = func() {
		b.unsubscribe(sub)
	}

	b.subscribers[event] = append(b.subscribers[event], sub)
	return sub
}

func (b *EventBus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[sub.Event]
	for i, s := range subs {
		if s.ID == sub.ID {
			b.subscribers[sub.Event] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}

// Publish delivers an event to all subscribers synchronously. A panicking
// subscriber is logged and does not stop delivery to the others.
func (b *EventBus) Publish(ctx *EventContext) {
	if ctx == nil {
		return
	}

	b.mu.RLock()
	subs := make([]*Subscription, len(b.subscribers[ctx.Event]))
	copy(subs, b.subscribers[ctx.Event])
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.Filter != nil && !sub.Filter(ctx) {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("panic in event subscriber for %s: %v", ctx.Event, r)
				}
			}()
			sub.Callback(ctx)
		}()
	}
}

// PublishAsync queues an event for delivery. Events are dropped when the queue
// is full or the bus has shut down.
func (b *EventBus) PublishAsync(ctx *EventContext) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.shutdown || ctx == nil {
		return
	}

	select {
	case b.eventQueue <- ctx:
	default:
		log.Warnf("event queue full, dropping event: %s", ctx.Event)
	}
}

func (b *EventBus) processQueue() {
	defer close(b.done)
	for event := range b.eventQueue {
		b.Publish(event)
	}
}

// Shutdown rejects further async events, delivers the ones already queued and
// returns once the dispatcher has exited.
func (b *EventBus) Shutdown() {
	b.shutdownOnce.Do(func() {
		// PublishAsync sends under the read lock, so no send is in flight here.
		b.mu.Lock()
		b.shutdown = true
		close(b.eventQueue)
		b.mu.Unlock()

		<-b.done
	})
}
