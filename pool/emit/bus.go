package emit

import "sync"

// Handler processes a single event delivered by a Bus.
type Handler func(Event)

// Bus is a typed publish/subscribe fan-out for pool events.
//
// Subscribers register by event name or with the wildcard "*" and receive
// events synchronously, in publication order. Because the dispatcher emits
// from a single goroutine, the events belonging to one job reach every
// subscriber in the order the transitions happened.
//
// Bus implements Emitter, so it can be passed directly to the dispatcher
// or chained behind a MultiEmitter together with a LogEmitter or
// OTelEmitter.
//
// Example:
//
//	bus := emit.NewBus()
//	cancel := bus.Subscribe(emit.JobCompleted, func(ev emit.Event) {
//	    fmt.Println("done:", ev.JobID)
//	})
//	defer cancel()
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string][]subscription // event name (or "*") -> handlers
}

type subscription struct {
	id int
	fn Handler
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers a handler for the named event, or for every event
// when name is "*". It returns an unsubscribe function.
//
// Handlers run synchronously on the publishing goroutine and therefore
// must not block; long work should be handed to another goroutine by the
// handler itself.
func (b *Bus) Subscribe(name string, fn Handler) func() {
	if fn == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscription{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[name]
		for i, sub := range list {
			if sub.id == id {
				b.subs[name] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
}

// Emit delivers the event to every handler subscribed to its name and to
// every wildcard handler, in registration order (named before wildcard).
func (b *Bus) Emit(event Event) {
	b.mu.RLock()
	named := b.subs[event.Name]
	wild := b.subs["*"]
	handlers := make([]Handler, 0, len(named)+len(wild))
	for _, sub := range named {
		handlers = append(handlers, sub.fn)
	}
	for _, sub := range wild {
		handlers = append(handlers, sub.fn)
	}
	b.mu.RUnlock()

	// Invoke outside the lock so a handler may subscribe or unsubscribe.
	for _, fn := range handlers {
		fn(event)
	}
}
