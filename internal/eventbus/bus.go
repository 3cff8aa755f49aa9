// Package eventbus pushes core events to presentation-layer consumers.
// Every subscriber receives events in publish order on its own goroutine,
// so a slow consumer never blocks the publisher; its overflow is dropped.
package eventbus

import (
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// Type names an event.
type Type string

const (
	PeripheralDiscovered      Type = "peripheral.discovered"
	PeripheralUpdated         Type = "peripheral.updated"
	StateChanged              Type = "state.changed"
	ServicesDiscovered        Type = "services.discovered"
	CharacteristicsDiscovered Type = "characteristics.discovered"
	SubscriptionChanged       Type = "subscription.changed"
	ReadingDecoded            Type = "reading.decoded"
	ReadingDropped            Type = "reading.dropped"
	SendSucceeded             Type = "send.succeeded"
	SendFailed                Type = "send.failed"
	CommandRejected           Type = "command.rejected"
	Log                       Type = "log"
)

// Event is one notification to the presentation layer.
type Event struct {
	ID      string    `json:"id"`
	Type    Type      `json:"type"`
	Time    time.Time `json:"time"`
	Message string    `json:"message,omitempty"`
	Payload any       `json:"payload,omitempty"`
}

// Handler consumes events.
type Handler func(Event)

// Publisher is the producing side of the bus.
type Publisher interface {
	Publish(typ Type, message string, payload any) Event
}

const defaultBufferSize = 256

type subscriber struct {
	ch      chan Event
	handler Handler
	types   map[Type]bool // nil means every type
}

// Bus is an in-process, goroutine-safe, per-subscriber ordered event bus.
type Bus struct {
	mu         sync.RWMutex
	subs       map[uint64]*subscriber
	nextID     atomic.Uint64
	closed     atomic.Bool
	dropped    atomic.Uint64
	wg         sync.WaitGroup
	bufferSize int
	logger     *slog.Logger

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// New creates an event bus. logger must not itself publish to this bus.
// bufferSize bounds each subscriber's backlog; <= 0 selects a default.
func New(logger *slog.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:       make(map[uint64]*subscriber),
		bufferSize: bufferSize,
		logger:     logger,
		entropy:    ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Publish stamps and fans out an event, returning it. It never blocks.
func (b *Bus) Publish(typ Type, message string, payload any) Event {
	ev := Event{
		ID:      b.newID(time.Now()),
		Type:    typ,
		Time:    time.Now(),
		Message: message,
		Payload: payload,
	}
	if b.closed.Load() {
		return ev
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.types != nil && !sub.types[typ] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Warn("[BUS] dropped event for slow subscriber", "type", string(typ))
		}
	}
	return ev
}

// Subscribe registers a handler for the given types, or for every type when
// none are given. Returns an unsubscribe function.
func (b *Bus) Subscribe(handler Handler, types ...Type) func() {
	sub := &subscriber{
		ch:      make(chan Event, b.bufferSize),
		handler: handler,
	}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	id := b.nextID.Add(1)

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[id] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	go b.deliver(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
}

func (b *Bus) deliver(sub *subscriber) {
	defer b.wg.Done()
	for ev := range sub.ch {
		b.invoke(sub.handler, ev)
	}
}

func (b *Bus) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("[BUS] event handler panicked", "type", string(ev.Type), "panic", r)
		}
	}()
	h(ev)
}

// Dropped returns how many deliveries were discarded because a subscriber
// fell behind.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close stops accepting events and waits for subscribers to drain.
// Idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bus) newID(t time.Time) string {
	b.entropyMu.Lock()
	defer b.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), b.entropy).String()
}
