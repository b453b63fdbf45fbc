// Package events is the observer registry the engine publishes to.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"excursion-sync-service/internal/logger"
)

type Type string

const (
	ConnectivityChange   Type = "connectivity-change"
	SyncStarted          Type = "sync-started"
	SyncProgress         Type = "sync-progress"
	SyncConflict         Type = "sync-conflict"
	SyncCompleted        Type = "sync-completed"
	StudentCheckedIn     Type = "student-checked-in"
	StudentsMissing      Type = "students-missing"
	StudentFound         Type = "student-found"
	CheckpointCompleted  Type = "checkpoint-completed"
	HeadCountDiscrepancy Type = "head-count-discrepancy"
	CaptureSubmitted     Type = "capture-submitted"
)

type Event struct {
	Type Type      `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data,omitempty"`
}

type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus delivers events synchronously, in subscription order, on the
// publisher's goroutine. A panicking handler is logged and skipped.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	byType map[Type][]subscription
	all    []subscription
}

func NewBus() *Bus {
	return &Bus{byType: make(map[Type][]subscription)}
}

// Subscribe registers h for one event type and returns its unsubscribe handle.
func (b *Bus) Subscribe(t Type, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.byType[t] = append(b.byType[t], subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.byType[t] = remove(b.byType[t], id)
	}
}

// SubscribeAll registers h for every event type.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = remove(b.all, id)
	}
}

func (b *Bus) Publish(t Type, data any) {
	e := Event{Type: t, At: time.Now().UTC(), Data: data}

	b.mu.RLock()
	handlers := make([]subscription, 0, len(b.byType[t])+len(b.all))
	handlers = append(handlers, b.byType[t]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, s := range handlers {
		dispatch(s.handler, e)
	}
}

// Reset drops every subscription.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byType = make(map[Type][]subscription)
	b.all = nil
}

func dispatch(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("Event handler panicked",
				zap.String("event", string(e.Type)),
				zap.Any("panic", r),
			)
		}
	}()
	h(e)
}

func remove(subs []subscription, id uint64) []subscription {
	for i, s := range subs {
		if s.id == id {
			out := make([]subscription, 0, len(subs)-1)
			out = append(out, subs[:i]...)
			return append(out, subs[i+1:]...)
		}
	}
	return subs
}
