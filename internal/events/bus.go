// Package events carries orchestration events to in-process subscribers and
// to the append-only audit log.
package events

import (
	"sync"
	"time"
)

type EventType string

const (
	EventStoryExpanded      EventType = "story_expanded"
	EventItemClaimed        EventType = "item_claimed"
	EventItemCompleted      EventType = "item_completed"
	EventItemRequeued       EventType = "item_requeued"
	EventItemCancelled      EventType = "item_cancelled"
	EventGateDecision       EventType = "gate_decision"
	EventEscalationRaised   EventType = "escalation_raised"
	EventEscalationResolved EventType = "escalation_resolved"
	EventWorkerStalled      EventType = "worker_stalled"
	EventDaemonStarted      EventType = "daemon_started"
	EventDaemonStopped      EventType = "daemon_stopped"
)

type Event struct {
	Type      EventType
	Timestamp time.Time
	Fields    map[string]any
}

type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe fanout. Delivery is asynchronous
// through a buffered channel per subscriber; when a subscriber falls behind
// and its buffer fills, events for it are dropped rather than stalling the
// orchestration loop.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for one event type and returns its unsubscribe
// function. A panicking subscriber is recovered so it cannot take the bus
// down with it.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() { recover() }()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// Publish fans an event out to all subscribers of its type without blocking.
func (b *Bus) Publish(eventType EventType, fields map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full. Drop.
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
