// Package events carries run progress notifications to whoever wants them
// (CLI output, logs) without coupling the orchestrator to its observers.
package events

import (
	"sync"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	EventTaskDispatched EventType = "task_dispatched"
	EventTaskPassed     EventType = "task_passed"
	EventTaskFailed     EventType = "task_failed"
	EventTaskTimeout    EventType = "task_timeout"
	EventWaveStarted    EventType = "wave_started"
	EventWaveCompleted  EventType = "wave_completed"
	EventWaveRetried    EventType = "wave_retried"
	EventPlanHalted     EventType = "plan_halted"
	EventPlanStale      EventType = "plan_stale"
)

// Event represents a single run occurrence. TaskID and WaveID are set when
// they apply.
type Event struct {
	Type      EventType
	Timestamp time.Time
	TaskID    string
	WaveID    int
	Data      map[string]any
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe bus. Events are delivered
// asynchronously via buffered channels; a full subscriber buffer drops the
// event rather than stalling the orchestrator.
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

// Subscribe registers fn for one event type. Delivery runs in its own
// goroutine; a panic in fn is swallowed so it cannot take the bus down.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() {
					_ = recover()
				}()
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

// SubscribeAll registers fn for every known event type. Returns an
// unsubscribe function covering all of them.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	types := []EventType{
		EventTaskDispatched, EventTaskPassed, EventTaskFailed, EventTaskTimeout,
		EventWaveStarted, EventWaveCompleted, EventWaveRetried,
		EventPlanHalted, EventPlanStale,
	}
	unsubs := make([]func(), 0, len(types))
	for _, t := range types {
		unsubs = append(unsubs, b.Subscribe(t, fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Publish sends an event to all subscribers of its type without blocking.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// Subscriber is behind; drop rather than stall the run.
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
