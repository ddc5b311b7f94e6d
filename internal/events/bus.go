// Package events provides the in-process event bus and the append-only
// audit log. Every observable state change in the daemon flows through
// here: run lifecycle, backpressure sheds, store commits, recoveries.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type identifies what happened. Payload keys are documented per type.
type Type string

const (
	// Scheduler lifecycle. Payload: run_id, agent, path, attempt.
	TypeRunStarted   Type = "run_started"
	TypeRunCompleted Type = "run_completed"
	TypeRunRetried   Type = "run_retried"
	TypeRunFailed    Type = "run_failed"
	TypeRunCancelled Type = "run_cancelled"

	// TypeBackpressureShed reports a queued key dropped to admit higher
	// priority work. Payload: agent, path, priority.
	TypeBackpressureShed Type = "backpressure_shed"

	// Store activity. Payload: finding_id, agent, path, tier.
	TypeFindingStored      Type = "finding_stored"
	TypeFindingsEvicted    Type = "findings_evicted"
	TypePartitionRecovered Type = "partition_recovered"

	// Daemon lifecycle and workflow context changes.
	TypeDaemonStarted  Type = "daemon_started"
	TypeDaemonStopping Type = "daemon_stopping"
	TypeContextUpdated Type = "context_updated"

	// TypeAll subscribes to every event; the audit logger uses it.
	TypeAll Type = "*"
)

// Event is one published occurrence.
type Event struct {
	Type      Type
	Timestamp time.Time
	Data      map[string]any
}

// Subscriber receives events on its own goroutine.
type Subscriber func(Event)

// Bus fans published events out to subscribers. Publish never blocks: each
// subscriber has a buffered channel and events are dropped, counted, when a
// subscriber falls behind. A slow notifier can never stall the scheduler.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]chan Event
	bufferSize  int
	dropped     atomic.Int64
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[Type][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for one event type, or for everything with
// TypeAll. Delivery is sequential per subscriber and a panicking subscriber
// is recovered, never taking the bus down. The returned function
// unsubscribes.
func (b *Bus) Subscribe(t Type, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[t] = append(b.subscribers[t], ch)

	go func() {
		for event := range ch {
			deliver(fn, event)
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[t]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[t] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

func deliver(fn Subscriber, event Event) {
	defer func() {
		// A subscriber panic must not kill the delivery goroutine.
		_ = recover()
	}()
	fn(event)
}

// Publish sends the event to subscribers of its type and to TypeAll
// subscribers. Full subscriber buffers drop the event for that subscriber.
func (b *Bus) Publish(t Type, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      t,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[t] {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
	if t != TypeAll {
		for _, ch := range b.subscribers[TypeAll] {
			select {
			case ch <- event:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// Dropped reports how many events were lost to full subscriber buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel and clears the registry.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, t)
	}
}
