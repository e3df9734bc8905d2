package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// EventKind classifies bus events emitted by the core.
type EventKind string

const (
	EventCyclePhase      EventKind = "cycle_phase"
	EventChangeStatus    EventKind = "change_status"
	EventApprovalRequest EventKind = "approval_request"
	EventMemoryPruned    EventKind = "memory_pruned"
)

// Event is a single observable occurrence in the improvement pipeline.
type Event struct {
	Kind     EventKind
	Target   string
	CycleID  string
	ChangeID string
	Actor    string
	From     string
	To       string
	Message  string
	At       time.Time
}

// EventBus fans core events out to in-process consumers (notifiers, CLI
// watchers). Publishing never blocks the pipeline for long: if a buffer is
// full past the publish timeout the event is counted as dropped.
type EventBus struct {
	events  chan Event
	notify  chan Event
	closed  bool
	dropped droppedCounters
	mu      sync.RWMutex
}

type droppedCounters struct {
	events atomic.Uint64
	notify atomic.Uint64
}

const publishTimeout = 100 * time.Millisecond

func NewEventBus() *EventBus {
	return &EventBus{
		events: make(chan Event, 100),
		notify: make(chan Event, 100),
	}
}

func (b *EventBus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	select {
	case b.events <- ev:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.events <- ev:
		case <-timer.C:
			b.dropped.events.Add(1)
		}
	}
}

func (b *EventBus) Consume(ctx context.Context) (Event, bool) {
	select {
	case ev, ok := <-b.events:
		if !ok {
			return Event{}, false
		}
		return ev, true
	case <-ctx.Done():
		return Event{}, false
	}
}

// PublishNotification queues an event for outbound delivery (Discord, etc).
func (b *EventBus) PublishNotification(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	select {
	case b.notify <- ev:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.notify <- ev:
		case <-timer.C:
			b.dropped.notify.Add(1)
		}
	}
}

func (b *EventBus) ConsumeNotification(ctx context.Context) (Event, bool) {
	select {
	case ev, ok := <-b.notify:
		if !ok {
			return Event{}, false
		}
		return ev, true
	case <-ctx.Done():
		return Event{}, false
	}
}

func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.events)
	close(b.notify)
}

func (b *EventBus) DroppedEvents() uint64 {
	return b.dropped.events.Load()
}

func (b *EventBus) DroppedNotifications() uint64 {
	return b.dropped.notify.Load()
}
