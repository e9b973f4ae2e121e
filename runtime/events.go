// Event bus for runtime observability, decoupling producers (the job
// lifecycle, StepContext) from consumers (memory, streaming, telemetry).
// Adapted directly from the reference runtime's hooks package: the same
// Bus/Event/Subscriber/Subscription shape, generalized from an agent-turn
// vocabulary (RunStarted, ToolCallScheduled, PlannerNote, ...) to a job
// vocabulary (JobStarted, JobCompleted, LogAppended, MethodSwitched, ...).
package runtime

import (
	"context"
	"sort"
	"sync"
)

// EventType enumerates well-known runtime events broadcast on the job bus.
type EventType string

const (
	EventJobStarted       EventType = "job_started"
	EventJobCompleted     EventType = "job_completed"
	EventJobFailed        EventType = "job_failed"
	EventJobCancelled     EventType = "job_cancelled"
	EventLogAppended      EventType = "log_appended"
	EventMethodSwitched   EventType = "method_switched"
	EventStepUpdated      EventType = "step_updated"
	EventPolicyDecision   EventType = "policy_decision"
)

// Event is the payload published on the bus when a job starts running,
// completes, fails, or is cancelled, and when a StepContext appends a log
// entry, updates its step, or switches method. Dry-run completions, secret
// hydration failures, and RecordAPICall calls publish no event.
type Event struct {
	Type     EventType
	JobID    string
	TenantID string
	Payload  any
}

// Subscriber receives events published on a Bus.
type Subscriber interface {
	HandleEvent(ctx context.Context, event Event) error
}

// SubscriberFunc is an adapter that allows ordinary functions to act as
// Subscribers.
type SubscriberFunc func(ctx context.Context, event Event) error

// HandleEvent implements Subscriber by invoking the function.
func (fn SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return fn(ctx, event)
}

// Subscription is a handle for unregistering a Subscriber from a Bus.
type Subscription interface {
	Close() error
}

// EventBus is an in-process pub-sub fan-out. Publish dispatches
// synchronously to every current subscriber in registration order;
// subscriber errors are collected but never prevent delivery to the
// remaining subscribers.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]Subscriber
	nextID      int
}

// NewEventBus returns an empty EventBus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[int]Subscriber)}
}

// Register adds sub to the bus and returns a Subscription that removes it
// on Close.
func (b *EventBus) Register(sub Subscriber) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = sub
	return &busSubscription{bus: b, id: id}, nil
}

// Publish dispatches event to every registered subscriber. A nil bus is a
// valid no-op receiver so callers never need to guard against an
// unconfigured bus.
func (b *EventBus) Publish(ctx context.Context, event Event) error {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	ids := make([]int, 0, len(b.subscribers))
	for id := range b.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]Subscriber, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, b.subscribers[id])
	}
	b.mu.RUnlock()

	var firstErr error
	for _, s := range subs {
		if err := s.HandleEvent(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type busSubscription struct {
	bus *EventBus
	id  int
}

func (s *busSubscription) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subscribers, s.id)
	return nil
}
