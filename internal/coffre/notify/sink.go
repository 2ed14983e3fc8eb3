// Package notify delivers readiness events for derived artifacts (OCR text)
// to whoever is waiting on them. Delivery is fire-and-forget: a sink logs its
// own failures and never reports them to the publisher.
package notify

import (
	"context"
	"sync"
)

// EventType is the readiness state being announced.
type EventType string

const (
	EventStarted    EventType = "started"
	EventProcessing EventType = "processing"
	EventComplete   EventType = "complete"
	EventTimeout    EventType = "timeout"
)

// Sink publishes readiness events.
type Sink interface {
	Publish(ctx context.Context, resourceID string, event EventType, payload map[string]any)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, resourceID string, event EventType, payload map[string]any)

// Publish calls f.
func (f SinkFunc) Publish(ctx context.Context, resourceID string, event EventType, payload map[string]any) {
	f(ctx, resourceID, event, payload)
}

// Noop drops every event.
type Noop struct{}

// Publish does nothing.
func (Noop) Publish(context.Context, string, EventType, map[string]any) {}

// Multi fans an event out to several sinks in order.
type Multi []Sink

// Publish forwards to every sink.
func (m Multi) Publish(ctx context.Context, resourceID string, event EventType, payload map[string]any) {
	for _, s := range m {
		s.Publish(ctx, resourceID, event, payload)
	}
}

// Event is one recorded publication.
type Event struct {
	ResourceID string
	Type       EventType
	Payload    map[string]any
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish records the event.
func (r *Recorder) Publish(_ context.Context, resourceID string, event EventType, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{ResourceID: resourceID, Type: event, Payload: payload})
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// For returns the events published for resourceID.
func (r *Recorder) For(resourceID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.ResourceID == resourceID {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many events of type t were published for resourceID.
func (r *Recorder) Count(resourceID string, t EventType) int {
	n := 0
	for _, e := range r.For(resourceID) {
		if e.Type == t {
			n++
		}
	}
	return n
}
