// Package audit posts concise summaries of access-control events to the
// admin audit room so operators can follow grants and request reviews
// without tailing logs.
//
// Supported event types (Event.Kind):
//   - KindAccessGranted, KindAccessRevoked
//   - KindRequestCreated, KindRequestApproved, KindRequestRejected
//   - KindError
//
// Events carry the originating trace ID so a notice can be matched to the
// service logs.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coffre-fort/coffre/common/trace"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindAccessGranted   Kind = "access.granted"
	KindAccessRevoked   Kind = "access.revoked"
	KindRequestCreated  Kind = "request.created"
	KindRequestApproved Kind = "request.approved"
	KindRequestRejected Kind = "request.rejected"
	KindError           Kind = "error"
)

// Event carries the data that the audit notifier formats and sends.
type Event struct {
	Kind Kind
	// Actor is the user or administrator that triggered the event.
	Actor string
	// Target is the primary resource affected, usually "user → document".
	Target  string
	Message string
	// TraceID defaults to the trace ID on the context.
	TraceID string
	// Timestamp defaults to time.Now() when zero.
	Timestamp time.Time
}

// Notifier sends audit notifications. Implementations must not block the
// caller for longer than a short timeout; send failures are logged, not
// propagated.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// Sender is the subset of the Matrix client needed by MatrixNotifier.
type Sender interface {
	SendNotice(roomID, message string) error
}

// MatrixNotifier posts formatted notices to a Matrix audit room.
type MatrixNotifier struct {
	sender Sender
	roomID string
}

// NewMatrixNotifier creates a MatrixNotifier that posts to roomID via sender.
func NewMatrixNotifier(sender Sender, roomID string) *MatrixNotifier {
	return &MatrixNotifier{sender: sender, roomID: roomID}
}

// Notify formats evt and posts it to the audit room.
func (n *MatrixNotifier) Notify(ctx context.Context, evt Event) {
	if n.roomID == "" {
		return
	}
	if evt.TraceID == "" {
		evt.TraceID = trace.FromContext(ctx)
	}

	msg := Format(evt)
	if err := n.sender.SendNotice(n.roomID, msg); err != nil {
		slog.Warn("audit notifier: failed to send room notice",
			"room", n.roomID, "kind", evt.Kind, "err", err)
	} else {
		slog.Debug("audit notifier: sent notice", "room", n.roomID, "kind", evt.Kind)
	}
}

// Format renders evt as the plain-text notice body.
func Format(evt Event) string {
	icon := kindIcon(evt.Kind)
	var b strings.Builder
	if evt.Target != "" {
		fmt.Fprintf(&b, "%s %s → %s", icon, evt.Target, evt.Message)
	} else {
		fmt.Fprintf(&b, "%s [%s] %s", icon, evt.Kind, evt.Message)
	}
	if evt.TraceID != "" {
		fmt.Fprintf(&b, "\n  trace: %s", evt.TraceID)
	}
	if evt.Actor != "" {
		fmt.Fprintf(&b, "\n  actor: %s", evt.Actor)
	}
	return b.String()
}

// Noop is a no-op Notifier used when audit room notifications are disabled.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(_ context.Context, _ Event) {}

// Recorder keeps every event in memory. coffrectl uses it to print what a
// command did, and tests use it to assert on emitted events.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Notify records evt.
func (r *Recorder) Notify(_ context.Context, evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the kinds of the recorded events in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func kindIcon(k Kind) string {
	switch k {
	case KindAccessGranted:
		return "🔓"
	case KindAccessRevoked:
		return "🔒"
	case KindRequestCreated:
		return "🔔"
	case KindRequestApproved:
		return "✅"
	case KindRequestRejected:
		return "❌"
	case KindError:
		return "🚨"
	default:
		return "ℹ️"
	}
}
