package audit_test

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/coffre-fort/coffre/common/trace"
	"github.com/coffre-fort/coffre/internal/coffre/access"
	"github.com/coffre-fort/coffre/internal/coffre/audit"
	"github.com/coffre-fort/coffre/internal/coffre/kv/memkv"
)

// fakeSender records notices for assertion.
type fakeSender struct {
	notices []string
	err     error
}

func (f *fakeSender) SendNotice(_, msg string) error {
	f.notices = append(f.notices, msg)
	return f.err
}

func TestMatrixNotifier_SendsNotice(t *testing.T) {
	sender := &fakeSender{}
	n := audit.NewMatrixNotifier(sender, "!room:example.com")

	n.Notify(context.Background(), audit.Event{
		Kind:    audit.KindRequestApproved,
		Actor:   "admin@example.com",
		Target:  "u2 → d7",
		Message: "approved",
		TraceID: "t_abc123",
	})

	if len(sender.notices) != 1 {
		t.Fatalf("expected 1 notice, got %d", len(sender.notices))
	}
	msg := sender.notices[0]
	for _, want := range []string{"u2 → d7", "approved", "t_abc123", "admin@example.com"} {
		if !strings.Contains(msg, want) {
			t.Errorf("notice missing %q: %q", want, msg)
		}
	}
}

func TestMatrixNotifier_TraceFromContext(t *testing.T) {
	sender := &fakeSender{}
	n := audit.NewMatrixNotifier(sender, "!room:example.com")

	ctx := trace.WithTraceID(context.Background(), "t_ctx")
	n.Notify(ctx, audit.Event{Kind: audit.KindAccessRevoked, Message: "revoked"})

	if len(sender.notices) != 1 || !strings.Contains(sender.notices[0], "t_ctx") {
		t.Fatalf("expected trace id from context, got %v", sender.notices)
	}
}

func TestMatrixNotifier_NoopWhenEmptyRoom(t *testing.T) {
	sender := &fakeSender{}
	n := audit.NewMatrixNotifier(sender, "")

	n.Notify(context.Background(), audit.Event{Kind: audit.KindAccessRevoked, Message: "revoked"})

	if len(sender.notices) != 0 {
		t.Fatalf("expected no notices for empty room, got %d", len(sender.notices))
	}
}

func TestMatrixNotifier_SendFailureIsSwallowed(t *testing.T) {
	sender := &fakeSender{err: errors.New("homeserver down")}
	n := audit.NewMatrixNotifier(sender, "!room:example.com")
	// Must not panic or propagate.
	n.Notify(context.Background(), audit.Event{Kind: audit.KindError, Message: "boom"})
}

func TestNoop(t *testing.T) {
	audit.Noop{}.Notify(context.Background(), audit.Event{Kind: audit.KindError, Message: "boom"})
}

func TestGrantListener(t *testing.T) {
	rec := &audit.Recorder{}
	clk := testclock.NewClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	store := access.NewStore(memkv.New(clk), clk, audit.GrantListener{Notifier: rec})
	ctx := context.Background()

	if _, err := store.Grant(ctx, "u1", "d1", clk.Now().Add(time.Hour), []string{"view", "ocr"}, access.GrantedBy("admin")); err != nil {
		t.Fatal(err)
	}
	if err := store.Revoke(ctx, "u1", "d1"); err != nil {
		t.Fatal(err)
	}

	want := []audit.Kind{audit.KindAccessGranted, audit.KindAccessRevoked}
	if got := rec.Kinds(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	granted := rec.Events()[0]
	if granted.Actor != "admin" || granted.Target != "u1 → d1" {
		t.Errorf("unexpected grant event %+v", granted)
	}
	if !strings.Contains(granted.Message, "view,ocr") || !strings.Contains(granted.Message, "2026-05-01T13:00:00Z") {
		t.Errorf("unexpected grant message %q", granted.Message)
	}
}
