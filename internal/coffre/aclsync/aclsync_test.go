package aclsync_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/coffre-fort/coffre/common/retry"
	"github.com/coffre-fort/coffre/internal/coffre/access"
	"github.com/coffre-fort/coffre/internal/coffre/aclsync"
	"github.com/coffre-fort/coffre/internal/coffre/kv"
	"github.com/coffre-fort/coffre/internal/coffre/kv/memkv"
)

var epoch = time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)

func TestPermissionKeys(t *testing.T) {
	cases := []struct {
		perms []access.Permission
		want  []string
	}{
		{
			[]access.Permission{access.PermView},
			[]string{aclsync.KeyDocumentFileView, aclsync.KeyDocumentView},
		},
		{
			[]access.Permission{access.PermDownload, access.PermOCR},
			[]string{aclsync.KeyFileDownload, aclsync.KeyContentView, aclsync.KeyDocumentFileView, aclsync.KeyDocumentView},
		},
		{
			[]access.Permission{access.PermAISummary, access.PermUpload},
			[]string{aclsync.KeyDocumentFileView, aclsync.KeyDocumentView},
		},
	}
	for _, tc := range cases {
		if got := aclsync.PermissionKeys(tc.perms); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("PermissionKeys(%v) = %v, want %v", tc.perms, got, tc.want)
		}
	}
}

func TestRoleLabel(t *testing.T) {
	if got := aclsync.RoleLabel("abc"); got != "kc:abc" {
		t.Errorf("unexpected label %q", got)
	}
	if got := aclsync.RoleLabel(strings.Repeat("x", 200)); len(got) != 128 {
		t.Errorf("label not truncated: %d", len(got))
	}
}

func TestMapping(t *testing.T) {
	store := memkv.New(testclock.NewClock(epoch))
	m := aclsync.NewMapping(store)
	ctx := context.Background()

	if _, ok, err := m.Lookup(ctx, "u1"); ok || err != nil {
		t.Fatalf("unmapped lookup = %v, %v", ok, err)
	}
	if err := m.Set(ctx, "u1", 42); err != nil {
		t.Fatal(err)
	}
	if id, ok, err := m.Lookup(ctx, "u1"); !ok || err != nil || id != 42 {
		t.Fatalf("Lookup = %d, %v, %v", id, ok, err)
	}
	if raw, _ := store.Get(ctx, "mayan:user:u1"); raw != "42" {
		t.Errorf("stored value %q, want plain id", raw)
	}
	if err := m.Set(ctx, "u1", 0); err == nil {
		t.Error("expected invalid id to be rejected")
	}

	_ = store.Set(ctx, aclsync.MappingKey("u2"), "not-a-number")
	if _, _, err := m.Lookup(ctx, "u2"); !errors.Is(err, kv.ErrMalformed) {
		t.Errorf("expected ErrMalformed, got %v", err)
	}

	if err := m.Delete(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := m.Lookup(ctx, "u1"); ok {
		t.Error("mapping not deleted")
	}
}

func TestPlan(t *testing.T) {
	clk := testclock.NewClock(epoch)
	store := memkv.New(clk)
	grants := access.NewStore(store, clk)
	mapping := aclsync.NewMapping(store)
	ctx := context.Background()

	_, _ = grants.Grant(ctx, "u1", "12", epoch.Add(time.Hour), []string{"view", "download"})
	_, _ = grants.Grant(ctx, "u1", "11", epoch.Add(time.Hour), []string{"ocr"})
	_, _ = grants.Grant(ctx, "u2", "12", epoch.Add(time.Hour), nil)
	_, _ = grants.Grant(ctx, "u2", "13", epoch.Add(time.Hour), nil)
	_ = mapping.Set(ctx, "u1", 7)

	all, err := grants.AllGrants(ctx)
	if err != nil {
		t.Fatal(err)
	}
	plan, err := aclsync.Plan(ctx, all, mapping)
	if err != nil {
		t.Fatal(err)
	}

	if plan.Skipped != 2 || !reflect.DeepEqual(plan.SkippedUsers, []string{"u2"}) {
		t.Errorf("expected u2's two grants skipped, got %d %v", plan.Skipped, plan.SkippedUsers)
	}
	if len(plan.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", plan.Entries)
	}
	first := plan.Entries[0]
	if first.DocumentID != "11" || first.DMSUserID != 7 || first.Role != "kc:u1" {
		t.Errorf("unexpected entry %+v", first)
	}
	if !reflect.DeepEqual(first.PermissionKeys, []string{aclsync.KeyContentView, aclsync.KeyDocumentFileView, aclsync.KeyDocumentView}) {
		t.Errorf("unexpected keys %v", first.PermissionKeys)
	}
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestTrigger_SyncRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != aclsync.SyncPath {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if u, p, ok := r.BasicAuth(); !ok || u != "admin" || p != "s3cret-pass" {
			http.Error(w, `{"detail":"auth"}`, http.StatusUnauthorized)
			return
		}
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"stats":{"created":2,"updated":1,"deleted":3,"skipped":4}}`))
	}))
	defer srv.Close()

	trig := aclsync.NewTrigger(aclsync.TriggerConfig{BaseURL: srv.URL + "/", Username: "admin", Password: "s3cret-pass", Retry: fastRetry()})
	stats, err := trig.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if want := (aclsync.Stats{Created: 2, Updated: 1, Deleted: 3, Skipped: 4}); *stats != want {
		t.Errorf("stats = %+v, want %+v", *stats, want)
	}
	if calls.Load() != 2 {
		t.Errorf("expected one retry, got %d calls", calls.Load())
	}
}

func TestTrigger_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"ok":false,"error":"forbidden"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	trig := aclsync.NewTrigger(aclsync.TriggerConfig{BaseURL: srv.URL, Username: "u", Password: "pw-not-logged", Retry: fastRetry()})
	_, err := trig.Sync(context.Background())
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected 403 error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("client errors must not be retried, got %d calls", calls.Load())
	}
}

func TestTrigger_ListenerCoalescesChanges(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			<-release
		}
		w.Write([]byte(`{"ok":true,"stats":{}}`))
	}))
	defer srv.Close()

	trig := aclsync.NewTrigger(aclsync.TriggerConfig{BaseURL: srv.URL, Retry: fastRetry()})
	var mu sync.Mutex
	var runs int
	trig.OnDone(func(_ *aclsync.Stats, err error) {
		if err != nil {
			t.Errorf("background sync: %v", err)
		}
		mu.Lock()
		runs++
		mu.Unlock()
	})

	clk := testclock.NewClock(epoch)
	grants := access.NewStore(memkv.New(clk), clk, trig)
	ctx := context.Background()

	// The first change starts a sync that blocks in the handler; the next
	// three arrive while it is in flight and fold into one more run.
	if _, err := grants.Grant(ctx, "u1", "1", epoch.Add(time.Hour), nil); err != nil {
		t.Fatal(err)
	}
	for calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	_, _ = grants.Grant(ctx, "u1", "2", epoch.Add(time.Hour), nil)
	_, _ = grants.Grant(ctx, "u1", "3", epoch.Add(time.Hour), nil)
	_ = grants.Revoke(ctx, "u1", "1")
	close(release)
	trig.Wait()

	mu.Lock()
	defer mu.Unlock()
	if runs != 2 || calls.Load() != 2 {
		t.Fatalf("expected 2 syncs, got runs=%d calls=%d", runs, calls.Load())
	}
}
