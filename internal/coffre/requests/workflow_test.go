package requests_test

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/coffre-fort/coffre/internal/coffre/access"
	"github.com/coffre-fort/coffre/internal/coffre/audit"
	"github.com/coffre-fort/coffre/internal/coffre/kv"
	"github.com/coffre-fort/coffre/internal/coffre/kv/memkv"
	"github.com/coffre-fort/coffre/internal/coffre/requests"
)

var epoch = time.Date(2026, 4, 10, 8, 30, 0, 0, time.UTC)

type fixture struct {
	clock    *testclock.Clock
	kv       kv.Store
	mem      *memkv.Store
	grants   *access.Store
	workflow *requests.Workflow
	audit    *audit.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := testclock.NewClock(epoch)
	mem := memkv.New(clk)
	return newFixtureWith(t, clk, mem, mem)
}

func newFixtureWith(t *testing.T, clk *testclock.Clock, mem *memkv.Store, store kv.Store) *fixture {
	t.Helper()
	rec := &audit.Recorder{}
	grants := access.NewStore(store, clk)
	return &fixture{
		clock:    clk,
		kv:       store,
		mem:      mem,
		grants:   grants,
		workflow: requests.NewWorkflow(store, grants, clk, rec),
		audit:    rec,
	}
}

func (f *fixture) create(t *testing.T, user, doc string, perms ...string) *requests.Request {
	t.Helper()
	r, err := f.workflow.Create(context.Background(), requests.CreateParams{
		UserID:        user,
		UserEmail:     user + "@x",
		ResourceID:    doc,
		ResourceTitle: strings.ToUpper(doc),
		Reason:        "need it",
		Permissions:   perms,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return r
}

func TestApprove_GrantsAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.create(t, "u2", "d7", "view")
	if want := "req_u2_d7_" + strconv.FormatInt(epoch.UnixMilli(), 10); r.ID != want {
		t.Fatalf("expected id %s, got %s", want, r.ID)
	}

	approved, err := f.workflow.Approve(ctx, r.ID, "admin", "admin@x", epoch.Add(24*time.Hour), "ok")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if approved.Status != requests.StatusApproved {
		t.Fatalf("expected approved, got %s", approved.Status)
	}
	if approved.ReviewedBy != "admin" || approved.ReviewerEmail != "admin@x" || approved.ReviewNote != "ok" {
		t.Errorf("reviewer metadata not stamped: %+v", approved)
	}
	if approved.ReviewedAt == nil || approved.GrantExpiresAt == nil || !approved.GrantExpiresAt.Equal(epoch.Add(24*time.Hour)) {
		t.Errorf("unexpected review times: %+v", approved)
	}
	if !f.grants.HasPermission(ctx, "u2", "d7", access.PermView) {
		t.Fatal("approval did not grant view")
	}

	g, err := f.grants.GetGrant(ctx, "u2", "d7")
	if err != nil {
		t.Fatal(err)
	}
	if g.RequestID != r.ID || g.GrantedBy != "admin" {
		t.Errorf("grant not linked to request: %+v", g)
	}

	stored, err := f.workflow.Get(ctx, r.ID)
	if err != nil || stored.Status != requests.StatusApproved {
		t.Fatalf("stored request = %+v, %v", stored, err)
	}
	members, _ := f.kv.SetMembers(ctx, requests.PendingKey)
	if len(members) != 0 {
		t.Errorf("approved request still indexed as pending: %v", members)
	}

	want := []audit.Kind{audit.KindRequestCreated, audit.KindRequestApproved}
	if got := f.audit.Kinds(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected audit %v, got %v", want, got)
	}
}

func TestTransitionsAreTerminal(t *testing.T) {
	type step func(f *fixture, id string) (*requests.Request, error)
	approve := func(f *fixture, id string) (*requests.Request, error) {
		return f.workflow.Approve(context.Background(), id, "admin", "admin@x", epoch.Add(time.Hour), "")
	}
	reject := func(f *fixture, id string) (*requests.Request, error) {
		return f.workflow.Reject(context.Background(), id, "admin", "admin@x", "no")
	}

	cases := []struct {
		name          string
		first, second step
		final         requests.Status
	}{
		{"approve then approve", approve, approve, requests.StatusApproved},
		{"approve then reject", approve, reject, requests.StatusApproved},
		{"reject then approve", reject, approve, requests.StatusRejected},
		{"reject then reject", reject, reject, requests.StatusRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			r := f.create(t, "u1", "d1")

			if _, err := tc.first(f, r.ID); err != nil {
				t.Fatalf("first transition: %v", err)
			}
			before, _ := f.workflow.Get(context.Background(), r.ID)

			f.clock.Advance(time.Minute)
			if _, err := tc.second(f, r.ID); !errors.Is(err, requests.ErrAlreadyProcessed) {
				t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
			}

			after, _ := f.workflow.Get(context.Background(), r.ID)
			if after.Status != tc.final || !reflect.DeepEqual(before, after) {
				t.Fatalf("second call changed the request:\nbefore %+v\nafter  %+v", before, after)
			}
		})
	}
}

func TestReject_DoesNotGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "u1", "d1", "view", "download")

	rejected, err := f.workflow.Reject(ctx, r.ID, "admin", "admin@x", "not today")
	if err != nil {
		t.Fatal(err)
	}
	if rejected.Status != requests.StatusRejected || rejected.ReviewNote != "not today" {
		t.Fatalf("unexpected result %+v", rejected)
	}
	if f.grants.HasPermission(ctx, "u1", "d1", access.PermView) {
		t.Fatal("reject must not grant")
	}
}

func TestTransitions_UnknownID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.workflow.Approve(ctx, "req_nope", "a", "a@x", epoch.Add(time.Hour), ""); !errors.Is(err, requests.ErrNotFound) {
		t.Errorf("approve: expected ErrNotFound, got %v", err)
	}
	if _, err := f.workflow.Reject(ctx, "req_nope", "a", "a@x", ""); !errors.Is(err, requests.ErrNotFound) {
		t.Errorf("reject: expected ErrNotFound, got %v", err)
	}
}

func TestRequestsExpireAfterRetention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "u1", "d1")

	f.clock.Advance(requests.Retention)
	if _, err := f.workflow.Get(ctx, r.ID); !errors.Is(err, requests.ErrNotFound) {
		t.Fatalf("expected request to age out, got %v", err)
	}
	if _, err := f.workflow.Approve(ctx, r.ID, "a", "a@x", epoch.Add(time.Hour), ""); !errors.Is(err, requests.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolvedRequestKeepsRetentionWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.create(t, "u1", "d1")

	f.clock.Advance(10 * 24 * time.Hour)
	if _, err := f.workflow.Reject(ctx, r.ID, "a", "a@x", ""); err != nil {
		t.Fatal(err)
	}
	ttl, _ := f.kv.TTL(ctx, requests.Key(r.ID))
	if ttl != 20*24*time.Hour {
		t.Fatalf("expected remaining retention of 20 days, got %s", ttl)
	}
}

func TestCreate_SameMillisecondGetsDistinctIDs(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "u1", "d1")
	b := f.create(t, "u1", "d1")
	if a.ID == b.ID {
		t.Fatalf("duplicate id %s", a.ID)
	}
	if a.RequestedPermissions[0] != access.PermView {
		t.Errorf("expected default view permission, got %v", a.RequestedPermissions)
	}
}

func TestPending_ReadRepairsIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	keep := f.create(t, "u1", "d1")
	f.clock.Advance(time.Second)
	newer := f.create(t, "u2", "d2")
	f.clock.Advance(time.Second)
	done := f.create(t, "u3", "d3")

	// Simulate a crash between re-persisting and unindexing: the request is
	// approved in the store but still listed as pending.
	stored, _ := f.workflow.Get(ctx, done.ID)
	stored.Status = requests.StatusApproved
	if err := kv.PutJSON(ctx, f.kv, requests.Key(done.ID), stored, time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := f.kv.SetAdd(ctx, requests.PendingKey, "req_ghost_1"); err != nil {
		t.Fatal(err)
	}

	pending, err := f.workflow.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	var ids []string
	for _, r := range pending {
		ids = append(ids, r.ID)
	}
	if !reflect.DeepEqual(ids, []string{newer.ID, keep.ID}) {
		t.Fatalf("expected newest-first pending [%s %s], got %v", newer.ID, keep.ID, ids)
	}

	members, _ := f.kv.SetMembers(ctx, requests.PendingKey)
	want := []string{keep.ID, newer.ID}
	if !reflect.DeepEqual(members, want) {
		t.Fatalf("expected index repaired to %v, got %v", want, members)
	}
}

func TestReadViews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.create(t, "u1", "d1")
	f.clock.Advance(time.Minute)
	second := f.create(t, "u1", "d2")
	f.clock.Advance(time.Minute)
	other := f.create(t, "u2", "d1")
	f.clock.Advance(time.Minute)
	again := f.create(t, "u1", "d1")

	if _, err := f.workflow.Reject(ctx, second.ID, "a", "a@x", ""); err != nil {
		t.Fatal(err)
	}

	ids := func(rs []*requests.Request) []string {
		var out []string
		for _, r := range rs {
			out = append(out, r.ID)
		}
		return out
	}

	all, err := f.workflow.All(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := ids(all), []string{again.ID, other.ID, second.ID, first.ID}; !reflect.DeepEqual(got, want) {
		t.Errorf("All(true) = %v, want %v", got, want)
	}

	open, _ := f.workflow.All(ctx, false)
	if got, want := ids(open), []string{again.ID, other.ID, first.ID}; !reflect.DeepEqual(got, want) {
		t.Errorf("All(false) = %v, want %v", got, want)
	}

	mine, _ := f.workflow.ForUser(ctx, "u1")
	if got, want := ids(mine), []string{again.ID, second.ID, first.ID}; !reflect.DeepEqual(got, want) {
		t.Errorf("ForUser = %v, want %v", got, want)
	}

	latest, err := f.workflow.PendingForResource(ctx, "u1", "d1")
	if err != nil || latest.ID != again.ID {
		t.Errorf("PendingForResource = %v, %v; want %s", latest, err, again.ID)
	}
	if _, err := f.workflow.PendingForResource(ctx, "u1", "d2"); !errors.Is(err, requests.ErrNotFound) {
		t.Errorf("expected ErrNotFound for processed request, got %v", err)
	}
}

// racingStore lets a test run code in the middle of a transition: when the
// grant is written, when a request is first read, or just before a request
// is written back. Each hook fires once.
type racingStore struct {
	*memkv.Store
	onGrantWrite   func()
	onRequestRead  func()
	onRequestWrite func()
}

func fire(hook *func()) {
	if *hook == nil {
		return
	}
	h := *hook
	*hook = nil
	h()
}

func (s *racingStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	switch {
	case strings.HasPrefix(key, "grant:"):
		fire(&s.onGrantWrite)
	case key != requests.PendingKey && strings.HasPrefix(key, "access_request:"):
		fire(&s.onRequestWrite)
	}
	return s.Store.SetWithTTL(ctx, key, value, ttl)
}

func (s *racingStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.Store.Get(ctx, key)
	if strings.HasPrefix(key, "access_request:") {
		fire(&s.onRequestRead)
	}
	return v, err
}

func TestApprove_ConcurrentRejectIsVisible(t *testing.T) {
	clk := testclock.NewClock(epoch)
	mem := memkv.New(clk)
	rs := &racingStore{Store: mem}
	f := newFixtureWith(t, clk, mem, rs)
	ctx := context.Background()

	r := f.create(t, "u1", "d1")
	rs.onGrantWrite = func() {
		if _, err := f.workflow.Reject(ctx, r.ID, "other-admin", "other@x", "raced"); err != nil {
			t.Errorf("concurrent reject: %v", err)
		}
	}

	got, err := f.workflow.Approve(ctx, r.ID, "admin", "admin@x", epoch.Add(time.Hour), "ok")
	if !errors.Is(err, requests.ErrConcurrentTransition) {
		t.Fatalf("expected ErrConcurrentTransition, got %v", err)
	}
	if got == nil || got.Status != requests.StatusRejected || got.ReviewedBy != "other-admin" {
		t.Fatalf("expected the concurrent rejection to be reported, got %+v", got)
	}

	stored, _ := f.workflow.Get(ctx, r.ID)
	if stored.Status != requests.StatusRejected {
		t.Fatalf("approve overwrote the concurrent rejection: %+v", stored)
	}
	// The grant written before the race was noticed is reported, not undone.
	if !f.grants.HasPermission(ctx, "u1", "d1", access.PermView) {
		t.Error("expected the raced grant to remain")
	}
}

func TestReject_ConcurrentApproveIsVisible(t *testing.T) {
	cases := []struct {
		name string
		hook func(rs *racingStore, race func())
		// stored is the status left in the store once both calls return.
		stored requests.Status
	}{
		{
			name:   "approved before the re-read",
			hook:   func(rs *racingStore, race func()) { rs.onRequestRead = race },
			stored: requests.StatusApproved,
		},
		{
			name:   "approved while the rejection is written",
			hook:   func(rs *racingStore, race func()) { rs.onRequestWrite = race },
			stored: requests.StatusRejected,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clk := testclock.NewClock(epoch)
			mem := memkv.New(clk)
			rs := &racingStore{Store: mem}
			f := newFixtureWith(t, clk, mem, rs)
			ctx := context.Background()

			r := f.create(t, "u1", "d1")
			tc.hook(rs, func() {
				if _, err := f.workflow.Approve(ctx, r.ID, "a1", "a1@x", epoch.Add(time.Hour), "raced"); err != nil {
					t.Errorf("concurrent approve: %v", err)
				}
			})

			got, err := f.workflow.Reject(ctx, r.ID, "a2", "a2@x", "no")
			if !errors.Is(err, requests.ErrConcurrentTransition) {
				t.Fatalf("expected ErrConcurrentTransition, got %v", err)
			}
			if got == nil || got.Status != tc.stored {
				t.Fatalf("expected the stored request to be reported, got %+v", got)
			}
			stored, _ := f.workflow.Get(ctx, r.ID)
			if stored.Status != tc.stored {
				t.Fatalf("stored status = %s, want %s", stored.Status, tc.stored)
			}
			if !f.grants.HasPermission(ctx, "u1", "d1", access.PermView) {
				t.Error("expected the approved grant to remain")
			}
		})
	}
}
