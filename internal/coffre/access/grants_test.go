package access_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/coffre-fort/coffre/internal/coffre/access"
	"github.com/coffre-fort/coffre/internal/coffre/kv"
	"github.com/coffre-fort/coffre/internal/coffre/kv/memkv"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	clock *testclock.Clock
	kv    *memkv.Store
	store *access.Store
}

func newFixture(t *testing.T, listeners ...access.Listener) *fixture {
	t.Helper()
	clk := testclock.NewClock(epoch)
	mem := memkv.New(clk)
	return &fixture{clock: clk, kv: mem, store: access.NewStore(mem, clk, listeners...)}
}

func TestGrant_ViewOnlyScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.store.Grant(ctx, "u1", "d1", epoch.Add(time.Hour), []string{"view"}); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if !f.store.HasPermission(ctx, "u1", "d1", access.PermView) {
		t.Error("expected view permission")
	}
	if f.store.HasPermission(ctx, "u1", "d1", access.PermDownload) {
		t.Error("download was not granted")
	}
}

func TestHasPermission_MembershipAndExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	granted := []string{"view", "ocr"}

	if _, err := f.store.Grant(ctx, "u1", "d1", epoch.Add(30*time.Minute), granted); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	for _, p := range access.AllPermissions {
		want := p == access.PermView || p == access.PermOCR
		if got := f.store.HasPermission(ctx, "u1", "d1", p); got != want {
			t.Errorf("before expiry: HasPermission(%s) = %v, want %v", p, got, want)
		}
	}

	f.clock.Advance(30 * time.Minute)
	for _, p := range access.AllPermissions {
		if f.store.HasPermission(ctx, "u1", "d1", p) {
			t.Errorf("after expiry: HasPermission(%s) should be false", p)
		}
	}
}

func TestGrant_ExpiryRemovesFromAccessibleResources(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.store.Grant(ctx, "u1", "short", epoch.Add(time.Hour), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.Grant(ctx, "u1", "long", epoch.Add(48*time.Hour), nil); err != nil {
		t.Fatal(err)
	}

	got, err := f.store.AccessibleResources(ctx, "u1")
	if err != nil {
		t.Fatalf("AccessibleResources: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"long", "short"}) {
		t.Fatalf("expected both documents, got %v", got)
	}

	f.clock.Advance(2 * time.Hour)

	got, err = f.store.AccessibleResources(ctx, "u1")
	if err != nil {
		t.Fatalf("AccessibleResources: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"long"}) {
		t.Fatalf("expected only the long grant, got %v", got)
	}
	if f.store.HasPermission(ctx, "u1", "short", access.PermView) {
		t.Error("expired grant still answers HasPermission")
	}

	members, _ := f.kv.SetMembers(ctx, access.UserIndexKey("u1"))
	if !reflect.DeepEqual(members, []string{"long"}) {
		t.Errorf("expected index pruned to [long], got %v", members)
	}
}

func TestAccessibleResources_PrunesStaleIndexMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.store.Grant(ctx, "u1", "d1", epoch.Add(time.Hour), nil); err != nil {
		t.Fatal(err)
	}
	// An index entry with no grant behind it, as left by a crashed writer.
	if err := f.kv.SetAdd(ctx, access.UserIndexKey("u1"), "ghost"); err != nil {
		t.Fatal(err)
	}

	got, err := f.store.AccessibleResources(ctx, "u1")
	if err != nil {
		t.Fatalf("AccessibleResources: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"d1"}) {
		t.Fatalf("stale member returned: %v", got)
	}

	members, _ := f.kv.SetMembers(ctx, access.UserIndexKey("u1"))
	if !reflect.DeepEqual(members, []string{"d1"}) {
		t.Fatalf("expected ghost pruned from index, got %v", members)
	}
}

func TestAccessibleResources_UnknownUser(t *testing.T) {
	f := newFixture(t)
	got, err := f.store.AccessibleResources(context.Background(), "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty list, got %v", got)
	}
}

func TestGrant_NormalizesPermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   []string
		want []access.Permission
	}{
		{"empty defaults to view", nil, []access.Permission{access.PermView}},
		{"unknown only defaults to view", []string{"admin", "delete"}, []access.Permission{access.PermView}},
		{"filters and orders", []string{"upload", "bogus", "download", "upload"}, []access.Permission{access.PermDownload, access.PermUpload}},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := string(rune('a' + i))
			g, err := f.store.Grant(ctx, "u1", doc, epoch.Add(time.Hour), tc.in)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(g.Permissions, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, g.Permissions)
			}
		})
	}
}

func TestGrant_PastExpiryStillLivesOneSecond(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	g, err := f.store.Grant(ctx, "u1", "d1", epoch.Add(-time.Hour), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !g.ExpiresAt.After(g.GrantedAt) {
		t.Fatalf("expiresAt %v must be after grantedAt %v", g.ExpiresAt, g.GrantedAt)
	}
	ttl, _ := f.kv.TTL(ctx, access.GrantKey("u1", "d1"))
	if ttl != time.Second {
		t.Errorf("expected 1s ttl, got %s", ttl)
	}
}

func TestGrant_IndexTTLOnlyExtends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.store.Grant(ctx, "u1", "long", epoch.Add(10*24*time.Hour), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.Grant(ctx, "u1", "short", epoch.Add(time.Hour), nil); err != nil {
		t.Fatal(err)
	}

	ttl, err := f.kv.TTL(ctx, access.UserIndexKey("u1"))
	if err != nil {
		t.Fatal(err)
	}
	if ttl < 10*24*time.Hour {
		t.Fatalf("index ttl shortened to %s", ttl)
	}
}

func TestGrant_RegrantReplaces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.store.Grant(ctx, "u1", "d1", epoch.Add(time.Hour), []string{"view", "download"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.Grant(ctx, "u1", "d1", epoch.Add(2*time.Hour), []string{"view"}, access.GrantedBy("admin")); err != nil {
		t.Fatal(err)
	}

	g, err := f.store.GetGrant(ctx, "u1", "d1")
	if err != nil {
		t.Fatal(err)
	}
	if g.Has(access.PermDownload) {
		t.Error("re-grant should replace the permission set")
	}
	if g.GrantedBy != "admin" {
		t.Errorf("expected grantedBy admin, got %q", g.GrantedBy)
	}
	grants, _ := f.store.UserGrants(ctx, "u1")
	if len(grants) != 1 {
		t.Errorf("expected exactly one grant for the pair, got %d", len(grants))
	}
}

func TestHasPermission_FailsClosedOnMalformedGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.kv.SetWithTTL(ctx, access.GrantKey("u1", "d1"), "{not json", time.Hour); err != nil {
		t.Fatal(err)
	}
	if f.store.HasPermission(ctx, "u1", "d1", access.PermView) {
		t.Fatal("malformed grant must not grant access")
	}
	if _, err := f.store.GetGrant(ctx, "u1", "d1"); !errors.Is(err, kv.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestHasPermission_FailsClosedOnStoreError(t *testing.T) {
	clk := testclock.NewClock(epoch)
	store := access.NewStore(&failingStore{Store: memkv.New(clk), failGets: true}, clk)
	if store.HasPermission(context.Background(), "u1", "d1", access.PermView) {
		t.Fatal("store error must not grant access")
	}
}

func TestRevoke_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.store.Grant(ctx, "u1", "d1", epoch.Add(time.Hour), nil); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := f.store.Revoke(ctx, "u1", "d1"); err != nil {
			t.Fatalf("Revoke #%d: %v", i+1, err)
		}
	}
	if f.store.HasPermission(ctx, "u1", "d1", access.PermView) {
		t.Error("revoked grant still active")
	}
	if docs, _ := f.store.AccessibleResources(ctx, "u1"); len(docs) != 0 {
		t.Errorf("expected no accessible documents, got %v", docs)
	}
}

func TestAllGrants_SkipsUndecodableAndOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, pair := range [][2]string{{"u2", "d1"}, {"u1", "d2"}, {"u1", "d1"}} {
		if _, err := f.store.Grant(ctx, pair[0], pair[1], epoch.Add(time.Hour), nil); err != nil {
			t.Fatal(err)
		}
	}
	_ = f.kv.Set(ctx, "grant:u3:broken", "garbage")

	grants, err := f.store.AllGrants(ctx)
	if err != nil {
		t.Fatalf("AllGrants: %v", err)
	}
	var got [][2]string
	for _, g := range grants {
		got = append(got, [2]string{g.UserID, g.ResourceID})
	}
	want := [][2]string{{"u1", "d1"}, {"u1", "d2"}, {"u2", "d1"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestUserGrants_DoesNotMatchPrefixUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _ = f.store.Grant(ctx, "u1", "d1", epoch.Add(time.Hour), nil)
	_, _ = f.store.Grant(ctx, "u10", "d9", epoch.Add(time.Hour), nil)

	grants, err := f.store.UserGrants(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(grants) != 1 || grants[0].ResourceID != "d1" {
		t.Fatalf("expected only u1's grant, got %+v", grants)
	}
}

func TestUserPermissions_AggregatesLiveGrants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _ = f.store.Grant(ctx, "u1", "d1", epoch.Add(time.Hour), []string{"view", "ocr"})
	_, _ = f.store.Grant(ctx, "u1", "d2", epoch.Add(3*time.Hour), []string{"download"})
	_, _ = f.store.Grant(ctx, "u1", "d3", epoch.Add(10*time.Minute), []string{"upload"})
	f.clock.Advance(20 * time.Minute)

	perms, err := f.store.UserPermissions(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	want := []access.Permission{access.PermView, access.PermDownload, access.PermOCR}
	if !reflect.DeepEqual(perms, want) {
		t.Fatalf("expected %v, got %v", want, perms)
	}
	if !f.store.HasGlobalPermission(ctx, "u1", access.PermDownload) {
		t.Error("expected global download permission")
	}
	if f.store.HasGlobalPermission(ctx, "u1", access.PermUpload) {
		t.Error("upload grant has expired")
	}
}

func TestListener_SeesGrantAndRevoke(t *testing.T) {
	var kinds []access.ChangeKind
	f := newFixture(t, access.ListenerFunc(func(_ context.Context, c access.Change) {
		kinds = append(kinds, c.Kind)
	}))
	ctx := context.Background()

	_, _ = f.store.Grant(ctx, "u1", "d1", epoch.Add(time.Hour), nil)
	_ = f.store.Revoke(ctx, "u1", "d1")

	want := []access.ChangeKind{access.ChangeGranted, access.ChangeRevoked}
	if !reflect.DeepEqual(kinds, want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
}
