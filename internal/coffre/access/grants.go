package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/juju/clock"

	"github.com/coffre-fort/coffre/common/trace"
	"github.com/coffre-fort/coffre/internal/coffre/kv"
)

const (
	grantPrefix     = "grant:"
	userIndexPrefix = "user_grants:"
)

// GrantKey is the store key of the grant for (userID, resourceID).
func GrantKey(userID, resourceID string) string {
	return grantPrefix + userID + ":" + resourceID
}

// UserIndexKey is the store key of userID's reverse index.
func UserIndexKey(userID string) string {
	return userIndexPrefix + userID
}

// ChangeKind distinguishes the events delivered to a Listener.
type ChangeKind string

const (
	ChangeGranted ChangeKind = "granted"
	ChangeRevoked ChangeKind = "revoked"
)

// Change describes a successful grant or revoke.
type Change struct {
	Kind       ChangeKind
	UserID     string
	ResourceID string
	// Grant is set for ChangeGranted.
	Grant *Grant
}

// Listener is told about every successful grant and revoke. Implementations
// must not block; slow work belongs in a goroutine.
type Listener interface {
	GrantChanged(ctx context.Context, change Change)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, change Change)

// GrantChanged calls f.
func (f ListenerFunc) GrantChanged(ctx context.Context, change Change) { f(ctx, change) }

// GrantOption decorates a grant before it is written.
type GrantOption func(*Grant)

// GrantedBy records the administrator responsible for the grant.
func GrantedBy(adminID string) GrantOption {
	return func(g *Grant) { g.GrantedBy = adminID }
}

// FromRequest links the grant to the access request that produced it.
func FromRequest(requestID string) GrantOption {
	return func(g *Grant) { g.RequestID = requestID }
}

// Store manages grants and the per-user reverse index. It keeps no state of
// its own, so any number of processes may share one backing kv.Store.
type Store struct {
	kv        kv.Store
	clock     clock.Clock
	listeners []Listener
}

// NewStore creates a grant Store. A nil clock uses the wall clock.
func NewStore(store kv.Store, clk clock.Clock, listeners ...Listener) *Store {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Store{kv: store, clock: clk, listeners: listeners}
}

// Clock returns the clock the store evaluates expiry against.
func (s *Store) Clock() clock.Clock {
	return s.clock
}

// grantTTL converts an absolute expiry into a store TTL: whole seconds,
// rounded up, never below one second.
func grantTTL(now, expiresAt time.Time) time.Duration {
	ttl := expiresAt.Sub(now)
	if rem := ttl % time.Second; rem > 0 {
		ttl += time.Second - rem
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// Grant gives userID the given permissions on resourceID until expiresAt,
// replacing any existing grant for the pair. Unknown permissions are dropped
// and an empty set becomes {view}. The grant key is written in a single
// SET-with-expiry, so a store failure never leaves a half-written grant; the
// error is returned for the caller to map.
func (s *Store) Grant(ctx context.Context, userID, resourceID string, expiresAt time.Time, perms []string, opts ...GrantOption) (*Grant, error) {
	log := trace.Logger(ctx)
	now := s.clock.Now()
	ttl := grantTTL(now, expiresAt)
	if !expiresAt.After(now) {
		expiresAt = now.Add(ttl)
	}

	g := &Grant{
		UserID:      userID,
		ResourceID:  resourceID,
		Permissions: NormalizePermissions(perms),
		GrantedAt:   now,
		ExpiresAt:   expiresAt,
	}
	for _, opt := range opts {
		opt(g)
	}

	if err := kv.PutJSON(ctx, s.kv, GrantKey(userID, resourceID), g, ttl); err != nil {
		log.Warn("access: grant write failed", "user", userID, "resource", resourceID, "err", err)
		return nil, fmt.Errorf("grant %s to %s: %w", resourceID, userID, err)
	}

	idx := UserIndexKey(userID)
	if err := s.kv.SetAdd(ctx, idx, resourceID); err != nil {
		log.Warn("access: index update failed", "user", userID, "resource", resourceID, "err", err)
		return nil, fmt.Errorf("index %s for %s: %w", resourceID, userID, err)
	}
	// The index may already hold longer-lived grants: only ever extend it.
	current, err := s.kv.TTL(ctx, idx)
	if err == nil && current < ttl {
		err = s.kv.Expire(ctx, idx, ttl)
	}
	if err != nil {
		log.Warn("access: index ttl not extended", "user", userID, "err", err)
	}

	log.Info("access: granted", "user", userID, "resource", resourceID,
		"permissions", Strings(g.Permissions), "expires_at", g.ExpiresAt)
	s.notify(ctx, Change{Kind: ChangeGranted, UserID: userID, ResourceID: resourceID, Grant: g})
	return g, nil
}

// GetGrant returns the live grant for the pair or ErrGrantNotFound.
func (s *Store) GetGrant(ctx context.Context, userID, resourceID string) (*Grant, error) {
	var g Grant
	err := kv.GetJSON(ctx, s.kv, GrantKey(userID, resourceID), &g)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrGrantNotFound
	}
	if err != nil {
		return nil, err
	}
	if !s.clock.Now().Before(g.ExpiresAt) {
		return nil, ErrGrantNotFound
	}
	return &g, nil
}

// HasPermission reports whether userID currently holds perm on resourceID.
// Any store error or undecodable grant counts as no access.
func (s *Store) HasPermission(ctx context.Context, userID, resourceID string, perm Permission) bool {
	g, err := s.GetGrant(ctx, userID, resourceID)
	if err != nil {
		if !errors.Is(err, ErrGrantNotFound) {
			trace.Logger(ctx).Warn("access: permission check failed closed",
				"user", userID, "resource", resourceID, "err", err)
		}
		return false
	}
	return g.Has(perm)
}

// AccessibleResources lists the documents userID currently has a grant for.
// Index members whose grant key has vanished are removed from the index in
// the same call.
func (s *Store) AccessibleResources(ctx context.Context, userID string) ([]string, error) {
	idx := UserIndexKey(userID)
	members, err := s.kv.SetMembers(ctx, idx)
	if err != nil {
		return nil, fmt.Errorf("read index for %s: %w", userID, err)
	}
	if len(members) == 0 {
		return []string{}, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = GrantKey(userID, m)
	}
	grants, skipped, err := kv.MGetJSON[Grant](ctx, s.kv, keys...)
	if err != nil {
		return nil, fmt.Errorf("load grants for %s: %w", userID, err)
	}
	malformed := make(map[string]bool, len(skipped))
	for _, k := range skipped {
		malformed[k] = true
	}

	now := s.clock.Now()
	out := make([]string, 0, len(members))
	var stale []string
	for i, m := range members {
		g, ok := grants[keys[i]]
		switch {
		case ok && now.Before(g.ExpiresAt):
			out = append(out, m)
		case !ok && !malformed[keys[i]]:
			stale = append(stale, m)
		}
	}

	if len(stale) > 0 {
		if err := s.kv.SetRemove(ctx, idx, stale...); err != nil {
			slog.Warn("access: index prune failed", "user", userID, "err", err)
		} else {
			slog.Debug("access: pruned stale index members", "user", userID, "count", len(stale))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Revoke deletes the grant and its index membership. Revoking a grant that
// does not exist is not an error.
func (s *Store) Revoke(ctx context.Context, userID, resourceID string) error {
	if err := s.kv.Delete(ctx, GrantKey(userID, resourceID)); err != nil {
		return fmt.Errorf("revoke %s from %s: %w", resourceID, userID, err)
	}
	if err := s.kv.SetRemove(ctx, UserIndexKey(userID), resourceID); err != nil {
		return fmt.Errorf("unindex %s for %s: %w", resourceID, userID, err)
	}
	trace.Logger(ctx).Info("access: revoked", "user", userID, "resource", resourceID)
	s.notify(ctx, Change{Kind: ChangeRevoked, UserID: userID, ResourceID: resourceID})
	return nil
}

// AllGrants returns every live grant, ordered by user then document.
// Entries that fail to decode are skipped.
func (s *Store) AllGrants(ctx context.Context) ([]*Grant, error) {
	return s.scanGrants(ctx, grantPrefix+"*", "")
}

// UserGrants returns userID's live grants ordered by document.
func (s *Store) UserGrants(ctx context.Context, userID string) ([]*Grant, error) {
	return s.scanGrants(ctx, grantPrefix+kv.EscapePattern(userID)+":*", userID)
}

func (s *Store) scanGrants(ctx context.Context, pattern, userID string) ([]*Grant, error) {
	records, skipped, err := kv.ScanJSON[Grant](ctx, s.kv, pattern)
	if err != nil {
		return nil, err
	}
	if len(skipped) > 0 {
		slog.Warn("access: skipped undecodable grants", "count", len(skipped), "keys", strings.Join(skipped, ","))
	}

	now := s.clock.Now()
	out := make([]*Grant, 0, len(records))
	for _, g := range records {
		if userID != "" && g.UserID != userID {
			continue
		}
		if !now.Before(g.ExpiresAt) {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].ResourceID < out[j].ResourceID
	})
	return out, nil
}

// HasGlobalPermission reports whether any of userID's live grants includes
// perm. Errors count as no.
func (s *Store) HasGlobalPermission(ctx context.Context, userID string, perm Permission) bool {
	grants, err := s.UserGrants(ctx, userID)
	if err != nil {
		trace.Logger(ctx).Warn("access: global permission check failed closed", "user", userID, "err", err)
		return false
	}
	for _, g := range grants {
		if g.Has(perm) {
			return true
		}
	}
	return false
}

// UserPermissions is the union of permissions across userID's live grants.
func (s *Store) UserPermissions(ctx context.Context, userID string) ([]Permission, error) {
	grants, err := s.UserGrants(ctx, userID)
	if err != nil {
		return nil, err
	}
	seen := make(map[Permission]bool)
	var out []Permission
	for _, g := range grants {
		for _, p := range g.Permissions {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sortPermissions(out)
	return out, nil
}

func (s *Store) notify(ctx context.Context, change Change) {
	for _, l := range s.listeners {
		l.GrantChanged(ctx, change)
	}
}
