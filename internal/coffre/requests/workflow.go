package requests

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/juju/clock"

	"github.com/coffre-fort/coffre/common/trace"
	"github.com/coffre-fort/coffre/internal/coffre/access"
	"github.com/coffre-fort/coffre/internal/coffre/audit"
	"github.com/coffre-fort/coffre/internal/coffre/kv"
)

const (
	requestPrefix = "access_request:"
	// PendingKey is the set of ids believed to be pending.
	PendingKey = "access_requests:pending"
)

// Key is the store key of request id.
func Key(id string) string {
	return requestPrefix + id
}

// Workflow drives requests through their lifecycle. Like access.Store it
// holds no state of its own.
type Workflow struct {
	kv       kv.Store
	grants   *access.Store
	clock    clock.Clock
	notifier audit.Notifier
}

// NewWorkflow creates a Workflow. Approvals are granted through grants; a nil
// notifier disables audit events and a nil clock uses the wall clock.
func NewWorkflow(store kv.Store, grants *access.Store, clk clock.Clock, notifier audit.Notifier) *Workflow {
	if clk == nil {
		clk = clock.WallClock
	}
	if notifier == nil {
		notifier = audit.Noop{}
	}
	return &Workflow{kv: store, grants: grants, clock: clk, notifier: notifier}
}

// Create stores a new pending request. The id is derived from the user, the
// document and the creation time in milliseconds; a clash within the same
// millisecond moves to the next free millisecond.
func (w *Workflow) Create(ctx context.Context, p CreateParams) (*Request, error) {
	now := w.clock.Now()
	ms := now.UnixMilli()
	var id string
	for {
		id = fmt.Sprintf("req_%s_%s_%d", p.UserID, p.ResourceID, ms)
		exists, err := w.kv.Exists(ctx, Key(id))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if !exists {
			break
		}
		ms++
	}

	r := &Request{
		ID:                   id,
		UserID:               p.UserID,
		UserEmail:            p.UserEmail,
		ResourceID:           p.ResourceID,
		ResourceTitle:        p.ResourceTitle,
		Reason:               p.Reason,
		RequestedPermissions: access.NormalizePermissions(p.Permissions),
		Status:               StatusPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := kv.PutJSON(ctx, w.kv, Key(id), r, Retention); err != nil {
		return nil, fmt.Errorf("save request %s: %w", id, err)
	}
	if err := w.kv.SetAdd(ctx, PendingKey, id); err != nil {
		return nil, fmt.Errorf("index request %s: %w", id, err)
	}

	trace.Logger(ctx).Info("requests: created", "id", id, "user", p.UserID, "resource", p.ResourceID)
	w.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindRequestCreated,
		Actor:   p.UserEmail,
		Target:  p.UserID + " → " + p.ResourceID,
		Message: fmt.Sprintf("requested %v: %s", access.Strings(r.RequestedPermissions), p.Reason),
	})
	return r, nil
}

// Get loads a request by id.
func (w *Workflow) Get(ctx context.Context, id string) (*Request, error) {
	var r Request
	err := kv.GetJSON(ctx, w.kv, Key(id), &r)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (w *Workflow) loadPending(ctx context.Context, id string) (*Request, error) {
	r, err := w.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyProcessed, id, r.Status)
	}
	return r, nil
}

// Approve grants the requested permissions until expiresAt and marks the
// request approved.
//
// Approve is a read-modify-write without a lock. If a concurrent Reject or
// Approve resolves the request while the grant is being written, Approve
// returns ErrConcurrentTransition and leaves the stored request as the other
// reviewer wrote it; the grant it wrote stays in place for an administrator
// to revoke.
func (w *Workflow) Approve(ctx context.Context, id, adminID, adminEmail string, expiresAt time.Time, note string) (*Request, error) {
	log := trace.Logger(ctx)
	r, err := w.loadPending(ctx, id)
	if err != nil {
		return nil, err
	}

	g, err := w.grants.Grant(ctx, r.UserID, r.ResourceID, expiresAt, access.Strings(r.RequestedPermissions),
		access.GrantedBy(adminID), access.FromRequest(id))
	if err != nil {
		return nil, fmt.Errorf("approve %s: %w", id, err)
	}

	current, err := w.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusPending {
		log.Warn("requests: concurrent transition detected", "id", id,
			"status", current.Status, "reviewed_by", current.ReviewedBy, "approver", adminID)
		return current, fmt.Errorf("%w: %s became %s", ErrConcurrentTransition, id, current.Status)
	}

	now := w.clock.Now()
	r.Status = StatusApproved
	r.UpdatedAt = now
	r.ReviewedBy = adminID
	r.ReviewerEmail = adminEmail
	r.ReviewedAt = &now
	r.ReviewNote = note
	r.GrantExpiresAt = &g.ExpiresAt
	if err := w.resolve(ctx, r); err != nil {
		return nil, err
	}

	log.Info("requests: approved", "id", id, "admin", adminID, "expires_at", g.ExpiresAt)
	w.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindRequestApproved,
		Actor:   adminEmail,
		Target:  r.UserID + " → " + r.ResourceID,
		Message: "approved: " + note,
	})
	return r, nil
}

// Reject marks the request rejected. No grant is written.
//
// Like Approve, Reject has no lock. It re-reads the request before writing
// and, after writing, looks for a grant produced by this request. Either
// sign of a concurrent Approve makes it return ErrConcurrentTransition with
// the request as currently stored.
func (w *Workflow) Reject(ctx context.Context, id, adminID, adminEmail, note string) (*Request, error) {
	log := trace.Logger(ctx)
	r, err := w.loadPending(ctx, id)
	if err != nil {
		return nil, err
	}

	current, err := w.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusPending {
		log.Warn("requests: concurrent transition detected", "id", id,
			"status", current.Status, "reviewed_by", current.ReviewedBy, "rejecter", adminID)
		return current, fmt.Errorf("%w: %s became %s", ErrConcurrentTransition, id, current.Status)
	}

	now := w.clock.Now()
	r.Status = StatusRejected
	r.UpdatedAt = now
	r.ReviewedBy = adminID
	r.ReviewerEmail = adminEmail
	r.ReviewedAt = &now
	r.ReviewNote = note
	if err := w.resolve(ctx, r); err != nil {
		return nil, err
	}

	// An Approve that read the request as pending has written its grant
	// before our write landed.
	if g, err := w.grants.GetGrant(ctx, r.UserID, r.ResourceID); err == nil && g.RequestID == id {
		log.Warn("requests: rejected request has a live grant", "id", id,
			"granted_by", g.GrantedBy, "rejecter", adminID)
		current, err := w.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return current, fmt.Errorf("%w: %s was approved by %s", ErrConcurrentTransition, id, g.GrantedBy)
	}

	log.Info("requests: rejected", "id", id, "admin", adminID)
	w.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindRequestRejected,
		Actor:   adminEmail,
		Target:  r.UserID + " → " + r.ResourceID,
		Message: "rejected: " + note,
	})
	return r, nil
}

// resolve re-persists a reviewed request for the rest of its retention
// window and drops it from the pending index.
func (w *Workflow) resolve(ctx context.Context, r *Request) error {
	ttl := r.CreatedAt.Add(Retention).Sub(w.clock.Now())
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := kv.PutJSON(ctx, w.kv, Key(r.ID), r, ttl); err != nil {
		return fmt.Errorf("save request %s: %w", r.ID, err)
	}
	if err := w.kv.SetRemove(ctx, PendingKey, r.ID); err != nil {
		// The next Pending call drops it.
		slog.Warn("requests: pending index update failed", "id", r.ID, "err", err)
	}
	return nil
}

// Pending returns the pending requests, newest first. Ids in the pending
// index whose request is gone or no longer pending are removed from it.
func (w *Workflow) Pending(ctx context.Context) ([]*Request, error) {
	ids, err := w.kv.SetMembers(ctx, PendingKey)
	if err != nil {
		return nil, fmt.Errorf("read pending index: %w", err)
	}
	if len(ids) == 0 {
		return []*Request{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = Key(id)
	}
	records, skipped, err := kv.MGetJSON[Request](ctx, w.kv, keys...)
	if err != nil {
		return nil, fmt.Errorf("load pending requests: %w", err)
	}
	if len(skipped) > 0 {
		slog.Warn("requests: skipped undecodable requests", "keys", skipped)
	}
	malformed := make(map[string]bool, len(skipped))
	for _, k := range skipped {
		malformed[k] = true
	}

	out := make([]*Request, 0, len(ids))
	var stale []string
	for i, id := range ids {
		r, ok := records[keys[i]]
		switch {
		case ok && r.Status == StatusPending:
			out = append(out, r)
		case !malformed[keys[i]]:
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := w.kv.SetRemove(ctx, PendingKey, stale...); err != nil {
			slog.Warn("requests: pending index prune failed", "err", err)
		} else {
			slog.Debug("requests: pruned pending index", "count", len(stale))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// All returns every retained request, newest first. Processed requests are
// included only when includeProcessed is set.
func (w *Workflow) All(ctx context.Context, includeProcessed bool) ([]*Request, error) {
	return w.scan(ctx, func(r *Request) bool {
		return includeProcessed || r.Status == StatusPending
	})
}

// ForUser returns userID's requests in any state, newest first.
func (w *Workflow) ForUser(ctx context.Context, userID string) ([]*Request, error) {
	return w.scan(ctx, func(r *Request) bool { return r.UserID == userID })
}

// PendingForResource returns userID's newest pending request for resourceID,
// or ErrNotFound.
func (w *Workflow) PendingForResource(ctx context.Context, userID, resourceID string) (*Request, error) {
	found, err := w.scan(ctx, func(r *Request) bool {
		return r.Status == StatusPending && r.UserID == userID && r.ResourceID == resourceID
	})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: no pending request by %s for %s", ErrNotFound, userID, resourceID)
	}
	return found[0], nil
}

func (w *Workflow) scan(ctx context.Context, keep func(*Request) bool) ([]*Request, error) {
	records, skipped, err := kv.ScanJSON[Request](ctx, w.kv, requestPrefix+"*")
	if err != nil {
		return nil, err
	}
	if len(skipped) > 0 {
		slog.Warn("requests: skipped undecodable requests", "keys", skipped)
	}
	out := make([]*Request, 0, len(records))
	for _, r := range records {
		if keep(r) {
			out = append(out, r)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(rs []*Request) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.After(rs[j].CreatedAt)
		}
		return rs[i].ID > rs[j].ID
	})
}
