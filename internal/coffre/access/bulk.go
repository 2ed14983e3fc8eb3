package access

import (
	"context"
	"time"
)

// BulkResult is the outcome of one item of a bulk operation.
type BulkResult struct {
	ResourceID string `json:"resourceId"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// BulkResults is the per-item report of a bulk operation.
type BulkResults []BulkResult

// Succeeded counts successful items.
func (r BulkResults) Succeeded() int {
	n := 0
	for _, res := range r {
		if res.Success {
			n++
		}
	}
	return n
}

// Failed counts failed items.
func (r BulkResults) Failed() int {
	return len(r) - r.Succeeded()
}

// BulkGrant grants the same permissions and expiry on every resource. A
// failing item is recorded and the batch carries on.
func (s *Store) BulkGrant(ctx context.Context, userID string, resourceIDs []string, expiresAt time.Time, perms []string, opts ...GrantOption) BulkResults {
	return runBulk(resourceIDs, func(id string) error {
		_, err := s.Grant(ctx, userID, id, expiresAt, perms, opts...)
		return err
	})
}

// BulkRevoke revokes userID's grant on every resource, carrying on past
// failures.
func (s *Store) BulkRevoke(ctx context.Context, userID string, resourceIDs []string) BulkResults {
	return runBulk(resourceIDs, func(id string) error {
		return s.Revoke(ctx, userID, id)
	})
}

// BulkApplyTemplate applies a template to every resource, carrying on past
// failures. The template is resolved once; if it does not exist nothing is
// granted and ErrTemplateNotFound is returned.
func (s *Store) BulkApplyTemplate(ctx context.Context, templateID, userID string, resourceIDs []string, opts ...GrantOption) (BulkResults, error) {
	t, err := s.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	expiresAt := s.clock.Now().Add(time.Duration(t.DefaultDurationDays) * 24 * time.Hour)
	return s.BulkGrant(ctx, userID, resourceIDs, expiresAt, Strings(t.Permissions), opts...), nil
}

func runBulk(ids []string, op func(id string) error) BulkResults {
	results := make(BulkResults, 0, len(ids))
	for _, id := range ids {
		res := BulkResult{ResourceID: id, Success: true}
		if err := op(id); err != nil {
			res.Success = false
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results
}
