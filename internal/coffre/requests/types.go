// Package requests implements the user-initiated, admin-reviewed access
// request lifecycle. A request starts pending and moves exactly once to
// approved (which creates a grant) or rejected.
//
// Requests are kept for a fixed retention window via store TTL. The pending
// index access_requests:pending is read-repaired like the grant index: ids
// whose request has expired or left the pending state are dropped the next
// time Pending runs.
package requests

import (
	"errors"
	"time"

	"github.com/coffre-fort/coffre/internal/coffre/access"
)

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Retention is how long a request is kept after creation.
const Retention = 30 * 24 * time.Hour

var (
	// ErrNotFound is returned when a request id does not exist (or has aged
	// out of retention).
	ErrNotFound = errors.New("requests: request not found")
	// ErrAlreadyProcessed is returned when approving or rejecting a request
	// that is no longer pending.
	ErrAlreadyProcessed = errors.New("requests: request already processed")
	// ErrConcurrentTransition is returned by Approve or Reject when another
	// reviewer resolved the request in the meantime. A grant already written
	// is left in place for an administrator to revoke.
	ErrConcurrentTransition = errors.New("requests: request resolved concurrently")
)

// Request is a stored access request.
type Request struct {
	ID                   string              `json:"id"`
	UserID               string              `json:"userId"`
	UserEmail            string              `json:"userEmail"`
	ResourceID           string              `json:"documentId"`
	ResourceTitle        string              `json:"documentTitle"`
	Reason               string              `json:"reason"`
	RequestedPermissions []access.Permission `json:"requestedPermissions"`
	Status               Status              `json:"status"`
	CreatedAt            time.Time           `json:"createdAt"`
	UpdatedAt            time.Time           `json:"updatedAt"`
	ReviewedBy           string              `json:"reviewedBy,omitempty"`
	ReviewerEmail        string              `json:"reviewerEmail,omitempty"`
	ReviewedAt           *time.Time          `json:"reviewedAt,omitempty"`
	ReviewNote           string              `json:"reviewNote,omitempty"`
	GrantExpiresAt       *time.Time          `json:"grantExpiresAt,omitempty"`
}

// CreateParams describes a new request.
type CreateParams struct {
	UserID        string
	UserEmail     string
	ResourceID    string
	ResourceTitle string
	Reason        string
	Permissions   []string
}
