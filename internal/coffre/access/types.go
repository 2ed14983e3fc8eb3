// Package access implements time-limited, permission-scoped grants of
// individual documents to users.
//
// A grant lives under grant:{userId}:{documentId} with a store TTL equal to
// its remaining lifetime, so expiry needs no sweeper: the key simply
// disappears. Each user also has a reverse index user_grants:{userId} listing
// the documents granted to them. The index is read-repaired: it may hold
// stale members between reads, and AccessibleResources prunes any member
// whose grant key is gone.
package access

import (
	"errors"
	"sort"
	"time"
)

// Permission gates one capability on a document.
type Permission string

const (
	PermView      Permission = "view"
	PermDownload  Permission = "download"
	PermOCR       Permission = "ocr"
	PermAISummary Permission = "ai_summary"
	PermUpload    Permission = "upload"
)

// AllPermissions is the closed permission enum, in canonical order.
var AllPermissions = []Permission{PermView, PermDownload, PermOCR, PermAISummary, PermUpload}

var permissionRank = map[Permission]int{
	PermView:      0,
	PermDownload:  1,
	PermOCR:       2,
	PermAISummary: 3,
	PermUpload:    4,
}

// Valid reports whether p belongs to the enum.
func (p Permission) Valid() bool {
	_, ok := permissionRank[p]
	return ok
}

// NormalizePermissions filters raw to known permissions, removes duplicates
// and sorts canonically. An empty result becomes {view}.
func NormalizePermissions(raw []string) []Permission {
	seen := make(map[Permission]bool, len(raw))
	out := make([]Permission, 0, len(raw))
	for _, r := range raw {
		p := Permission(r)
		if !p.Valid() || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	if len(out) == 0 {
		return []Permission{PermView}
	}
	sortPermissions(out)
	return out
}

// Strings converts permissions back to plain strings.
func Strings(perms []Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}

func sortPermissions(perms []Permission) {
	sort.Slice(perms, func(i, j int) bool { return permissionRank[perms[i]] < permissionRank[perms[j]] })
}

// Grant is a stored association of a user, a document and a permission set.
// The JSON field names are shared with the DMS-side ACL sync job, which reads
// grants straight out of the store.
type Grant struct {
	UserID      string       `json:"userId"`
	ResourceID  string       `json:"documentId"`
	Permissions []Permission `json:"permissions"`
	GrantedAt   time.Time    `json:"grantedAt"`
	ExpiresAt   time.Time    `json:"expiresAt"`
	GrantedBy   string       `json:"grantedBy,omitempty"`
	RequestID   string       `json:"requestId,omitempty"`
}

// Has reports whether the grant includes p.
func (g *Grant) Has(p Permission) bool {
	for _, have := range g.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// Template is a named, reusable (permissions, duration) bundle.
type Template struct {
	ID                  string       `json:"id"`
	Name                string       `json:"name"`
	Description         string       `json:"description,omitempty"`
	Permissions         []Permission `json:"permissions"`
	DefaultDurationDays int          `json:"defaultDurationDays"`
	CreatedAt           time.Time    `json:"createdAt"`
}

var (
	// ErrGrantNotFound is returned by GetGrant for absent or expired grants.
	ErrGrantNotFound = errors.New("access: grant not found")
	// ErrTemplateNotFound is returned when a template id does not exist.
	ErrTemplateNotFound = errors.New("access: template not found")
	// ErrInvalidTemplate is returned when a template has no usable name or a
	// non-positive duration.
	ErrInvalidTemplate = errors.New("access: invalid template")
)
