package aclsync

import (
	"context"
	"sort"

	"github.com/coffre-fort/coffre/internal/coffre/access"
)

// DMS permission keys granted through ACLs.
const (
	KeyDocumentView     = "documents.document_view"
	KeyDocumentFileView = "documents.document_file_view"
	KeyFileDownload     = "document_downloads.document_file_download"
	KeyContentView      = "document_parsing.content_view"
)

// rolePrefix marks DMS roles managed by the sync job.
const rolePrefix = "kc:"

// RoleLabel is the DMS role (and group) holding userID's ACLs.
func RoleLabel(userID string) string {
	label := rolePrefix + userID
	if len(label) > 128 {
		label = label[:128]
	}
	return label
}

// PermissionKeys translates a grant's permissions into DMS permission keys.
// Every grant carries the two view keys, without which the document does not
// appear in the DMS at all. ai_summary and upload exist only here.
func PermissionKeys(perms []access.Permission) []string {
	keys := []string{KeyDocumentFileView, KeyDocumentView}
	for _, p := range perms {
		switch p {
		case access.PermDownload:
			keys = append(keys, KeyFileDownload)
		case access.PermOCR:
			keys = append(keys, KeyContentView)
		}
	}
	sort.Strings(keys)
	return keys
}

// Entry is one ACL the DMS should hold.
type Entry struct {
	UserID         string   `json:"userId"`
	DMSUserID      int64    `json:"dmsUserId"`
	Role           string   `json:"role"`
	DocumentID     string   `json:"documentId"`
	PermissionKeys []string `json:"permissionKeys"`
}

// PlanResult is the desired ACL state for a set of grants.
type PlanResult struct {
	Entries []Entry `json:"entries"`
	// Skipped counts grants whose user has no DMS mapping yet.
	Skipped      int      `json:"skipped"`
	SkippedUsers []string `json:"skippedUsers,omitempty"`
}

// Plan computes the ACLs the DMS should hold for grants. Grants of unmapped
// users are counted as skipped, as the DMS job does.
func Plan(ctx context.Context, grants []*access.Grant, mapping *Mapping) (*PlanResult, error) {
	res := &PlanResult{Entries: []Entry{}}
	ids := make(map[string]int64)
	unmapped := make(map[string]bool)

	for _, g := range grants {
		if unmapped[g.UserID] {
			res.Skipped++
			continue
		}
		dmsID, known := ids[g.UserID]
		if !known {
			id, ok, err := mapping.Lookup(ctx, g.UserID)
			if err != nil {
				return nil, err
			}
			if !ok {
				unmapped[g.UserID] = true
				res.SkippedUsers = append(res.SkippedUsers, g.UserID)
				res.Skipped++
				continue
			}
			ids[g.UserID] = id
			dmsID = id
		}
		res.Entries = append(res.Entries, Entry{
			UserID:         g.UserID,
			DMSUserID:      dmsID,
			Role:           RoleLabel(g.UserID),
			DocumentID:     g.ResourceID,
			PermissionKeys: PermissionKeys(g.Permissions),
		})
	}

	sort.Slice(res.Entries, func(i, j int) bool {
		if res.Entries[i].UserID != res.Entries[j].UserID {
			return res.Entries[i].UserID < res.Entries[j].UserID
		}
		return res.Entries[i].DocumentID < res.Entries[j].DocumentID
	})
	sort.Strings(res.SkippedUsers)
	return res, nil
}
