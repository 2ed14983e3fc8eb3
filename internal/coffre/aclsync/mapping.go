// Package aclsync keeps the DMS's own access-control lists in step with the
// grants held here, so documents a user may see here also show up when they
// browse the DMS directly.
//
// The DMS runs the actual reconciliation job: it scans grant:* keys, looks up
// each user's DMS account through mayan:user:{userId} and rewrites the ACLs
// of a per-user role. This package owns the user mapping, mirrors the
// permission translation for planning and diagnostics, and pokes the DMS
// to run the job right after grants change.
package aclsync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/coffre-fort/coffre/internal/coffre/kv"
)

const mappingPrefix = "mayan:user:"

// MappingKey is the store key holding userID's DMS account id.
func MappingKey(userID string) string {
	return mappingPrefix + userID
}

// Mapping links identity-provider user ids to DMS account ids.
type Mapping struct {
	kv kv.Store
}

// NewMapping creates a Mapping over store.
func NewMapping(store kv.Store) *Mapping {
	return &Mapping{kv: store}
}

// Set records that userID is DMS account dmsUserID. The mapping never
// expires.
func (m *Mapping) Set(ctx context.Context, userID string, dmsUserID int64) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("aclsync: empty user id")
	}
	if dmsUserID <= 0 {
		return fmt.Errorf("aclsync: invalid DMS user id %d", dmsUserID)
	}
	if err := m.kv.Set(ctx, MappingKey(userID), strconv.FormatInt(dmsUserID, 10)); err != nil {
		return fmt.Errorf("aclsync: map %s: %w", userID, err)
	}
	return nil
}

// Lookup returns userID's DMS account id. ok is false when the user has not
// been mapped yet.
func (m *Mapping) Lookup(ctx context.Context, userID string) (id int64, ok bool, err error) {
	raw, err := m.kv.Get(ctx, MappingKey(userID))
	if errors.Is(err, kv.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("aclsync: lookup %s: %w", userID, err)
	}
	id, err = strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s: %v", kv.ErrMalformed, MappingKey(userID), err)
	}
	return id, true, nil
}

// Delete removes userID's mapping.
func (m *Mapping) Delete(ctx context.Context, userID string) error {
	return m.kv.Delete(ctx, MappingKey(userID))
}
