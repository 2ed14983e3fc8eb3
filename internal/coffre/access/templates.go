package access

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/coffre-fort/coffre/internal/coffre/kv"
)

const templatePrefix = "access_template:"

// TemplateID derives a template id from its name: lower case, whitespace
// runs collapsed to "_". "Read Only" becomes "read_only".
func TemplateID(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), "_"))
}

func templateKey(id string) string {
	return templatePrefix + id
}

// CreateTemplate stores a template under TemplateID(name). Creating a
// template with an existing name overwrites it.
func (s *Store) CreateTemplate(ctx context.Context, name string, perms []string, durationDays int, description string) (*Template, error) {
	id := TemplateID(name)
	if id == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidTemplate)
	}
	if durationDays <= 0 {
		return nil, fmt.Errorf("%w: duration must be at least one day, got %d", ErrInvalidTemplate, durationDays)
	}

	t := &Template{
		ID:                  id,
		Name:                strings.TrimSpace(name),
		Description:         description,
		Permissions:         NormalizePermissions(perms),
		DefaultDurationDays: durationDays,
		CreatedAt:           s.clock.Now(),
	}
	if err := kv.PutJSON(ctx, s.kv, templateKey(id), t, 0); err != nil {
		return nil, fmt.Errorf("save template %s: %w", id, err)
	}
	return t, nil
}

// GetTemplate loads a template by id.
func (s *Store) GetTemplate(ctx context.Context, id string) (*Template, error) {
	var t Template
	err := kv.GetJSON(ctx, s.kv, templateKey(id), &t)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTemplates returns all templates ordered by name.
func (s *Store) ListTemplates(ctx context.Context) ([]*Template, error) {
	records, _, err := kv.ScanJSON[Template](ctx, s.kv, templatePrefix+"*")
	if err != nil {
		return nil, err
	}
	out := make([]*Template, 0, len(records))
	for _, t := range records {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteTemplate removes a template.
func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	exists, err := s.kv.Exists(ctx, templateKey(id))
	if err != nil {
		return fmt.Errorf("delete template %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrTemplateNotFound, id)
	}
	return s.kv.Delete(ctx, templateKey(id))
}

// ApplyTemplate grants the template's permissions on resourceID to userID for
// the template's default duration.
func (s *Store) ApplyTemplate(ctx context.Context, templateID, userID, resourceID string, opts ...GrantOption) (*Grant, error) {
	t, err := s.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	expiresAt := s.clock.Now().Add(time.Duration(t.DefaultDurationDays) * 24 * time.Hour)
	return s.Grant(ctx, userID, resourceID, expiresAt, Strings(t.Permissions), opts...)
}
