package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coffre-fort/coffre/internal/coffre/access"
)

// GrantListener turns grant store changes into audit events.
type GrantListener struct {
	Notifier Notifier
}

// GrantChanged implements access.Listener.
func (l GrantListener) GrantChanged(ctx context.Context, change access.Change) {
	target := change.UserID + " → " + change.ResourceID
	switch change.Kind {
	case access.ChangeGranted:
		g := change.Grant
		l.Notifier.Notify(ctx, Event{
			Kind:   KindAccessGranted,
			Actor:  g.GrantedBy,
			Target: target,
			Message: fmt.Sprintf("granted %s until %s",
				strings.Join(access.Strings(g.Permissions), ","), g.ExpiresAt.UTC().Format(time.RFC3339)),
			Timestamp: g.GrantedAt,
		})
	case access.ChangeRevoked:
		l.Notifier.Notify(ctx, Event{Kind: KindAccessRevoked, Target: target, Message: "revoked"})
	}
}
