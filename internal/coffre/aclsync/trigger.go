package aclsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coffre-fort/coffre/common/redact"
	"github.com/coffre-fort/coffre/common/retry"
	"github.com/coffre-fort/coffre/internal/coffre/access"
)

// SyncPath is the DMS endpoint that runs the ACL reconciliation job.
const SyncPath = "/api/custom/acl-sync/"

// Stats is the job's report.
type Stats struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Skipped int `json:"skipped"`
}

type syncResponse struct {
	OK    bool   `json:"ok"`
	Stats Stats  `json:"stats"`
	Error string `json:"error"`
}

// TriggerConfig configures Trigger.
type TriggerConfig struct {
	BaseURL string
	// Username and Password of a DMS staff account.
	Username string
	Password string
	Retry    retry.Config
	// Timeout per HTTP request. Default 30s.
	Timeout time.Duration
}

// Trigger asks the DMS to run its ACL sync job. As an access.Listener it
// fires after every grant and revoke without blocking them; changes that
// arrive while a sync is in flight are folded into one follow-up run.
type Trigger struct {
	cfg    TriggerConfig
	client *http.Client

	mu      sync.Mutex
	running bool
	again   bool
	wg      sync.WaitGroup
	onDone  func(*Stats, error)
}

var _ access.Listener = (*Trigger)(nil)

// NewTrigger creates a Trigger for the DMS at cfg.BaseURL.
func NewTrigger(cfg TriggerConfig) *Trigger {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Trigger{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// OnDone registers a callback run after every background sync.
func (t *Trigger) OnDone(fn func(*Stats, error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDone = fn
}

// GrantChanged schedules a background sync.
func (t *Trigger) GrantChanged(ctx context.Context, _ access.Change) {
	t.Schedule(ctx)
}

// Schedule runs a sync in the background, or queues one more if a sync is
// already in flight.
func (t *Trigger) Schedule(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		t.again = true
		return
	}
	t.running = true
	t.wg.Add(1)
	go t.background(context.WithoutCancel(ctx))
}

func (t *Trigger) background(ctx context.Context) {
	defer t.wg.Done()
	for {
		stats, err := t.Sync(ctx)
		if err != nil {
			slog.Warn("aclsync: sync failed; the DMS periodic job will catch up", "err", err)
		}

		t.mu.Lock()
		done := t.onDone
		rerun := t.again
		t.again = false
		if !rerun {
			t.running = false
		}
		t.mu.Unlock()

		if done != nil {
			done(stats, err)
		}
		if !rerun {
			return
		}
	}
}

// Wait blocks until no background sync is running.
func (t *Trigger) Wait() {
	t.wg.Wait()
}

// Sync runs the DMS job now, retrying transient failures.
func (t *Trigger) Sync(ctx context.Context) (*Stats, error) {
	var stats *Stats
	err := retry.Do(ctx, t.cfg.Retry, func() error {
		s, err := t.post(ctx)
		if err != nil {
			return err
		}
		stats = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("aclsync: %s", redact.String(err.Error(), t.cfg.Password))
	}
	slog.Info("aclsync: DMS ACLs synced", "created", stats.Created, "updated", stats.Updated,
		"deleted", stats.Deleted, "skipped", stats.Skipped)
	return stats, nil
}

func (t *Trigger) post(ctx context.Context) (*Stats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+SyncPath, nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(t.cfg.Username, t.cfg.Password)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, err
	}

	var out syncResponse
	_ = json.Unmarshal(body, &out)
	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("sync returned %d: %s", resp.StatusCode, snippet(body))
	case resp.StatusCode >= 400:
		return nil, retry.Permanent(fmt.Errorf("sync rejected with %d: %s", resp.StatusCode, snippet(body)))
	case !out.OK:
		msg := out.Error
		if msg == "" {
			msg = snippet(body)
		}
		return nil, errors.New("sync reported failure: " + msg)
	}
	return &out.Stats, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "…"
	}
	return s
}
