package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrNotReady is returned by DMSProvider.Content when some page has no OCR
// text yet.
var ErrNotReady = errors.New("ocr: text not ready")

// pageFetchLimit bounds concurrent per-page OCR requests to the DMS.
const pageFetchLimit = 5

// DMSConfig configures DMSProvider.
type DMSConfig struct {
	// BaseURL is the DMS root, e.g. http://mayan:8000.
	BaseURL  string
	Username string
	Password string
	// Timeout per HTTP request. Default 15s.
	Timeout time.Duration
}

// DMSProvider reads OCR status from the DMS REST API. A document is ready
// when every page of its active version has an OCR record.
type DMSProvider struct {
	base   *url.URL
	cfg    DMSConfig
	client *http.Client

	// ready holds the page texts of documents Ready last reported as ready,
	// until Content takes them.
	mu    sync.Mutex
	ready map[string][]string
}

// NewDMSProvider creates a provider for the DMS at cfg.BaseURL.
func NewDMSProvider(cfg DMSConfig) (*DMSProvider, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("ocr: invalid DMS url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &DMSProvider{
		base:   base,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		ready:  make(map[string][]string),
	}, nil
}

type dmsDocument struct {
	VersionActive *struct {
		ID int64 `json:"id"`
	} `json:"version_active"`
}

type dmsPage struct {
	ID         int64 `json:"id"`
	PageNumber int   `json:"page_number"`
}

type dmsPageList struct {
	Next    *string   `json:"next"`
	Results []dmsPage `json:"results"`
}

type dmsOCR struct {
	Content string `json:"content"`
}

// errNotFound marks a 404 from the DMS.
var errNotFound = errors.New("not found")

// Ready reports whether every page of the document has OCR text. The texts
// of a ready document are kept for the following Content call.
func (d *DMSProvider) Ready(ctx context.Context, resourceID string) (bool, error) {
	texts, err := d.pageTexts(ctx, resourceID)
	d.mu.Lock()
	delete(d.ready, resourceID)
	d.mu.Unlock()
	if err != nil {
		return false, err
	}
	parts, ok := complete(texts)
	if !ok {
		return false, nil
	}
	d.mu.Lock()
	d.ready[resourceID] = parts
	d.mu.Unlock()
	return true, nil
}

// Content returns the page texts in page order, separated by a blank line.
func (d *DMSProvider) Content(ctx context.Context, resourceID string) (string, error) {
	d.mu.Lock()
	parts, ok := d.ready[resourceID]
	delete(d.ready, resourceID)
	d.mu.Unlock()
	if !ok {
		texts, err := d.pageTexts(ctx, resourceID)
		if err != nil {
			return "", err
		}
		if parts, ok = complete(texts); !ok {
			return "", fmt.Errorf("%w: document %s", ErrNotReady, resourceID)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

func complete(texts []*string) ([]string, bool) {
	parts := make([]string, len(texts))
	for i, t := range texts {
		if t == nil {
			return nil, false
		}
		parts[i] = *t
	}
	return parts, true
}

// pageTexts returns the OCR text of every page in page order, nil where the
// page has none yet. A document without pages has no text to wait for and is
// reported as not ready.
func (d *DMSProvider) pageTexts(ctx context.Context, resourceID string) ([]*string, error) {
	var doc dmsDocument
	if err := d.getJSON(ctx, d.endpoint("documents", resourceID), &doc); err != nil {
		return nil, fmt.Errorf("ocr: load document %s: %w", resourceID, err)
	}
	if doc.VersionActive == nil {
		return nil, fmt.Errorf("ocr: document %s has no active version", resourceID)
	}
	version := fmt.Sprint(doc.VersionActive.ID)

	var pages []dmsPage
	next := d.endpoint("documents", resourceID, "versions", version, "pages")
	for next != "" {
		var list dmsPageList
		if err := d.getJSON(ctx, next, &list); err != nil {
			return nil, fmt.Errorf("ocr: list pages of %s: %w", resourceID, err)
		}
		pages = append(pages, list.Results...)
		next = ""
		if list.Next != nil && *list.Next != "" {
			if err := d.sameOrigin(*list.Next); err != nil {
				return nil, fmt.Errorf("ocr: list pages of %s: %w", resourceID, err)
			}
			next = *list.Next
		}
	}
	if len(pages) == 0 {
		return []*string{nil}, nil
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].PageNumber < pages[j].PageNumber })

	texts := make([]*string, len(pages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pageFetchLimit)
	for i, page := range pages {
		g.Go(func() error {
			var res dmsOCR
			err := d.getJSON(gctx, d.endpoint("documents", resourceID, "versions", version, "pages", fmt.Sprint(page.ID), "ocr"), &res)
			switch {
			case errors.Is(err, errNotFound):
				return nil
			case err != nil:
				return fmt.Errorf("ocr: page %d of %s: %w", page.PageNumber, resourceID, err)
			}
			texts[i] = &res.Content
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return texts, nil
}

func (d *DMSProvider) endpoint(parts ...string) string {
	u := *d.base
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	u.Path = u.Path + "/api/v4/" + strings.Join(escaped, "/") + "/"
	return u.String()
}

// sameOrigin refuses pagination links to another host, which would
// otherwise receive the DMS credentials.
func (d *DMSProvider) sameOrigin(link string) error {
	u, err := url.Parse(link)
	if err != nil {
		return fmt.Errorf("bad next link %q: %w", link, err)
	}
	if !strings.EqualFold(u.Scheme, d.base.Scheme) || !strings.EqualFold(u.Host, d.base.Host) {
		return fmt.Errorf("next link %s leaves %s", u.Redacted(), d.base.Host)
	}
	return nil
}

func (d *DMSProvider) getJSON(ctx context.Context, target string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if d.cfg.Username != "" {
		req.SetBasicAuth(d.cfg.Username, d.cfg.Password)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
