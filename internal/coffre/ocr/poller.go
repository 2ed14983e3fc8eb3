package ocr

import (
	"context"
	"log/slog"
	"sync"

	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"github.com/coffre-fort/coffre/internal/coffre/notify"
)

// StatusProvider answers whether a document's OCR text is ready and returns
// it. Implementations must be read-only.
type StatusProvider interface {
	Ready(ctx context.Context, resourceID string) (bool, error)
	Content(ctx context.Context, resourceID string) (string, error)
}

// Outcome is how a task left the registry.
type Outcome string

const (
	OutcomeComplete Outcome = "complete"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeStopped  Outcome = "stopped"
)

// Observer is told about task lifecycle changes, for metrics.
type Observer interface {
	TaskStarted(kind Kind)
	TaskFinished(kind Kind, outcome Outcome, attempts int)
	Checked(ready bool, err error)
	Active(n int)
}

type nopObserver struct{}

func (nopObserver) TaskStarted(Kind)                {}
func (nopObserver) TaskFinished(Kind, Outcome, int) {}
func (nopObserver) Checked(bool, error)             {}
func (nopObserver) Active(int)                      {}

// Option configures a Poller.
type Option func(*Poller)

// WithObserver reports task lifecycle changes to o.
func WithObserver(o Observer) Option {
	return func(p *Poller) { p.observer = o }
}

// WithClock replaces the wall clock driving the tick loop.
func WithClock(clk clock.Clock) Option {
	return func(p *Poller) { p.clock = clk }
}

// Poller is the readiness polling engine.
type Poller struct {
	cfg      Config
	provider StatusProvider
	sink     notify.Sink
	clock    clock.Clock
	observer Observer
	registry *Registry

	// tickMu keeps ticks serial.
	tickMu sync.Mutex

	mu      sync.Mutex
	running bool
	closed  bool
	// loopDone is closed when the current tick loop exits.
	loopDone chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewPoller creates a Poller. The loop is not started until the first Start.
func NewPoller(provider StatusProvider, sink notify.Sink, cfg Config, opts ...Option) *Poller {
	if sink == nil {
		sink = notify.Noop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{
		cfg:      cfg.withDefaults(),
		provider: provider,
		sink:     sink,
		clock:    clock.WallClock,
		observer: nopObserver{},
		registry: NewRegistry(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Poller) Config() Config {
	return p.cfg
}

// Start begins tracking resourceID and starts the tick loop if it is idle.
// Starting a document that is already tracked restarts it from zero attempts.
func (p *Poller) Start(resourceID string, kind Kind) {
	if kind == "" {
		kind = KindDocument
	}
	limit := p.cfg.limitFor(kind)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		slog.Warn("ocr: start after close ignored", "resource", resourceID)
		return
	}
	p.registry.Add(Task{
		ResourceID:   resourceID,
		AttemptLimit: limit,
		Kind:         kind,
		StartedAt:    p.clock.Now(),
	})
	if !p.running {
		p.running = true
		done := make(chan struct{})
		p.loopDone = done
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer close(done)
			p.loop(p.ctx)
		}()
	}
	p.mu.Unlock()

	slog.Info("ocr: tracking document", "resource", resourceID, "kind", kind, "attempt_limit", limit)
	p.observer.TaskStarted(kind)
	p.observer.Active(p.registry.Len())
	p.sink.Publish(p.ctx, resourceID, notify.EventStarted, map[string]any{
		"attemptLimit": limit,
		"intervalMs":   p.cfg.Interval.Milliseconds(),
		"kind":         string(kind),
	})
}

// Stop stops tracking resourceID. A tick already checking it will not
// publish anything further for it. Stop reports whether it was tracked.
func (p *Poller) Stop(resourceID string) bool {
	t, ok := p.registry.Get(resourceID)
	if !ok || !p.registry.Finish(t) {
		return false
	}
	slog.Info("ocr: stopped tracking document", "resource", resourceID, "attempts", t.Attempts)
	p.observer.TaskFinished(t.Kind, OutcomeStopped, t.Attempts)
	p.observer.Active(p.registry.Len())
	return true
}

// Status reports whether the loop is running, the configured limits and the
// tracked documents.
func (p *Poller) Status() Status {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	return Status{
		Running:             running,
		IntervalMs:          p.cfg.Interval.Milliseconds(),
		ImageAttemptLimit:   p.cfg.ImageAttemptLimit,
		DefaultAttemptLimit: p.cfg.DefaultAttemptLimit,
		ProcessingEvery:     p.cfg.ProcessingEvery,
		Documents:           p.registry.Snapshot(),
	}
}

// Run drives Tick on the configured interval until the tracked set is empty
// or ctx ends. There is only ever one loop: if Start already launched one,
// Run waits for it instead of ticking alongside it, and while Run owns the
// loop Start does not launch another.
func (p *Poller) Run(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.running {
		done := p.loopDone
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	p.running = true
	done := make(chan struct{})
	p.loopDone = done
	p.wg.Add(1)
	p.mu.Unlock()
	defer p.wg.Done()
	defer close(done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()
	p.loop(ctx)
}

func (p *Poller) loop(ctx context.Context) {
	slog.Debug("ocr: tick loop started", "interval", p.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			p.setIdle()
			slog.Debug("ocr: tick loop cancelled")
			return
		case <-p.clock.After(p.cfg.Interval):
		}

		p.Tick(ctx)

		// Start adds under p.mu, so a task added after this check sees
		// running == false and launches a fresh loop.
		p.mu.Lock()
		if p.registry.Len() == 0 {
			p.running = false
			p.mu.Unlock()
			slog.Debug("ocr: nothing left to track, tick loop stopped")
			return
		}
		p.mu.Unlock()
	}
}

func (p *Poller) setIdle() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
}

// Tick checks every tracked document once and reports whether any remain.
// Ticks never overlap; checks within a tick run with bounded concurrency.
func (p *Poller) Tick(ctx context.Context) bool {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()

	tasks := p.registry.Snapshot()
	if len(tasks) == 0 {
		return false
	}

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for _, t := range tasks {
		id := t.ResourceID
		g.Go(func() error {
			p.check(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	n := p.registry.Len()
	p.observer.Active(n)
	return n > 0
}

func (p *Poller) check(ctx context.Context, id string) {
	t, ok := p.registry.Increment(id)
	if !ok {
		return
	}

	if t.Attempts > t.AttemptLimit {
		if !p.registry.Finish(t) {
			return
		}
		slog.Info("ocr: gave up waiting for text", "resource", id, "attempts", t.Attempts-1, "kind", t.Kind)
		p.observer.TaskFinished(t.Kind, OutcomeTimeout, t.Attempts-1)
		p.sink.Publish(ctx, id, notify.EventTimeout, map[string]any{
			"attempts":     t.Attempts - 1,
			"attemptLimit": t.AttemptLimit,
		})
		p.sink.Publish(ctx, id, notify.EventComplete, map[string]any{
			"text":     nil,
			"attempts": t.Attempts - 1,
			"timedOut": true,
		})
		return
	}

	ready, err := p.provider.Ready(ctx, id)
	p.observer.Checked(ready, err)
	if err != nil {
		slog.Debug("ocr: status check failed, treating as not ready", "resource", id, "err", err)
	}
	if err == nil && ready {
		text, err := p.provider.Content(ctx, id)
		if err == nil {
			if p.registry.Finish(t) {
				slog.Info("ocr: text ready", "resource", id, "attempts", t.Attempts, "chars", len(text))
				p.observer.TaskFinished(t.Kind, OutcomeComplete, t.Attempts)
				p.sink.Publish(ctx, id, notify.EventComplete, map[string]any{
					"text":     text,
					"attempts": t.Attempts,
				})
			}
			return
		}
		slog.Debug("ocr: content fetch failed, treating as not ready", "resource", id, "err", err)
	}

	if !p.registry.Current(t) {
		return
	}
	if t.Attempts == 1 || t.Attempts%p.cfg.ProcessingEvery == 0 {
		p.sink.Publish(ctx, id, notify.EventProcessing, map[string]any{
			"attempts":     t.Attempts,
			"attemptLimit": t.AttemptLimit,
		})
	}
}

// Close stops the tick loop and waits for it to exit. Tracked tasks are
// abandoned without notifications.
func (p *Poller) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}
