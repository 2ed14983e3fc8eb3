package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coffre-fort/coffre/common/version"
	"github.com/coffre-fort/coffre/internal/coffre/ocr"
)

// HealthServer exposes /health, /status and /metrics.
type HealthServer struct {
	addr      string
	poller    pollerStatus
	clock     clock.Clock
	startedAt time.Time
	server    *http.Server
	mux       *http.ServeMux
}

// pollerStatus is the part of ocr.Poller the status endpoint reports on.
type pollerStatus interface {
	Status() ocr.Status
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

type statusResponse struct {
	Status     string      `json:"status"`
	Version    string      `json:"version"`
	Commit     string      `json:"commit"`
	BuildTime  string      `json:"build_time"`
	StartedAt  time.Time   `json:"started_at"`
	UptimeSecs float64     `json:"uptime_seconds"`
	KVBackend  string      `json:"kv_backend"`
	OCR        *ocr.Status `json:"ocr,omitempty"`
}

// NewHealthServer creates the server without starting it. poller and
// gatherer may be nil, in which case /status omits OCR state and /metrics is
// not mounted.
func NewHealthServer(addr, kvBackend string, poller pollerStatus, gatherer prometheus.Gatherer, clk clock.Clock) *HealthServer {
	if clk == nil {
		clk = clock.WallClock
	}
	mux := http.NewServeMux()
	hs := &HealthServer{
		addr:      addr,
		poller:    poller,
		clock:     clk,
		startedAt: clk.Now(),
		mux:       mux,
	}
	mux.HandleFunc("GET /health", hs.handleHealth)
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		hs.handleStatus(w, r, kvBackend)
	})
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return hs
}

// ServeHTTP implements http.Handler.
func (h *HealthServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Start begins listening in the background. It returns once the listener is
// bound, and shuts the server down when ctx is cancelled.
func (h *HealthServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("health server: listen %s: %w", h.addr, err)
	}

	h.server = &http.Server{
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("health server listening", "addr", ln.Addr().String())
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("health server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		h.Stop()
	}()

	return nil
}

// Stop shuts down the HTTP server.
func (h *HealthServer) Stop() {
	if h.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		slog.Warn("health server shutdown error", "err", err)
	}
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	})
}

func (h *HealthServer) handleStatus(w http.ResponseWriter, _ *http.Request, kvBackend string) {
	resp := statusResponse{
		Status:     "ok",
		Version:    version.Version,
		Commit:     version.GitCommit,
		BuildTime:  version.BuildTime,
		StartedAt:  h.startedAt,
		UptimeSecs: h.clock.Now().Sub(h.startedAt).Seconds(),
		KVBackend:  kvBackend,
	}
	if h.poller != nil {
		st := h.poller.Status()
		resp.OCR = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("health: failed to encode JSON response", "err", err)
	}
}
