package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/schaermu/horsyncd/internal/activation"
	"github.com/schaermu/horsyncd/internal/config"
	"github.com/schaermu/horsyncd/internal/metrics"
	"github.com/schaermu/horsyncd/internal/registry"
	horsync "github.com/schaermu/horsyncd/internal/sync"
)

// GitHubPushEvent represents the relevant fields from a GitHub push webhook
type GitHubPushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName      string `json:"full_name"`
		DefaultBranch string `json:"default_branch"`
	} `json:"repository"`
}

// Runner runs one sync pass
type Runner interface {
	Run(ctx context.Context) (*horsync.Report, error)
}

// Server is the long-running service: it runs passes on demand, on a
// schedule and when GitHub reports a push to a tracked default branch.
type Server struct {
	cfg     *config.Config
	runner  Runner
	logger  *slog.Logger
	secret  []byte
	tracked map[string]bool // lowercased owner/repo
	runCtx  context.Context // context of debounced passes; cancelled on shutdown

	passMu      sync.Mutex // serializes sync passes
	syncMu      sync.Mutex // guards syncRunning and syncPending
	syncRunning bool       // whether a background sync is in progress
	syncPending bool       // whether another sync is needed after the current one
	debounce    *debouncer
}

// debouncer implements debouncing for webhook events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new server. The webhook secret is read when a secret
// file is configured; without one the webhook endpoint is not served.
func NewServer(cfg *config.Config, runner Runner, reg registry.Registry, logger *slog.Logger) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		runner:  runner,
		logger:  logger,
		tracked: make(map[string]bool),
		runCtx:  context.Background(),
		debounce: &debouncer{
			delay: 2 * time.Second,
		},
	}

	for _, p := range reg.Projects() {
		s.tracked[strings.ToLower(p.FullName())] = true
	}

	if cfg.WebhookEnabled() {
		secret, err := os.ReadFile(cfg.Serve.GitHubWebhookSecretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read webhook secret: %w", err)
		}
		s.secret = []byte(strings.TrimSpace(string(secret)))
		if len(s.secret) == 0 {
			return nil, fmt.Errorf("webhook secret file %s is empty", cfg.Serve.GitHubWebhookSecretFile)
		}
	}

	return s, nil
}

// Handler returns the HTTP routes of the service
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "ok\n")
	})
	r.Post("/sync", s.handleSync)
	if s.secret != nil {
		r.Post("/webhook", s.handleWebhook)
	}
	if s.cfg.Serve.Metrics {
		metrics.Register()
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	}

	return r
}

// Start performs an initial sync, then serves HTTP until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("performing initial sync before starting server")
	s.performSync(ctx)

	listener, activated, err := activation.Listen(s.cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}
	return s.serve(ctx, listener, activated)
}

func (s *Server) serve(ctx context.Context, listener net.Listener, activated bool) error {
	s.runCtx = ctx
	defer s.debounce.stop()

	if s.cfg.Serve.Schedule != "" {
		scheduler := cron.New()
		if _, err := scheduler.AddFunc(s.cfg.Serve.Schedule, func() { s.performSync(ctx) }); err != nil {
			_ = listener.Close()
			return fmt.Errorf("invalid schedule %q: %w", s.cfg.Serve.Schedule, err)
		}
		scheduler.Start()
		defer func() {
			<-scheduler.Stop().Done()
		}()
		s.logger.Info("scheduled sync enabled", "schedule", s.cfg.Serve.Schedule)
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// on-demand passes answer only once every project has been reconciled
		WriteTimeout:   5 * time.Minute,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			"addr", listener.Addr().String(),
			"socket_activated", activated,
			"webhook", s.secret != nil,
			"metrics", s.cfg.Serve.Metrics)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleSync runs a pass and reports its outcome in the status code
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("sync requested", "remote", r.RemoteAddr)

	report, err := s.runPass(r.Context())
	if err != nil {
		s.logger.Error("requested sync failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("X-Horsyncd-Changed", fmt.Sprint(report.Changed()))
	w.WriteHeader(http.StatusNoContent)
}

// handleWebhook handles incoming GitHub webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	signature := r.Header.Get("X-Hub-Signature-256")
	if !s.verifySignature(body, signature) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	s.logger.Info("received webhook", "event", eventType)

	if !s.isEventTypeAllowed(eventType) {
		s.logger.Info("ignoring disallowed event type", "event", eventType)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Event type not configured for sync\n")
		return
	}

	var event GitHubPushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if !s.isTracked(event.Repository.FullName) {
		s.logger.Info("ignoring untracked repository", "repo", event.Repository.FullName)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Repository not tracked\n")
		return
	}

	if !isDefaultBranchPush(event) {
		s.logger.Info("ignoring push outside the default branch", "ref", event.Ref, "repo", event.Repository.FullName)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Ref not configured for sync\n")
		return
	}

	s.logger.Info("webhook accepted",
		"event", eventType,
		"ref", event.Ref,
		"commit", event.After,
		"repo", event.Repository.FullName)

	ctx := s.runCtx
	s.debounce.trigger(func() {
		s.performSync(ctx)
	})

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Sync triggered\n")
}

// verifySignature verifies the GitHub webhook signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	if len(s.secret) == 0 || signature == "" {
		return false
	}

	// GitHub signature format: sha256=<hex>
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(signature), []byte(expected))
}

// isEventTypeAllowed checks if the event type is in the allowed list
func (s *Server) isEventTypeAllowed(eventType string) bool {
	if len(s.cfg.Serve.AllowedEventTypes) == 0 {
		return true // no filter configured
	}

	for _, allowed := range s.cfg.Serve.AllowedEventTypes {
		if eventType == allowed {
			return true
		}
	}
	return false
}

func (s *Server) isTracked(fullName string) bool {
	return s.tracked[strings.ToLower(fullName)]
}

// isDefaultBranchPush reports whether the push moved the default branch.
// Payloads without default_branch are accepted; the pass re-reads the
// repository anyway.
func isDefaultBranchPush(event GitHubPushEvent) bool {
	if !strings.HasPrefix(event.Ref, "refs/heads/") {
		return false
	}
	if event.Repository.DefaultBranch == "" {
		return true
	}
	return event.Ref == "refs/heads/"+event.Repository.DefaultBranch
}

// runPass runs one sync pass; passes never overlap
func (s *Server) runPass(ctx context.Context) (*horsync.Report, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()
	return s.runner.Run(ctx)
}

// performSync executes the sync operation with single-flight semantics.
// If a sync is already in progress, at most one additional run is queued;
// further concurrent requests are dropped to avoid unbounded goroutine pile-up.
func (s *Server) performSync(ctx context.Context) {
	s.syncMu.Lock()
	if s.syncRunning {
		s.syncPending = true
		s.syncMu.Unlock()
		s.logger.Info("sync already in progress, queuing pending re-run")
		return
	}
	s.syncRunning = true
	s.syncMu.Unlock()

	for {
		s.logger.Info("performing sync operation")

		if _, err := s.runPass(ctx); err != nil {
			s.logger.Error("sync failed", "error", err)
		}

		// Atomically check whether another sync was requested while we were
		// running. If not, release the running slot and stop; if yes, clear
		// the flag and loop to service that one pending request.
		s.syncMu.Lock()
		if !s.syncPending {
			s.syncRunning = false
			s.syncMu.Unlock()
			break
		}
		s.syncPending = false
		s.syncMu.Unlock()

		s.logger.Info("re-running sync due to pending request")
	}
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

// stop drops a pending callback
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.callback = nil
}
