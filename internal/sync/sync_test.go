package sync

import (
	"context"
	"errors"
	"log/slog"
	"os"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/schaermu/horsyncd/internal/config"
	"github.com/schaermu/horsyncd/internal/reconcile"
	"github.com/schaermu/horsyncd/internal/registry"
	"github.com/schaermu/horsyncd/internal/remote/remotetest"
)

// mockReconciler implements Reconciler for testing.
type mockReconciler struct {
	mu       gosync.Mutex
	calls    []string
	failFor  map[string]error
	delay    time.Duration
	delayFor map[string]time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (m *mockReconciler) Reconcile(ctx context.Context, p registry.Project) (reconcile.Outcome, error) {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		seen := m.maxSeen.Load()
		if n <= seen || m.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	m.mu.Lock()
	m.calls = append(m.calls, p.FullName())
	err := m.failFor[p.FullName()]
	delay := m.delay
	if d, ok := m.delayFor[p.FullName()]; ok {
		delay = d
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return reconcile.Outcome{Project: p}, ctx.Err()
		}
	}

	if err != nil {
		return reconcile.Outcome{Project: p}, err
	}
	return reconcile.Outcome{Project: p, Decision: reconcile.Decision{Action: reconcile.CreateTag, SHA: "abc123"}}, nil
}

func (m *mockReconciler) called() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func project(kind registry.Kind, repo string) registry.Project {
	return registry.Project{Kind: kind, Owner: "acme", Repo: repo, Environment: "deployment"}
}

func newTestEngine(t *testing.T, projects []registry.Project, rec Reconciler, opts Options) *Engine {
	t.Helper()
	engine, err := NewEngine(registry.NewStatic(projects), rec, testLogger(), opts)
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	return engine
}

func TestNewEngine_RequiresDependencies(t *testing.T) {
	if _, err := NewEngine(nil, &mockReconciler{}, testLogger(), Options{}); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized without registry, got %v", err)
	}
	if _, err := NewEngine(registry.NewStatic(nil), nil, testLogger(), Options{}); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("expected ErrNotInitialized without reconciler, got %v", err)
	}

	engine, err := NewEngine(registry.NewStatic(nil), &mockReconciler{}, testLogger(), Options{})
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	if engine.policy != config.PolicyFailFast || engine.concurrency != 1 {
		t.Errorf("unexpected defaults policy=%s concurrency=%d", engine.policy, engine.concurrency)
	}
}

func TestRun_RegistryOrder(t *testing.T) {
	rec := &mockReconciler{}
	engine := newTestEngine(t, []registry.Project{
		project(registry.KindGitHub, "a"),
		project(registry.KindGitHub, "b"),
		project(registry.KindGitHub, "c"),
	}, rec, Options{})

	report, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	calls := rec.called()
	want := []string{"acme/a", "acme/b", "acme/c"}
	if len(calls) != len(want) {
		t.Fatalf("expected %d calls, got %v", len(want), calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, calls[i], want[i])
		}
	}
	if len(report.Results) != 3 || report.Changed() != 3 {
		t.Errorf("unexpected report results=%d changed=%d", len(report.Results), report.Changed())
	}
}

func TestRun_EmptyRegistry(t *testing.T) {
	engine := newTestEngine(t, nil, &mockReconciler{}, Options{})

	report, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if len(report.Results) != 0 {
		t.Errorf("expected no results, got %d", len(report.Results))
	}
}

func TestRun_UnsupportedKindFailsFast(t *testing.T) {
	rec := &mockReconciler{}
	engine := newTestEngine(t, []registry.Project{
		project("gitlab", "legacy"),
		project(registry.KindGitHub, "api"),
	}, rec, Options{})

	report, err := engine.Run(context.Background())
	if !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("expected ErrUnsupportedKind, got %v", err)
	}
	if calls := rec.called(); len(calls) != 0 {
		t.Errorf("expected reconciler not to be invoked, got %v", calls)
	}
	if len(report.Results) != 1 || report.Results[0].Project.Repo != "legacy" {
		t.Errorf("expected only the unsupported project in the report, got %+v", report.Results)
	}
}

func TestRun_FailFastStopsAtFirstError(t *testing.T) {
	boom := errors.New("boom")
	rec := &mockReconciler{failFor: map[string]error{"acme/b": boom}}
	engine := newTestEngine(t, []registry.Project{
		project(registry.KindGitHub, "a"),
		project(registry.KindGitHub, "b"),
		project(registry.KindGitHub, "c"),
	}, rec, Options{Policy: config.PolicyFailFast})

	report, err := engine.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if calls := rec.called(); len(calls) != 2 {
		t.Errorf("expected 2 calls before abort, got %v", calls)
	}
	if len(report.Failures()) != 1 {
		t.Errorf("expected 1 failure, got %d", len(report.Failures()))
	}
}

func TestRun_IsolateAttemptsEveryProject(t *testing.T) {
	boom := errors.New("boom")
	rec := &mockReconciler{failFor: map[string]error{"acme/a": boom}}
	engine := newTestEngine(t, []registry.Project{
		project(registry.KindGitHub, "a"),
		project("gitlab", "legacy"),
		project(registry.KindGitHub, "c"),
	}, rec, Options{Policy: config.PolicyIsolate})

	report, err := engine.Run(context.Background())
	if err == nil {
		t.Fatal("expected aggregate error")
	}
	if !errors.Is(err, boom) || !errors.Is(err, ErrUnsupportedKind) {
		t.Errorf("expected aggregate to contain both failures, got %v", err)
	}
	if calls := rec.called(); len(calls) != 2 {
		t.Errorf("expected both github projects to be attempted, got %v", calls)
	}
	if len(report.Results) != 3 || len(report.Failures()) != 2 || report.Changed() != 1 {
		t.Errorf("unexpected report results=%d failures=%d changed=%d",
			len(report.Results), len(report.Failures()), report.Changed())
	}
}

func TestRun_ConcurrencyIsBounded(t *testing.T) {
	rec := &mockReconciler{delay: 20 * time.Millisecond}
	projects := make([]registry.Project, 0, 8)
	for _, name := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		projects = append(projects, project(registry.KindGitHub, name))
	}
	engine := newTestEngine(t, projects, rec, Options{Concurrency: 3})

	report, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if got := len(rec.called()); got != 8 {
		t.Errorf("expected 8 calls, got %d", got)
	}
	if peak := rec.maxSeen.Load(); peak > 3 {
		t.Errorf("expected at most 3 concurrent reconciliations, saw %d", peak)
	}
	for i, res := range report.Results {
		if res.Project.Repo != projects[i].Repo {
			t.Errorf("report result %d = %s, want registry order %s", i, res.Project.Repo, projects[i].Repo)
		}
	}
}

func TestRun_ConcurrentUnsupportedStopsDispatch(t *testing.T) {
	rec := &mockReconciler{}
	engine := newTestEngine(t, []registry.Project{
		project("gitlab", "legacy"),
		project(registry.KindGitHub, "api"),
	}, rec, Options{Concurrency: 4})

	_, err := engine.Run(context.Background())
	if !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("expected ErrUnsupportedKind, got %v", err)
	}
	if calls := rec.called(); len(calls) != 0 {
		t.Errorf("expected no reconciliations, got %v", calls)
	}
}

func TestRun_ConcurrentFailFastStopsDispatch(t *testing.T) {
	boom := errors.New("boom")
	rec := &mockReconciler{
		failFor:  map[string]error{"acme/a": boom},
		delayFor: map[string]time.Duration{"acme/a": 0, "acme/b": 50 * time.Millisecond},
	}
	engine := newTestEngine(t, []registry.Project{
		project(registry.KindGitHub, "a"),
		project(registry.KindGitHub, "b"),
		project(registry.KindGitHub, "c"),
		project(registry.KindGitHub, "d"),
	}, rec, Options{Concurrency: 2})

	for i := 0; i < 20; i++ {
		rec.mu.Lock()
		rec.calls = nil
		rec.mu.Unlock()

		report, err := engine.Run(context.Background())
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}

		for _, name := range rec.called() {
			if name == "acme/c" || name == "acme/d" {
				t.Fatalf("run %d: %s dispatched after acme/a failed (calls %v)", i, name, rec.called())
			}
		}
		for _, res := range report.Results {
			if res.Project.Repo == "c" || res.Project.Repo == "d" {
				t.Fatalf("run %d: unexpected result for %s", i, res.Project.FullName())
			}
		}
	}
}

func TestActionLabel(t *testing.T) {
	tests := []struct {
		name    string
		outcome reconcile.Outcome
		err     error
		want    string
	}{
		{name: "noop", outcome: reconcile.Outcome{Decision: reconcile.Decision{Action: reconcile.NoOp}}, want: "noop"},
		{name: "create", outcome: reconcile.Outcome{Decision: reconcile.Decision{Action: reconcile.CreateTag}}, want: "create"},
		{name: "update", outcome: reconcile.Outcome{Decision: reconcile.Decision{Action: reconcile.UpdateTag}}, want: "update"},
		{name: "dry-run create", outcome: reconcile.Outcome{Decision: reconcile.Decision{Action: reconcile.CreateTag}, DryRun: true}, want: "dry-run-create"},
		{name: "dry-run update", outcome: reconcile.Outcome{Decision: reconcile.Decision{Action: reconcile.UpdateTag}, DryRun: true}, want: "dry-run-update"},
		{name: "error", outcome: reconcile.Outcome{Decision: reconcile.Decision{Action: reconcile.UpdateTag}}, err: errors.New("boom"), want: "none"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := actionLabel(tt.outcome, tt.err); got != tt.want {
				t.Errorf("actionLabel() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRun_DryRunRecordsDryRunAction(t *testing.T) {
	fake := remotetest.New().
		AddRepo("acme/api", "main").
		SetRef("acme/api", "refs/heads/main", "abc123")
	rec := reconcile.New(fake, testLogger(), true)
	engine := newTestEngine(t, []registry.Project{project(registry.KindGitHub, "api")}, rec, Options{})

	counter := func(action string) float64 {
		return reconcileCount(t, "acme/api", action)
	}
	dryBefore, createBefore := counter("dry-run-create"), counter("create")

	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if got := counter("dry-run-create") - dryBefore; got != 1 {
		t.Errorf("expected one dry-run-create reconciliation, got %v", got)
	}
	if got := counter("create") - createBefore; got != 0 {
		t.Errorf("expected no create reconciliation in dry-run, got %v", got)
	}
}

// reconcileCount reads a successful reconciliation counter from the default registry
func reconcileCount(t *testing.T, fullName, action string) float64 {
	t.Helper()

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "horsyncd_reconcile_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["project"] == fullName && labels["action"] == action && labels["result"] == "success" {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestRun_ConcurrentIsolateCollectsFailures(t *testing.T) {
	boom := errors.New("boom")
	rec := &mockReconciler{failFor: map[string]error{"acme/b": boom, "acme/d": boom}}
	engine := newTestEngine(t, []registry.Project{
		project(registry.KindGitHub, "a"),
		project(registry.KindGitHub, "b"),
		project(registry.KindGitHub, "c"),
		project(registry.KindGitHub, "d"),
	}, rec, Options{Policy: config.PolicyIsolate, Concurrency: 2})

	report, err := engine.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom in aggregate, got %v", err)
	}
	if len(rec.called()) != 4 {
		t.Errorf("expected every project attempted, got %v", rec.called())
	}
	if len(report.Failures()) != 2 {
		t.Errorf("expected 2 failures, got %d", len(report.Failures()))
	}
}

func TestRun_CancelledContext(t *testing.T) {
	rec := &mockReconciler{}
	engine := newTestEngine(t, []registry.Project{project(registry.KindGitHub, "a")}, rec, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := engine.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(rec.called()) != 0 {
		t.Errorf("expected no reconciliations, got %v", rec.called())
	}
}

// The scenarios below run the real reconciler against an in-memory remote.

func TestRun_EndToEnd(t *testing.T) {
	fake := remotetest.New().
		AddRepo("acme/fresh", "main").
		SetRef("acme/fresh", "refs/heads/main", "abc123").
		AddRepo("acme/stale", "release").
		SetRef("acme/stale", "refs/heads/release", "abc123").
		SetRef("acme/stale", "refs/tags/deployment", "def456").
		AddRepo("acme/current", "main").
		SetRef("acme/current", "refs/heads/main", "abc123").
		SetRef("acme/current", "refs/tags/deployment", "abc123")

	engine := newTestEngine(t, []registry.Project{
		project(registry.KindGitHub, "fresh"),
		project(registry.KindGitHub, "stale"),
		project(registry.KindGitHub, "current"),
	}, reconcile.New(fake, testLogger(), false), Options{})

	report, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if report.Changed() != 2 {
		t.Errorf("expected 2 changed tags, got %d", report.Changed())
	}
	if fake.CallCount("CreateRef") != 1 || fake.CallCount("UpdateRef") != 1 {
		t.Errorf("expected one create and one update, got create=%d update=%d",
			fake.CallCount("CreateRef"), fake.CallCount("UpdateRef"))
	}
	for _, repo := range []string{"acme/fresh", "acme/stale", "acme/current"} {
		ref, ok := fake.Ref(repo, "refs/tags/deployment")
		if !ok || ref.SHA != "abc123" {
			t.Errorf("%s: expected deployment tag at abc123, got %+v", repo, ref)
		}
	}

	// a second pass converges to no writes
	report, err = engine.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() failed: %v", err)
	}
	if report.Changed() != 0 || fake.WriteCount() != 2 {
		t.Errorf("expected idempotent second pass, changed=%d writes=%d", report.Changed(), fake.WriteCount())
	}
}

func TestRun_EndToEnd_NoDefaultBranchAborts(t *testing.T) {
	fake := remotetest.New().
		AddRepo("acme/empty", "").
		AddRepo("acme/api", "main").
		SetRef("acme/api", "refs/heads/main", "abc123")

	engine := newTestEngine(t, []registry.Project{
		project(registry.KindGitHub, "empty"),
		project(registry.KindGitHub, "api"),
	}, reconcile.New(fake, testLogger(), false), Options{})

	_, err := engine.Run(context.Background())
	if !errors.Is(err, reconcile.ErrNoDefaultBranch) {
		t.Fatalf("expected ErrNoDefaultBranch, got %v", err)
	}
	if fake.WriteCount() != 0 {
		t.Errorf("expected no writes, got %d", fake.WriteCount())
	}
}
