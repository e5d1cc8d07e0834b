package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/schaermu/horsyncd/internal/config"
	"github.com/schaermu/horsyncd/internal/metrics"
	"github.com/schaermu/horsyncd/internal/reconcile"
	"github.com/schaermu/horsyncd/internal/registry"
)

var (
	// ErrUnsupportedKind is returned for projects hosted on a provider this
	// build cannot reconcile
	ErrUnsupportedKind = errors.New("project kind not supported")
	// ErrNotInitialized is returned when an engine is built without its
	// registry or reconciler
	ErrNotInitialized = errors.New("sync engine not initialized")
)

// Reconciler reconciles a single project
type Reconciler interface {
	Reconcile(ctx context.Context, p registry.Project) (reconcile.Outcome, error)
}

// Options configures a sync pass
type Options struct {
	Policy      config.Policy
	Concurrency int
}

// Engine orchestrates a sync pass over every registered project
type Engine struct {
	registry    registry.Registry
	reconciler  Reconciler
	logger      *slog.Logger
	policy      config.Policy
	concurrency int
}

// NewEngine creates a new sync engine. The reconciler must be backed by an
// initialized remote client.
func NewEngine(reg registry.Registry, rec Reconciler, logger *slog.Logger, opts Options) (*Engine, error) {
	if reg == nil || rec == nil {
		return nil, ErrNotInitialized
	}
	if opts.Policy == "" {
		opts.Policy = config.PolicyFailFast
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}

	return &Engine{
		registry:    reg,
		reconciler:  rec,
		logger:      logger,
		policy:      opts.Policy,
		concurrency: opts.Concurrency,
	}, nil
}

// Run executes one sync pass. It returns an error unless every project
// reconciled successfully. The report is returned in both cases.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	projects := e.registry.Projects()
	report := &Report{
		Started: time.Now(),
		Results: make([]Result, 0, len(projects)),
	}

	e.logger.Info("starting sync",
		"projects", len(projects),
		"policy", e.policy,
		"concurrency", e.concurrency)

	var err error
	if e.concurrency > 1 {
		err = e.runConcurrent(ctx, projects, report)
	} else {
		err = e.runSequential(ctx, projects, report)
	}

	report.Duration = time.Since(report.Started)
	metrics.RecordPass(report.Duration, err == nil)

	if err != nil {
		return report, err
	}

	e.logger.Info("sync completed successfully",
		"projects", len(report.Results),
		"changed", report.Changed(),
		"duration", report.Duration)
	return report, nil
}

func (e *Engine) runSequential(ctx context.Context, projects []registry.Project, report *Report) error {
	var errs []error
	for _, p := range projects {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}

		outcome, err := e.dispatch(ctx, p)
		report.Results = append(report.Results, Result{Project: p, Outcome: outcome, Err: err})
		if err == nil {
			continue
		}
		if e.policy == config.PolicyFailFast {
			return err
		}
		e.logger.Error("project sync failed, continuing", "project", p.String(), "error", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// runConcurrent dispatches projects in registry order to a bounded pool. In
// fail-fast mode the first failure cancels the group and stops dispatching;
// projects already running are waited for.
func (e *Engine) runConcurrent(ctx context.Context, projects []registry.Project, report *Report) error {
	failFast := e.policy == config.PolicyFailFast
	results := make([]*Result, len(projects))

	var g *errgroup.Group
	gctx := ctx
	if failFast {
		g, gctx = errgroup.WithContext(ctx)
	} else {
		g = new(errgroup.Group)
	}
	g.SetLimit(e.concurrency)

	var dispatchErr error
	for i, p := range projects {
		if err := gctx.Err(); err != nil {
			break
		}

		if !Supported(p.Kind) {
			err := unsupported(p)
			results[i] = &Result{Project: p, Outcome: reconcile.Outcome{Project: p}, Err: err}
			if failFast {
				dispatchErr = err
				break
			}
			continue
		}

		g.Go(func() error {
			// a slot may free up only after another project failed
			if failFast && gctx.Err() != nil {
				return nil
			}
			outcome, err := e.dispatch(gctx, p)
			results[i] = &Result{Project: p, Outcome: outcome, Err: err}
			if err != nil && failFast {
				return err
			}
			return nil
		})
	}
	waitErr := g.Wait()

	var errs []error
	for _, res := range results {
		if res == nil {
			continue
		}
		report.Results = append(report.Results, *res)
		if res.Err != nil && !failFast {
			e.logger.Error("project sync failed, continuing", "project", res.Project.String(), "error", res.Err)
			errs = append(errs, res.Err)
		}
	}

	if failFast {
		if waitErr != nil {
			return waitErr
		}
		if dispatchErr != nil {
			return dispatchErr
		}
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// dispatch routes a project to the reconciler for its kind
func (e *Engine) dispatch(ctx context.Context, p registry.Project) (reconcile.Outcome, error) {
	if !Supported(p.Kind) {
		return reconcile.Outcome{Project: p}, unsupported(p)
	}

	outcome, err := e.reconciler.Reconcile(ctx, p)
	metrics.RecordReconcile(p.FullName(), p.Environment, actionLabel(outcome, err), err == nil)
	return outcome, err
}

// actionLabel names the reconciliation in metrics; dry-run decisions are
// kept apart from real writes
func actionLabel(outcome reconcile.Outcome, err error) string {
	switch {
	case err != nil:
		return "none"
	case outcome.DryRun:
		return "dry-run-" + outcome.Decision.Action.String()
	default:
		return outcome.Decision.Action.String()
	}
}

// Supported reports whether projects of kind can be reconciled
func Supported(kind registry.Kind) bool {
	switch kind {
	case registry.KindGitHub:
		return true
	default:
		return false
	}
}

func unsupported(p registry.Project) error {
	return fmt.Errorf("%s: %w: %q", p.FullName(), ErrUnsupportedKind, p.Kind)
}
