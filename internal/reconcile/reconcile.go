package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/schaermu/horsyncd/internal/registry"
	"github.com/schaermu/horsyncd/internal/remote"
)

// ErrNoDefaultBranch is returned for repositories without a default branch
var ErrNoDefaultBranch = errors.New("repository has no default branch")

// Step names the remote call a reconciliation failed in
type Step string

const (
	StepRepository Step = "repository fetch"
	StepBranch     Step = "branch resolution"
	StepTag        Step = "tag resolution"
	StepCreate     Step = "tag creation"
	StepUpdate     Step = "tag update"
)

// RemoteError is a remote API failure that stopped a reconciliation
type RemoteError struct {
	Project string
	Step    Step
	Err     error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.Project, e.Step, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Outcome describes a finished reconciliation
type Outcome struct {
	Project       registry.Project
	DefaultBranch string
	Decision      Decision
	// Previous is the commit the tag pointed at before; empty if it was absent
	Previous string
	// DryRun is set when the write was skipped
	DryRun bool
}

// Reconciler converges one project's environment tag onto its default branch
type Reconciler struct {
	client remote.Client
	logger *slog.Logger
	dryRun bool
}

// New creates a reconciler
func New(client remote.Client, logger *slog.Logger, dryRun bool) *Reconciler {
	return &Reconciler{
		client: client,
		logger: logger,
		dryRun: dryRun,
	}
}

// Reconcile reads the default branch head and the environment tag, decides
// what to do and performs at most one write.
func (r *Reconciler) Reconcile(ctx context.Context, p registry.Project) (Outcome, error) {
	logger := r.logger.With("project", p.FullName(), "environment", p.Environment)
	outcome := Outcome{Project: p}

	repo, err := r.client.GetRepository(ctx, p.Owner, p.Repo)
	if err != nil {
		return outcome, &RemoteError{Project: p.FullName(), Step: StepRepository, Err: err}
	}
	if repo.DefaultBranch == "" {
		return outcome, fmt.Errorf("%s: %w", p.FullName(), ErrNoDefaultBranch)
	}
	outcome.DefaultBranch = repo.DefaultBranch

	branch, err := r.client.ResolveRef(ctx, p.Owner, p.Repo, remote.RefBranch, repo.DefaultBranch)
	if err != nil {
		return outcome, &RemoteError{Project: p.FullName(), Step: StepBranch, Err: err}
	}
	tracked, err := r.target(ctx, p, branch)
	if err != nil {
		return outcome, &RemoteError{Project: p.FullName(), Step: StepBranch, Err: err}
	}

	tag, err := r.tagState(ctx, p)
	if err != nil {
		return outcome, &RemoteError{Project: p.FullName(), Step: StepTag, Err: err}
	}
	outcome.Previous = tag.SHA

	decision := Decide(tracked, tag)
	outcome.Decision = decision
	logger = logger.With("branch", repo.DefaultBranch, "sha", decision.SHA, "action", decision.Action.String())

	if decision.Action == NoOp {
		logger.Info("deployment already in appropriate spot")
		return outcome, nil
	}

	if r.dryRun {
		outcome.DryRun = true
		logger.Info(fmt.Sprintf("[dry-run] would %s tag", decision.Action), "ref", p.TagRef(), "previous", tag.SHA)
		return outcome, nil
	}

	switch decision.Action {
	case CreateTag:
		if _, err := r.client.CreateRef(ctx, p.Owner, p.Repo, p.TagRef(), decision.SHA, true); err != nil {
			return outcome, &RemoteError{Project: p.FullName(), Step: StepCreate, Err: fmt.Errorf("unable to create new ref: %w", err)}
		}
		logger.Info("created environment tag", "ref", p.TagRef())
	case UpdateTag:
		if _, err := r.client.UpdateRef(ctx, p.Owner, p.Repo, p.TagRef(), decision.SHA, true); err != nil {
			return outcome, &RemoteError{Project: p.FullName(), Step: StepUpdate, Err: fmt.Errorf("unable to update existing ref: %w", err)}
		}
		logger.Info("moved environment tag", "ref", p.TagRef(), "previous", tag.SHA)
	}

	return outcome, nil
}

// tagState resolves the environment tag. A not found response means the tag
// does not exist yet; every other failure is returned.
func (r *Reconciler) tagState(ctx context.Context, p registry.Project) (TagState, error) {
	ref, err := r.client.ResolveRef(ctx, p.Owner, p.Repo, remote.RefTag, p.Environment)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return Absent, nil
		}
		return Absent, err
	}

	sha, err := r.target(ctx, p, ref)
	if err != nil {
		return Absent, err
	}
	return Present(sha), nil
}

// target returns the sha a ref designates, following an annotated tag object
// exactly one level.
func (r *Reconciler) target(ctx context.Context, p registry.Project, ref *remote.ResolvedRef) (string, error) {
	if ref.Kind != remote.ObjectTag {
		return ref.SHA, nil
	}

	peeled, err := r.client.PeelTag(ctx, p.Owner, p.Repo, ref.SHA)
	if err != nil {
		return "", fmt.Errorf("failed to dereference tag object %s: %w", ref.SHA, err)
	}
	return peeled.SHA, nil
}
