package sync

import (
	"time"

	"github.com/schaermu/horsyncd/internal/reconcile"
	"github.com/schaermu/horsyncd/internal/registry"
)

// Result is the result of dispatching one project
type Result struct {
	Project registry.Project
	Outcome reconcile.Outcome
	Err     error
}

// Report collects the results of one sync pass in registry order. Projects
// not attempted because the pass stopped early have no result.
type Report struct {
	Started  time.Time
	Duration time.Duration
	Results  []Result
}

// Failures returns the results that carry an error
func (r *Report) Failures() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Changed returns the number of tags created or moved (or that would have
// been in dry-run mode)
func (r *Report) Changed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err == nil && res.Outcome.Decision.Action != reconcile.NoOp {
			n++
		}
	}
	return n
}
