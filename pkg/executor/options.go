package executor

import (
	"github.com/go-playground/validator/v10"

	"github.com/opsmith/opsmith/pkg/operr"
)

// maxDefaultWorkers caps the worker pool when Parallel is left unset.
const maxDefaultWorkers = 64

// Options configure a single run.
type Options struct {
	// Parallel is the maximum number of concurrent workers per operation.
	// Zero means one worker per applicable host, capped at 64.
	Parallel int `validate:"gte=0"`

	// Serial processes hosts one at a time, each host running all of its
	// operations before the next host begins.
	Serial bool

	// FailPercent is the tolerated per-operation host failure percentage.
	// The run aborts when an operation's failure fraction strictly exceeds
	// it, so the default 0 aborts on any failure and 100 never aborts.
	FailPercent float64 `validate:"gte=0,lte=100"`

	// Limit restricts the active inventory by name, group, or glob
	// pattern. Empty means all hosts.
	Limit string

	// NoWait lets sibling hosts of a failing host keep running; the
	// failure is recorded and folded into the failure fraction only.
	NoWait bool

	// DryRun suppresses state-changing commands. Fact probes still run.
	DryRun bool
}

var validate = validator.New()

// Validate checks option ranges.
func (o *Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return operr.NewDefinitionError("invalid run options", err)
	}
	return nil
}

// workerCount resolves the pool size for an operation dispatched across
// n applicable hosts.
func (o *Options) workerCount(n int) int {
	workers := o.Parallel
	if workers == 0 {
		workers = n
		if workers > maxDefaultWorkers {
			workers = maxDefaultWorkers
		}
	}
	if workers > n {
		workers = n
	}
	if workers < 1 {
		workers = 1
	}
	return workers
}
