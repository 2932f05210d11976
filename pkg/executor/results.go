package executor

import (
	"time"
)

// Phase is the engine's run state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseEvaluating Phase = "evaluating"
	PhasePlanned    Phase = "planned"
	PhaseExecuting  Phase = "executing"
	PhaseCompleted  Phase = "completed"
	PhaseAborted    Phase = "aborted"
)

// Outcome is the per-host result of one operation dispatch.
type Outcome string

const (
	OutcomeNoChange    Outcome = "no change"
	OutcomeChanged     Outcome = "changed"
	OutcomeWouldChange Outcome = "would change"
	OutcomeFailed      Outcome = "failed"
)

// HostResult records one operation's outcome on one host.
type HostResult struct {
	Host     string
	OpName   string
	OpHash   string
	Outcome  Outcome
	Err      error
	Duration time.Duration
}

// HostSummary aggregates a host's results over the whole run.
type HostSummary struct {
	Ops     int
	Changed int
	Failed  int
}

// RunReport is the final account of a run.
type RunReport struct {
	RunID    string
	Phase    Phase
	Results  []HostResult
	Hosts    map[string]*HostSummary
	Duration time.Duration

	// Err is set when the run aborted, holding the threshold or fatal
	// transport error that stopped it.
	Err error
}

func newRunReport(runID string) *RunReport {
	return &RunReport{
		RunID: runID,
		Hosts: make(map[string]*HostSummary),
	}
}

func (r *RunReport) add(res HostResult) {
	r.Results = append(r.Results, res)
	s := r.Hosts[res.Host]
	if s == nil {
		s = &HostSummary{}
		r.Hosts[res.Host] = s
	}
	s.Ops++
	switch res.Outcome {
	case OutcomeChanged:
		s.Changed++
	case OutcomeFailed:
		s.Failed++
	}
}

// Failures counts failed per-host results across the run.
func (r *RunReport) Failures() int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			n++
		}
	}
	return n
}

// ExitCode maps the run to a process exit status: 0 only for a completed
// run with no per-host failures.
func (r *RunReport) ExitCode() int {
	if r.Phase == PhaseCompleted && r.Failures() == 0 {
		return 0
	}
	return 1
}
