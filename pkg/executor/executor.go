package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/opsmith/opsmith/pkg/facts"
	"github.com/opsmith/opsmith/pkg/inventory"
	"github.com/opsmith/opsmith/pkg/operr"
	"github.com/opsmith/opsmith/pkg/plan"
	"github.com/opsmith/opsmith/pkg/telemetry"
	"github.com/opsmith/opsmith/pkg/transports"
)

// Engine evaluates a deploy definition into a plan and executes it over
// the active inventory. A fresh Engine is built per run; nothing persists
// across runs.
type Engine struct {
	inv      *inventory.Inventory
	active   *inventory.Inventory
	runner   transports.Runner
	gatherer *facts.Gatherer
	opts     Options

	log     zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	mu    sync.Mutex
	phase Phase
	state *plan.State
	runID string
}

// New creates an engine over the inventory and transport runner. The Limit
// option is applied here; a limit matching nothing yields an engine with an
// empty active inventory, not an error.
func New(inv *inventory.Inventory, runner transports.Runner, opts Options) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	active := inv
	if opts.Limit != "" {
		var err error
		active, err = inv.Limit(opts.Limit)
		if err != nil {
			return nil, err
		}
	}

	return &Engine{
		inv:      inv,
		active:   active,
		runner:   runner,
		gatherer: facts.NewGatherer(runner),
		opts:     opts,
		log:      telemetry.ComponentLogger("executor"),
		metrics:  telemetry.NewMetrics(telemetry.MetricsConfig{}),
		runID:    uuid.New().String(),
		phase:    PhaseIdle,
	}, nil
}

// SetMetrics replaces the engine's metrics collector. The run's fact
// gatherer shares the collector so probe counts land in the same registry.
func (e *Engine) SetMetrics(m *telemetry.Metrics) {
	if m != nil {
		e.metrics = m
		e.gatherer.SetMetrics(m)
	}
}

// SetTracer attaches a tracer; nil leaves spans disabled.
func (e *Engine) SetTracer(t *telemetry.Tracer) { e.tracer = t }

// RunID returns the run's identifier.
func (e *Engine) RunID() string { return e.runID }

// Phase returns the engine's current phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

func (e *Engine) transition(from, to Phase) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != from {
		return operr.NewDefinitionError(
			fmt.Sprintf("engine is %s, expected %s", e.phase, from), nil)
	}
	e.phase = to
	return nil
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}

// Inventory returns the full inventory the engine was built with.
func (e *Engine) Inventory() *inventory.Inventory { return e.inv }

// Active returns the limited inventory execution dispatches against.
func (e *Engine) Active() *inventory.Inventory { return e.active }

// Gatherer returns the run's fact gatherer.
func (e *Engine) Gatherer() *facts.Gatherer { return e.gatherer }

// State returns the recorded plan, nil before Evaluate.
func (e *Engine) State() *plan.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Evaluate runs the deploy definition exactly once against a fresh plan.
// The definition records operations and gathers facts in program order;
// evaluation is single threaded, which is what fixes the global order.
func (e *Engine) Evaluate(ctx context.Context, def func(ctx context.Context, st *plan.State) error) error {
	if err := e.transition(PhaseIdle, PhaseEvaluating); err != nil {
		return err
	}

	st := plan.NewState()
	e.mu.Lock()
	e.state = st
	e.mu.Unlock()

	if err := def(ctx, st); err != nil {
		e.setPhase(PhaseAborted)
		return err
	}

	st.Finalize()
	e.setPhase(PhasePlanned)
	e.log.Debug().
		Int("operations", st.Len()).
		Int("hosts", e.active.Len()).
		Msg("plan finalized")
	return nil
}

// Execute dispatches the finalized plan. It returns a report in every case;
// the report's Err and Phase carry the abort cause when the run did not
// complete.
func (e *Engine) Execute(ctx context.Context) (*RunReport, error) {
	if err := e.transition(PhasePlanned, PhaseExecuting); err != nil {
		return nil, err
	}

	report := newRunReport(e.runID)
	start := time.Now()
	e.metrics.RunStarted()

	if e.tracer != nil {
		var runSpan trace.Span
		ctx, runSpan = e.tracer.StartRunSpan(ctx, e.runID, e.active.Len())
		defer runSpan.End()
	}

	e.log.Info().
		Str("run_id", e.runID).
		Int("operations", e.state.Len()).
		Int("hosts", e.active.Len()).
		Bool("dry_run", e.opts.DryRun).
		Msg("run started")

	var err error
	if e.opts.Serial {
		err = e.executeSerial(ctx, report)
	} else {
		err = e.executeParallel(ctx, report)
	}

	if err != nil {
		e.setPhase(PhaseAborted)
		report.Err = err
	} else {
		e.setPhase(PhaseCompleted)
	}
	report.Phase = e.Phase()
	report.Duration = time.Since(start)
	e.metrics.RunCompleted(string(report.Phase), report.Duration)

	e.log.Info().
		Str("run_id", e.runID).
		Str("phase", string(report.Phase)).
		Int("failures", report.Failures()).
		Dur("duration", report.Duration).
		Msg("run finished")
	return report, err
}

// executeParallel dispatches each operation in global order, fanning its
// applicable hosts out over a bounded worker pool. The next operation never
// starts before the current one's dispatch has concluded.
func (e *Engine) executeParallel(ctx context.Context, report *RunReport) error {
	for _, hash := range e.state.OpOrder() {
		op, ok := e.state.Op(hash)
		if !ok {
			continue
		}
		applicable := e.applicableHosts(op)
		if len(applicable) == 0 {
			e.log.Debug().Str("op", op.Name()).Msg("no applicable hosts, skipping")
			continue
		}

		results := e.dispatchOp(ctx, op, applicable)
		failed := 0
		for _, res := range results {
			report.add(res)
			e.metrics.OpDispatched(string(res.Outcome))
			if res.Outcome == OutcomeFailed {
				failed++
				e.metrics.HostFailed(res.Host)
			}
		}

		if e.breached(failed, len(applicable)) {
			return operr.NewThresholdError(
				fmt.Sprintf("operation %q failed on %d of %d hosts (threshold %.0f%%)",
					op.Name(), failed, len(applicable), e.opts.FailPercent), nil)
		}
	}
	return nil
}

// dispatchOp runs one operation across its applicable hosts. Without
// NoWait, a guaranteed threshold breach cancels hosts that have not started
// yet; in-flight hosts always drain.
func (e *Engine) dispatchOp(ctx context.Context, op *plan.Operation, hosts []*inventory.Host) []HostResult {
	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan *inventory.Host, len(hosts))
	for _, h := range hosts {
		queue <- h
	}
	close(queue)

	resultCh := make(chan HostResult, len(hosts))
	var failures int64
	var failMu sync.Mutex

	var wg sync.WaitGroup
	workers := e.opts.workerCount(len(hosts))
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for h := range queue {
				select {
				case <-opCtx.Done():
					// Cancelled before this host started.
					continue
				default:
				}

				res := e.runHostOp(ctx, op, h)
				resultCh <- res

				if res.Outcome == OutcomeFailed && !e.opts.NoWait {
					failMu.Lock()
					failures++
					guaranteed := e.breached(int(failures), len(hosts))
					failMu.Unlock()
					if guaranteed {
						cancel()
					}
				}
			}
		}()
	}
	wg.Wait()
	close(resultCh)

	results := make([]HostResult, 0, len(hosts))
	for res := range resultCh {
		results = append(results, res)
	}
	return results
}

// executeSerial processes hosts one at a time, each host running all of its
// operations in its local order before the next host begins.
func (e *Engine) executeSerial(ctx context.Context, report *RunReport) error {
	// Per-operation failure counts accumulate across hosts.
	failed := make(map[string]int)

	for hostIdx, h := range e.active.Hosts() {
		for _, hash := range e.state.HostOps(h.Name()) {
			op, ok := e.state.Op(hash)
			if !ok {
				continue
			}

			res := e.runHostOp(ctx, op, h)
			report.add(res)
			e.metrics.OpDispatched(string(res.Outcome))
			if res.Outcome != OutcomeFailed {
				continue
			}
			e.metrics.HostFailed(res.Host)

			if operr.IsTransport(res.Err) && hostIdx == 0 && !e.opts.NoWait {
				// Losing the first host before any sibling has run leaves
				// nothing worth continuing with.
				return res.Err
			}

			failed[hash]++
			if e.breached(failed[hash], e.applicableCount(op)) {
				return operr.NewThresholdError(
					fmt.Sprintf("operation %q failed on %d of %d hosts (threshold %.0f%%)",
						op.Name(), failed[hash], e.applicableCount(op), e.opts.FailPercent), nil)
			}
		}
	}
	return nil
}

// runHostOp generates and runs one operation's commands on one host.
func (e *Engine) runHostOp(ctx context.Context, op *plan.Operation, h *inventory.Host) HostResult {
	start := time.Now()
	res := HostResult{
		Host:   h.Name(),
		OpName: op.Name(),
		OpHash: op.Hash(),
	}

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.StartOperationSpan(ctx, op.Name(), h.Name())
		defer func() {
			telemetry.RecordError(span, res.Err)
			span.End()
		}()
	}

	cmds, err := op.Commands(ctx, h)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = operr.WithOp(operr.WithHost(err, h.Name()), op.Name())
		res.Duration = time.Since(start)
		e.logOutcome(res)
		return res
	}

	if len(cmds) == 0 {
		res.Outcome = OutcomeNoChange
		res.Duration = time.Since(start)
		e.logOutcome(res)
		return res
	}

	if e.opts.DryRun {
		res.Outcome = OutcomeWouldChange
		res.Duration = time.Since(start)
		e.logOutcome(res)
		return res
	}

	for _, cmd := range cmds {
		if err := e.runCommand(ctx, h, cmd); err != nil {
			res.Outcome = OutcomeFailed
			res.Err = operr.WithOp(operr.WithHost(err, h.Name()), op.Name())
			res.Duration = time.Since(start)
			e.logOutcome(res)
			return res
		}
	}

	res.Outcome = OutcomeChanged
	res.Duration = time.Since(start)
	e.metrics.CommandFinished(h.Name(), res.Duration)
	e.logOutcome(res)
	return res
}

func (e *Engine) runCommand(ctx context.Context, h *inventory.Host, cmd plan.Command) error {
	switch cmd.Kind {
	case plan.KindUpload:
		return e.runner.Put(ctx, h, cmd.LocalPath, cmd.RemotePath, cmd.Mode)
	default:
		result, err := e.runner.Run(ctx, h, cmd.Line)
		if err != nil {
			return err
		}
		if result.Failed() {
			return operr.NewOperationError(
				fmt.Sprintf("command exited %d: %s", result.ExitCode, cmd.Line), nil)
		}
		return nil
	}
}

// applicableHosts intersects the operation's host set with the active
// inventory, preserving inventory enumeration order for display stability.
func (e *Engine) applicableHosts(op *plan.Operation) []*inventory.Host {
	var hosts []*inventory.Host
	for _, h := range e.active.Hosts() {
		if op.AppliesTo(h.Name()) {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

func (e *Engine) applicableCount(op *plan.Operation) int {
	return len(e.applicableHosts(op))
}

// breached reports whether failed of total strictly exceeds FailPercent.
func (e *Engine) breached(failed, total int) bool {
	if failed == 0 || total == 0 {
		return false
	}
	fraction := float64(failed) / float64(total) * 100
	return fraction > e.opts.FailPercent
}

func (e *Engine) logOutcome(res HostResult) {
	ev := e.log.Info()
	if res.Outcome == OutcomeFailed {
		ev = e.log.Error().Err(res.Err)
	}
	ev.Str("host", res.Host).
		Str("op", res.OpName).
		Str("outcome", string(res.Outcome)).
		Dur("duration", res.Duration).
		Msg("operation dispatched")
}
