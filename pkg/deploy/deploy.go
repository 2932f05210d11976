// Package deploy evaluates Starlark deploy files into a recorded plan.
// Evaluation runs exactly once, single threaded; the order in which the
// script calls op() and upload() is the plan's global order.
package deploy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/opsmith/opsmith/pkg/facts"
	"github.com/opsmith/opsmith/pkg/inventory"
	"github.com/opsmith/opsmith/pkg/operr"
	"github.com/opsmith/opsmith/pkg/plan"
	"github.com/opsmith/opsmith/pkg/telemetry"
)

const (
	localCtx = "deploy.ctx"
	localEnv = "deploy.env"
)

// Env carries the collaborators a deploy script records against.
type Env struct {
	State     *plan.State
	Inventory *inventory.Inventory
	Gatherer  *facts.Gatherer

	log zerolog.Logger

	// nameStack holds the current name prefixes: the deploy file's base
	// name plus one entry per active include().
	nameStack []string

	// dir is the directory include() resolves relative paths against.
	dir string
}

// NewEnv builds the evaluation environment for one run.
func NewEnv(state *plan.State, inv *inventory.Inventory, gatherer *facts.Gatherer) *Env {
	return &Env{
		State:     state,
		Inventory: inv,
		Gatherer:  gatherer,
		log:       telemetry.ComponentLogger("deploy"),
	}
}

// Run evaluates the deploy file at path against the environment. A missing
// file is a DefinitionError carrying the message "No deploy file: <path>".
func Run(ctx context.Context, path string, env *Env) error {
	if _, err := os.Stat(path); err != nil {
		return operr.NewDefinitionError(fmt.Sprintf("No deploy file: %s", path), err)
	}

	env.nameStack = []string{filepath.Base(path)}
	env.dir = filepath.Dir(path)
	return execFile(ctx, path, env)
}

func execFile(ctx context.Context, path string, env *Env) error {
	thread := &starlark.Thread{
		Name: "deploy",
		Print: func(_ *starlark.Thread, msg string) {
			env.log.Info().Str("file", path).Msg(msg)
		},
	}
	thread.SetLocal(localCtx, ctx)
	thread.SetLocal(localEnv, env)

	predeclared := starlark.StringDict{
		"struct":    starlarkstruct.Default,
		"op":        starlark.NewBuiltin("op", builtinOp),
		"upload":    starlark.NewBuiltin("upload", builtinUpload),
		"fact":      starlark.NewBuiltin("fact", builtinFact),
		"hosts":     starlark.NewBuiltin("hosts", builtinHosts),
		"host_data": starlark.NewBuiltin("host_data", builtinHostData),
		"include":   starlark.NewBuiltin("include", builtinInclude),
	}

	if _, err := starlark.ExecFile(thread, path, nil, predeclared); err != nil {
		// A gather failure raised inside the script surfaces as an
		// EvalError wrapping the original; keep its class.
		if operr.IsGather(err) || operr.IsTransport(err) {
			return err
		}
		if evalErr, ok := err.(*starlark.EvalError); ok {
			return operr.NewDefinitionError(evalErr.Backtrace(), evalErr)
		}
		return operr.NewDefinitionError(fmt.Sprintf("deploy file %s failed", path), err)
	}
	return nil
}

func threadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(localCtx).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

func threadEnv(thread *starlark.Thread) (*Env, error) {
	env, ok := thread.Local(localEnv).(*Env)
	if !ok {
		return nil, fmt.Errorf("no deploy environment on thread")
	}
	return env, nil
}

// callSite returns the script position of the builtin call currently on
// the stack. Two calls from the same loop share it, which is what lets the
// recorder merge a per-host loop into one operation.
func callSite(thread *starlark.Thread) string {
	pos := thread.CallFrame(1).Pos
	return fmt.Sprintf("%s:%d:%d", pos.Filename(), pos.Line, pos.Col)
}
