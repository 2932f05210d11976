// Package plan implements the operation recorder: it deduplicates and orders
// operations registered during the single evaluation pass of a deploy
// definition, and tracks which hosts each operation applies to.
//
// Evaluation is strictly single-threaded; ordering derives only from the
// deploy definition's own sequential logic, never from the order a data
// structure happens to enumerate hosts in. Operations recorded from a
// per-host loop with identical name, arguments and call site collapse into
// one entry whose host set is the union of the loop's hosts.
package plan

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/opsmith/opsmith/pkg/inventory"
	"github.com/opsmith/opsmith/pkg/operr"
)

// CommandKind selects how a command is realised on a host.
type CommandKind int

const (
	// KindExec runs a shell command through the transport.
	KindExec CommandKind = iota

	// KindUpload copies a local file to the host.
	KindUpload
)

// Command is one unit of remote work a host must perform for an operation.
type Command struct {
	Kind CommandKind

	// Line is the shell command for KindExec.
	Line string

	// LocalPath, RemotePath and Mode describe a KindUpload transfer.
	LocalPath  string
	RemotePath string
	Mode       uint32
}

// String returns a display form of the command.
func (c Command) String() string {
	if c.Kind == KindUpload {
		return fmt.Sprintf("upload %s -> %s", c.LocalPath, c.RemotePath)
	}
	return c.Line
}

// Generator produces the commands a host must run for an operation. It runs
// during execution, may consult the fact gatherer to diff current against
// desired state, and returns an empty slice when the host is already
// satisfied.
type Generator func(ctx context.Context, host *inventory.Host) ([]Command, error)

// StaticCommands returns a Generator that yields the same commands for
// every host.
func StaticCommands(cmds ...Command) Generator {
	return func(ctx context.Context, host *inventory.Host) ([]Command, error) {
		return cmds, nil
	}
}

// ExecCommands returns a Generator yielding one shell command per line.
func ExecCommands(lines ...string) Generator {
	cmds := make([]Command, len(lines))
	for i, line := range lines {
		cmds[i] = Command{Kind: KindExec, Line: line}
	}
	return StaticCommands(cmds...)
}

// Operation is the metadata recorded for one operation hash: the
// human-readable name stack, the global order index assigned at first
// creation, the accumulating host set and the command generator.
type Operation struct {
	hash     string
	names    []string
	args     any
	callSite string
	order    int
	generate Generator
	hosts    map[string]struct{}
}

// Hash returns the operation's content hash.
func (o *Operation) Hash() string { return o.hash }

// Name returns the display name: the name stack joined pyramid-style,
// outermost first.
func (o *Operation) Name() string { return strings.Join(o.names, " | ") }

// Names returns the name stack.
func (o *Operation) Names() []string { return o.names }

// Args returns the effective arguments the operation was recorded with.
func (o *Operation) Args() any { return o.args }

// Order returns the operation's global order index. Assigned once at first
// creation, never reassigned.
func (o *Operation) Order() int { return o.order }

// AppliesTo returns true if the named host is in the operation's host set.
func (o *Operation) AppliesTo(host string) bool {
	_, ok := o.hosts[host]
	return ok
}

// HostCount returns the size of the operation's host set.
func (o *Operation) HostCount() int { return len(o.hosts) }

// Commands invokes the operation's generator for one host.
func (o *Operation) Commands(ctx context.Context, host *inventory.Host) ([]Command, error) {
	if o.generate == nil {
		return nil, nil
	}
	return o.generate(ctx, host)
}

// State is the plan under construction for a single run: the mapping from
// operation hash to metadata, the single global order, and each host's
// subsequence of it. It is mutable only during the evaluation pass and
// read-only once finalized.
type State struct {
	ops       map[string]*Operation
	order     []string
	finalized bool
}

// NewState initializes an empty plan for a fresh run.
func NewState() *State {
	return &State{
		ops: make(map[string]*Operation),
	}
}

// Record registers an operation discovered during evaluation. The hash is
// computed from the name stack, the effective arguments and the call-site
// identity; target hosts are merged into an existing entry when the hash is
// already known, otherwise a new entry takes the next global order index.
// Returns the operation hash.
func (s *State) Record(names []string, args any, callSite string, gen Generator, hosts ...*inventory.Host) (string, error) {
	if s.finalized {
		return "", operr.NewDefinitionError("plan is finalized; operations can only be recorded during evaluation", nil)
	}
	if len(names) == 0 {
		return "", operr.NewDefinitionError("operation requires a name", nil)
	}

	hash, err := OpHash(names, args, callSite)
	if err != nil {
		return "", err
	}

	op, exists := s.ops[hash]
	if !exists {
		op = &Operation{
			hash:     hash,
			names:    names,
			args:     args,
			callSite: callSite,
			order:    len(s.order),
			generate: gen,
			hosts:    make(map[string]struct{}),
		}
		s.ops[hash] = op
		s.order = append(s.order, hash)
	}

	for _, h := range hosts {
		op.hosts[h.Name()] = struct{}{}
	}

	return hash, nil
}

// Finalize marks the end of the evaluation pass. The plan is read-only from
// here on.
func (s *State) Finalize() { s.finalized = true }

// Finalized reports whether evaluation has completed.
func (s *State) Finalized() bool { return s.finalized }

// OpOrder returns the global execution order of operation hashes.
func (s *State) OpOrder() []string {
	order := make([]string, len(s.order))
	copy(order, s.order)
	return order
}

// Op returns the metadata for an operation hash.
func (s *State) Op(hash string) (*Operation, bool) {
	op, ok := s.ops[hash]
	return op, ok
}

// HostOps returns the named host's local operation order: exactly the
// subsequence of the global order restricted to operations containing
// that host. Deriving it from the global order keeps the subsequence
// property even when a host joins an earlier operation late.
func (s *State) HostOps(host string) []string {
	var order []string
	for _, hash := range s.order {
		if _, ok := s.ops[hash].hosts[host]; ok {
			order = append(order, hash)
		}
	}
	return order
}

// Len returns the number of recorded operations.
func (s *State) Len() int { return len(s.order) }

// OpHash computes the content hash identifying a logical operation:
// blake3 over the name stack, the canonical JSON encoding of the effective
// arguments and the call-site identity. Hosts are deliberately excluded so
// that per-host loops over one call site merge into a single operation.
func OpHash(names []string, args any, callSite string) (string, error) {
	argJSON, err := json.Marshal(args)
	if err != nil {
		return "", operr.NewDefinitionError("operation arguments are not serializable", err)
	}

	h := blake3.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{'\n'})
	}
	h.Write([]byte{0})
	h.Write(argJSON)
	h.Write([]byte{0})
	h.Write([]byte(callSite))

	return hex.EncodeToString(h.Sum(nil)), nil
}
