// Package transports defines the command-execution channel contract used by
// both the fact gatherer and the execution engine, and a per-host connection
// pool over concrete transports.
package transports

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/opsmith/opsmith/pkg/inventory"
)

// Result is the outcome of one command executed on one host. A non-zero exit
// code is not an error at this layer; transport errors are returned
// separately so callers can tell command failure from connectivity loss.
type Result struct {
	// ExitCode is the command's exit code.
	ExitCode int

	// Stdout is the command's standard output, split into lines.
	Stdout []string

	// Stderr is the command's standard error, split into lines.
	Stderr []string

	// Duration is the total execution time.
	Duration time.Duration
}

// Failed returns true if the command exited non-zero.
func (r *Result) Failed() bool { return r.ExitCode != 0 }

// CombinedOutput returns stdout and stderr joined for display.
func (r *Result) CombinedOutput() string {
	return strings.TrimSpace(strings.Join(r.Stdout, "\n") + "\n" + strings.Join(r.Stderr, "\n"))
}

// SplitLines splits raw command output into trimmed lines, dropping a single
// trailing empty line.
func SplitLines(raw string) []string {
	raw = strings.TrimRight(raw, "\n")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\n")
}

// Transport executes commands against a single host.
type Transport interface {
	// Connect establishes the connection to the host.
	Connect(ctx context.Context) error

	// Close releases the connection.
	Close() error

	// Execute runs a command on the host. A non-zero exit code is reported
	// in the Result; the error return is reserved for transport failures.
	Execute(ctx context.Context, command string) (*Result, error)

	// Upload copies a local file to the host.
	Upload(ctx context.Context, localPath, remotePath string, mode uint32) error
}

// Factory builds a transport for a host from its merged inventory data.
type Factory func(host *inventory.Host) (Transport, error)

// Runner dispatches commands and uploads to hosts. It is the surface the
// gatherer and the execution engine share; *Pool is the production
// implementation.
type Runner interface {
	Run(ctx context.Context, host *inventory.Host, command string) (*Result, error)
	Put(ctx context.Context, host *inventory.Host, localPath, remotePath string, mode uint32) error
}

// Pool lazily connects and caches one transport per host. It is safe for
// concurrent use across distinct hosts.
type Pool struct {
	factory Factory

	mu   sync.Mutex
	open map[string]Transport
}

// NewPool creates a pool over the given transport factory.
func NewPool(factory Factory) *Pool {
	return &Pool{
		factory: factory,
		open:    make(map[string]Transport),
	}
}

// Get returns a connected transport for the host, creating one on first use.
func (p *Pool) Get(ctx context.Context, host *inventory.Host) (Transport, error) {
	p.mu.Lock()
	if t, ok := p.open[host.Name()]; ok {
		p.mu.Unlock()
		return t, nil
	}
	p.mu.Unlock()

	t, err := p.factory(host)
	if err != nil {
		return nil, err
	}
	if err := t.Connect(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.open[host.Name()]; ok {
		// Another goroutine connected first; keep its transport.
		_ = t.Close()
		return existing, nil
	}
	p.open[host.Name()] = t
	return t, nil
}

// Run executes a command on the named host through its pooled transport.
func (p *Pool) Run(ctx context.Context, host *inventory.Host, command string) (*Result, error) {
	t, err := p.Get(ctx, host)
	if err != nil {
		return nil, err
	}
	return t.Execute(ctx, command)
}

// Put uploads a local file to the named host through its pooled transport.
func (p *Pool) Put(ctx context.Context, host *inventory.Host, localPath, remotePath string, mode uint32) error {
	t, err := p.Get(ctx, host)
	if err != nil {
		return err
	}
	return t.Upload(ctx, localPath, remotePath, mode)
}

// Close disconnects every pooled transport.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, t := range p.open {
		_ = t.Close()
		delete(p.open, name)
	}
}
