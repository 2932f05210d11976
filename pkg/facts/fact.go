// Package facts implements read-only host probes: each fact type builds a
// remote command, parses its output into a structured value, and supplies a
// default for when the probed tool or resource is legitimately absent.
// Gathered values are cached per host for the duration of a run.
package facts

import (
	"sort"
	"sync"
)

// Fact is the capability set every fact type implements.
type Fact interface {
	// Name identifies the fact type, e.g. "os" or "deb_packages".
	Name() string

	// BuildCommand returns the remote command to probe this fact.
	BuildCommand(args ...string) string

	// Parse turns the probe's stdout lines into a structured value:
	// a mapping, an ordered sequence, or a scalar.
	Parse(lines []string) (any, error)

	// Default is returned, without error, when the probe legitimately
	// found nothing.
	Default() any
}

// ArgRequirer is implemented by facts whose command cannot be built without
// a minimum number of arguments. The gatherer rejects shorter calls with a
// definition error before any command is built.
type ArgRequirer interface {
	RequiredArgs() int
}

// ToolRequirer is implemented by facts whose probe only makes sense when a
// tool is installed. The gatherer checks for the tool first and resolves the
// fact to its default when the tool is absent; the two-step check keeps
// "tool missing" distinguishable from a real transport failure.
type ToolRequirer interface {
	RequiresTool() string
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Fact)
)

// Register adds a fact type to the global registry. Called from init in the
// built-in fact files; external fact libraries may register their own.
func Register(f Fact) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[f.Name()] = f
}

// Get returns the registered fact type with the given name.
func Get(name string) (Fact, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// Names returns the registered fact names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
