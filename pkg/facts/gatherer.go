package facts

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/opsmith/opsmith/pkg/inventory"
	"github.com/opsmith/opsmith/pkg/operr"
	"github.com/opsmith/opsmith/pkg/telemetry"
	"github.com/opsmith/opsmith/pkg/transports"
)

// Gatherer executes fact probes through the transport and caches parsed
// results keyed by (host, fact, args). Concurrent requests for the same key
// collapse into a single in-flight probe. Cache scope is one run.
type Gatherer struct {
	runner  transports.Runner
	metrics *telemetry.Metrics

	mu    sync.RWMutex
	cache map[string]map[string]any // host name -> fact key -> value

	flight singleflight.Group
}

// NewGatherer creates a gatherer over the given runner.
func NewGatherer(runner transports.Runner) *Gatherer {
	return &Gatherer{
		runner:  runner,
		metrics: telemetry.NewMetrics(telemetry.MetricsConfig{}),
		cache:   make(map[string]map[string]any),
	}
}

// SetMetrics replaces the gatherer's metrics collector.
func (g *Gatherer) SetMetrics(m *telemetry.Metrics) {
	if m != nil {
		g.metrics = m
	}
}

// Fact returns the value of a fact for one host, probing the host on a cache
// miss. Transport failures surface as gather errors; an absent tool resolves
// to the fact's default without error.
func (g *Gatherer) Fact(ctx context.Context, host *inventory.Host, fact Fact, args ...string) (any, error) {
	if ar, ok := fact.(ArgRequirer); ok && len(args) < ar.RequiredArgs() {
		return nil, operr.NewDefinitionError(fmt.Sprintf(
			"fact %s requires %d argument(s), got %d",
			fact.Name(), ar.RequiredArgs(), len(args)), nil)
	}

	key := factKey(fact.Name(), args)

	if v, ok := g.cached(host.Name(), key); ok {
		return v, nil
	}

	flightKey := host.Name() + "\x00" + key
	v, err, _ := g.flight.Do(flightKey, func() (any, error) {
		// A prior flight participant may have populated the cache.
		if v, ok := g.cached(host.Name(), key); ok {
			return v, nil
		}
		v, err := g.probe(ctx, host, fact, args)
		if err != nil {
			return nil, err
		}
		g.store(host.Name(), key, v)
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// FactByName resolves the fact type from the registry, then gathers it.
func (g *Gatherer) FactByName(ctx context.Context, host *inventory.Host, name string, args ...string) (any, error) {
	fact, ok := Get(name)
	if !ok {
		return nil, operr.NewDefinitionError("unknown fact: "+name, nil)
	}
	return g.Fact(ctx, host, fact, args...)
}

// HostFacts returns a snapshot of every fact value cached for a host,
// keyed by fact name plus arguments. Used by debug output.
func (g *Gatherer) HostFacts(host string) map[string]any {
	g.mu.RLock()
	defer g.mu.RUnlock()
	snapshot := make(map[string]any, len(g.cache[host]))
	for k, v := range g.cache[host] {
		snapshot[k] = v
	}
	return snapshot
}

// probe runs the fact's command on the host and parses the output.
func (g *Gatherer) probe(ctx context.Context, host *inventory.Host, fact Fact, args []string) (any, error) {
	if tr, ok := fact.(ToolRequirer); ok {
		res, err := g.runner.Run(ctx, host, "command -v "+tr.RequiresTool())
		if err != nil {
			return nil, operr.NewGatherError("tool check failed for fact "+fact.Name(), err).WithHost(host.Name())
		}
		if res.Failed() {
			// Tool legitimately absent; the fact resolves to its default.
			log.Debug().
				Str("host", host.Name()).
				Str("fact", fact.Name()).
				Str("tool", tr.RequiresTool()).
				Msg("tool absent, using fact default")
			return fact.Default(), nil
		}
	}

	command := fact.BuildCommand(args...)
	g.metrics.FactProbed()
	log.Debug().
		Str("host", host.Name()).
		Str("fact", fact.Name()).
		Str("command", command).
		Msg("gathering fact")

	res, err := g.runner.Run(ctx, host, command)
	if err != nil {
		return nil, operr.NewGatherError("probe failed for fact "+fact.Name(), err).WithHost(host.Name())
	}
	if res.Failed() {
		return nil, operr.NewGatherError(
			fmt.Sprintf("probe for fact %s exited %d", fact.Name(), res.ExitCode), nil).WithHost(host.Name())
	}

	value, err := fact.Parse(res.Stdout)
	if err != nil {
		return nil, operr.NewGatherError("cannot parse output of fact "+fact.Name(), err).WithHost(host.Name())
	}
	return value, nil
}

func (g *Gatherer) cached(host, key string) (any, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.cache[host][key]
	return v, ok
}

func (g *Gatherer) store(host, key string, value any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cache[host] == nil {
		g.cache[host] = make(map[string]any)
	}
	g.cache[host][key] = value
}

func factKey(name string, args []string) string {
	if len(args) == 0 {
		return name
	}
	return name + "(" + strings.Join(args, ",") + ")"
}
