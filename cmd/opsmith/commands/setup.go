package commands

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/opsmith/opsmith/pkg/executor"
	"github.com/opsmith/opsmith/pkg/inventory"
	"github.com/opsmith/opsmith/pkg/operr"
	"github.com/opsmith/opsmith/pkg/telemetry"
	"github.com/opsmith/opsmith/pkg/transports"
	"github.com/opsmith/opsmith/pkg/transports/local"
	"github.com/opsmith/opsmith/pkg/transports/ssh"
)

// localHost is the special inventory name executing on the control machine.
const localHost = "@local"

// loadInventory loads the inventory file, applying --data overrides.
func loadInventory(path string) (*inventory.Inventory, error) {
	overrides, err := parseDataFlags(dataFlags)
	if err != nil {
		return nil, err
	}
	return inventory.Load(path, overrides)
}

func parseDataFlags(flags []string) (map[string]any, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	overrides := make(map[string]any, len(flags))
	for _, kv := range flags {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, operr.NewDefinitionError(
				fmt.Sprintf("invalid --data value %q, want key=value", kv), nil)
		}
		overrides[key] = value
	}
	return overrides, nil
}

// startMetrics attaches an enabled Prometheus collector to the engine and
// serves its scrape endpoint when --metrics is set. The server lives for the
// remainder of the process; a run is single-shot, so there is nothing to
// shut down gracefully.
func startMetrics(eng *executor.Engine) {
	if metricsAddr == "" {
		return
	}
	m := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "opsmith"})
	eng.SetMetrics(m)

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	go func() {
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Error().Err(err).Str("addr", metricsAddr).Msg("metrics endpoint failed")
		}
	}()
	log.Info().Str("addr", metricsAddr).Msg("serving Prometheus metrics")
}

// newPool builds the transport pool. Hosts named @local, or carrying
// transport: local in their data, execute through a local shell; everything
// else connects over SSH.
func newPool() *transports.Pool {
	return transports.NewPool(func(h *inventory.Host) (transports.Transport, error) {
		if h.Name() == localHost || h.String("transport", "") == "local" {
			return local.Factory(h)
		}
		return ssh.Factory(h)
	})
}
