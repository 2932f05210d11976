package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/opsmith/opsmith/pkg/deploy"
	"github.com/opsmith/opsmith/pkg/executor"
	"github.com/opsmith/opsmith/pkg/inventory"
	"github.com/opsmith/opsmith/pkg/plan"
	"github.com/opsmith/opsmith/pkg/telemetry"
)

func newDeployCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy <inventory> <deploy-file>",
		Short: "Evaluate a deploy file and execute the resulting plan",
		Long: `Evaluate a Starlark deploy file against an inventory, record the
operation plan, and execute it over the target hosts.

The deploy file is evaluated exactly once. Operations recorded for
several hosts from the same call site merge into one plan entry, so the
execution order never depends on host enumeration order.`,
		Example: `  # Run a deploy over an inventory
  opsmith deploy inventory.yml deploy.star

  # Preview without changing anything
  opsmith deploy inventory.yml deploy.star --dry-run

  # Only web hosts, tolerating one failure in five
  opsmith deploy inventory.yml deploy.star --limit 'web*' --fail-percent 20`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := runDeploy(cmd.Context(), args[0], args[1])
			if err != nil {
				printErr(err)
			}
			return err
		},
	}
}

func runDeploy(ctx context.Context, inventoryPath, deployPath string) error {
	inv, err := loadInventory(inventoryPath)
	if err != nil {
		return err
	}

	if debugData {
		return printHostData(inv)
	}

	pool := newPool()
	defer pool.Close()

	eng, err := executor.New(inv, pool, runOptions())
	if err != nil {
		return err
	}
	startMetrics(eng)

	if traceExporter != "" {
		tracer, err := telemetry.NewTracer(telemetry.TracingConfig{
			Enabled:  true,
			Exporter: traceExporter,
		}, "opsmith", "dev")
		if err != nil {
			return err
		}
		defer tracer.Shutdown(context.Background())
		eng.SetTracer(tracer)
	}

	err = eng.Evaluate(ctx, func(ctx context.Context, st *plan.State) error {
		env := deploy.NewEnv(st, eng.Active(), eng.Gatherer())
		return deploy.Run(ctx, deployPath, env)
	})
	if err != nil {
		return err
	}

	if debugOperations {
		printPlan(eng)
	}

	report, execErr := eng.Execute(ctx)
	if report != nil {
		printSummary(report)
		if debugFacts {
			printFacts(eng)
		}
	}
	if execErr != nil {
		return execErr
	}
	if report.ExitCode() != 0 {
		return fmt.Errorf("run completed with %d failed operations", report.Failures())
	}
	return nil
}

func printHostData(inv *inventory.Inventory) error {
	data := make(map[string]map[string]any, inv.Len())
	for _, h := range inv.Hosts() {
		data[h.Name()] = h.Data()
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

func printPlan(eng *executor.Engine) {
	st := eng.State()
	for i, hash := range st.OpOrder() {
		op, ok := st.Op(hash)
		if !ok {
			continue
		}
		fmt.Printf("%3d  %s  (%d hosts)\n", i+1, op.Name(), op.HostCount())
	}
}

func printSummary(report *executor.RunReport) {
	fmt.Printf("run %s: %s\n", report.RunID, report.Phase)
	hosts := make([]string, 0, len(report.Hosts))
	for host := range report.Hosts {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	for _, host := range hosts {
		s := report.Hosts[host]
		fmt.Printf("  %s: ops=%d changed=%d failed=%d\n", host, s.Ops, s.Changed, s.Failed)
	}
}

func printFacts(eng *executor.Engine) {
	for _, h := range eng.Active().Hosts() {
		facts := eng.Gatherer().HostFacts(h.Name())
		if len(facts) == 0 {
			continue
		}
		raw, err := json.MarshalIndent(facts, "", "  ")
		if err != nil {
			continue
		}
		fmt.Fprintf(os.Stdout, "%s:\n%s\n", h.Name(), raw)
	}
}
