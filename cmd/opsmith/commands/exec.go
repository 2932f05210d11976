package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opsmith/opsmith/pkg/executor"
	"github.com/opsmith/opsmith/pkg/plan"
)

func newExecCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "exec <inventory> -- <command>",
		Short: "Run a single shell command across the inventory",
		Long: `Run one ad-hoc shell command on every active host, as a one-operation
plan. All run options (--limit, --serial, --dry-run, ...) apply.`,
		Example: `  # Restart a service everywhere
  opsmith exec inventory.yml -- systemctl restart nginx

  # Only one host
  opsmith exec inventory.yml --limit web1 -- uptime`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := strings.Join(args[1:], " ")
			err := runExec(cmd.Context(), args[0], command)
			if err != nil {
				printErr(err)
			}
			return err
		},
	}
}

func runExec(ctx context.Context, inventoryPath, command string) error {
	inv, err := loadInventory(inventoryPath)
	if err != nil {
		return err
	}

	pool := newPool()
	defer pool.Close()

	eng, err := executor.New(inv, pool, runOptions())
	if err != nil {
		return err
	}
	startMetrics(eng)

	err = eng.Evaluate(ctx, func(ctx context.Context, st *plan.State) error {
		_, err := st.Record(
			[]string{"exec", command},
			map[string]any{"commands": []string{command}},
			"exec:1:1",
			plan.ExecCommands(command),
			eng.Active().Hosts()...)
		return err
	})
	if err != nil {
		return err
	}

	report, execErr := eng.Execute(ctx)
	if report != nil {
		printSummary(report)
	}
	if execErr != nil {
		return execErr
	}
	if report.ExitCode() != 0 {
		return fmt.Errorf("command failed on %d hosts", report.Failures())
	}
	return nil
}
