package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opsmith/opsmith/pkg/facts"
	"github.com/opsmith/opsmith/pkg/operr"
)

func newFactCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fact <inventory> <fact> [args...]",
		Short: "Gather one fact from every active host",
		Long: `Gather a single fact across the inventory and print a JSON mapping
from host name to value. Hosts where the fact's underlying tool is
absent report null.

Available facts: ` + strings.Join(facts.Names(), ", "),
		Example: `  # OS of every host
  opsmith fact inventory.yml os

  # A parameterised fact
  opsmith fact inventory.yml deb_package nginx`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := runFact(cmd.Context(), args[0], args[1], args[2:])
			if err != nil {
				printErr(err)
			}
			return err
		},
	}
}

func runFact(ctx context.Context, inventoryPath, factName string, factArgs []string) error {
	inv, err := loadInventory(inventoryPath)
	if err != nil {
		return err
	}
	if limit != "" {
		inv, err = inv.Limit(limit)
		if err != nil {
			return err
		}
	}

	if _, ok := facts.Get(factName); !ok {
		return operr.NewDefinitionError(fmt.Sprintf("unknown fact %q", factName), nil)
	}

	pool := newPool()
	defer pool.Close()
	gatherer := facts.NewGatherer(pool)

	values := make(map[string]any, inv.Len())
	for _, h := range inv.Hosts() {
		value, err := gatherer.FactByName(ctx, h, factName, factArgs...)
		if err != nil {
			return err
		}
		values[h.Name()] = value
	}

	raw, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}
