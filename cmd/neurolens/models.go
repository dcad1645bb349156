package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/neurolens/neurolens/internal/model"
)

func newModelsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the model table and whether each checkpoint is present",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			table, err := cfg.ModelTable()
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(table)*2)
			for _, key := range table.Keys() {
				e := table[key]
				rows = append(rows, specRow(key.String(), model.Primary, e.Primary))
				if e.Secondary != nil {
					rows = append(rows, specRow(key.String(), model.Secondary, *e.Secondary))
				}
			}
			headers := []string{"Key", "Member", "Arch", "Classes", "Checkpoint", "Present"}
			aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(headers, rows, aligns))
			return nil
		},
	}
}

func specRow(key string, member model.Member, spec model.Spec) []string {
	_, err := os.Stat(spec.Dir)
	return []string{key, string(member), string(spec.Arch), fmt.Sprint(spec.Classes), spec.Dir, yesNo(err == nil)}
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
