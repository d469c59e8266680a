package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aretw0/conductor/internal/cli"
	"github.com/aretw0/conductor/pkg/domain"
	"github.com/aretw0/conductor/pkg/placeholder"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate [dir]",
	Short: "Check every solution of the catalog",
	Long: `Loads the catalog, normalizes and builds every solution, and reports schema
errors, undeclared references, unbound capabilities and delegation cycles.
For each valid solution it also lists the state paths its placeholders read.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := globalOptions(cmd)
		if len(args) > 0 {
			opts.Dir = args[0]
		}
		opts.Quiet = !opts.Debug

		env, err := cli.Setup(cmd.Context(), opts)
		if err != nil {
			return err
		}
		defer env.Close()

		out := cmd.OutOrStdout()
		report := env.Report
		for _, id := range report.Loaded {
			fmt.Fprintf(out, "ok      %s\n", id)
			if unreachable := report.Unreachable[id]; len(unreachable) > 0 {
				fmt.Fprintf(out, "        unreachable agents: %v\n", unreachable)
			}
			if desc, err := env.Runtime.Solution(id); err == nil {
				if paths := statePaths(desc); len(paths) > 0 {
					fmt.Fprintf(out, "        reads: %s\n", strings.Join(paths, ", "))
				}
			}
		}

		roots := make([]string, 0, len(report.RootErrors))
		for root := range report.RootErrors {
			roots = append(roots, root)
		}
		sort.Strings(roots)
		for _, root := range roots {
			fmt.Fprintf(out, "SKIPPED %s: %v\n", root, report.RootErrors[root])
		}

		failed := make([]string, 0, len(report.Failed))
		for id := range report.Failed {
			failed = append(failed, id)
		}
		sort.Strings(failed)
		for _, id := range failed {
			fmt.Fprintf(out, "FAILED  %s: %v\n", id, report.Failed[id])
		}

		if len(failed) > 0 {
			return fmt.Errorf("%d of %d solutions failed validation", len(failed), len(failed)+len(report.Loaded))
		}
		if len(roots) > 0 {
			return fmt.Errorf("%d catalog roots could not be read", len(roots))
		}
		fmt.Fprintln(out, "Catalog is valid!")
		return nil
	},
}

// statePaths lists the state paths referenced by the placeholders of a
// solution: instructions, step and tool inputs, callback inputs and repeat
// conditions.
func statePaths(desc *domain.SolutionDescriptor) []string {
	var tree []any
	for _, a := range desc.Agents {
		tree = append(tree, a.Instruction)
		for _, s := range a.Steps {
			tree = append(tree, s.Instruction, s.Inputs)
			if s.Repeat != nil {
				tree = append(tree, s.Repeat.Until)
			}
		}
	}
	for _, t := range desc.Tools {
		tree = append(tree, t.Inputs)
	}
	for _, c := range desc.Callbacks {
		tree = append(tree, c.Inputs)
	}
	return placeholder.Tokens(tree)
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
