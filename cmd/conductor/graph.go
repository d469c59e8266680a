package main

import (
	"fmt"

	"github.com/aretw0/conductor/internal/cli"
	"github.com/spf13/cobra"
)

var graphCmd = &cobra.Command{
	Use:   "graph <solution>",
	Short: "Export the agent graph of a solution",
	Long:  `Builds the solution and prints its agent hierarchy as a Mermaid diagram (graph TD) or an indented tree.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		opts := globalOptions(cmd)
		opts.Quiet = !opts.Debug
		env, err := cli.Setup(cmd.Context(), opts)
		if err != nil {
			return err
		}
		defer env.Close()

		view, err := env.Runtime.Graph(args[0], "")
		if err != nil {
			return err
		}
		switch format {
		case "mermaid":
			fmt.Fprint(cmd.OutOrStdout(), view.Mermaid)
		case "tree":
			fmt.Fprint(cmd.OutOrStdout(), view.Tree)
		default:
			return fmt.Errorf("unknown format %q (mermaid, tree)", format)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(graphCmd)
	graphCmd.Flags().StringP("format", "f", "mermaid", "Output format: mermaid or tree")
}
