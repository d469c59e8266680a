package main

import (
	"fmt"
	"os"

	"github.com/aretw0/conductor/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Conductor runs declarative multi-agent solutions",
	Long: `Conductor loads a catalog of solutions, each a hierarchy of agents with ordered
steps, tools and callbacks, and runs them as isolated sessions from the terminal,
over HTTP or as an MCP server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("dir", "", "Catalog directory (overrides catalog.paths)")
	rootCmd.PersistentFlags().String("config", "", "Config file (default <dir>/conductor.yaml when present)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
}

func globalOptions(cmd *cobra.Command) cli.Options {
	dir, _ := cmd.Flags().GetString("dir")
	cfg, _ := cmd.Flags().GetString("config")
	debug, _ := cmd.Flags().GetBool("debug")
	return cli.Options{Dir: dir, ConfigPath: cfg, Debug: debug}
}
