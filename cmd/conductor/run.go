package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/aretw0/conductor"
	"github.com/aretw0/conductor/internal/cli"
	"github.com/aretw0/conductor/internal/presentation/tui"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <solution>",
	Short: "Run a solution interactively",
	Long: `Starts a session of the solution and drives it from the terminal. Prompts are
rendered as markdown, confirmation steps ask y/N and any other line is delivered
to the session as a message. Type 'exit' to leave.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonMode, _ := cmd.Flags().GetBool("json")
		headless, _ := cmd.Flags().GetBool("headless")
		rawInputs, _ := cmd.Flags().GetString("inputs")

		var inputs map[string]any
		if rawInputs != "" {
			if err := json.Unmarshal([]byte(rawInputs), &inputs); err != nil {
				return fmt.Errorf("error parsing --inputs JSON: %w", err)
			}
		}

		sigCtx := cli.NewSignalContext(cmd.Context())
		defer sigCtx.Cancel()

		opts := globalOptions(cmd)
		opts.Quiet = true
		env, err := cli.Setup(sigCtx, opts)
		if err != nil {
			return err
		}
		defer env.Close()

		interactive := !jsonMode && !headless && tui.IsTerminal(os.Stdout)
		session := &cli.Session{
			Runtime: env.Runtime,
			In:      os.Stdin,
			Out:     os.Stdout,
			JSON:    jsonMode,
		}
		if interactive {
			tui.PrintBanner(os.Stdout, conductor.Version)
			session.Render = tui.NewRenderer()
		}

		err = session.Run(sigCtx, args[0], inputs)
		if sig := sigCtx.Signal(); sig != nil {
			fmt.Fprintf(os.Stderr, "\nInterrupted (%v)\n", sig)
			return nil
		}
		if errors.Is(err, cli.ErrInputClosed) && !interactive {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("inputs", "", "JSON object seeding the session state")
	runCmd.Flags().Bool("json", false, "Write events as NDJSON instead of rendered text")
	runCmd.Flags().Bool("headless", false, "Plain output without banner or markdown rendering")
}
