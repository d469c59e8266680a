package main

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/aretw0/conductor/internal/cli"
	"github.com/aretw0/conductor/pkg/adapters/mcp"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the Model Context Protocol (MCP) server",
	Long: `Exposes the catalog as MCP tools so AI clients can start sessions, send
messages and answer confirmations.

Supported Transports:
- stdio (default): Uses Standard Input/Output. Ideal for local process integration.
- sse: Uses Server-Sent Events over HTTP. Ideal for remote agents or debuggers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		transport, _ := cmd.Flags().GetString("transport")
		addr, _ := cmd.Flags().GetString("addr")
		baseURL, _ := cmd.Flags().GetString("base-url")

		sigCtx := cli.NewSignalContext(cmd.Context())
		defer sigCtx.Cancel()

		// Logs go to stderr so they never corrupt JSON-RPC on stdout.
		env, err := cli.Setup(sigCtx, globalOptions(cmd))
		if err != nil {
			return err
		}
		defer env.Close()
		env.Runtime.StartJanitor(sigCtx, env.Config.Sessions.SweepInterval)

		srv := mcp.NewServer(env.Runtime, mcp.WithLogger(env.Logger))

		switch transport {
		case "stdio":
			env.Logger.Info("starting mcp server (stdio)")
			return srv.ServeStdio()
		case "sse":
			if baseURL == "" {
				baseURL = "http://localhost" + addr
			}
			err := srv.ServeSSE(sigCtx, addr, baseURL)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		default:
			return fmt.Errorf("unknown transport: %s. Supported: stdio, sse", transport)
		}
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)

	mcpCmd.Flags().String("transport", "stdio", "Transport protocol to use: 'stdio' or 'sse'")
	mcpCmd.Flags().String("addr", ":8081", "Address to listen on (only for SSE)")
	mcpCmd.Flags().String("base-url", "", "Public base URL of the SSE server (default http://localhost<addr>)")
}
