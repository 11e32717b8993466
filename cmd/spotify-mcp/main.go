// Command spotify-mcp serves music-control tools to MCP clients over the
// streaming HTTP transport.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "spotify-mcp",
		Short: "MCP tool server for Spotify playback control",
		Long: `spotify-mcp exposes search, playback and device tools for a Spotify
account over the MCP streaming HTTP transport. Every request is
authenticated with an OAuth bearer token issued by the configured issuer.

Configuration is read from the environment; flags override it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newToolsCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "spotify-mcp %s (%s)\n", version, commit)
		},
	}
}
