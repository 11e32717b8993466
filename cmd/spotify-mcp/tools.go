package main

import (
	"encoding/json"

	"github.com/ggoodman/spotify-mcp-go/capabilities"
	"github.com/ggoodman/spotify-mcp-go/spotify"
	"github.com/ggoodman/spotify-mcp-go/tools"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
)

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Print the tool descriptors served to clients as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Listing never calls the API, so no credentials are needed.
			client := spotify.New(oauth2.StaticTokenSource(&oauth2.Token{}))
			reg := tools.NewRegistry()
			if err := capabilities.Register(reg, client); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(reg.List())
		},
	}
}
