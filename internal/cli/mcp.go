package cli

import (
	"github.com/spf13/cobra"
)

var mcpVersion = "dev"

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve cache, diff and run-history tools over MCP stdio",
	Args:  cobra.NoArgs,
	RunE:  runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	// The scheduler is not started; it only guards run_pipeline against
	// overlapping runs.
	return a.MCP(a.Scheduler(), mcpVersion).ServeStdio()
}
