package cmd

import (
	"github.com/spf13/cobra"

	"github.com/joescharf/astrid/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an MCP client start sessions, answer agent questions, and read
comments and results. Configure it with:

  {
    "mcpServers": {
      "astrid": { "command": "astrid", "args": ["mcp"] }
    }
  }

Available tools: astrid_run_session, astrid_resume_session,
astrid_list_sessions, astrid_session_comments, astrid_session_result,
astrid_list_worktrees`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// stdout carries the protocol.
		ui.Out = ui.ErrOut

		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.close()

		srv := mcp.NewServer(a.store, a.sessions, newWorktreeManager(), buildVersion)
		return srv.ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
