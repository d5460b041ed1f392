package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/astrid/internal/models"
	"github.com/joescharf/astrid/internal/output"
	"github.com/joescharf/astrid/internal/store"
)

var (
	sessionsStatus   string
	sessionsProvider string
	sessionsLimit    int
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"s"},
	Short:   "List and inspect stored sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsListRun(cmd.Context())
	},
}

var sessionsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsListRun(cmd.Context())
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session, its comments, and its runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsShowRun(cmd.Context(), args[0])
	},
}

func init() {
	for _, c := range []*cobra.Command{sessionsCmd, sessionsListCmd} {
		c.Flags().StringVar(&sessionsStatus, "status", "", "Filter by status")
		c.Flags().StringVar(&sessionsProvider, "provider", "", "Filter by provider")
		c.Flags().IntVar(&sessionsLimit, "limit", 20, "Maximum sessions to show (0 for all)")
	}
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func sessionsListRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	list, err := s.ListSessions(ctx, store.SessionFilter{
		Status:   models.SessionStatus(sessionsStatus),
		Provider: models.Provider(sessionsProvider),
		Limit:    sessionsLimit,
	})
	if err != nil {
		return err
	}
	if len(list) == 0 {
		ui.Info("No sessions found")
		return nil
	}

	table := ui.Table([]string{"ID", "Title", "Provider", "Status", "Comments", "Updated"})
	for _, sess := range list {
		if err := table.Append([]string{
			sess.ID,
			truncate(sess.Title, 48),
			string(sess.Provider),
			output.StatusColor(string(sess.Status)),
			fmt.Sprintf("%d", sess.MessageCount),
			timeAgo(sess.UpdatedAt),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

func sessionsShowRun(ctx context.Context, id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return fmt.Errorf("session %s: %w", id, err)
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(sess.Title), output.StatusColor(string(sess.Status)))
	fmt.Fprintf(ui.Out, "  ID:       %s\n", sess.ID)
	fmt.Fprintf(ui.Out, "  Task:     %s\n", sess.TaskID)
	fmt.Fprintf(ui.Out, "  Provider: %s\n", sess.Provider)
	fmt.Fprintf(ui.Out, "  Repo:     %s\n", sess.WorkDir)
	fmt.Fprintf(ui.Out, "  Created:  %s\n", sess.CreatedAt.Local().Format(time.DateTime))
	if sess.Description != "" {
		fmt.Fprintf(ui.Out, "\n%s\n", sess.Description)
	}

	comments, err := s.ListComments(ctx, id)
	if err != nil {
		return err
	}
	for _, c := range comments {
		ui.Comment(sess.ID, c.Kind, c.Body)
	}

	runs, err := s.ListRuns(ctx, id)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return nil
	}
	fmt.Fprintln(ui.Out)
	table := ui.Table([]string{"Run", "Status", "Exit", "Turns", "Files", "Duration", "PR"})
	for i, r := range runs {
		res := r.Result
		if err := table.Append([]string{
			fmt.Sprintf("%d", i+1),
			output.StatusColor(string(res.Status)),
			fmt.Sprintf("%d", res.ExitCode),
			fmt.Sprintf("%d", res.Turns),
			fmt.Sprintf("%d", len(res.FilesModified)),
			res.Duration.Round(time.Second).String(),
			res.PRURL,
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// timeAgo renders t relative to now at a coarse resolution.
func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
