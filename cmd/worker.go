package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/astrid/internal/config"
	"github.com/joescharf/astrid/internal/output"
	"github.com/joescharf/astrid/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Talk to the remote worker",
	Long:  "Check the remote worker connection and inspect the sessions it runs.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return workerPingRun(cmd.Context())
	},
}

var workerPingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Connect to the worker and check that it answers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return workerPingRun(cmd.Context())
	},
}

var workerSessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions known to the worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return workerSessionsRun(cmd.Context())
	},
}

var workerHistoryCmd = &cobra.Command{
	Use:   "history <remote-session-id>",
	Short: "Print the transcript of a remote session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return workerHistoryRun(cmd.Context(), args[0])
	},
}

func init() {
	workerCmd.AddCommand(workerPingCmd)
	workerCmd.AddCommand(workerSessionsCmd)
	workerCmd.AddCommand(workerHistoryCmd)
	rootCmd.AddCommand(workerCmd)
}

// connectWorker dials the configured worker. Callers must Disconnect.
func connectWorker(ctx context.Context) (*worker.Client, error) {
	cfg := config.Load(viper.GetViper())
	c := newWorkerClient(cfg)
	ui.VerboseLog("Connecting to %s", cfg.Worker.URL)
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Worker.URL, err)
	}
	return c, nil
}

func workerPingRun(ctx context.Context) error {
	c, err := connectWorker(ctx)
	if err != nil {
		return err
	}
	defer c.Disconnect()

	start := time.Now()
	if err := c.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	ui.Success("Worker answered in %s", time.Since(start).Round(time.Millisecond))
	return nil
}

func workerSessionsRun(ctx context.Context) error {
	c, err := connectWorker(ctx)
	if err != nil {
		return err
	}
	defer c.Disconnect()

	list, err := c.ListSessions(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		ui.Info("No remote sessions")
		return nil
	}

	table := ui.Table([]string{"ID", "Status", "Messages", "PR", "Error"})
	for _, s := range list {
		if err := table.Append([]string{
			s.ID,
			output.StatusColor(string(s.Status)),
			fmt.Sprintf("%d", len(s.Messages)),
			s.PRURL,
			truncate(s.Error, 60),
		}); err != nil {
			return err
		}
	}
	return table.Render()
}

func workerHistoryRun(ctx context.Context, id string) error {
	c, err := connectWorker(ctx)
	if err != nil {
		return err
	}
	defer c.Disconnect()

	hist, err := c.GetSessionHistory(ctx, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(hist.ID), output.StatusColor(string(hist.Status)))
	for _, m := range hist.Messages {
		ts := ""
		if !m.Timestamp.Time.IsZero() {
			ts = m.Timestamp.Time.Local().Format(time.TimeOnly)
		}
		fmt.Fprintf(ui.Out, "\n%s %s\n%s\n", output.Yellow(m.Role), ts, m.Content)
	}
	if hist.Summary != "" {
		fmt.Fprintf(ui.Out, "\n%s %s\n", output.Green("Summary:"), hist.Summary)
	}
	if hist.Error != "" {
		fmt.Fprintf(ui.Out, "\n%s %s\n", output.Red("Error:"), hist.Error)
	}
	return nil
}
