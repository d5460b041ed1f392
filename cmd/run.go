package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/joescharf/astrid/internal/models"
	"github.com/joescharf/astrid/internal/sessions"
)

var (
	runProvider    string
	runRepo        string
	runTitle       string
	runDescription string
	runTaskID      string
	runNoWorktree  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a task with an agent",
	Long: `Create a session and run it to the end.

Comments the agent posts (plans, questions, pull requests) are printed as
they are detected. The session and its comments are stored so the task can
be resumed later with 'astrid resume'.`,
	Example: `  astrid run --title "Fix flaky login test" --repo .
  astrid run --provider openai --title "Add retries" --description "Retry 5xx responses" --task-id ENG-42`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRun(cmd)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runProvider, "provider", "p", string(models.ProviderClaude), "Agent backend: claude, openai, gemini, remote")
	runCmd.Flags().StringVar(&runRepo, "repo", ".", "Repository to work in")
	runCmd.Flags().StringVarP(&runTitle, "title", "t", "", "Task title")
	runCmd.Flags().StringVarP(&runDescription, "description", "d", "", "Task description")
	runCmd.Flags().StringVar(&runTaskID, "task-id", "", "External task id (default: session id)")
	runCmd.Flags().BoolVar(&runNoWorktree, "no-worktree", false, "Work directly in the repository")
	_ = runCmd.MarkFlagRequired("title")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command) error {
	provider, ok := models.ParseProvider(runProvider)
	if !ok {
		return fmt.Errorf("unknown provider %q", runProvider)
	}
	repo, err := resolveRepo(runRepo)
	if err != nil {
		return err
	}

	a, err := newApp(!runNoWorktree)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	sess, err := a.sessions.Create(ctx, sessions.StartRequest{
		Title:       runTitle,
		Description: runDescription,
		TaskID:      runTaskID,
		WorkDir:     repo,
		Provider:    provider,
	})
	if err != nil {
		return err
	}
	ui.Info("Session %s started with %s", sess.ID, provider)

	res, err := a.sessions.Run(ctx, sess)
	if err != nil {
		return err
	}
	if err := ui.Result(sess.ID, res); err != nil {
		return err
	}
	return exitError(res)
}

// resolveRepo makes path absolute and checks it is a directory.
func resolveRepo(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(abs)
	if err != nil || !fi.IsDir() {
		return "", fmt.Errorf("repo is not a directory: %s", abs)
	}
	return abs, nil
}

// exitError turns an unsuccessful run into a command error.
func exitError(res models.ExecutionResult) error {
	if res.Succeeded() {
		return nil
	}
	return fmt.Errorf("session %s (exit code %d)", res.Status, res.ExitCode)
}
