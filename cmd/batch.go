package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/joescharf/astrid/internal/models"
	"github.com/joescharf/astrid/internal/output"
	"github.com/joescharf/astrid/internal/sessions"
)

var (
	batchParallel   int
	batchNoWorktree bool
)

var batchCmd = &cobra.Command{
	Use:   "batch <tasks.yaml>",
	Short: "Run several tasks concurrently",
	Long: `Run every task listed in a YAML file, at most --parallel at a time.

  defaults:
    provider: claude
    repo: ~/src/app
  tasks:
    - title: Fix flaky login test
      task_id: ENG-41
    - title: Add retries to the HTTP client
      provider: openai
      description: Retry idempotent requests on 5xx.

A failing task does not stop the others; the command fails if any task did.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return batchRun(cmd.Context(), args[0])
	},
}

func init() {
	batchCmd.Flags().IntVarP(&batchParallel, "parallel", "j", 2, "Maximum sessions running at once")
	batchCmd.Flags().BoolVar(&batchNoWorktree, "no-worktree", false, "Work directly in the repositories")
	rootCmd.AddCommand(batchCmd)
}

// batchTask is one entry of a batch file.
type batchTask struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	TaskID      string `yaml:"task_id"`
	Provider    string `yaml:"provider"`
	Repo        string `yaml:"repo"`
}

type batchFile struct {
	Defaults batchTask   `yaml:"defaults"`
	Tasks    []batchTask `yaml:"tasks"`
}

// loadBatch parses path and resolves every task into a StartRequest.
// Relative repos resolve against the batch file's directory.
func loadBatch(path string) ([]sessions.StartRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch file: %w", err)
	}
	var bf batchFile
	if err := yaml.Unmarshal(data, &bf); err != nil {
		return nil, fmt.Errorf("parse batch file: %w", err)
	}
	if len(bf.Tasks) == 0 {
		return nil, fmt.Errorf("batch file %s has no tasks", path)
	}

	base := filepath.Dir(path)
	reqs := make([]sessions.StartRequest, 0, len(bf.Tasks))
	for i, t := range bf.Tasks {
		provider := firstNonEmpty(t.Provider, bf.Defaults.Provider, string(models.ProviderClaude))
		p, ok := models.ParseProvider(provider)
		if !ok {
			return nil, fmt.Errorf("task %d: unknown provider %q", i+1, provider)
		}
		repo := expandHome(firstNonEmpty(t.Repo, bf.Defaults.Repo, "."))
		if !filepath.IsAbs(repo) {
			repo = filepath.Join(base, repo)
		}
		repo, err := resolveRepo(repo)
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i+1, err)
		}
		if t.Title == "" {
			return nil, fmt.Errorf("task %d: title is required", i+1)
		}
		reqs = append(reqs, sessions.StartRequest{
			Title:       t.Title,
			Description: firstNonEmpty(t.Description, bf.Defaults.Description),
			TaskID:      t.TaskID,
			WorkDir:     repo,
			Provider:    p,
		})
	}
	return reqs, nil
}

func batchRun(ctx context.Context, path string) error {
	reqs, err := loadBatch(path)
	if err != nil {
		return err
	}

	a, err := newApp(!batchNoWorktree)
	if err != nil {
		return err
	}
	defer a.close()

	type outcome struct {
		id  string
		res models.ExecutionResult
		err error
	}
	outcomes := make([]outcome, len(reqs))

	// Tasks report failures through outcomes so one bad task never
	// cancels its siblings.
	g := new(errgroup.Group)
	g.SetLimit(max(batchParallel, 1))
	for i, req := range reqs {
		g.Go(func() error {
			sess, res, err := a.sessions.Start(ctx, req)
			o := outcome{res: res, err: err}
			if sess != nil {
				o.id = sess.ID
			}
			outcomes[i] = o
			a.flushMetrics()
			return nil
		})
	}
	_ = g.Wait()

	table := ui.Table([]string{"#", "Session", "Title", "Status", "Turns", "Files", "PR"})
	failed := 0
	for i, o := range outcomes {
		status := string(o.res.Status)
		if o.err != nil {
			status = "error: " + o.err.Error()
		}
		if o.err != nil || !o.res.Succeeded() {
			failed++
		}
		row := []string{
			fmt.Sprintf("%d", i+1),
			o.id,
			reqs[i].Title,
			output.StatusColor(status),
			fmt.Sprintf("%d", o.res.Turns),
			fmt.Sprintf("%d", len(o.res.FilesModified)),
			o.res.PRURL,
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", failed, len(reqs))
	}
	ui.Success("All %d tasks completed", len(reqs))
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func expandHome(path string) string {
	if len(path) < 2 || path[:2] != "~/" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
