package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/astrid/internal/output"
	"github.com/joescharf/astrid/internal/worktree"
)

var (
	worktreeOlderThan time.Duration
	worktreeDryRun    bool
)

var worktreeCmd = &cobra.Command{
	Use:     "worktree",
	Aliases: []string{"wt"},
	Short:   "Manage session worktrees",
	Long:    "List and prune the git worktrees sessions leave under the configured base directory.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeListRun(cmd.Context())
	},
}

var worktreeListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List session worktrees, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeListRun(cmd.Context())
	},
}

var worktreePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove worktrees not modified recently",
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreePruneRun(cmd.Context())
	},
}

func init() {
	worktreePruneCmd.Flags().DurationVar(&worktreeOlderThan, "older-than", 24*time.Hour, "Remove worktrees last modified before this long ago")
	worktreePruneCmd.Flags().BoolVarP(&worktreeDryRun, "dry-run", "n", false, "Show what would be removed")
	worktreeCmd.AddCommand(worktreeListCmd)
	worktreeCmd.AddCommand(worktreePruneCmd)
	rootCmd.AddCommand(worktreeCmd)
}

func newWorktreeManager() *worktree.Manager {
	return worktree.NewManager(worktree.FromViper(viper.GetViper()), worktree.WithLogger(logger))
}

func worktreeListRun(ctx context.Context) error {
	wm := newWorktreeManager()
	entries, err := wm.List(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		ui.Info("No worktrees under %s", wm.Config().BaseDir)
		return nil
	}
	return renderWorktrees(entries)
}

func worktreePruneRun(ctx context.Context) error {
	wm := newWorktreeManager()
	if worktreeDryRun {
		entries, err := wm.List(ctx)
		if err != nil {
			return err
		}
		cutoff := time.Now().Add(-worktreeOlderThan)
		n := 0
		for _, e := range entries {
			if e.Orphaned {
				ui.Info("Would remove %s (orphaned)", e.Path)
				n++
			} else if e.ModTime.Before(cutoff) {
				ui.Info("Would remove %s (%s)", e.Path, timeAgo(e.ModTime))
				n++
			}
		}
		if n == 0 {
			ui.Info("Nothing to prune")
		}
		return nil
	}

	pruned, err := wm.Prune(ctx, worktreeOlderThan)
	if err != nil {
		return err
	}
	for _, e := range pruned {
		ui.VerboseLog("Removed %s", e.Path)
	}
	ui.Success("Pruned %d worktree(s)", len(pruned))
	return nil
}

func renderWorktrees(entries []worktree.Entry) error {
	table := ui.Table([]string{"Name", "Branch", "Repo", "Modified"})
	for _, e := range entries {
		branch := e.Branch
		if e.Orphaned {
			branch = output.Yellow("orphaned")
		}
		if err := table.Append([]string{e.Name, branch, e.RepoPath, timeAgo(e.ModTime)}); err != nil {
			return err
		}
	}
	return table.Render()
}
