package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/astrid/internal/config"
	"github.com/joescharf/astrid/internal/executor"
	"github.com/joescharf/astrid/internal/metrics"
	"github.com/joescharf/astrid/internal/models"
	"github.com/joescharf/astrid/internal/output"
	"github.com/joescharf/astrid/internal/sessionlock"
	"github.com/joescharf/astrid/internal/sessions"
	"github.com/joescharf/astrid/internal/store"
	"github.com/joescharf/astrid/internal/worker"
	"github.com/joescharf/astrid/internal/worktree"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	logger    *slog.Logger
	dataStore store.Store

	verbose         bool
	metricsTextfile string
)

var rootCmd = &cobra.Command{
	Use:   "astrid",
	Short: "Dispatch coding tasks to AI agents",
	Long: `astrid hands a task to an agent backend (Claude, OpenAI, Gemini, or a
remote worker), runs it in an isolated git worktree, streams the plans,
questions, and pull requests the agent posts, and records the result.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	// Cancellation stops sessions at the next turn; results are still recorded.
	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/astrid/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&metricsTextfile, "metrics-textfile", "", "Write prometheus metrics to this file after each run")
}

func initConfig() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	configDir, err := configDirFunc()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
		os.Exit(1)
	}

	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	config.Setup(viper.GetViper(), configDir)
	if metricsTextfile != "" {
		viper.Set("metrics.textfile", metricsTextfile)
	}

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// The store is opened lazily so config and version run without a db.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(rootCmd.Context()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// app bundles what session-running commands share.
type app struct {
	cfg       config.Config
	store     store.Store
	worktrees *worktree.Manager
	worker    *worker.Client
	metrics   *metrics.PrometheusRecorder
	sessions  *sessions.Manager

	flushMu sync.Mutex
}

// newApp wires the executor dependencies from the effective config.
// isolate=false runs every session in place.
func newApp(isolate bool) (*app, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	cfg := config.Load(viper.GetViper())

	a := &app{
		cfg:     cfg,
		store:   s,
		worker:  newWorkerClient(cfg),
		metrics: metrics.NewPrometheusRecorder(),
	}
	if isolate && cfg.Worktree.ShouldUse() {
		a.worktrees = worktree.NewManager(cfg.Worktree, worktree.WithLogger(logger))
	}

	deps := executor.Deps{
		Worktrees: a.worktrees,
		Worker:    a.worker,
		Logger:    logger,
		Metrics:   a.metrics,
	}
	a.sessions = sessions.NewManager(s,
		func(p models.Provider) (*executor.Executor, error) {
			return executor.ForProvider(cfg, deps, p)
		},
		sessions.WithLogger(logger),
		sessions.WithLocker(sessionlock.New(cfg.LockDir())),
		sessions.WithObserver(sessions.Observer{
			OnComment: ui.Comment,
			OnProgress: func(id, msg string) {
				ui.VerboseLog("[%s] %s", output.ShortID(id), msg)
			},
		}),
	)
	return a, nil
}

func newWorkerClient(cfg config.Config) *worker.Client {
	return worker.New(worker.Config{
		URL:            cfg.Worker.URL,
		Token:          cfg.Worker.Token,
		CallTimeout:    cfg.Worker.CallTimeout,
		ConnectTimeout: cfg.Worker.ConnectTimeout,
	}, worker.WithLogger(logger))
}

// flushMetrics writes the textfile when one is configured.
func (a *app) flushMetrics() {
	if a.cfg.MetricsFile == "" {
		return
	}
	a.flushMu.Lock()
	defer a.flushMu.Unlock()
	if err := a.metrics.WriteTextfile(a.cfg.MetricsFile); err != nil {
		ui.Warning("Failed to write metrics: %v", err)
	}
}

func (a *app) close() {
	a.worker.Disconnect()
	a.flushMetrics()
}
