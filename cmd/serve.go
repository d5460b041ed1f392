package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/astrid/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long: `Start an HTTP server exposing sessions as a JSON API, plus prometheus
metrics at /metrics. By default it listens on port 8080. Use --port to change it.

  POST /api/v1/sessions               start a session in the background
  GET  /api/v1/sessions               list sessions (?status=&provider=&limit=)
  GET  /api/v1/sessions/{id}          one session
  GET  /api/v1/sessions/{id}/comments comments posted so far
  GET  /api/v1/sessions/{id}/runs     recorded results
  POST /api/v1/sessions/{id}/resume   answer a question or add instructions
  GET  /api/v1/worktrees              session worktrees`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd.Context(), viper.GetInt("port"))
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	viper.SetDefault("port", 8080)
	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
}

func serveRun(ctx context.Context, port int) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.close()

	opts := []api.Option{api.WithMetrics(a.metrics.Registry()), api.WithLogger(logger)}
	if a.worktrees != nil {
		opts = append(opts, api.WithWorktrees(a.worktrees))
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           api.NewServer(a.store, a.sessions, opts...).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	ui.Info("Serving API at http://localhost%s", srv.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	ui.Info("Shutting down; waiting for running sessions")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	a.sessions.Wait()
	return nil
}
