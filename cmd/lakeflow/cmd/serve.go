package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/lakeflow/internal/api"
	"github.com/rendis/lakeflow/internal/streaming"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and trigger scheduler",
	Long: `Start the lakeflow server.

The server exposes the run API, accepts object-created notifications,
fires enabled cron triggers and streams run events over SSE. Runs left
RUNNING by a previous process are resumed on startup.

Examples:
  # Serve on the configured address (default :8080)
  lakeflow serve

  # Serve on another port without the scheduler
  lakeflow serve --addr :9090 --no-scheduler`,
	RunE: runServe,
}

var (
	serveAddr        string
	serveNoScheduler bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "address to listen on")
	serveCmd.Flags().BoolVar(&serveNoScheduler, "no-scheduler", false, "do not fire cron triggers")

	_ = viper.BindPFlag("server.listen_addr", serveCmd.Flags().Lookup("addr"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	hub := streaming.NewMemoryHub()
	a.manager.OnEvent(streaming.Forward(hub))

	srv := api.NewServer(a.manager, a.logger,
		api.WithTriggers(a.scheduler),
		api.WithEventHub(hub),
		api.WithBreakers(a.breakers),
		api.WithCORS(a.cfg.Server.CORSOrigins),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, a.cfg.Server.ListenAddr)
	})
	g.Go(func() error {
		if _, err := a.manager.RecoverRunning(gctx); err != nil {
			a.logger.Error("recovering runs", slog.String("error", err.Error()))
		}
		return nil
	})
	if a.cfg.Scheduler.Enabled && !serveNoScheduler {
		if err := a.scheduler.Start(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			return a.scheduler.Stop()
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info("server stopped")
	return nil
}
