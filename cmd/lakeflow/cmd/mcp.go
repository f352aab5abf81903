package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/lakeflow/pkg/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the pipeline tools over MCP stdio",
	Long: `Serve pipeline.start, pipeline.status, pipeline.cancel, pipeline.resume,
pipeline.query and pipeline.diagram to an MCP client on stdin/stdout.

Logs go to stderr. Runs started by a session are reported back to that
session when they finish.`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := mcp.NewPipelineServer(mcp.PipelineServerDeps{
		Runs:     a.manager,
		Triggers: a.scheduler,
		Logger:   a.logger,
	})
	srv.WatchTransitions(a.manager.FSM())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if _, err := a.manager.RecoverRunning(gctx); err != nil {
			a.logger.Error("recovering runs", slog.String("error", err.Error()))
		}
		return nil
	})
	g.Go(func() error {
		return srv.Serve(gctx)
	})
	return g.Wait()
}
