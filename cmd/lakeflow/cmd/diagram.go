package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/lakeflow/internal/diagram"
	"github.com/rendis/lakeflow/internal/store"
)

var diagramCmd = &cobra.Command{
	Use:   "diagram [run-id]",
	Short: "Render the pipeline graph, optionally with a run's progress",
	Long: `Render the pipeline graph as ASCII, Mermaid or PNG. With a run id the
graph is overlaid with the states that run has visited.

Examples:
  lakeflow diagram
  lakeflow diagram 7f1c... --format mermaid
  lakeflow diagram 7f1c... --format image --output run.png`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDiagram,
}

var (
	diagramFormat string
	diagramOutput string
)

func init() {
	rootCmd.AddCommand(diagramCmd)

	diagramCmd.Flags().StringVar(&diagramFormat, "format", "ascii", "output format (ascii, mermaid, image)")
	diagramCmd.Flags().StringVarP(&diagramOutput, "output", "o", "", "write to file instead of stdout (required for image)")
}

func runDiagram(cmd *cobra.Command, args []string) error {
	if diagramFormat != "ascii" && diagramFormat != "mermaid" && diagramFormat != "image" {
		return fmt.Errorf("format must be ascii, mermaid, or image")
	}
	if diagramFormat == "image" && diagramOutput == "" {
		return fmt.Errorf("--output is required for image format")
	}

	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var run *store.RunRecord
	var replay *store.Replay
	if len(args) == 1 {
		if run, err = a.manager.GetRun(ctx, args[0]); err != nil {
			return err
		}
		if replay, err = a.manager.Replay(ctx, args[0]); err != nil {
			return err
		}
	}
	model := diagram.Build(a.manager.Pipeline(), run, replay)

	var out []byte
	switch diagramFormat {
	case "ascii":
		out = []byte(diagram.RenderASCII(model))
	case "mermaid":
		out = []byte(diagram.RenderMermaid(model))
	default:
		if out, err = diagram.RenderImage(ctx, model); err != nil {
			return fmt.Errorf("rendering image: %w", err)
		}
	}

	if diagramOutput != "" {
		return os.WriteFile(diagramOutput, out, 0o644)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
