package cmd

import (
	"github.com/spf13/cobra"

	"github.com/rendis/lakeflow/internal/engine"
	"github.com/rendis/lakeflow/internal/store"
	"github.com/rendis/lakeflow/pkg/schema"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a run and drive it to completion",
	Long: `Create a pipeline run and drive it in this process until it finishes.

Interrupting the command leaves the run RUNNING at its last committed
state; continue it with 'lakeflow resume <run-id>' or let 'lakeflow serve'
pick it up on startup.

Examples:
  lakeflow start --param source=s3://landing/2024/05/01/orders.csv
  lakeflow start --params '{"source":"s3://landing/orders","partition":{"year":"2024"}}'`,
	Args: cobra.NoArgs,
	RunE: runStart,
}

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the status of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a running run",
	Long:  "Mark a RUNNING run FAILED with reason \"cancelled\". Jobs already dispatched are not recalled.",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume an interrupted run from its last committed state",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runListRuns,
}

var eventsCmd = &cobra.Command{
	Use:   "events <run-id>",
	Short: "Show the event history of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvents,
}

var (
	startParams     string
	startParamPairs map[string]string
	outJSON         bool
	runsStatus      string
	runsTrigger     string
	runsLimit       int
	eventsSince     int64
)

func init() {
	rootCmd.AddCommand(startCmd, statusCmd, cancelCmd, resumeCmd, runsCmd, eventsCmd)

	startCmd.Flags().StringVar(&startParams, "params", "", "run params as a JSON object")
	startCmd.Flags().StringToStringVar(&startParamPairs, "param", nil, "run param as key=value (repeatable)")

	for _, c := range []*cobra.Command{startCmd, statusCmd, cancelCmd, resumeCmd, runsCmd, eventsCmd} {
		c.Flags().BoolVar(&outJSON, "json", false, "output as JSON")
	}

	runsCmd.Flags().StringVar(&runsStatus, "status", "", "filter by status (RUNNING, SUCCEEDED, FAILED, TIMED_OUT)")
	runsCmd.Flags().StringVar(&runsTrigger, "trigger", "", "filter by trigger label")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum runs to list")

	eventsCmd.Flags().Int64Var(&eventsSince, "since", 0, "only events after this sequence number")
}

func runStart(cmd *cobra.Command, _ []string) error {
	params, err := parseParams(startParams, startParamPairs)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.manager.Run(cmd.Context(), params, engine.TriggerCLI)
	if err != nil {
		return err
	}
	return writeStatus(cmd, engine.NewStatusReport(run))
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.manager.GetStatus(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return writeStatus(cmd, report)
}

func runCancel(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.manager.Cancel(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return writeStatus(cmd, engine.NewStatusReport(run))
}

func runResume(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.manager.Resume(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return writeStatus(cmd, engine.NewStatusReport(run))
}

func runListRuns(cmd *cobra.Command, _ []string) error {
	filter := store.RunFilter{Trigger: runsTrigger, Limit: runsLimit}
	if runsStatus != "" {
		status := schema.RunStatus(runsStatus)
		filter.Status = &status
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	runs, err := a.manager.ListRuns(cmd.Context(), filter)
	if err != nil {
		return err
	}
	if outJSON {
		return outputJSON(cmd.OutOrStdout(), runs)
	}
	return printRuns(cmd.OutOrStdout(), runs)
}

func runEvents(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	events, err := a.manager.Events(cmd.Context(), args[0], eventsSince)
	if err != nil {
		return err
	}
	if outJSON {
		return outputJSON(cmd.OutOrStdout(), events)
	}
	return printEvents(cmd.OutOrStdout(), events)
}

func writeStatus(cmd *cobra.Command, report *engine.StatusReport) error {
	if outJSON {
		return outputJSON(cmd.OutOrStdout(), report)
	}
	printStatus(cmd.OutOrStdout(), report)
	return nil
}
