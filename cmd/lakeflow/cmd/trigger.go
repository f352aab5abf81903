package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/lakeflow/internal/store"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Manage cron triggers",
	Long: `Cron triggers start a run with fixed params whenever their schedule
fires. They are evaluated by 'lakeflow serve'.`,
}

var triggerAddCmd = &cobra.Command{
	Use:   "add <cron>",
	Short: "Add an enabled trigger",
	Long: `Add a trigger for a five-field cron expression or descriptor.

Examples:
  lakeflow trigger add "0 3 * * *" --param source=s3://landing/daily
  lakeflow trigger add @hourly --params '{"source":"s3://landing/hourly"}'`,
	Args: cobra.ExactArgs(1),
	RunE: runTriggerAdd,
}

var triggerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List triggers",
	Args:  cobra.NoArgs,
	RunE:  runTriggerList,
}

var triggerEnableCmd = &cobra.Command{
	Use:   "enable <trigger-id>",
	Short: "Enable a trigger; missed slots are skipped",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setTriggerEnabled(cmd, args[0], true)
	},
}

var triggerDisableCmd = &cobra.Command{
	Use:   "disable <trigger-id>",
	Short: "Disable a trigger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setTriggerEnabled(cmd, args[0], false)
	},
}

var (
	triggerParams     string
	triggerParamPairs map[string]string
	triggerOnlyActive bool
)

func init() {
	rootCmd.AddCommand(triggerCmd)
	triggerCmd.AddCommand(triggerAddCmd, triggerListCmd, triggerEnableCmd, triggerDisableCmd)

	triggerAddCmd.Flags().StringVar(&triggerParams, "params", "", "run params as a JSON object")
	triggerAddCmd.Flags().StringToStringVar(&triggerParamPairs, "param", nil, "run param as key=value (repeatable)")
	triggerListCmd.Flags().BoolVar(&triggerOnlyActive, "enabled", false, "only list enabled triggers")
	triggerListCmd.Flags().BoolVar(&outJSON, "json", false, "output as JSON")
}

func runTriggerAdd(cmd *cobra.Command, args []string) error {
	params, err := parseParams(triggerParams, triggerParamPairs)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.scheduler.AddTrigger(cmd.Context(), args[0], params)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Trigger %s added; next run at %s\n", t.ID, t.NextRunAt)
	return nil
}

func runTriggerList(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	var filter store.TriggerFilter
	if triggerOnlyActive {
		enabled := true
		filter.Enabled = &enabled
	}
	triggers, err := a.scheduler.ListTriggers(cmd.Context(), filter)
	if err != nil {
		return err
	}
	if outJSON {
		return outputJSON(cmd.OutOrStdout(), triggers)
	}
	return printTriggers(cmd.OutOrStdout(), triggers)
}

func setTriggerEnabled(cmd *cobra.Command, id string, enabled bool) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.scheduler.SetEnabled(cmd.Context(), id, enabled); err != nil {
		return err
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Trigger %s %s\n", id, state)
	return nil
}
