package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rendis/lakeflow/internal/engine"
	"github.com/rendis/lakeflow/internal/store"
)

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseParams merges a JSON object with key=value pairs; pairs win.
func parseParams(raw string, pairs map[string]string) (map[string]any, error) {
	params := make(map[string]any)
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			return nil, fmt.Errorf("--params must be a JSON object: %w", err)
		}
	}
	for k, v := range pairs {
		params[k] = v
	}
	return params, nil
}

func printStatus(w io.Writer, r *engine.StatusReport) {
	fmt.Fprintf(w, "Run:      %s\n", r.RunID)
	fmt.Fprintf(w, "Status:   %s\n", r.Status)
	fmt.Fprintf(w, "State:    %s\n", r.CurrentState)
	if r.FailureReason != "" {
		fmt.Fprintf(w, "Reason:   %s\n", r.FailureReason)
	}
	if r.Trigger != "" {
		fmt.Fprintf(w, "Trigger:  %s\n", r.Trigger)
	}
	fmt.Fprintf(w, "Polls:    %d\n", r.PollAttempts)
	fmt.Fprintf(w, "Started:  %s\n", r.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Deadline: %s\n", r.DeadlineAt.Format(time.RFC3339))
	if r.CompletedAt != nil {
		fmt.Fprintf(w, "Finished: %s (%s)\n", r.CompletedAt.Format(time.RFC3339), r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
	if len(r.Outputs) > 0 {
		fmt.Fprintf(w, "Outputs:  %s\n", strings.Join(r.Outputs, ", "))
	}
}

func printRuns(w io.Writer, runs []*store.RunRecord) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tSTATE\tTRIGGER\tSTARTED\tREASON")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Status, r.State, dash(r.Trigger), r.StartedAt.Format(time.RFC3339), dash(r.FailureReason))
	}
	return tw.Flush()
}

func printEvents(w io.Writer, events []*store.Event) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tTYPE\tSTEP\tPAYLOAD")
	for _, e := range events {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			e.Sequence, e.Timestamp.Format(time.RFC3339), e.Type, dash(e.Step), dash(string(e.Payload)))
	}
	return tw.Flush()
}

func printTriggers(w io.Writer, triggers []*store.Trigger) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TRIGGER\tCRON\tENABLED\tNEXT\tLAST RUN\tLAST STATUS")
	for _, t := range triggers {
		next := "-"
		if t.NextRunAt != nil {
			next = t.NextRunAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\n",
			t.ID, t.CronExpression, t.Enabled, next, dash(t.LastRunID), dash(t.LastRunStatus))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
