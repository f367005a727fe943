package main

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rizome-dev/conductor/pkg/types"
	"github.com/spf13/cobra"
)

var metricsJSON bool

var (
	eventsType   string
	eventsTaskID string
	eventsSince  time.Duration
	eventsLimit  int
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show orchestrator counters and per-agent load",
	RunE:  runMetrics,
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent lifecycle events, newest first",
	RunE:  runEvents,
}

func init() {
	metricsCmd.Flags().BoolVar(&metricsJSON, "json", false, "Print raw JSON")

	eventsCmd.Flags().StringVar(&eventsType, "type", "", "Filter by event type, e.g. task:failed")
	eventsCmd.Flags().StringVar(&eventsTaskID, "task", "", "Filter by task id")
	eventsCmd.Flags().DurationVar(&eventsSince, "since", 0, "Only events newer than this, e.g. 15m")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "Maximum events to show")
}

func runMetrics(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	m, err := c.GetMetrics(cmd.Context())
	if err != nil {
		return err
	}
	if metricsJSON {
		return printJSON(cmd, m)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Running:          %v\n", m.Running)
	fmt.Fprintf(out, "Total tasks:      %d\n", m.TotalTasks)
	fmt.Fprintf(out, "Queued:           %d\n", m.QueuedTasks)
	fmt.Fprintf(out, "In progress:      %d\n", m.InProgressTasks)
	fmt.Fprintf(out, "Completed:        %d\n", m.CompletedTasks)
	fmt.Fprintf(out, "Failed:           %d\n", m.FailedTasks)
	fmt.Fprintf(out, "Active workflows: %d\n\n", m.ActiveWorkflows)

	agentTypes := make([]string, 0, len(m.Agents))
	for t := range m.Agents {
		agentTypes = append(agentTypes, t)
	}
	sort.Strings(agentTypes)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tSTATUS\tQUEUED\tCOMPLETED\tFAILED\tSUCCESS")
	for _, t := range agentTypes {
		a := m.Agents[t]
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%.0f%%\n", t, a.Status, a.QueuedTasks, a.CompletedTasks, a.FailedTasks, a.SuccessRate*100)
	}
	return w.Flush()
}

func runEvents(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	filter := types.EventFilter{
		Type:   types.EventType(eventsType),
		TaskID: eventsTaskID,
		Limit:  eventsLimit,
	}
	if eventsSince > 0 {
		filter.Since = time.Now().Add(-eventsSince)
	}

	evts, err := c.GetEvents(cmd.Context(), filter)
	if err != nil {
		return err
	}
	for _, evt := range evts {
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %-26s %s\n", evt.Timestamp.Local().Format(time.RFC3339), evt.Type, describeEvent(evt))
	}
	return nil
}

func describeEvent(evt *types.Event) string {
	for _, key := range []string{"taskId", "executionId", "agentType"} {
		if v, ok := evt.Data[key]; ok {
			return fmt.Sprintf("%s=%v", key, v)
		}
	}
	return ""
}
