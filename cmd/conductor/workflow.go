package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rizome-dev/conductor/pkg/orchestrator"
	"github.com/rizome-dev/conductor/pkg/types"
	"github.com/spf13/cobra"
)

var (
	workflowFile    string
	workflowContext string
	workflowWait    bool
	workflowPoll    time.Duration

	workflowListID     string
	workflowListStatus string
	workflowListLimit  int
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Run and manage workflow executions",
}

var workflowRunCmd = &cobra.Command{
	Use:   "run [workflow-id]",
	Short: "Start a workflow execution",
	Long: `Start an execution of a definition loaded on the server, or of a
definition file passed with --file (YAML or JSON). --context seeds the
workflow context with a JSON object or @file.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWorkflowRun,
}

var workflowGetCmd = &cobra.Command{
	Use:   "get <execution-id>",
	Short: "Show a workflow execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		exec, err := c.GetExecution(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, exec)
	},
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflow executions, newest first",
	RunE:  runWorkflowList,
}

var workflowResumeCmd = &cobra.Command{
	Use:   "resume <execution-id>",
	Short: "Approve the step awaiting review and continue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		exec, err := c.ResumeWorkflow(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Execution %s is %s\n", exec.ID, exec.Status)
		return nil
	},
}

var workflowCancelCmd = &cobra.Command{
	Use:   "cancel <execution-id>",
	Short: "Cancel a running or paused execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		exec, err := c.CancelWorkflow(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Execution %s is %s\n", exec.ID, exec.Status)
		return nil
	},
}

var workflowDefinitionsCmd = &cobra.Command{
	Use:   "definitions",
	Short: "List workflow definitions loaded on the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defs, err := c.ListDefinitions(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTEPS\tON ERROR")
		for _, def := range defs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", def.ID, def.Name, len(def.Steps), def.ErrorHandling)
		}
		return w.Flush()
	},
}

func init() {
	workflowRunCmd.Flags().StringVarP(&workflowFile, "file", "f", "", "Run an inline definition from a YAML or JSON file")
	workflowRunCmd.Flags().StringVarP(&workflowContext, "context", "c", "", "Initial context as a JSON object or @file")
	workflowRunCmd.Flags().BoolVarP(&workflowWait, "wait", "w", false, "Wait until the execution finishes or pauses for review")
	workflowRunCmd.Flags().DurationVar(&workflowPoll, "poll", 500*time.Millisecond, "Polling interval used with --wait")

	workflowListCmd.Flags().StringVar(&workflowListID, "workflow", "", "Filter by workflow id")
	workflowListCmd.Flags().StringVar(&workflowListStatus, "status", "", "Filter by status")
	workflowListCmd.Flags().IntVar(&workflowListLimit, "limit", 20, "Maximum executions to show")

	workflowCmd.AddCommand(workflowRunCmd, workflowGetCmd, workflowListCmd, workflowResumeCmd, workflowCancelCmd, workflowDefinitionsCmd)
}

func runWorkflowRun(cmd *cobra.Command, args []string) error {
	req := types.ExecuteWorkflowRequest{}
	switch {
	case workflowFile != "" && len(args) == 1:
		return fmt.Errorf("pass either a workflow id or --file, not both")
	case workflowFile != "":
		data, err := os.ReadFile(workflowFile)
		if err != nil {
			return fmt.Errorf("read workflow file: %w", err)
		}
		def, err := orchestrator.ParseDefinition(data)
		if err != nil {
			return err
		}
		req.Definition = def
	case len(args) == 1:
		req.WorkflowID = args[0]
	default:
		return fmt.Errorf("a workflow id or --file is required")
	}

	initial, err := parseJSONObject(workflowContext)
	if err != nil {
		return err
	}
	req.Context = initial

	c, err := newClient()
	if err != nil {
		return err
	}
	exec, err := c.ExecuteWorkflow(cmd.Context(), req)
	if err != nil {
		return err
	}
	if !workflowWait {
		fmt.Fprintln(cmd.OutOrStdout(), exec.ID)
		return nil
	}

	exec, err = c.WaitForExecution(cmd.Context(), exec.ID, workflowPoll)
	if err != nil {
		return err
	}
	return printJSON(cmd, exec)
}

func runWorkflowList(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	execs, err := c.ListExecutions(cmd.Context(), types.ExecutionFilter{
		WorkflowID: workflowListID,
		Status:     types.WorkflowStatus(workflowListStatus),
		Limit:      workflowListLimit,
	})
	if err != nil {
		return err
	}
	if len(execs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No executions found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWORKFLOW\tSTATUS\tSTEP\tSTARTED")
	for _, exec := range execs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			exec.ID, exec.WorkflowID, exec.Status, exec.CurrentStepID,
			exec.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}
