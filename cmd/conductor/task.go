package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/rizome-dev/conductor/pkg/types"
	"github.com/spf13/cobra"
)

var (
	taskInput    string
	taskPriority string
	taskParent   string
	taskWait     bool

	taskListAgent  string
	taskListStatus string
	taskListLimit  int
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Submit and inspect agent tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit <agent-type>",
	Short: "Submit a task to an agent type",
	Long: `Submit a task. --input takes a JSON object, or @file to read one.
With --wait the command blocks until the task completes or fails.`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskSubmit,
}

var taskGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		task, err := c.GetTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, task)
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	RunE:  runTaskList,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a queued task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		task, err := c.CancelTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Task %s is %s\n", task.ID, task.Status)
		return nil
	},
}

func init() {
	taskSubmitCmd.Flags().StringVarP(&taskInput, "input", "i", "", "Task input as a JSON object or @file")
	taskSubmitCmd.Flags().StringVarP(&taskPriority, "priority", "p", string(types.PriorityMedium), "Priority (low, medium, high, critical)")
	taskSubmitCmd.Flags().StringVar(&taskParent, "parent", "", "Parent task id")
	taskSubmitCmd.Flags().BoolVarP(&taskWait, "wait", "w", false, "Wait for the task to finish")

	taskListCmd.Flags().StringVar(&taskListAgent, "agent", "", "Filter by agent type")
	taskListCmd.Flags().StringVar(&taskListStatus, "status", "", "Filter by status")
	taskListCmd.Flags().IntVar(&taskListLimit, "limit", 20, "Maximum tasks to show")

	taskCmd.AddCommand(taskSubmitCmd, taskGetCmd, taskListCmd, taskCancelCmd)
}

func runTaskSubmit(cmd *cobra.Command, args []string) error {
	input, err := parseJSONObject(taskInput)
	if err != nil {
		return err
	}
	priority, err := types.ParsePriority(taskPriority)
	if err != nil {
		return err
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	req := types.SubmitTaskRequest{
		AgentType:    args[0],
		Input:        input,
		Priority:     priority,
		ParentTaskID: taskParent,
	}

	if taskWait {
		task, err := c.SubmitTaskAndWait(cmd.Context(), req)
		if err != nil {
			return err
		}
		return printJSON(cmd, task)
	}

	id, err := c.SubmitTask(cmd.Context(), req)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	tasks, err := c.ListTasks(cmd.Context(), types.TaskFilter{
		AgentType: taskListAgent,
		Status:    types.TaskStatus(taskListStatus),
		Limit:     taskListLimit,
	})
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAGENT\tSTATUS\tPRIORITY\tRETRIES\tCREATED")
	for _, task := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			task.ID, task.AgentType, task.Status, task.Priority, task.Metadata.RetryCount,
			task.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}
