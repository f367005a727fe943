package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rizome-dev/conductor/pkg/agent"
	"github.com/rizome-dev/conductor/pkg/config"
	"github.com/rizome-dev/conductor/pkg/logging"
	"github.com/rizome-dev/conductor/pkg/orchestrator"
	"github.com/rizome-dev/conductor/pkg/types"
	"github.com/spf13/cobra"
)

var (
	demoTopic    string
	demoLanguage string
	demoApprove  bool
	demoVerbose  bool
	demoTimeout  time.Duration
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run an in-process research, draft and translate workflow",
	Long: `Run a three step workflow against in-process agents, printing every
lifecycle event. The draft step requires human review: with --approve the
demo resumes it automatically, otherwise it stops at the review checkpoint.
The translate step is skipped when --language is "en".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.NewNop()
		if demoVerbose {
			var err error
			logger, err = logging.NewLogger(&config.LoggingConfig{Level: "debug", Format: "text", Output: "stderr"})
			if err != nil {
				return err
			}
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), demoTimeout)
		defer cancel()

		exec, err := runDemo(ctx, cmd.OutOrStdout(), logger, demoOptions{
			Topic:    demoTopic,
			Language: demoLanguage,
			Approve:  demoApprove,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nExecution %s finished as %s\n", exec.ID, exec.Status)
		return printJSON(cmd, exec.Context)
	},
}

func init() {
	demoCmd.Flags().StringVar(&demoTopic, "topic", "task queues", "Topic to research")
	demoCmd.Flags().StringVar(&demoLanguage, "language", "en", "Target language of the article")
	demoCmd.Flags().BoolVar(&demoApprove, "approve", true, "Approve the draft review automatically")
	demoCmd.Flags().BoolVarP(&demoVerbose, "verbose", "v", false, "Log orchestrator activity to stderr")
	demoCmd.Flags().DurationVar(&demoTimeout, "timeout", 30*time.Second, "Give up after this long")
}

type demoOptions struct {
	Topic    string
	Language string
	Approve  bool
}

func demoWorkflow() *types.WorkflowDefinition {
	return &types.WorkflowDefinition{
		ID:            "article",
		Name:          "Research, draft and translate an article",
		ErrorHandling: types.ErrorPolicyStop,
		Steps: []types.WorkflowStep{
			{
				ID:            "research",
				AgentType:     "researcher",
				InputMapping:  map[string]string{"topic": "topic"},
				OutputMapping: map[string]string{"notes": "notes", "sourceCount": "sources"},
			},
			{
				ID:                  "draft",
				AgentType:           "writer",
				InputMapping:        map[string]string{"topic": "topic", "notes": "notes"},
				OutputMapping:       map[string]string{"draft": "draft", "wordCount": "words"},
				HumanReviewRequired: true,
			},
			{
				ID:            "translate",
				AgentType:     "translator",
				InputMapping:  map[string]string{"text": "draft", "language": "language"},
				OutputMapping: map[string]string{"translation": "text"},
				Conditions: []types.StepCondition{{
					Field:    "language",
					Operator: types.OperatorEquals,
					Value:    "en",
					Action:   types.ActionSkip,
				}},
			},
		},
	}
}

func demoAgents() map[string]agent.Handler {
	return map[string]agent.Handler{
		"researcher": agent.HandlerFuncs{
			ProcessFunc: func(ctx context.Context, task *types.AgentTask) (map[string]interface{}, error) {
				topic := fmt.Sprint(task.Input.Data["topic"])
				notes := []interface{}{
					topic + " decouple producers from consumers",
					topic + " need a retry policy",
					topic + " should be observable",
				}
				return map[string]interface{}{"notes": notes, "sources": len(notes)}, nil
			},
			ValidateFunc: agent.RequireKeys("topic"),
		},
		"writer": agent.HandlerFuncs{
			ProcessFunc: func(ctx context.Context, task *types.AgentTask) (map[string]interface{}, error) {
				var b strings.Builder
				fmt.Fprintf(&b, "On %v.", task.Input.Data["topic"])
				if notes, ok := task.Input.Data["notes"].([]interface{}); ok {
					for _, n := range notes {
						fmt.Fprintf(&b, " %v.", n)
					}
				}
				draft := b.String()
				return map[string]interface{}{"draft": draft, "words": len(strings.Fields(draft))}, nil
			},
			ValidateFunc: agent.RequireKeys("topic"),
		},
		"translator": agent.HandlerFuncs{
			ProcessFunc: func(ctx context.Context, task *types.AgentTask) (map[string]interface{}, error) {
				return map[string]interface{}{
					"text": fmt.Sprintf("[%v] %v", task.Input.Data["language"], task.Input.Data["text"]),
				}, nil
			},
			ValidateFunc: agent.RequireKeys("text", "language"),
		},
	}
}

// runDemo executes the demo workflow and returns the execution once it
// completes, fails or stops at a review the caller did not approve
func runDemo(ctx context.Context, out io.Writer, logger *logging.Logger, opts demoOptions) (*types.WorkflowExecution, error) {
	cfg := orchestrator.DefaultConfig()
	cfg.Logger = logger
	orch, err := orchestrator.New(cfg)
	if err != nil {
		return nil, err
	}

	for agentType, handler := range demoAgents() {
		if err := orch.RegisterAgent(handler, types.AgentConfig{
			ID:                 agentType,
			Type:               agentType,
			Enabled:            true,
			AutoApprove:        true,
			MaxConcurrentTasks: 1,
		}); err != nil {
			return nil, err
		}
	}

	var mu sync.Mutex
	settled := make(chan types.EventType, 8)
	sub := orch.Events().OnAll(func(evt *types.Event) {
		mu.Lock()
		fmt.Fprintf(out, "%-26s %s\n", evt.Type, describeEvent(evt))
		mu.Unlock()

		switch evt.Type {
		case types.EventTypeWorkflowReviewRequired, types.EventTypeWorkflowCompleted, types.EventTypeWorkflowCancelled:
			select {
			case settled <- evt.Type:
			default:
			}
		}
	})
	defer orch.Events().Off(sub)

	if err := orch.Start(); err != nil {
		return nil, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(shutdownCtx)
	}()

	if err := orch.RegisterDefinition(demoWorkflow()); err != nil {
		return nil, err
	}
	exec, err := orch.ExecuteWorkflowByID(ctx, "article", map[string]interface{}{
		"topic":    opts.Topic,
		"language": opts.Language,
	})
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("demo did not finish: %w", ctx.Err())
		case evtType := <-settled:
			if evtType == types.EventTypeWorkflowReviewRequired && opts.Approve {
				mu.Lock()
				fmt.Fprintf(out, "%-26s executionId=%s\n", "approving draft", exec.ID)
				mu.Unlock()
				if _, err := orch.ResumeWorkflow(ctx, exec.ID); err != nil {
					return nil, err
				}
				continue
			}
			return orch.GetExecution(ctx, exec.ID)
		}
	}
}
