// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/adiadia/visual-replay/internal/domain"
	"github.com/adiadia/visual-replay/internal/events"
	"github.com/adiadia/visual-replay/internal/execution"
)

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) workflowsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List saved workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Workflows []domain.WorkflowSummary `json:"workflows"`
			}
			if err := c.client().do(cmd.Context(), http.MethodGet, "/workflows", nil, &resp); err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(resp)
			}

			tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tSTEPS\tRUNS\tLAST RUN")
			for _, wf := range resp.Workflows {
				last := "never"
				if wf.LastRun != nil {
					last = wf.LastRun.Local().Format(time.DateTime)
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", wf.ID, wf.Name, wf.StepCount, wf.RunCount, last)
			}
			return tw.Flush()
		},
	}
}

func (c *cli) teachCmd() *cobra.Command {
	teach := &cobra.Command{
		Use:   "teach",
		Short: "Record a new workflow by demonstration",
	}

	teach.AddCommand(&cobra.Command{
		Use:   "start NAME",
		Short: "Start recording; clicks in the browser become steps",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var s domain.TeachSession
			body := map[string]string{"workflow_name": strings.Join(args, " ")}
			if err := c.client().do(cmd.Context(), http.MethodPost, "/teach/start", body, &s); err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(s)
			}
			fmt.Fprintf(c.out, "Recording %q (session %s). Narrate with `replayctl teach say`.\n", s.WorkflowName, s.SessionID)
			return nil
		},
	})

	var discard bool
	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop recording and save the workflow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Saved   bool                 `json:"saved"`
				Summary *domain.TeachSummary `json:"summary"`
			}
			body := map[string]bool{"save": !discard}
			if err := c.client().do(cmd.Context(), http.MethodPost, "/teach/stop", body, &resp); err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(resp)
			}
			if resp.Summary == nil {
				fmt.Fprintln(c.out, "Recording discarded.")
				return nil
			}
			fmt.Fprintf(c.out, "Saved workflow %s with %d steps.\n", resp.Summary.WorkflowID, resp.Summary.StepCount)
			if resp.Summary.Summary != "" {
				fmt.Fprintln(c.out, resp.Summary.Summary)
			}
			return nil
		},
	}
	stop.Flags().BoolVar(&discard, "discard", false, "drop the recording instead of saving it")
	teach.AddCommand(stop)

	teach.AddCommand(&cobra.Command{
		Use:   "say TEXT",
		Short: "Add narration to the step being recorded",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"text": strings.Join(args, " ")}
			return c.client().do(cmd.Context(), http.MethodPost, "/teach/transcript", body, nil)
		},
	})

	teach.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the recording state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				State   domain.RecordingState `json:"state"`
				Session *domain.TeachSession  `json:"session"`
			}
			if err := c.client().do(cmd.Context(), http.MethodGet, "/teach", nil, &resp); err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(resp)
			}
			if resp.Session == nil {
				fmt.Fprintf(c.out, "%s\n", resp.State)
				return nil
			}
			fmt.Fprintf(c.out, "%s %q: %d steps captured\n", resp.State, resp.Session.WorkflowName, resp.Session.StepCounter)
			return nil
		},
	})
	return teach
}

func (c *cli) runCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "run WORKFLOW_ID",
		Short: "Replay a saved workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api := c.client()
			var s domain.ExecutionSession
			if err := api.do(cmd.Context(), http.MethodPost, "/executions", map[string]string{"workflow_id": args[0]}, &s); err != nil {
				return err
			}
			if c.jsonOut && !watch {
				return c.printJSON(s)
			}
			fmt.Fprintf(c.out, "Running %s (%d steps, execution %s)\n", s.WorkflowID, s.TotalSteps, s.ExecutionID)
			if !watch {
				return nil
			}
			return c.watch(cmd.Context(), api, 0, true)
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow progress and answer recovery questions")
	return cmd
}

func (c *cli) stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running execution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.client().do(cmd.Context(), http.MethodPost, "/executions/stop", nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "Stopped.")
			return nil
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current execution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Execution execution.Snapshot      `json:"execution"`
				Recovery  *domain.RecoveryRequest `json:"pending_recovery"`
			}
			if err := c.client().do(cmd.Context(), http.MethodGet, "/executions/current", nil, &resp); err != nil {
				return err
			}
			if c.jsonOut {
				return c.printJSON(resp)
			}

			snap := resp.Execution
			fmt.Fprintf(c.out, "state: %s\n", snap.State)
			if s := snap.Session; s != nil {
				fmt.Fprintf(c.out, "workflow: %s %s\n", s.WorkflowID, snap.WorkflowName)
				fmt.Fprintf(c.out, "step: %d/%d %s\n", min(s.StepIndex+1, s.TotalSteps), s.TotalSteps, snap.CurrentStep)
			}
			if snap.LastError != "" {
				fmt.Fprintf(c.out, "last error: %s\n", snap.LastError)
			}
			if r := resp.Recovery; r != nil {
				fmt.Fprintf(c.out, "waiting on step %d: %s\n", r.StepIndex+1, r.Question)
				fmt.Fprintf(c.out, "answer with: replayctl recover %d \"...\"\n", r.StepIndex+1)
			}
			return nil
		},
	}
}

func (c *cli) recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover STEP ANSWER",
		Short: "Answer a recovery question; STEP is the step number shown by status",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			step, err := strconv.Atoi(args[0])
			if err != nil || step < 1 {
				return fmt.Errorf("invalid step %q", args[0])
			}
			return c.submit(cmd.Context(), c.client(), step-1, strings.Join(args[1:], " "))
		},
	}
}

func (c *cli) submit(ctx context.Context, api *apiClient, stepIndex int, answer string) error {
	body := map[string]any{"step_index": stepIndex, "resolution": answer}
	if err := api.do(ctx, http.MethodPost, "/executions/recovery", body, nil); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Answer sent for step %d.\n", stepIndex+1)
	return nil
}

func (c *cli) watchCmd() *cobra.Command {
	var (
		since    int64
		untilEnd bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream events; prompts for recovery answers on a terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.watch(cmd.Context(), c.client(), since, untilEnd)
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "replay events after this sequence number")
	cmd.Flags().BoolVar(&untilEnd, "until-done", false, "exit when the execution ends")
	return cmd
}

// watch prints events and, when interactive, answers recovery questions
// from stdin.
func (c *cli) watch(ctx context.Context, api *apiClient, since int64, untilEnd bool) error {
	stdin := bufio.NewReader(c.in)
	var failure error

	err := api.stream(ctx, since, func(env envelope) bool {
		if c.jsonOut {
			_ = c.printJSON(env)
		} else {
			fmt.Fprintln(c.out, describe(env))
		}

		switch events.Type(env.Type) {
		case events.TypeRecoveryRequested:
			if !c.interactive {
				return true
			}
			var ev events.RecoveryRequested
			if err := json.Unmarshal(env.Data, &ev); err != nil {
				return true
			}
			fmt.Fprint(c.out, "> ")
			line, err := stdin.ReadString('\n')
			if answer := strings.TrimSpace(line); answer != "" {
				if err := c.submit(ctx, api, ev.StepIndex, answer); err != nil {
					fmt.Fprintf(c.out, "answer rejected: %v\n", err)
				}
			}
			return err == nil
		case events.TypeCompleted, events.TypeStopped:
			return !untilEnd
		case events.TypeFailed:
			var ev events.Failed
			_ = json.Unmarshal(env.Data, &ev)
			failure = fmt.Errorf("execution failed at step %d: %s", ev.StepIndex+1, ev.Error)
			return !untilEnd
		}
		return true
	})
	if err != nil {
		return err
	}
	return failure
}

func describe(env envelope) string {
	prefix := fmt.Sprintf("[%d] %s", env.Seq, env.At.Local().Format(time.TimeOnly))
	switch events.Type(env.Type) {
	case events.TypeStepCompleted:
		var ev events.StepCompleted
		_ = json.Unmarshal(env.Data, &ev)
		return fmt.Sprintf("%s step %d done: %s", prefix, ev.StepIndex+1, ev.Intent)
	case events.TypeRecoveryRequested:
		var ev events.RecoveryRequested
		_ = json.Unmarshal(env.Data, &ev)
		return fmt.Sprintf("%s step %d needs help: %s", prefix, ev.StepIndex+1, ev.Question)
	case events.TypeTransientStatus:
		var ev events.TransientStatus
		_ = json.Unmarshal(env.Data, &ev)
		return fmt.Sprintf("%s step %d retrying (%s, attempt %d): %s", prefix, ev.StepIndex+1, ev.Reason, ev.Attempt, ev.Error)
	case events.TypeStepCaptured:
		var ev events.StepCaptured
		_ = json.Unmarshal(env.Data, &ev)
		return fmt.Sprintf("%s captured step %d (%d total)", prefix, ev.StepIndex+1, ev.StepsCaptured)
	default:
		return fmt.Sprintf("%s %s %s", prefix, env.Type, string(env.Data))
	}
}
