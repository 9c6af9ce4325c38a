// SPDX-License-Identifier: Apache-2.0

package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adiadia/visual-replay/internal/domain"
	"github.com/adiadia/visual-replay/internal/events"
	"github.com/adiadia/visual-replay/internal/metrics"
)

func (c *Controller) loop(ctx context.Context, r *run) {
	defer close(r.done)

	failures := 0
	for {
		if !c.active(r) {
			return
		}
		s, ok := c.sessions.Execution()
		if !ok || s.ExecutionID != r.id {
			return
		}
		if s.Done() {
			c.complete(ctx, r)
			return
		}

		started := time.Now()
		idx := s.StepIndex

		shot, err := c.capturer.Capture(ctx)
		if err != nil {
			if !c.retry(ctx, r, idx, metrics.ReasonCapture, err, &failures) {
				return
			}
			continue
		}

		decision, err := c.inference.InferStep(ctx, r.id, idx, shot)
		if err != nil {
			if !c.retry(ctx, r, idx, metrics.ReasonInference, err, &failures) {
				return
			}
			continue
		}

		if decision.RecoveryNeeded {
			failures = 0
			if !c.awaitRecovery(ctx, r, idx, decision) {
				return
			}
			continue
		}

		if !c.active(r) {
			return
		}
		if err := c.act(ctx, r, idx, decision); err != nil {
			if !c.retry(ctx, r, idx, metrics.ReasonDispatch, err, &failures) {
				return
			}
			continue
		}
		failures = 0

		if !sleep(ctx, c.cfg.SettleDelay) {
			return
		}
		if err := c.advance(ctx, r, idx, decision.Intent); err != nil {
			if !errors.Is(err, errStopped) {
				c.logger.Error("advance step failed", "execution_id", r.id, "step_index", idx, "error", err)
				c.fail(ctx, r, idx, err)
			}
			return
		}
		metrics.ObserveStepDuration(time.Since(started))
	}
}

// act dispatches the decided action. Unknown kinds and policy denials are
// skipped so the loop still advances.
func (c *Controller) act(ctx context.Context, r *run, idx int, d domain.StepDecision) error {
	if d.Action == nil {
		c.skip(r, idx, "", "no action decided")
		return nil
	}
	a := d.Action.Action()

	if c.policy != nil {
		if err := c.policy.Check(a); err != nil {
			c.skip(r, idx, a.Kind(), err.Error())
			return nil
		}
	}

	err := c.dispatcher.Dispatch(ctx, a)
	switch {
	case err == nil:
		metrics.IncExecutionStep(metrics.StepDone)
		return nil
	case errors.Is(err, domain.ErrUnknownActionKind):
		c.skip(r, idx, a.Kind(), "unsupported action kind")
		return nil
	default:
		return err
	}
}

func (c *Controller) skip(r *run, idx int, kind domain.ActionKind, reason string) {
	c.logger.Warn("action skipped",
		"execution_id", r.id,
		"step_index", idx,
		"kind", kind,
		"reason", reason,
	)
	metrics.IncExecutionStep(metrics.StepSkipped)
	c.events.Publish(events.ActionSkipped{ExecutionID: r.id, StepIndex: idx, Kind: string(kind), Reason: reason})
}

// advance moves step_index forward by exactly one.
func (c *Controller) advance(ctx context.Context, r *run, idx int, intent string) error {
	if !c.active(r) {
		return errStopped
	}
	s, err := c.sessions.UpdateExecution(ctx, func(s *domain.ExecutionSession) {
		if s.StepIndex == idx {
			s.StepIndex++
		}
	})
	if err != nil {
		return err
	}
	if intent == "" {
		if step, ok := r.workflow.Step(idx); ok {
			intent = step.Intent
		}
	}
	c.logger.Info("step completed",
		"execution_id", r.id,
		"step_index", idx,
		"next_index", s.StepIndex,
		"total_steps", s.TotalSteps,
	)
	c.events.Publish(events.StepCompleted{ExecutionID: r.id, StepIndex: idx, Intent: intent})
	return nil
}

// awaitRecovery parks the loop on the recovery question. It returns false
// when the loop must exit.
func (c *Controller) awaitRecovery(ctx context.Context, r *run, idx int, d domain.StepDecision) bool {
	if !c.active(r) {
		return false
	}
	question := d.RecoveryQuestion
	if question == "" {
		question = fmt.Sprintf("I can't find the target for step %d. What should I click?", idx+1)
		if step, ok := r.workflow.Step(idx); ok && step.Intent != "" {
			question = fmt.Sprintf("I can't find where to %q. What should I click?", step.Intent)
		}
	}

	// Mark the session first so an immediate answer passes the stale check.
	if _, err := c.sessions.UpdateExecution(ctx, func(s *domain.ExecutionSession) { s.AwaitingRecovery = true }); err != nil {
		c.logger.Error("persist recovery flag failed", "execution_id", r.id, "error", err)
		c.fail(ctx, r, idx, err)
		return false
	}
	if !c.setState(r, domain.ExecutionRecovering) {
		return false
	}

	req := domain.RecoveryRequest{ExecutionID: r.id, StepIndex: idx, Question: question, RegionHint: d.RegionHint}
	h := c.recovery.RequestResolution(req)
	c.logger.Info("recovery requested", "execution_id", r.id, "step_index", idx, "question", question)
	c.events.Publish(events.RecoveryRequested{
		ExecutionID: r.id,
		StepIndex:   idx,
		Question:    question,
		RegionHint:  d.RegionHint,
	})

	select {
	case <-h.Done():
	case <-ctx.Done():
		return false
	}
	answer, ok := h.Resolution()
	if !ok || !c.active(r) {
		return false
	}

	if _, err := c.sessions.UpdateExecution(ctx, func(s *domain.ExecutionSession) { s.AwaitingRecovery = false }); err != nil {
		c.logger.Error("clear recovery flag failed", "execution_id", r.id, "error", err)
		c.fail(ctx, r, idx, err)
		return false
	}
	if !c.setState(r, domain.ExecutionRunning) {
		return false
	}
	c.logger.Info("recovery resolved", "execution_id", r.id, "step_index", idx)
	c.events.Publish(events.RecoveryResolved{ExecutionID: r.id, StepIndex: idx, Resolution: answer})
	return true
}

// retry records a transient failure and waits before the next attempt. It
// returns false when the loop must exit.
func (c *Controller) retry(ctx context.Context, r *run, idx int, reason string, err error, failures *int) bool {
	*failures++
	c.recordError(err)
	metrics.IncRetry(reason)
	c.logger.Warn("step attempt failed",
		"execution_id", r.id,
		"step_index", idx,
		"reason", reason,
		"attempt", *failures,
		"transient", domain.IsTransient(err),
		"error", err,
	)
	if !c.active(r) {
		return false
	}
	c.events.Publish(events.TransientStatus{
		ExecutionID: r.id,
		StepIndex:   idx,
		Reason:      reason,
		Attempt:     *failures,
		Error:       err.Error(),
	})

	if limit := c.cfg.MaxConsecutiveFailures; limit > 0 && *failures >= limit {
		c.fail(ctx, r, idx, fmt.Errorf("%d consecutive failures: %w", *failures, err))
		return false
	}
	return sleep(ctx, c.cfg.RetryDelay)
}

func (c *Controller) complete(ctx context.Context, r *run) {
	if !c.terminate(r, domain.ExecutionCompleted, nil) {
		return
	}

	c.finish(ctx, r, domain.OutcomeCompleted)
	c.logger.Info("execution completed", "execution_id", r.id, "workflow_id", r.workflow.ID)
	c.events.Publish(events.Completed{ExecutionID: r.id, WorkflowID: r.workflow.ID, LastRun: c.now()})
	metrics.IncExecution(domain.ExecutionCompleted)
}

func (c *Controller) fail(ctx context.Context, r *run, idx int, err error) {
	if !c.terminate(r, domain.ExecutionFailed, err) {
		return
	}

	c.finish(ctx, r, domain.OutcomeFailed)
	c.logger.Error("execution failed", "execution_id", r.id, "step_index", idx, "error", err)
	c.events.Publish(events.Failed{ExecutionID: r.id, WorkflowID: r.workflow.ID, StepIndex: idx, Error: err.Error()})
	metrics.IncExecution(domain.ExecutionFailed)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
