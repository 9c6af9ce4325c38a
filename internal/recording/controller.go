// SPDX-License-Identifier: Apache-2.0

// Package recording implements teach mode: it turns forwarded clicks and
// narration into workflow steps submitted to the store.
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adiadia/visual-replay/internal/domain"
	"github.com/adiadia/visual-replay/internal/events"
	"github.com/adiadia/visual-replay/internal/metrics"
	"github.com/adiadia/visual-replay/internal/session"
	"github.com/adiadia/visual-replay/internal/storeclient"
)

type Store interface {
	StartTeach(ctx context.Context, workflowName string) (string, error)
	SubmitStep(ctx context.Context, s storeclient.StepSubmission) (storeclient.StepReceipt, error)
	FinishTeach(ctx context.Context, sessionID string) (domain.TeachSummary, error)
}

// Host starts and stops interaction forwarding in the page.
type Host interface {
	BeginForwarding(ctx context.Context) error
	EndForwarding(ctx context.Context) error
}

type Capturer interface {
	Capture(ctx context.Context) ([]byte, error)
}

type Deps struct {
	Store    Store
	Host     Host
	Capturer Capturer
	Sessions *session.Manager
	Events   events.Sink
	Logger   *slog.Logger
	Now      func() time.Time
}

type Controller struct {
	store    Store
	host     Host
	capturer Capturer
	sessions *session.Manager
	events   events.Sink
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	state  domain.RecordingState
	submit context.Context
	cancel context.CancelFunc

	inflight sync.WaitGroup
}

func New(deps Deps) *Controller {
	sink := deps.Events
	if sink == nil {
		sink = events.Discard
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Controller{
		store:    deps.Store,
		host:     deps.Host,
		capturer: deps.Capturer,
		sessions: deps.Sessions,
		events:   sink,
		logger:   logger,
		now:      now,
		state:    domain.RecordingIdle,
	}
}

// Snapshot reports the current state and the live session, if any.
func (c *Controller) Snapshot() (domain.RecordingState, *domain.TeachSession) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	s, ok := c.sessions.Teach()
	if !ok {
		return state, nil
	}
	return state, &s
}

// StartSession opens a teach session for workflowName and starts
// forwarding interactions from the host.
func (c *Controller) StartSession(ctx context.Context, workflowName string) (domain.TeachSession, error) {
	name := strings.TrimSpace(workflowName)
	if name == "" {
		return domain.TeachSession{}, domain.Validationf("workflow name must not be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != domain.RecordingIdle {
		return domain.TeachSession{}, fmt.Errorf("recording is %s: %w", c.state, domain.ErrSessionActive)
	}
	if err := c.sessions.CanBeginTeach(ctx); err != nil {
		return domain.TeachSession{}, err
	}

	sessionID, err := c.store.StartTeach(ctx, name)
	if err != nil {
		return domain.TeachSession{}, fmt.Errorf("start teach: %w", err)
	}

	s := domain.TeachSession{
		SessionID:    sessionID,
		WorkflowName: name,
		Active:       true,
		StartedAt:    c.now(),
	}
	if err := c.sessions.BeginTeach(ctx, s); err != nil {
		c.abandoned(sessionID, err)
		return domain.TeachSession{}, err
	}
	if err := c.host.BeginForwarding(ctx); err != nil {
		_ = c.sessions.EndTeach(ctx)
		c.abandoned(sessionID, err)
		return domain.TeachSession{}, fmt.Errorf("begin interaction forwarding: %w", err)
	}

	c.enterRecordingLocked()
	c.logger.Info("recording started", "session_id", sessionID, "workflow_name", name)
	c.events.Publish(events.RecordingStarted{SessionID: sessionID, WorkflowName: name})
	return s, nil
}

// abandoned logs a store-side teach session that will never be finished.
func (c *Controller) abandoned(sessionID string, err error) {
	c.logger.Warn("teach session abandoned before recording",
		"session_id", sessionID,
		"error", err,
	)
}

// Restore resumes a teach session persisted by an earlier process.
func (c *Controller) Restore(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions.Teach()
	if !ok || c.state != domain.RecordingIdle {
		return false, nil
	}
	if err := c.host.BeginForwarding(ctx); err != nil {
		return false, fmt.Errorf("resume interaction forwarding: %w", err)
	}

	c.enterRecordingLocked()
	c.logger.Info("recording resumed", "session_id", s.SessionID, "step_counter", s.StepCounter)
	c.events.Publish(events.RecordingResumed{SessionID: s.SessionID, StepCounter: s.StepCounter})
	return true, nil
}

func (c *Controller) enterRecordingLocked() {
	c.state = domain.RecordingRecording
	c.submit, c.cancel = context.WithCancel(context.Background())
}

// HandleHostMessage routes a host notification.
func (c *Controller) HandleHostMessage(ctx context.Context, msg HostMessage) {
	switch m := msg.(type) {
	case InteractionCaptured:
		c.OnInteractionCaptured(ctx, m)
	case TranscriptChunk:
		if err := c.AppendTranscript(ctx, m.Text); err != nil {
			c.logger.Debug("transcript chunk dropped", "error", err)
		}
	default:
		c.logger.Warn("unknown host message", "type", fmt.Sprintf("%T", msg))
	}
}

// AppendTranscript adds narration to the accumulator; the next captured
// step takes all of it.
func (c *Controller) AppendTranscript(ctx context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != domain.RecordingRecording {
		return fmt.Errorf("recording is %s: %w", c.state, domain.ErrWrongState)
	}
	_, err := c.sessions.UpdateTeach(ctx, func(s *domain.TeachSession) { s.AppendTranscript(text) })
	return err
}

// OnInteractionCaptured assigns the next step index synchronously and
// submits the step in the background. Outside Recording it does nothing.
func (c *Controller) OnInteractionCaptured(ctx context.Context, ev InteractionCaptured) {
	c.mu.Lock()
	if c.state != domain.RecordingRecording {
		state := c.state
		c.mu.Unlock()
		c.logger.Debug("interaction ignored", "state", state)
		return
	}

	var stepIndex int
	var transcript string
	s, err := c.sessions.UpdateTeach(ctx, func(s *domain.TeachSession) {
		stepIndex = s.StepCounter
		s.StepCounter++
		transcript = s.DrainTranscript()
	})
	if err != nil {
		c.mu.Unlock()
		c.logger.Error("step counter update failed", "error", err)
		return
	}
	submitCtx := c.submit
	c.inflight.Add(1)
	c.mu.Unlock()

	go c.submitStep(submitCtx, storeclient.StepSubmission{
		SessionID:          s.SessionID,
		StepIndex:          stepIndex,
		TranscriptSegment:  transcript,
		InteractionContext: ev.Context,
	})
}

func (c *Controller) submitStep(ctx context.Context, sub storeclient.StepSubmission) {
	defer c.inflight.Done()

	shot, err := c.capturer.Capture(ctx)
	if err != nil {
		c.stepFailed(sub, fmt.Errorf("capture: %w", err))
		return
	}
	sub.Screenshot = shot

	receipt, err := c.store.SubmitStep(ctx, sub)
	if err != nil {
		c.stepFailed(sub, err)
		return
	}

	metrics.IncTeachStep(metrics.TeachSubmitted)
	c.logger.Info("step captured",
		"session_id", sub.SessionID,
		"step_index", sub.StepIndex,
		"steps_captured", receipt.StepsCaptured,
	)
	c.events.Publish(events.StepCaptured{
		SessionID:     sub.SessionID,
		StepIndex:     sub.StepIndex,
		StepsCaptured: receipt.StepsCaptured,
		Step:          receipt.Step,
	})
}

func (c *Controller) stepFailed(sub storeclient.StepSubmission, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	metrics.IncTeachStep(metrics.TeachFailed)
	c.logger.Error("step submission failed",
		"session_id", sub.SessionID,
		"step_index", sub.StepIndex,
		"error", err,
	)
	c.events.Publish(events.StepSubmitFailed{SessionID: sub.SessionID, StepIndex: sub.StepIndex, Error: err.Error()})
}

// StopSession ends recording. With save it waits for in-flight
// submissions and finalizes the workflow; a finalize failure leaves the
// session recording so the stop can be retried. Without save the session
// and its partial steps are discarded.
func (c *Controller) StopSession(ctx context.Context, save bool) (*domain.TeachSummary, error) {
	c.mu.Lock()
	if c.state == domain.RecordingIdle {
		if s, ok := c.sessions.Teach(); ok {
			defer c.mu.Unlock()
			return c.stopOrphanLocked(ctx, s, save)
		}
	}
	if c.state != domain.RecordingRecording {
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("recording is %s: %w", state, domain.ErrWrongState)
	}
	if err := c.host.EndForwarding(ctx); err != nil {
		c.logger.Warn("end interaction forwarding failed", "error", err)
	}
	s, _ := c.sessions.Teach()

	if !save {
		defer c.mu.Unlock()
		c.cancel()
		if err := c.sessions.EndTeach(ctx); err != nil {
			c.logger.Error("clear teach session failed", "session_id", s.SessionID, "error", err)
		}
		c.state = domain.RecordingIdle
		c.logger.Info("recording discarded", "session_id", s.SessionID)
		c.events.Publish(events.RecordingStopped{SessionID: s.SessionID})
		return nil, nil
	}

	c.state = domain.RecordingSaving
	c.mu.Unlock()

	summary, err := c.finish(ctx, s.SessionID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.state = domain.RecordingRecording
		if ferr := c.host.BeginForwarding(ctx); ferr != nil {
			c.logger.Warn("resume interaction forwarding failed", "error", ferr)
		}
		c.logger.Error("finish teach failed", "session_id", s.SessionID, "error", err)
		return nil, err
	}

	c.cancel()
	if err := c.sessions.EndTeach(ctx); err != nil {
		c.logger.Error("clear teach session failed", "session_id", s.SessionID, "error", err)
	}
	c.state = domain.RecordingIdle
	c.logger.Info("recording saved",
		"session_id", s.SessionID,
		"workflow_id", summary.WorkflowID,
		"step_count", summary.StepCount,
	)
	c.events.Publish(events.RecordingStopped{SessionID: s.SessionID, Saved: true, Summary: &summary})
	return &summary, nil
}

// stopOrphanLocked ends a persisted session no recording is attached to,
// left behind when Restore failed. Nothing is in flight for it.
func (c *Controller) stopOrphanLocked(ctx context.Context, s domain.TeachSession, save bool) (*domain.TeachSummary, error) {
	var summary *domain.TeachSummary
	if save {
		sum, err := c.store.FinishTeach(ctx, s.SessionID)
		if err != nil {
			c.logger.Error("finish teach failed", "session_id", s.SessionID, "error", err)
			return nil, fmt.Errorf("finish teach: %w", err)
		}
		summary = &sum
	}
	if err := c.sessions.EndTeach(ctx); err != nil {
		return nil, err
	}

	c.logger.Info("orphaned recording closed", "session_id", s.SessionID, "saved", save)
	c.events.Publish(events.RecordingStopped{SessionID: s.SessionID, Saved: save, Summary: summary})
	return summary, nil
}

func (c *Controller) finish(ctx context.Context, sessionID string) (domain.TeachSummary, error) {
	drained := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return domain.TeachSummary{}, fmt.Errorf("waiting for step submissions: %w", ctx.Err())
	}

	summary, err := c.store.FinishTeach(ctx, sessionID)
	if err != nil {
		return domain.TeachSummary{}, fmt.Errorf("finish teach: %w", err)
	}
	return summary, nil
}
