// SPDX-License-Identifier: Apache-2.0

// Package execution replays a saved workflow step by step: capture the
// screen, ask inference what to do, act, settle, advance. Ambiguous steps
// pause on a recovery question until the user answers.
package execution

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
	"github.com/adiadia/visual-replay/internal/inference"
	"github.com/adiadia/visual-replay/internal/metrics"
	"github.com/adiadia/visual-replay/internal/recovery"
	"github.com/adiadia/visual-replay/internal/session"
	"github.com/adiadia/visual-replay/internal/storeclient"
)

const (
	DefaultRetryDelay  = 2 * time.Second
	DefaultSettleDelay = 1 * time.Second
)

type Store interface {
	ListWorkflows(ctx context.Context) ([]domain.WorkflowSummary, error)
	LoadWorkflow(ctx context.Context, workflowID string) (domain.Workflow, error)
	StartExecution(ctx context.Context, workflowID string) (storeclient.ExecutionStart, error)
	CompleteExecution(ctx context.Context, executionID string, outcome domain.RunOutcome) error
}

type Capturer interface {
	Capture(ctx context.Context) ([]byte, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, a domain.Action) error
}

type Recovery interface {
	RequestResolution(req domain.RecoveryRequest) *recovery.Handle
	Cancel(executionID string)
}

// Policy vets an action before dispatch.
type Policy interface {
	Check(a domain.Action) error
}

type Config struct {
	RetryDelay  time.Duration
	SettleDelay time.Duration
	// MaxConsecutiveFailures fails the execution after that many retries
	// in a row. Zero retries forever.
	MaxConsecutiveFailures int
}

type Deps struct {
	Store      Store
	Inference  inference.Client
	Capturer   Capturer
	Dispatcher Dispatcher
	Recovery   Recovery
	Policy     Policy
	Sessions   *session.Manager
	Events     events.Sink
	Logger     *slog.Logger
	Config     Config
	Now        func() time.Time
}

// run is one execution's loop; stopped is guarded by Controller.mu.
type run struct {
	id       string
	workflow domain.Workflow
	stopped  bool
	done     chan struct{}
}

type Controller struct {
	store      Store
	inference  inference.Client
	capturer   Capturer
	dispatcher Dispatcher
	recovery   Recovery
	policy     Policy
	sessions   *session.Manager
	events     events.Sink
	logger     *slog.Logger
	cfg        Config
	now        func() time.Time

	base     context.Context
	shutdown context.CancelFunc

	mu        sync.Mutex
	state     domain.ExecutionState
	current   *run
	lastError string
}

func New(deps Deps) *Controller {
	cfg := deps.Config
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
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
	base, shutdown := context.WithCancel(context.Background())

	return &Controller{
		store:      deps.Store,
		inference:  deps.Inference,
		capturer:   deps.Capturer,
		dispatcher: deps.Dispatcher,
		recovery:   deps.Recovery,
		policy:     deps.Policy,
		sessions:   deps.Sessions,
		events:     sink,
		logger:     logger,
		cfg:        cfg,
		now:        now,
		base:       base,
		shutdown:   shutdown,
		state:      domain.ExecutionIdle,
	}
}

type Snapshot struct {
	State        domain.ExecutionState    `json:"state"`
	Session      *domain.ExecutionSession `json:"session,omitempty"`
	WorkflowName string                   `json:"workflow_name,omitempty"`
	CurrentStep  string                   `json:"current_intent,omitempty"`
	LastError    string                   `json:"last_error,omitempty"`
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{State: c.state, LastError: c.lastError}
	r := c.current
	c.mu.Unlock()

	if r != nil {
		snap.WorkflowName = r.workflow.Name
	}
	if s, ok := c.sessions.Execution(); ok {
		snap.Session = &s
		if r != nil {
			if step, ok := r.workflow.Step(s.StepIndex); ok {
				snap.CurrentStep = step.Intent
			}
		}
	}
	return snap
}

// Start loads the workflow, opens an execution with the store and runs
// the loop in the background.
func (c *Controller) Start(ctx context.Context, workflowID string) (domain.ExecutionSession, error) {
	workflowID = strings.TrimSpace(workflowID)
	if workflowID == "" {
		return domain.ExecutionSession{}, domain.Validationf("workflow_id must not be empty")
	}

	prev, err := c.reserve()
	if err != nil {
		return domain.ExecutionSession{}, err
	}

	s, r, err := c.open(ctx, workflowID)
	if err != nil {
		c.mu.Lock()
		c.state = prev
		c.mu.Unlock()
		return domain.ExecutionSession{}, err
	}

	c.launch(r)
	return s, nil
}

// reserve moves to Starting so a concurrent Start is refused.
func (c *Controller) reserve() (domain.ExecutionState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case domain.ExecutionIdle, domain.ExecutionCompleted, domain.ExecutionStopped, domain.ExecutionFailed:
	default:
		return "", fmt.Errorf("execution is %s: %w", c.state, domain.ErrSessionActive)
	}
	prev := c.state
	c.state = domain.ExecutionStarting
	return prev, nil
}

func (c *Controller) open(ctx context.Context, workflowID string) (domain.ExecutionSession, *run, error) {
	if err := c.sessions.CanBeginExecution(ctx); err != nil {
		return domain.ExecutionSession{}, nil, err
	}

	wf, err := c.workflow(ctx, workflowID)
	if err != nil {
		return domain.ExecutionSession{}, nil, err
	}
	if wf.StepCount == 0 {
		return domain.ExecutionSession{}, nil, domain.Validationf("workflow %s has no steps", workflowID)
	}

	started, err := c.store.StartExecution(ctx, workflowID)
	if err != nil {
		return domain.ExecutionSession{}, nil, fmt.Errorf("start execution: %w", err)
	}

	s := domain.ExecutionSession{
		ExecutionID: started.ExecutionID,
		WorkflowID:  wf.ID,
		StepIndex:   0,
		TotalSteps:  wf.StepCount,
		Running:     true,
		StartedAt:   c.now(),
	}
	if err := c.sessions.BeginExecution(ctx, s); err != nil {
		c.logger.Error("execution abandoned before first step",
			"execution_id", s.ExecutionID,
			"workflow_id", s.WorkflowID,
			"error", err,
		)
		if cerr := c.store.CompleteExecution(ctx, s.ExecutionID, domain.OutcomeFailed); cerr != nil {
			c.logger.Error("complete execution failed", "execution_id", s.ExecutionID, "error", cerr)
		}
		return domain.ExecutionSession{}, nil, err
	}

	firstIntent := ""
	if started.FirstStep != nil {
		firstIntent = started.FirstStep.Intent
		c.logger.Info("execution first step", "execution_id", s.ExecutionID, "intent", firstIntent)
	}
	c.logger.Info("execution started",
		"execution_id", s.ExecutionID,
		"workflow_id", s.WorkflowID,
		"total_steps", s.TotalSteps,
	)
	c.events.Publish(events.ExecutionStarted{
		ExecutionID: s.ExecutionID,
		WorkflowID:  s.WorkflowID,
		TotalSteps:  s.TotalSteps,
		FirstIntent: firstIntent,
	})
	return s, &run{id: s.ExecutionID, workflow: wf, done: make(chan struct{})}, nil
}

// workflow resolves workflowID for a run. Remote inference only needs the
// step count, which the listing carries; a client that infers locally needs
// the full steps from the load endpoint.
func (c *Controller) workflow(ctx context.Context, workflowID string) (domain.Workflow, error) {
	if _, ok := c.inference.(inference.Preparer); ok {
		wf, err := c.store.LoadWorkflow(ctx, workflowID)
		if err == nil {
			return wf, nil
		}
		if errors.Is(err, domain.ErrNotFound) {
			if _, lerr := c.listed(ctx, workflowID); lerr == nil {
				return domain.Workflow{}, domain.Validationf("workflow %s is listed but the store does not serve its steps, which local inference needs", workflowID)
			}
		}
		return domain.Workflow{}, fmt.Errorf("load workflow %s: %w", workflowID, err)
	}

	row, err := c.listed(ctx, workflowID)
	if err != nil {
		return domain.Workflow{}, err
	}
	return domain.Workflow{
		ID:        row.ID,
		Name:      row.Name,
		StepCount: row.StepCount,
		LastRun:   row.LastRun,
		RunCount:  row.RunCount,
	}, nil
}

func (c *Controller) listed(ctx context.Context, workflowID string) (domain.WorkflowSummary, error) {
	list, err := c.store.ListWorkflows(ctx)
	if err != nil {
		return domain.WorkflowSummary{}, fmt.Errorf("list workflows: %w", err)
	}
	for _, row := range list {
		if row.ID == workflowID {
			return row, nil
		}
	}
	return domain.WorkflowSummary{}, fmt.Errorf("workflow %s: %w", workflowID, domain.ErrNotFound)
}

func (c *Controller) launch(r *run) {
	if p, ok := c.inference.(inference.Preparer); ok {
		p.Prepare(r.id, r.workflow)
	}

	c.mu.Lock()
	c.current = r
	c.state = domain.ExecutionRunning
	c.lastError = ""
	c.mu.Unlock()

	metrics.IncExecution(domain.ExecutionRunning)
	go c.loop(c.base, r)
}

// Resume continues an execution persisted by an earlier process at its
// saved step_index. A pending recovery is re-evaluated from a fresh
// capture, which asks again if the step is still ambiguous.
func (c *Controller) Resume(ctx context.Context) (bool, error) {
	s, ok := c.sessions.Execution()
	if !ok {
		return false, nil
	}
	prev, err := c.reserve()
	if err != nil {
		return false, err
	}

	wf, err := c.workflow(ctx, s.WorkflowID)
	if err != nil {
		c.mu.Lock()
		c.state = prev
		c.mu.Unlock()
		return false, fmt.Errorf("reload workflow %s: %w", s.WorkflowID, err)
	}
	if s.AwaitingRecovery {
		if s, err = c.sessions.UpdateExecution(ctx, func(s *domain.ExecutionSession) { s.AwaitingRecovery = false }); err != nil {
			c.mu.Lock()
			c.state = prev
			c.mu.Unlock()
			return false, err
		}
	}

	c.logger.Info("execution resumed", "execution_id", s.ExecutionID, "step_index", s.StepIndex)
	c.events.Publish(events.ExecutionStarted{
		ExecutionID: s.ExecutionID,
		WorkflowID:  s.WorkflowID,
		TotalSteps:  s.TotalSteps,
		Resumed:     true,
	})
	c.launch(&run{id: s.ExecutionID, workflow: wf, done: make(chan struct{})})
	return true, nil
}

// Stop ends the current execution. It takes effect immediately: a pending
// recovery is cancelled and no action is dispatched afterwards, though a
// capture or inference call already in flight is allowed to finish.
//
// A persisted execution that no loop is attached to, left behind when
// Resume failed, is stopped the same way.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	r := c.current
	state := c.state
	c.mu.Unlock()
	if r == nil || !c.terminate(r, domain.ExecutionStopped, nil) {
		if s, ok := c.orphan(r); ok {
			return c.stopOrphan(ctx, s)
		}
		return fmt.Errorf("execution is %s: %w", state, domain.ErrWrongState)
	}

	s, err := c.sessions.UpdateExecution(ctx, func(s *domain.ExecutionSession) {
		s.Running = false
		s.AwaitingRecovery = false
	})
	if err != nil {
		c.logger.Error("persist stop failed", "execution_id", r.id, "error", err)
	}

	c.logger.Info("execution stopped", "execution_id", r.id, "step_index", s.StepIndex)
	c.events.Publish(events.Stopped{ExecutionID: r.id, WorkflowID: r.workflow.ID, StepIndex: s.StepIndex})
	c.finish(ctx, r, domain.OutcomeStopped)
	metrics.IncExecution(domain.ExecutionStopped)
	return nil
}

// orphan returns the persisted execution when it does not belong to r.
func (c *Controller) orphan(r *run) (domain.ExecutionSession, bool) {
	c.mu.Lock()
	idle := c.state != domain.ExecutionStarting && (r == nil || r.stopped)
	c.mu.Unlock()
	if !idle {
		return domain.ExecutionSession{}, false
	}
	s, ok := c.sessions.Execution()
	if !ok || (r != nil && s.ExecutionID == r.id) {
		return domain.ExecutionSession{}, false
	}
	return s, true
}

func (c *Controller) stopOrphan(ctx context.Context, s domain.ExecutionSession) error {
	c.recovery.Cancel(s.ExecutionID)
	if err := c.store.CompleteExecution(ctx, s.ExecutionID, domain.OutcomeStopped); err != nil {
		c.logger.Error("complete execution failed",
			"execution_id", s.ExecutionID,
			"outcome", domain.OutcomeStopped,
			"error", err,
		)
	}
	if err := c.sessions.EndExecution(ctx); err != nil {
		return fmt.Errorf("clear execution session: %w", err)
	}

	c.mu.Lock()
	c.state = domain.ExecutionStopped
	c.mu.Unlock()

	c.logger.Info("orphaned execution stopped", "execution_id", s.ExecutionID, "step_index", s.StepIndex)
	c.events.Publish(events.Stopped{ExecutionID: s.ExecutionID, WorkflowID: s.WorkflowID, StepIndex: s.StepIndex})
	metrics.IncExecution(domain.ExecutionStopped)
	return nil
}

// Wait blocks until the current loop has exited.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	r := c.current
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close abandons the loop without ending the execution; the persisted
// session can be resumed by the next process.
func (c *Controller) Close() {
	c.shutdown()
}

// active reports whether r is still the live, unstopped run.
func (c *Controller) active(r *run) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current == r && !r.stopped
}

func (c *Controller) setState(r *run, s domain.ExecutionState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != r || r.stopped {
		return false
	}
	c.state = s
	return true
}

// terminate moves r into a terminal state exactly once. Its pending
// recovery is dropped under the same lock, so no answer matches a run
// that has already ended.
func (c *Controller) terminate(r *run, s domain.ExecutionState, cause error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != r || r.stopped {
		return false
	}
	r.stopped = true
	c.state = s
	if cause != nil {
		c.lastError = cause.Error()
	}
	c.recovery.Cancel(r.id)
	return true
}

// finish reports the outcome to the store and clears the session.
func (c *Controller) finish(ctx context.Context, r *run, outcome domain.RunOutcome) {
	if err := c.store.CompleteExecution(ctx, r.id, outcome); err != nil {
		c.logger.Error("complete execution failed",
			"execution_id", r.id,
			"outcome", outcome,
			"error", err,
		)
	}
	if err := c.sessions.EndExecution(ctx); err != nil {
		c.logger.Error("clear execution session failed", "execution_id", r.id, "error", err)
	}
	if p, ok := c.inference.(inference.Preparer); ok {
		p.Release(r.id)
	}
}

func (c *Controller) recordError(err error) {
	c.mu.Lock()
	c.lastError = err.Error()
	c.mu.Unlock()
}

var errStopped = errors.New("execution no longer running")
