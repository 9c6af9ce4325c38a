// SPDX-License-Identifier: Apache-2.0

// Package recovery pairs a paused execution's question with the single
// answer that resumes it.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/adiadia/visual-replay/internal/domain"
	"github.com/adiadia/visual-replay/internal/metrics"
)

type Capturer interface {
	Capture(ctx context.Context) ([]byte, error)
}

// Forwarder delivers the user's answer to inference.
type Forwarder interface {
	Recover(ctx context.Context, executionID string, stepIndex int, resolution string, screenshot []byte) error
}

type SessionView interface {
	Execution() (domain.ExecutionSession, bool)
}

// Handle is signalled exactly once, either resolved or cancelled.
type Handle struct {
	req        domain.RecoveryRequest
	done       chan struct{}
	once       sync.Once
	resolution string
	resolved   bool
}

func newHandle(req domain.RecoveryRequest) *Handle {
	return &Handle{req: req, done: make(chan struct{})}
}

func (h *Handle) Request() domain.RecoveryRequest { return h.req }

func (h *Handle) Done() <-chan struct{} { return h.done }

// Resolution is valid after Done is closed. ok is false when the request
// was cancelled.
func (h *Handle) Resolution() (answer string, ok bool) {
	select {
	case <-h.done:
		return h.resolution, h.resolved
	default:
		return "", false
	}
}

func (h *Handle) signal(answer string, resolved bool) {
	h.once.Do(func() {
		h.resolution = answer
		h.resolved = resolved
		close(h.done)
	})
}

type Deps struct {
	Capturer  Capturer
	Forwarder Forwarder
	Sessions  SessionView
	Logger    *slog.Logger
}

type Coordinator struct {
	capturer  Capturer
	forwarder Forwarder
	sessions  SessionView
	logger    *slog.Logger

	// serializes submissions so a second answer sees the first's effect
	submitMu sync.Mutex

	mu      sync.Mutex
	pending *Handle
}

func NewCoordinator(deps Deps) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		capturer:  deps.Capturer,
		forwarder: deps.Forwarder,
		sessions:  deps.Sessions,
		logger:    logger,
	}
}

// RequestResolution registers the pending request. A request still
// pending from before is cancelled.
func (c *Coordinator) RequestResolution(req domain.RecoveryRequest) *Handle {
	h := newHandle(req)

	c.mu.Lock()
	prev := c.pending
	c.pending = h
	c.mu.Unlock()

	if prev != nil {
		prev.signal("", false)
	}
	metrics.IncRecovery(metrics.RecoveryRequested)
	c.logger.Info("recovery requested",
		"execution_id", req.ExecutionID,
		"step_index", req.StepIndex,
		"question", req.Question,
	)
	return h
}

// Pending returns the outstanding request, if any.
func (c *Coordinator) Pending() (domain.RecoveryRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return domain.RecoveryRequest{}, false
	}
	return c.pending.req, true
}

// SubmitResolution forwards answer for stepIndex and wakes the waiting
// loop. It returns domain.ErrStaleRecovery, applying nothing, when no
// matching request is pending. If capture or forwarding fails the request
// stays pending.
func (c *Coordinator) SubmitResolution(ctx context.Context, stepIndex int, answer string) error {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return domain.Validationf("resolution must not be empty")
	}

	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	h, err := c.match(stepIndex)
	if err != nil {
		metrics.IncRecovery(metrics.RecoveryStale)
		c.logger.Warn("stale recovery resolution", "step_index", stepIndex, "error", err)
		return err
	}
	req := h.req

	shot, err := c.capturer.Capture(ctx)
	if err != nil {
		return fmt.Errorf("capture for recovery: %w", err)
	}
	if !c.isPending(h) {
		metrics.IncRecovery(metrics.RecoveryStale)
		return fmt.Errorf("%w: request cancelled during capture", domain.ErrStaleRecovery)
	}
	if err := c.forwarder.Recover(ctx, req.ExecutionID, req.StepIndex, answer, shot); err != nil {
		return fmt.Errorf("forward recovery: %w", err)
	}

	c.mu.Lock()
	if c.pending != h {
		c.mu.Unlock()
		metrics.IncRecovery(metrics.RecoveryStale)
		return fmt.Errorf("%w: request cancelled while forwarding", domain.ErrStaleRecovery)
	}
	c.pending = nil
	c.mu.Unlock()

	h.signal(answer, true)
	metrics.IncRecovery(metrics.RecoveryResolved)
	c.logger.Info("recovery resolved", "execution_id", req.ExecutionID, "step_index", req.StepIndex)
	return nil
}

func (c *Coordinator) isPending(h *Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending == h
}

func (c *Coordinator) match(stepIndex int) (*Handle, error) {
	c.mu.Lock()
	h := c.pending
	c.mu.Unlock()

	if h == nil {
		return nil, fmt.Errorf("%w: no pending request", domain.ErrStaleRecovery)
	}
	if h.req.StepIndex != stepIndex {
		return nil, fmt.Errorf("%w: pending step %d, got %d", domain.ErrStaleRecovery, h.req.StepIndex, stepIndex)
	}
	if c.sessions != nil {
		s, ok := c.sessions.Execution()
		if !ok || !s.AwaitingRecovery || s.ExecutionID != h.req.ExecutionID || s.StepIndex != stepIndex {
			return nil, fmt.Errorf("%w: execution not awaiting recovery at step %d", domain.ErrStaleRecovery, stepIndex)
		}
	}
	return h, nil
}

// Cancel drops the pending request of executionID. Later resolutions for
// it are stale.
func (c *Coordinator) Cancel(executionID string) {
	c.mu.Lock()
	h := c.pending
	if h == nil || h.req.ExecutionID != executionID {
		c.mu.Unlock()
		return
	}
	c.pending = nil
	c.mu.Unlock()

	h.signal("", false)
	metrics.IncRecovery(metrics.RecoveryCancelled)
	c.logger.Info("recovery cancelled", "execution_id", executionID, "step_index", h.req.StepIndex)
}
