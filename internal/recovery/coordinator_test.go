// SPDX-License-Identifier: Apache-2.0

package recovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/adiadia/visual-replay/internal/domain"
)

type fakeCapturer struct {
	err       error
	onCapture func()
}

func (f *fakeCapturer) Capture(context.Context) ([]byte, error) {
	if f.onCapture != nil {
		f.onCapture()
	}
	if f.err != nil {
		return nil, f.err
	}
	return []byte("png"), nil
}

type fakeForwarder struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeForwarder) Recover(_ context.Context, _ string, _ int, resolution string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, resolution)
	return nil
}

type fakeSessions struct {
	s  domain.ExecutionSession
	ok bool
}

func (f *fakeSessions) Execution() (domain.ExecutionSession, bool) { return f.s, f.ok }

func awaiting(step int) *fakeSessions {
	return &fakeSessions{ok: true, s: domain.ExecutionSession{
		ExecutionID: "exec", StepIndex: step, TotalSteps: 5, Running: true, AwaitingRecovery: true,
	}}
}

func newCoordinator(fwd *fakeForwarder, capturer *fakeCapturer, sessions SessionView) *Coordinator {
	return NewCoordinator(Deps{
		Capturer:  capturer,
		Forwarder: fwd,
		Sessions:  sessions,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestSubmitResolutionSignalsOnce(t *testing.T) {
	fwd := &fakeForwarder{}
	c := newCoordinator(fwd, &fakeCapturer{}, awaiting(2))
	ctx := context.Background()

	h := c.RequestResolution(domain.RecoveryRequest{ExecutionID: "exec", StepIndex: 2, Question: "which?"})
	if _, ok := h.Resolution(); ok {
		t.Fatal("expected unresolved handle")
	}

	if err := c.SubmitResolution(ctx, 2, "  the blue one "); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("expected handle to be signalled")
	}
	answer, ok := h.Resolution()
	if !ok || answer != "the blue one" {
		t.Fatalf("expected resolved answer got %q %v", answer, ok)
	}

	if err := c.SubmitResolution(ctx, 2, "again"); !errors.Is(err, domain.ErrStaleRecovery) {
		t.Fatalf("expected ErrStaleRecovery on second submit got %v", err)
	}
	if len(fwd.calls) != 1 {
		t.Fatalf("expected 1 forwarded resolution got %d", len(fwd.calls))
	}
}

func TestSubmitResolutionRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("empty answer", func(t *testing.T) {
		c := newCoordinator(&fakeForwarder{}, &fakeCapturer{}, awaiting(0))
		c.RequestResolution(domain.RecoveryRequest{ExecutionID: "exec", StepIndex: 0})
		if err := c.SubmitResolution(ctx, 0, "   "); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected ErrValidation got %v", err)
		}
	})

	t.Run("no pending request", func(t *testing.T) {
		c := newCoordinator(&fakeForwarder{}, &fakeCapturer{}, awaiting(0))
		if err := c.SubmitResolution(ctx, 0, "x"); !errors.Is(err, domain.ErrStaleRecovery) {
			t.Fatalf("expected ErrStaleRecovery got %v", err)
		}
	})

	t.Run("step mismatch", func(t *testing.T) {
		fwd := &fakeForwarder{}
		c := newCoordinator(fwd, &fakeCapturer{}, awaiting(3))
		h := c.RequestResolution(domain.RecoveryRequest{ExecutionID: "exec", StepIndex: 3})
		if err := c.SubmitResolution(ctx, 2, "x"); !errors.Is(err, domain.ErrStaleRecovery) {
			t.Fatalf("expected ErrStaleRecovery got %v", err)
		}
		if len(fwd.calls) != 0 {
			t.Fatal("expected nothing forwarded")
		}
		select {
		case <-h.Done():
			t.Fatal("expected handle still pending")
		default:
		}
	})

	t.Run("session not awaiting", func(t *testing.T) {
		sessions := awaiting(1)
		sessions.s.AwaitingRecovery = false
		c := newCoordinator(&fakeForwarder{}, &fakeCapturer{}, sessions)
		c.RequestResolution(domain.RecoveryRequest{ExecutionID: "exec", StepIndex: 1})
		if err := c.SubmitResolution(ctx, 1, "x"); !errors.Is(err, domain.ErrStaleRecovery) {
			t.Fatalf("expected ErrStaleRecovery got %v", err)
		}
	})
}

func TestForwardFailureKeepsRequestPending(t *testing.T) {
	fwd := &fakeForwarder{err: errors.New("store down")}
	c := newCoordinator(fwd, &fakeCapturer{}, awaiting(0))
	h := c.RequestResolution(domain.RecoveryRequest{ExecutionID: "exec", StepIndex: 0})

	if err := c.SubmitResolution(context.Background(), 0, "x"); err == nil {
		t.Fatal("expected forward error")
	}
	if _, ok := c.Pending(); !ok {
		t.Fatal("expected request to stay pending")
	}

	fwd.err = nil
	if err := c.SubmitResolution(context.Background(), 0, "x"); err != nil {
		t.Fatalf("retry submit: %v", err)
	}
	<-h.Done()
}

func TestCaptureFailureKeepsRequestPending(t *testing.T) {
	c := newCoordinator(&fakeForwarder{}, &fakeCapturer{err: &domain.CaptureError{Err: errors.New("tab gone")}}, awaiting(0))
	c.RequestResolution(domain.RecoveryRequest{ExecutionID: "exec", StepIndex: 0})

	err := c.SubmitResolution(context.Background(), 0, "x")
	if !domain.IsTransient(err) {
		t.Fatalf("expected transient capture error got %v", err)
	}
	if _, ok := c.Pending(); !ok {
		t.Fatal("expected request to stay pending")
	}
}

func TestCancelMakesLaterResolutionStale(t *testing.T) {
	c := newCoordinator(&fakeForwarder{}, &fakeCapturer{}, awaiting(0))
	h := c.RequestResolution(domain.RecoveryRequest{ExecutionID: "exec", StepIndex: 0})

	c.Cancel("other")
	if _, ok := c.Pending(); !ok {
		t.Fatal("expected cancel of another execution to be ignored")
	}

	c.Cancel("exec")
	<-h.Done()
	if _, ok := h.Resolution(); ok {
		t.Fatal("expected cancelled handle not to be resolved")
	}
	if err := c.SubmitResolution(context.Background(), 0, "x"); !errors.Is(err, domain.ErrStaleRecovery) {
		t.Fatalf("expected ErrStaleRecovery got %v", err)
	}
}

func TestCancelDuringCaptureIsNotForwarded(t *testing.T) {
	fwd := &fakeForwarder{}
	capturer := &fakeCapturer{}
	c := newCoordinator(fwd, capturer, awaiting(1))
	h := c.RequestResolution(domain.RecoveryRequest{ExecutionID: "exec", StepIndex: 1})
	capturer.onCapture = func() { c.Cancel("exec") }

	err := c.SubmitResolution(context.Background(), 1, "the top one")
	if !errors.Is(err, domain.ErrStaleRecovery) {
		t.Fatalf("expected ErrStaleRecovery got %v", err)
	}
	if len(fwd.calls) != 0 {
		t.Fatalf("expected nothing forwarded after cancel got %v", fwd.calls)
	}
	if _, ok := h.Resolution(); ok {
		t.Fatal("expected cancelled handle not to be resolved")
	}
}

func TestNewRequestCancelsPrevious(t *testing.T) {
	c := newCoordinator(&fakeForwarder{}, &fakeCapturer{}, nil)
	first := c.RequestResolution(domain.RecoveryRequest{ExecutionID: "exec", StepIndex: 0})
	c.RequestResolution(domain.RecoveryRequest{ExecutionID: "exec", StepIndex: 1})

	select {
	case <-first.Done():
	default:
		t.Fatal("expected first handle to be cancelled")
	}
	req, ok := c.Pending()
	if !ok || req.StepIndex != 1 {
		t.Fatalf("expected step 1 pending got %+v %v", req, ok)
	}
}
