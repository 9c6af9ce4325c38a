// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"testing"

	"github.com/adiadia/visual-replay/internal/domain"
	"github.com/adiadia/visual-replay/internal/kv"
)

func TestTeachSessionLifecycleIsPersisted(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	m := NewManager(Deps{Store: store})

	if err := m.BeginTeach(ctx, domain.TeachSession{SessionID: "s1", WorkflowName: "pay"}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := m.BeginTeach(ctx, domain.TeachSession{SessionID: "s2"}); !errors.Is(err, domain.ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive got %v", err)
	}

	if _, err := m.UpdateTeach(ctx, func(s *domain.TeachSession) { s.StepCounter++ }); err != nil {
		t.Fatalf("update: %v", err)
	}

	restored := NewManager(Deps{Store: store})
	if err := restored.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	got, ok := restored.Teach()
	if !ok {
		t.Fatal("expected teach session after reload")
	}
	if got.StepCounter != 1 || got.SessionID != "s1" || !got.Active {
		t.Fatalf("unexpected restored session %+v", got)
	}

	if err := restored.EndTeach(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := store.Get(ctx, keyTeach); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected teach key removed got %v", err)
	}
}

func TestModesAreMutuallyExclusiveByDefault(t *testing.T) {
	ctx := context.Background()
	m := NewManager(Deps{Store: kv.NewMemory()})

	if err := m.BeginTeach(ctx, domain.TeachSession{SessionID: "s"}); err != nil {
		t.Fatalf("begin teach: %v", err)
	}
	err := m.BeginExecution(ctx, domain.ExecutionSession{ExecutionID: "e", TotalSteps: 2})
	if !errors.Is(err, domain.ErrSessionConflict) {
		t.Fatalf("expected ErrSessionConflict got %v", err)
	}
	if err := m.CanBeginExecution(ctx); !errors.Is(err, domain.ErrSessionConflict) {
		t.Fatalf("expected CanBeginExecution conflict got %v", err)
	}
}

func TestConcurrentModesAllowed(t *testing.T) {
	ctx := context.Background()
	m := NewManager(Deps{Store: kv.NewMemory(), AllowConcurrentModes: true})

	if err := m.BeginTeach(ctx, domain.TeachSession{SessionID: "s"}); err != nil {
		t.Fatalf("begin teach: %v", err)
	}
	if err := m.BeginExecution(ctx, domain.ExecutionSession{ExecutionID: "e", TotalSteps: 2}); err != nil {
		t.Fatalf("expected concurrent execution allowed got %v", err)
	}
	if err := m.BeginExecution(ctx, domain.ExecutionSession{ExecutionID: "e2", TotalSteps: 1}); !errors.Is(err, domain.ErrSessionActive) {
		t.Fatalf("expected ErrSessionActive got %v", err)
	}
}

func TestUpdateExecutionRejectsInvalidSession(t *testing.T) {
	ctx := context.Background()
	m := NewManager(Deps{Store: kv.NewMemory()})

	if err := m.BeginExecution(ctx, domain.ExecutionSession{ExecutionID: "e", TotalSteps: 1}); err != nil {
		t.Fatalf("begin: %v", err)
	}

	_, err := m.UpdateExecution(ctx, func(s *domain.ExecutionSession) { s.StepIndex = 5 })
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation got %v", err)
	}
	got, _ := m.Execution()
	if got.StepIndex != 0 {
		t.Fatalf("expected step_index unchanged got %d", got.StepIndex)
	}

	_, err = m.UpdateExecution(ctx, func(s *domain.ExecutionSession) {
		s.Running = false
		s.AwaitingRecovery = true
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected awaiting_recovery without running rejected got %v", err)
	}
}

func TestUpdateWithoutSessionIsWrongState(t *testing.T) {
	ctx := context.Background()
	m := NewManager(Deps{})

	if _, err := m.UpdateTeach(ctx, func(*domain.TeachSession) {}); !errors.Is(err, domain.ErrWrongState) {
		t.Fatalf("expected ErrWrongState got %v", err)
	}
	if _, err := m.UpdateExecution(ctx, func(*domain.ExecutionSession) {}); !errors.Is(err, domain.ErrWrongState) {
		t.Fatalf("expected ErrWrongState got %v", err)
	}
}

func TestLoadSkipsStoppedExecution(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	_ = store.Put(ctx, keyExecute, []byte(`{"execution_id":"e","total_steps":3,"step_index":1,"running":false}`))

	m := NewManager(Deps{Store: store})
	if err := m.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := m.Execution(); ok {
		t.Fatal("expected stopped execution not to be restored")
	}
	if err := m.CanBeginExecution(ctx); err != nil {
		t.Fatalf("expected stopped execution not to block a new one got %v", err)
	}
}
