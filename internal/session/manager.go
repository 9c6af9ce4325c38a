// SPDX-License-Identifier: Apache-2.0

// Package session owns the at-most-one TeachSession and ExecutionSession
// and writes them through a kv.Store on every mutation.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/adiadia/visual-replay/internal/domain"
	"github.com/adiadia/visual-replay/internal/kv"
)

const (
	keyTeach   = "teach_session"
	keyExecute = "execution_session"
)

type Deps struct {
	Store kv.Store
	// AllowConcurrentModes lets a teach and an execute session coexist.
	AllowConcurrentModes bool
	Logger               *slog.Logger
}

type Manager struct {
	store      kv.Store
	concurrent bool
	logger     *slog.Logger

	mu    sync.Mutex
	teach *domain.TeachSession
	exec  *domain.ExecutionSession
}

func NewManager(deps Deps) *Manager {
	store := deps.Store
	if store == nil {
		store = kv.NewMemory()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, concurrent: deps.AllowConcurrentModes, logger: logger}
}

// Load reads persisted sessions into memory. Call once at startup.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var teach domain.TeachSession
	ok, err := m.read(ctx, keyTeach, &teach)
	if err != nil {
		return err
	}
	if ok && teach.Active {
		m.teach = &teach
	}

	var exec domain.ExecutionSession
	ok, err = m.read(ctx, keyExecute, &exec)
	if err != nil {
		return err
	}
	if ok && exec.Running {
		if err := exec.Validate(); err != nil {
			m.logger.Warn("discarding invalid persisted execution session",
				"execution_id", exec.ExecutionID, "error", err)
			_ = m.store.Delete(ctx, keyExecute)
		} else {
			m.exec = &exec
		}
	}
	return nil
}

func (m *Manager) Teach() (domain.TeachSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.teach == nil {
		return domain.TeachSession{}, false
	}
	return *m.teach, true
}

func (m *Manager) Execution() (domain.ExecutionSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exec == nil {
		return domain.ExecutionSession{}, false
	}
	return *m.exec, true
}

// CanBeginTeach reports ErrSessionActive or ErrSessionConflict without
// changing anything.
func (m *Manager) CanBeginTeach(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLocked(ctx, keyTeach, keyExecute)
}

func (m *Manager) CanBeginExecution(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLocked(ctx, keyExecute, keyTeach)
}

func (m *Manager) BeginTeach(ctx context.Context, s domain.TeachSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(ctx, keyTeach, keyExecute); err != nil {
		return err
	}
	s.Active = true
	if err := m.write(ctx, keyTeach, s); err != nil {
		return err
	}
	m.teach = &s
	return nil
}

// UpdateTeach applies fn to the active session and persists the result.
func (m *Manager) UpdateTeach(ctx context.Context, fn func(*domain.TeachSession)) (domain.TeachSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.teach == nil {
		return domain.TeachSession{}, fmt.Errorf("no teach session: %w", domain.ErrWrongState)
	}
	next := *m.teach
	fn(&next)
	if err := m.write(ctx, keyTeach, next); err != nil {
		return *m.teach, err
	}
	m.teach = &next
	return next, nil
}

func (m *Manager) EndTeach(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Delete(ctx, keyTeach); err != nil {
		return fmt.Errorf("clear teach session: %w", err)
	}
	m.teach = nil
	return nil
}

func (m *Manager) BeginExecution(ctx context.Context, s domain.ExecutionSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked(ctx, keyExecute, keyTeach); err != nil {
		return err
	}
	s.Running = true
	if err := s.Validate(); err != nil {
		return err
	}
	if err := m.write(ctx, keyExecute, s); err != nil {
		return err
	}
	m.exec = &s
	return nil
}

// UpdateExecution applies fn, validates the invariants and persists.
// An invalid result leaves the stored session untouched.
func (m *Manager) UpdateExecution(ctx context.Context, fn func(*domain.ExecutionSession)) (domain.ExecutionSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.exec == nil {
		return domain.ExecutionSession{}, fmt.Errorf("no execution session: %w", domain.ErrWrongState)
	}
	next := *m.exec
	fn(&next)
	if err := next.Validate(); err != nil {
		return *m.exec, err
	}
	if err := m.write(ctx, keyExecute, next); err != nil {
		return *m.exec, err
	}
	m.exec = &next
	return next, nil
}

func (m *Manager) EndExecution(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Delete(ctx, keyExecute); err != nil {
		return fmt.Errorf("clear execution session: %w", err)
	}
	m.exec = nil
	return nil
}

func (m *Manager) checkLocked(ctx context.Context, own, other string) error {
	active, err := m.activeLocked(ctx, own)
	if err != nil {
		return err
	}
	if active {
		return domain.ErrSessionActive
	}
	if m.concurrent {
		return nil
	}
	active, err = m.activeLocked(ctx, other)
	if err != nil {
		return err
	}
	if active {
		return domain.ErrSessionConflict
	}
	return nil
}

// activeLocked consults the store so a session persisted by an earlier
// process still counts.
func (m *Manager) activeLocked(ctx context.Context, key string) (bool, error) {
	switch key {
	case keyTeach:
		var s domain.TeachSession
		ok, err := m.read(ctx, key, &s)
		return ok && s.Active, err
	default:
		var s domain.ExecutionSession
		ok, err := m.read(ctx, key, &s)
		return ok && s.Running, err
	}
}

func (m *Manager) read(ctx context.Context, key string, into any) (bool, error) {
	raw, err := m.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		m.logger.Warn("discarding unreadable session state", "key", key, "error", err)
		return false, nil
	}
	return true, nil
}

func (m *Manager) write(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := m.store.Put(ctx, key, raw); err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}
	return nil
}
