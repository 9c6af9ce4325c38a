// SPDX-License-Identifier: Apache-2.0

// Package events defines the closed set of status signals emitted by the
// recording and execution controllers.
package events

import (
	"fmt"
	"time"

	"github.com/adiadia/visual-replay/internal/domain"
)

type Type string

const (
	TypeRecordingStarted  Type = "recording.started"
	TypeRecordingResumed  Type = "recording.resumed"
	TypeStepCaptured      Type = "recording.step_captured"
	TypeStepSubmitFailed  Type = "recording.step_submit_failed"
	TypeRecordingStopped  Type = "recording.stopped"
	TypeExecutionStarted  Type = "execution.started"
	TypeTransientStatus   Type = "execution.transient"
	TypeRecoveryRequested Type = "execution.recovery_requested"
	TypeRecoveryResolved  Type = "execution.recovery_resolved"
	TypeActionSkipped     Type = "execution.action_skipped"
	TypeStepCompleted     Type = "execution.step_completed"
	TypeCompleted         Type = "execution.completed"
	TypeStopped           Type = "execution.stopped"
	TypeFailed            Type = "execution.failed"
)

// Event is implemented only by the variants in this package.
type Event interface {
	Type() Type
	sealed()
}

type RecordingStarted struct {
	SessionID    string `json:"session_id"`
	WorkflowName string `json:"workflow_name"`
}

type RecordingResumed struct {
	SessionID   string `json:"session_id"`
	StepCounter int    `json:"step_counter"`
}

type StepCaptured struct {
	SessionID     string          `json:"session_id"`
	StepIndex     int             `json:"step_index"`
	StepsCaptured int             `json:"steps_captured"`
	Step          domain.StepNode `json:"step"`
}

type StepSubmitFailed struct {
	SessionID string `json:"session_id"`
	StepIndex int    `json:"step_index"`
	Error     string `json:"error"`
}

type RecordingStopped struct {
	SessionID string               `json:"session_id"`
	Saved     bool                 `json:"saved"`
	Summary   *domain.TeachSummary `json:"summary,omitempty"`
}

type ExecutionStarted struct {
	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
	TotalSteps  int    `json:"total_steps"`
	FirstIntent string `json:"first_intent,omitempty"`
	Resumed     bool   `json:"resumed,omitempty"`
}

// TransientStatus reports a retryable failure inside the loop.
type TransientStatus struct {
	ExecutionID string `json:"execution_id"`
	StepIndex   int    `json:"step_index"`
	Reason      string `json:"reason"`
	Attempt     int    `json:"attempt"`
	Error       string `json:"error"`
}

type RecoveryRequested struct {
	ExecutionID string         `json:"execution_id"`
	StepIndex   int            `json:"step_index"`
	Question    string         `json:"question"`
	RegionHint  *domain.Region `json:"region_hint,omitempty"`
}

type RecoveryResolved struct {
	ExecutionID string `json:"execution_id"`
	StepIndex   int    `json:"step_index"`
	Resolution  string `json:"resolution"`
}

type ActionSkipped struct {
	ExecutionID string `json:"execution_id"`
	StepIndex   int    `json:"step_index"`
	Kind        string `json:"kind"`
	Reason      string `json:"reason"`
}

type StepCompleted struct {
	ExecutionID string `json:"execution_id"`
	StepIndex   int    `json:"step_index"`
	Intent      string `json:"intent"`
}

type Completed struct {
	ExecutionID string    `json:"execution_id"`
	WorkflowID  string    `json:"workflow_id"`
	LastRun     time.Time `json:"last_run"`
}

type Stopped struct {
	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
	StepIndex   int    `json:"step_index"`
}

type Failed struct {
	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
	StepIndex   int    `json:"step_index"`
	Error       string `json:"error"`
}

func (RecordingStarted) Type() Type  { return TypeRecordingStarted }
func (RecordingResumed) Type() Type  { return TypeRecordingResumed }
func (StepCaptured) Type() Type      { return TypeStepCaptured }
func (StepSubmitFailed) Type() Type  { return TypeStepSubmitFailed }
func (RecordingStopped) Type() Type  { return TypeRecordingStopped }
func (ExecutionStarted) Type() Type  { return TypeExecutionStarted }
func (TransientStatus) Type() Type   { return TypeTransientStatus }
func (RecoveryRequested) Type() Type { return TypeRecoveryRequested }
func (RecoveryResolved) Type() Type  { return TypeRecoveryResolved }
func (ActionSkipped) Type() Type     { return TypeActionSkipped }
func (StepCompleted) Type() Type     { return TypeStepCompleted }
func (Completed) Type() Type         { return TypeCompleted }
func (Stopped) Type() Type           { return TypeStopped }
func (Failed) Type() Type            { return TypeFailed }

func (RecordingStarted) sealed()  {}
func (RecordingResumed) sealed()  {}
func (StepCaptured) sealed()      {}
func (StepSubmitFailed) sealed()  {}
func (RecordingStopped) sealed()  {}
func (ExecutionStarted) sealed()  {}
func (TransientStatus) sealed()   {}
func (RecoveryRequested) sealed() {}
func (RecoveryResolved) sealed()  {}
func (ActionSkipped) sealed()     {}
func (StepCompleted) sealed()     {}
func (Completed) sealed()         {}
func (Stopped) sealed()           {}
func (Failed) sealed()            {}

// Handler has one method per variant. Adding a variant adds a method, so
// every observer fails to compile until it handles the new case.
type Handler interface {
	RecordingStarted(RecordingStarted)
	RecordingResumed(RecordingResumed)
	StepCaptured(StepCaptured)
	StepSubmitFailed(StepSubmitFailed)
	RecordingStopped(RecordingStopped)
	ExecutionStarted(ExecutionStarted)
	TransientStatus(TransientStatus)
	RecoveryRequested(RecoveryRequested)
	RecoveryResolved(RecoveryResolved)
	ActionSkipped(ActionSkipped)
	StepCompleted(StepCompleted)
	Completed(Completed)
	Stopped(Stopped)
	Failed(Failed)
}

// Dispatch routes ev to the matching Handler method.
func Dispatch(ev Event, h Handler) {
	switch e := ev.(type) {
	case RecordingStarted:
		h.RecordingStarted(e)
	case RecordingResumed:
		h.RecordingResumed(e)
	case StepCaptured:
		h.StepCaptured(e)
	case StepSubmitFailed:
		h.StepSubmitFailed(e)
	case RecordingStopped:
		h.RecordingStopped(e)
	case ExecutionStarted:
		h.ExecutionStarted(e)
	case TransientStatus:
		h.TransientStatus(e)
	case RecoveryRequested:
		h.RecoveryRequested(e)
	case RecoveryResolved:
		h.RecoveryResolved(e)
	case ActionSkipped:
		h.ActionSkipped(e)
	case StepCompleted:
		h.StepCompleted(e)
	case Completed:
		h.Completed(e)
	case Stopped:
		h.Stopped(e)
	case Failed:
		h.Failed(e)
	default:
		panic(fmt.Sprintf("events: unhandled variant %T", ev))
	}
}

// NopHandler ignores every event; embed it to handle a subset.
type NopHandler struct{}

func (NopHandler) RecordingStarted(RecordingStarted)   {}
func (NopHandler) RecordingResumed(RecordingResumed)   {}
func (NopHandler) StepCaptured(StepCaptured)           {}
func (NopHandler) StepSubmitFailed(StepSubmitFailed)   {}
func (NopHandler) RecordingStopped(RecordingStopped)   {}
func (NopHandler) ExecutionStarted(ExecutionStarted)   {}
func (NopHandler) TransientStatus(TransientStatus)     {}
func (NopHandler) RecoveryRequested(RecoveryRequested) {}
func (NopHandler) RecoveryResolved(RecoveryResolved)   {}
func (NopHandler) ActionSkipped(ActionSkipped)         {}
func (NopHandler) StepCompleted(StepCompleted)         {}
func (NopHandler) Completed(Completed)                 {}
func (NopHandler) Stopped(Stopped)                     {}
func (NopHandler) Failed(Failed)                       {}
