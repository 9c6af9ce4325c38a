// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"strings"
	"time"
)

// TeachSession is the live recording state of a workflow being demonstrated.
type TeachSession struct {
	SessionID             string    `json:"session_id"`
	WorkflowName          string    `json:"workflow_name"`
	StepCounter           int       `json:"step_counter"`
	Active                bool      `json:"active"`
	TranscriptAccumulator string    `json:"transcript_accumulator"`
	StartedAt             time.Time `json:"started_at"`
}

// AppendTranscript adds a transcript chunk separated by a single space.
func (s *TeachSession) AppendTranscript(chunk string) {
	chunk = strings.TrimSpace(chunk)
	if chunk == "" {
		return
	}
	if s.TranscriptAccumulator == "" {
		s.TranscriptAccumulator = chunk
		return
	}
	s.TranscriptAccumulator += " " + chunk
}

// DrainTranscript returns the accumulated transcript and resets it.
func (s *TeachSession) DrainTranscript() string {
	out := s.TranscriptAccumulator
	s.TranscriptAccumulator = ""
	return out
}

// ExecutionSession is the live replay state of a workflow.
type ExecutionSession struct {
	ExecutionID      string    `json:"execution_id"`
	WorkflowID       string    `json:"workflow_id"`
	StepIndex        int       `json:"step_index"`
	TotalSteps       int       `json:"total_steps"`
	Running          bool      `json:"running"`
	AwaitingRecovery bool      `json:"awaiting_recovery"`
	StartedAt        time.Time `json:"started_at"`
}

// Validate checks the session invariants.
func (s ExecutionSession) Validate() error {
	if s.StepIndex < 0 || s.StepIndex > s.TotalSteps {
		return Validationf("step_index %d outside [0,%d]", s.StepIndex, s.TotalSteps)
	}
	if s.AwaitingRecovery && !s.Running {
		return Validationf("awaiting_recovery requires running")
	}
	return nil
}

// Done reports whether every step has been executed.
func (s ExecutionSession) Done() bool {
	return s.StepIndex >= s.TotalSteps
}

// RecoveryRequest exists only between an ambiguous inference result and the
// matching resolution.
type RecoveryRequest struct {
	ExecutionID string  `json:"execution_id"`
	StepIndex   int     `json:"step_index"`
	Question    string  `json:"question"`
	RegionHint  *Region `json:"region_hint,omitempty"`
}
