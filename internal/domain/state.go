// SPDX-License-Identifier: Apache-2.0

package domain

type RecordingState string

const (
	RecordingIdle      RecordingState = "IDLE"
	RecordingRecording RecordingState = "RECORDING"
	RecordingSaving    RecordingState = "SAVING"
)

type ExecutionState string

const (
	ExecutionIdle       ExecutionState = "IDLE"
	ExecutionStarting   ExecutionState = "STARTING"
	ExecutionRunning    ExecutionState = "RUNNING"
	ExecutionRecovering ExecutionState = "RECOVERING"
	ExecutionCompleted  ExecutionState = "COMPLETED"
	ExecutionStopped    ExecutionState = "STOPPED"
	ExecutionFailed     ExecutionState = "FAILED"
)

// Terminal reports whether no further loop iteration can happen.
func (s ExecutionState) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionStopped, ExecutionFailed:
		return true
	}
	return false
}

// RunOutcome is reported to the workflow store when an execution ends.
type RunOutcome string

const (
	OutcomeCompleted RunOutcome = "completed"
	OutcomeStopped   RunOutcome = "stopped"
	OutcomeFailed    RunOutcome = "failed"
)
