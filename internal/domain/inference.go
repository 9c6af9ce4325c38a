// SPDX-License-Identifier: Apache-2.0

package domain

// StepDecision is the inference verdict for one step against one screen.
// Either Action is set or RecoveryNeeded is true.
type StepDecision struct {
	Intent           string         `json:"intent"`
	Action           *ActionCommand `json:"action,omitempty"`
	RecoveryNeeded   bool           `json:"recovery_needed"`
	RecoveryQuestion string         `json:"recovery_question,omitempty"`
	Confidence       float64        `json:"confidence"`
	RegionHint       *Region        `json:"region_hint,omitempty"`
}

// FirstStep is the optional eager preview returned when an execution starts.
type FirstStep struct {
	StepIndex int    `json:"step_index"`
	Intent    string `json:"intent"`
	Status    string `json:"status,omitempty"`
}
