// SPDX-License-Identifier: Apache-2.0

package domain

import "time"

// DefaultConfidenceThreshold is the minimum locate confidence accepted
// without asking the user.
const DefaultConfidenceThreshold = 0.82

// Region is a normalized box; every component lies in [0,1].
type Region struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

func (r Region) Valid() bool {
	return unit(r.X) && unit(r.Y) && unit(r.W) && unit(r.H) &&
		r.X+r.W <= 1.0000001 && r.Y+r.H <= 1.0000001
}

func unit(v float64) bool {
	return v >= 0 && v <= 1
}

// StepNode is one recorded, replayable unit of a workflow.
type StepNode struct {
	StepIndex         int    `json:"step_index"`
	Intent            string `json:"intent"`
	LocatorHint       string `json:"locator_hint"`
	Region            Region `json:"region"`
	TranscriptSegment string `json:"transcript_segment"`
	ScreenshotRef     string `json:"screenshot_ref,omitempty"`

	ActionType          string   `json:"action_type,omitempty"`
	VisualCue           string   `json:"visual_cue,omitempty"`
	InputValue          *string  `json:"input_value,omitempty"`
	StoresTo            *string  `json:"stores_to,omitempty"`
	VerificationCue     string   `json:"verification_cue,omitempty"`
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
}

// Threshold returns the step's confidence threshold or the default.
func (s StepNode) Threshold() float64 {
	if s.ConfidenceThreshold == nil || *s.ConfidenceThreshold <= 0 {
		return DefaultConfidenceThreshold
	}
	return *s.ConfidenceThreshold
}

// Workflow is a named, ordered sequence of steps plus run metadata.
type Workflow struct {
	ID        string     `json:"workflow_id"`
	Name      string     `json:"workflow_name"`
	OwnerID   string     `json:"user_id"`
	Steps     []StepNode `json:"steps"`
	StepCount int        `json:"step_count"`
	LastRun   *time.Time `json:"last_run"`
	RunCount  int        `json:"run_count,omitempty"`
	Summary   string     `json:"summary,omitempty"`
}

// Normalize makes StepCount agree with the step sequence. Every decoded
// workflow passes through it before it is handed to a controller.
func (w *Workflow) Normalize() {
	w.StepCount = len(w.Steps)
}

// Step returns the step at index i.
func (w Workflow) Step(i int) (StepNode, bool) {
	if i < 0 || i >= len(w.Steps) {
		return StepNode{}, false
	}
	return w.Steps[i], true
}

// WorkflowSummary is one row of the workflow listing.
type WorkflowSummary struct {
	ID        string     `json:"workflow_id"`
	Name      string     `json:"workflow_name"`
	StepCount int        `json:"step_count"`
	LastRun   *time.Time `json:"last_run"`
	RunCount  int        `json:"run_count"`
}

// TeachSummary is returned when a teach session is saved.
type TeachSummary struct {
	WorkflowID string `json:"workflow_id"`
	StepCount  int    `json:"step_count"`
	Summary    string `json:"summary"`
}
