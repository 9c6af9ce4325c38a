// SPDX-License-Identifier: Apache-2.0

package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"

	"github.com/adiadia/visual-replay/internal/domain"
)

const locatePrompt = `You are replaying step %d of a recorded browser workflow.
Intent: %s
Visual cue: %s
Target: %s
Action: %s
%s
Find the element in the screenshot that matches this step.
Reply with a single JSON object and nothing else:
{"found": true|false, "confidence": 0.0-1.0, "x": 0.0-1.0, "y": 0.0-1.0,
 "reasoning": "short explanation",
 "recovery_question": "a plain question for the user when unsure, otherwise null"}
x is measured from the left edge and y from the top edge, as fractions of the image.`

// Local asks a multimodal chat model to locate each step's target
// directly, without the store's execute endpoints.
type Local struct {
	model  llms.Model
	logger *slog.Logger

	mu        sync.Mutex
	workflows map[string]domain.Workflow
	// user resolutions per execution and step, fed into the next attempt
	resolutions map[string]map[int]string
}

func NewLocal(model llms.Model, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		model:       model,
		logger:      logger,
		workflows:   make(map[string]domain.Workflow),
		resolutions: make(map[string]map[int]string),
	}
}

func (l *Local) Prepare(executionID string, wf domain.Workflow) {
	l.mu.Lock()
	l.workflows[executionID] = wf
	l.mu.Unlock()
}

func (l *Local) Release(executionID string) {
	l.mu.Lock()
	delete(l.workflows, executionID)
	delete(l.resolutions, executionID)
	l.mu.Unlock()
}

func (l *Local) InferStep(ctx context.Context, executionID string, stepIndex int, screenshot []byte) (domain.StepDecision, error) {
	l.mu.Lock()
	wf, ok := l.workflows[executionID]
	hint := l.resolutions[executionID][stepIndex]
	l.mu.Unlock()
	if !ok {
		return domain.StepDecision{}, fmt.Errorf("execution %s not prepared: %w", executionID, domain.ErrNotFound)
	}
	step, ok := wf.Step(stepIndex)
	if !ok {
		return domain.StepDecision{}, domain.Validationf("step %d outside workflow %s", stepIndex, wf.ID)
	}

	extra := ""
	if hint != "" {
		extra = "The user clarified: " + hint
	}
	prompt := fmt.Sprintf(locatePrompt, stepIndex, step.Intent, step.VisualCue, step.LocatorHint, actionType(step), extra)

	resp, err := l.model.GenerateContent(ctx, []llms.MessageContent{{
		Role: llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{
			llms.BinaryPart("image/png", Downscale(screenshot, MaxWidth)),
			llms.TextPart(prompt),
		},
	}}, llms.WithTemperature(0))
	if err != nil {
		return domain.StepDecision{}, &ModelError{Err: err}
	}
	if len(resp.Choices) == 0 {
		return domain.StepDecision{}, &ModelError{Err: fmt.Errorf("empty model response")}
	}

	var loc location
	if err := json.Unmarshal([]byte(stripFences(resp.Choices[0].Content)), &loc); err != nil {
		l.logger.Warn("unparseable locate response",
			"execution_id", executionID,
			"step_index", stepIndex,
			"error", err,
		)
		return domain.StepDecision{
			Intent:           step.Intent,
			RecoveryNeeded:   true,
			RecoveryQuestion: fmt.Sprintf("I couldn't read the screen for %q. How should I proceed?", step.Intent),
		}, nil
	}
	return decide(step, loc), nil
}

// Recover keeps the resolution; the next InferStep for the same step
// includes it in the prompt.
func (l *Local) Recover(_ context.Context, executionID string, stepIndex int, resolution string, _ []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.workflows[executionID]; !ok {
		return fmt.Errorf("execution %s not prepared: %w", executionID, domain.ErrNotFound)
	}
	if l.resolutions[executionID] == nil {
		l.resolutions[executionID] = make(map[int]string)
	}
	l.resolutions[executionID][stepIndex] = resolution
	return nil
}

// ModelError is a failed model call. It is retryable.
type ModelError struct {
	Err error
}

func (e *ModelError) Error() string   { return "model call failed: " + e.Err.Error() }
func (e *ModelError) Unwrap() error   { return e.Err }
func (e *ModelError) Temporary() bool { return true }

type location struct {
	Found            bool    `json:"found"`
	Confidence       float64 `json:"confidence"`
	X                float64 `json:"x"`
	Y                float64 `json:"y"`
	Reasoning        string  `json:"reasoning"`
	RecoveryQuestion *string `json:"recovery_question"`
}

func decide(step domain.StepNode, loc location) domain.StepDecision {
	d := domain.StepDecision{Intent: step.Intent, Confidence: loc.Confidence}

	if !loc.Found || loc.Confidence < step.Threshold() {
		d.RecoveryNeeded = true
		if loc.RecoveryQuestion != nil && strings.TrimSpace(*loc.RecoveryQuestion) != "" {
			d.RecoveryQuestion = strings.TrimSpace(*loc.RecoveryQuestion)
		} else {
			d.RecoveryQuestion = fmt.Sprintf("I'm not sure I found the right element for %q. Can you describe what I should click?", step.Intent)
		}
		return d
	}

	kind := domain.ActionKind(actionType(step))
	cmd := domain.ActionCommand{Kind: kind, Value: step.InputValue}
	if kind == domain.KindNavigate {
		if cmd.Value == nil {
			empty := ""
			cmd.Value = &empty
		}
	} else {
		x, y := loc.X, loc.Y
		cmd.X, cmd.Y = &x, &y
	}
	d.Action = &cmd
	return d
}

func actionType(step domain.StepNode) string {
	if t := strings.ToLower(strings.TrimSpace(step.ActionType)); t != "" {
		return t
	}
	return string(domain.KindClick)
}

// stripFences removes a surrounding markdown code fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	lines = lines[1:]
	if n := len(lines); n > 0 && strings.HasPrefix(strings.TrimSpace(lines[n-1]), "```") {
		lines = lines[:n-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
