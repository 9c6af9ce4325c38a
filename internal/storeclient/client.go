// SPDX-License-Identifier: Apache-2.0

// Package storeclient talks JSON over HTTPS to the workflow store, which
// owns workflows, teach sessions and execution records.
package storeclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adiadia/visual-replay/internal/domain"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxErrorBody         = 512

	defaultSubmitAttempts = 3
	defaultSubmitBackoff  = 300 * time.Millisecond
)

type Config struct {
	BaseURL    string
	Token      string
	UserID     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger

	// SubmitAttempts bounds step submission retries. Zero means 3.
	SubmitAttempts int
	SubmitBackoff  time.Duration
}

type Client struct {
	base           *url.URL
	token          string
	userID         string
	http           *http.Client
	logger         *slog.Logger
	submitAttempts int
	submitBackoff  time.Duration
}

func New(cfg Config) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	base, err := url.Parse(raw)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid store url %q", cfg.BaseURL)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported store url scheme %q", base.Scheme)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := cfg.SubmitAttempts
	if attempts <= 0 {
		attempts = defaultSubmitAttempts
	}
	backoff := cfg.SubmitBackoff
	if backoff <= 0 {
		backoff = defaultSubmitBackoff
	}

	return &Client{
		base:           base,
		token:          strings.TrimSpace(cfg.Token),
		userID:         strings.TrimSpace(cfg.UserID),
		http:           hc,
		logger:         logger,
		submitAttempts: attempts,
		submitBackoff:  backoff,
	}, nil
}

func (c *Client) UserID() string { return c.userID }

// ---------------- WORKFLOWS ----------------

func (c *Client) ListWorkflows(ctx context.Context) ([]domain.WorkflowSummary, error) {
	var resp struct {
		Workflows []domain.WorkflowSummary `json:"workflows"`
	}
	if err := c.do(ctx, "list workflows", http.MethodGet, c.path("workflows", c.userID), nil, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Workflows == nil {
		resp.Workflows = []domain.WorkflowSummary{}
	}
	return resp.Workflows, nil
}

// LoadWorkflow returns the full workflow with StepCount recomputed from
// its steps. A missing workflow matches domain.ErrNotFound.
func (c *Client) LoadWorkflow(ctx context.Context, workflowID string) (domain.Workflow, error) {
	var wf domain.Workflow
	if err := c.do(ctx, "load workflow", http.MethodGet, c.path("workflows", c.userID, workflowID), nil, nil, &wf); err != nil {
		return domain.Workflow{}, err
	}
	if wf.ID == "" {
		wf.ID = workflowID
	}
	wf.Normalize()
	return wf, nil
}

// ---------------- TEACH ----------------

func (c *Client) StartTeach(ctx context.Context, workflowName string) (string, error) {
	var resp struct {
		SessionID string `json:"session_id"`
	}
	req := map[string]string{"workflow_name": workflowName, "user_id": c.userID}
	if err := c.do(ctx, "start teach", http.MethodPost, c.path("teach", "start"), req, nil, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.SessionID) == "" {
		return "", &Error{Op: "start teach", Err: errors.New("empty session_id in response")}
	}
	return resp.SessionID, nil
}

type StepSubmission struct {
	SessionID          string
	StepIndex          int
	Screenshot         []byte
	TranscriptSegment  string
	InteractionContext string
}

type StepReceipt struct {
	StepsCaptured int             `json:"steps_captured"`
	Step          domain.StepNode `json:"step_node"`
}

// SubmitStep retries transient failures with the same body and the same
// Idempotency-Key, so the store can drop duplicates.
func (c *Client) SubmitStep(ctx context.Context, s StepSubmission) (StepReceipt, error) {
	body := map[string]any{
		"session_id":         s.SessionID,
		"screenshot_b64":     base64.StdEncoding.EncodeToString(s.Screenshot),
		"transcript_segment": s.TranscriptSegment,
		"click_context":      s.InteractionContext,
		"step_index":         s.StepIndex,
	}
	headers := http.Header{}
	headers.Set(headerIdempotencyKey, IdempotencyKey(s.SessionID, s.StepIndex))

	var receipt StepReceipt
	var lastErr error
	for attempt := 1; attempt <= c.submitAttempts; attempt++ {
		lastErr = c.do(ctx, "submit step", http.MethodPost, c.path("teach", "step"), body, headers, &receipt)
		if lastErr == nil {
			return receipt, nil
		}
		if !domain.IsTransient(lastErr) || attempt == c.submitAttempts {
			break
		}

		wait := c.submitBackoff * time.Duration(1<<(attempt-1))
		c.logger.Warn("step submission retry",
			"session_id", s.SessionID,
			"step_index", s.StepIndex,
			"attempt", attempt,
			"wait_ms", wait.Milliseconds(),
			"error", lastErr,
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return StepReceipt{}, ctx.Err()
		case <-timer.C:
		}
	}
	return StepReceipt{}, lastErr
}

// IdempotencyKey identifies one step submission.
func IdempotencyKey(sessionID string, stepIndex int) string {
	return fmt.Sprintf("%s:%d", sessionID, stepIndex)
}

func (c *Client) FinishTeach(ctx context.Context, sessionID string) (domain.TeachSummary, error) {
	var sum domain.TeachSummary
	req := map[string]string{"session_id": sessionID}
	if err := c.do(ctx, "finish teach", http.MethodPost, c.path("teach", "finish"), req, nil, &sum); err != nil {
		return domain.TeachSummary{}, err
	}
	return sum, nil
}

// ---------------- EXECUTE ----------------

type ExecutionStart struct {
	ExecutionID string            `json:"execution_id"`
	FirstStep   *domain.FirstStep `json:"first_step,omitempty"`
}

func (c *Client) StartExecution(ctx context.Context, workflowID string) (ExecutionStart, error) {
	var resp ExecutionStart
	req := map[string]string{"workflow_id": workflowID, "user_id": c.userID}
	if err := c.do(ctx, "start execution", http.MethodPost, c.path("execute", "start"), req, nil, &resp); err != nil {
		return ExecutionStart{}, err
	}
	if strings.TrimSpace(resp.ExecutionID) == "" {
		return ExecutionStart{}, &Error{Op: "start execution", Err: errors.New("empty execution_id in response")}
	}
	return resp, nil
}

func (c *Client) ExecuteStep(ctx context.Context, executionID string, stepIndex int, screenshot []byte) (domain.StepDecision, error) {
	var d domain.StepDecision
	req := map[string]any{
		"execution_id":           executionID,
		"step_index":             stepIndex,
		"current_screenshot_b64": base64.StdEncoding.EncodeToString(screenshot),
	}
	if err := c.do(ctx, "execute step", http.MethodPost, c.path("execute", "step"), req, nil, &d); err != nil {
		return domain.StepDecision{}, err
	}
	return d, nil
}

func (c *Client) Recover(ctx context.Context, executionID string, stepIndex int, resolution string, screenshot []byte) error {
	req := map[string]any{
		"execution_id":   executionID,
		"step_index":     stepIndex,
		"resolution":     resolution,
		"screenshot_b64": base64.StdEncoding.EncodeToString(screenshot),
	}
	return c.do(ctx, "recover", http.MethodPost, c.path("execute", "recover"), req, nil, nil)
}

// CompleteExecution records the run outcome; the store updates last_run
// for completed and stopped runs.
func (c *Client) CompleteExecution(ctx context.Context, executionID string, outcome domain.RunOutcome) error {
	req := map[string]string{"execution_id": executionID, "outcome": string(outcome)}
	return c.do(ctx, "complete execution", http.MethodPost, c.path("execute", "complete"), req, nil, nil)
}

// ---------------- TRANSPORT ----------------

func (c *Client) path(segments ...string) string {
	u := *c.base
	escaped := make([]string, 0, len(segments))
	for _, s := range segments {
		escaped = append(escaped, url.PathEscape(s))
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(escaped, "/")
	return u.String()
}

func (c *Client) do(ctx context.Context, op, method, target string, in any, headers http.Header, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return &Error{Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return &Error{Op: op, Err: ctx.Err()}
		}
		return &Error{Op: op, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug("store call",
		"op", op,
		"status", resp.StatusCode,
		"duration_ms", time.Since(started).Milliseconds(),
	)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return statusError(op, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
