// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adiadia/visual-replay/internal/domain"
	"github.com/adiadia/visual-replay/internal/events"
)

const (
	webhookRetryAttempts = 3
	webhookRetryBase     = 300 * time.Millisecond
	webhookHeaderSig     = "X-Signature"
	webhookHeaderID      = "X-Delivery-Id"
)

type terminalWebhookPayload struct {
	DeliveryID  string            `json:"delivery_id"`
	ExecutionID string            `json:"execution_id"`
	WorkflowID  string            `json:"workflow_id"`
	Outcome     domain.RunOutcome `json:"outcome"`
	StepIndex   *int              `json:"step_index,omitempty"`
	Error       string            `json:"error,omitempty"`
	FinishedAt  time.Time         `json:"finished_at"`
}

// Webhook posts a signed payload when an execution ends.
type Webhook struct {
	events.NopHandler

	url        string
	secret     string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
	queue      chan terminalWebhookPayload
}

func NewWebhook(url, secret string, client *http.Client, logger *slog.Logger) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		url:        strings.TrimSpace(url),
		secret:     secret,
		httpClient: client,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		queue:      make(chan terminalWebhookPayload, outboxSize),
	}
}

func (w *Webhook) Completed(ev events.Completed) {
	w.enqueue(terminalWebhookPayload{
		ExecutionID: ev.ExecutionID,
		WorkflowID:  ev.WorkflowID,
		Outcome:     domain.OutcomeCompleted,
		FinishedAt:  ev.LastRun,
	})
}

func (w *Webhook) Stopped(ev events.Stopped) {
	idx := ev.StepIndex
	w.enqueue(terminalWebhookPayload{
		ExecutionID: ev.ExecutionID,
		WorkflowID:  ev.WorkflowID,
		Outcome:     domain.OutcomeStopped,
		StepIndex:   &idx,
		FinishedAt:  w.now(),
	})
}

func (w *Webhook) Failed(ev events.Failed) {
	idx := ev.StepIndex
	w.enqueue(terminalWebhookPayload{
		ExecutionID: ev.ExecutionID,
		WorkflowID:  ev.WorkflowID,
		Outcome:     domain.OutcomeFailed,
		StepIndex:   &idx,
		Error:       ev.Error,
		FinishedAt:  w.now(),
	})
}

func (w *Webhook) enqueue(p terminalWebhookPayload) {
	if w.url == "" {
		return
	}
	p.DeliveryID = uuid.NewString()
	select {
	case w.queue <- p:
	default:
		w.logger.Warn("webhook queue full; dropping delivery", "execution_id", p.ExecutionID, "outcome", p.Outcome)
	}
}

// Run delivers queued payloads until ctx is done.
func (w *Webhook) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-w.queue:
			w.deliver(ctx, p)
		}
	}
}

func (w *Webhook) deliver(ctx context.Context, p terminalWebhookPayload) {
	body, err := json.Marshal(p)
	if err != nil {
		w.logger.Error("webhook payload marshal failed", "execution_id", p.ExecutionID, "error", err)
		return
	}
	signature := signWebhookPayload(w.secret, body)

	var lastErr error
	for attempt := 1; attempt <= webhookRetryAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			w.logger.Error("webhook request build failed", "execution_id", p.ExecutionID, "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(webhookHeaderID, p.DeliveryID)
		if signature != "" {
			req.Header.Set(webhookHeaderSig, signature)
		}

		resp, err := w.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
				w.logger.Info("webhook delivered",
					"execution_id", p.ExecutionID,
					"outcome", p.Outcome,
					"attempt", attempt,
				)
				return
			}
			lastErr = fmt.Errorf("non-2xx response: %d", resp.StatusCode)
		}
		w.logger.Warn("webhook failure",
			"execution_id", p.ExecutionID,
			"attempt", attempt,
			"error", lastErr,
		)

		if attempt < webhookRetryAttempts {
			timer := time.NewTimer(webhookRetryBase * time.Duration(1<<(attempt-1)))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}

	w.logger.Error("webhook retries exhausted", "execution_id", p.ExecutionID, "error", lastErr)
}

func signWebhookPayload(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
