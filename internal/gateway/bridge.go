// SPDX-License-Identifier: Apache-2.0

// Package gateway relays recovery questions to chat apps and posts run
// outcomes to webhooks. Chat replies answer the pending question.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/adiadia/visual-replay/internal/domain"
	"github.com/adiadia/visual-replay/internal/events"
)

const outboxSize = 32

type Resolver interface {
	SubmitResolution(ctx context.Context, stepIndex int, answer string) error
	Pending() (domain.RecoveryRequest, bool)
}

// Sender posts one text message to the configured chat.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Bridge turns execution events into chat messages and chat replies into
// recovery resolutions. Events are queued so the publisher never waits on
// the network.
type Bridge struct {
	events.NopHandler

	name     string
	resolver Resolver
	logger   *slog.Logger
	outbox   chan string
}

func NewBridge(name string, resolver Resolver, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		name:     name,
		resolver: resolver,
		logger:   logger,
		outbox:   make(chan string, outboxSize),
	}
}

func (b *Bridge) RecoveryRequested(ev events.RecoveryRequested) {
	b.enqueue(fmt.Sprintf("Step %d needs help: %s\nReply with what I should do.", ev.StepIndex+1, ev.Question))
}

func (b *Bridge) Completed(ev events.Completed) {
	b.enqueue(fmt.Sprintf("Workflow %s finished.", ev.WorkflowID))
}

func (b *Bridge) Stopped(ev events.Stopped) {
	b.enqueue(fmt.Sprintf("Workflow %s stopped at step %d.", ev.WorkflowID, ev.StepIndex+1))
}

func (b *Bridge) Failed(ev events.Failed) {
	b.enqueue(fmt.Sprintf("Workflow %s failed at step %d: %s", ev.WorkflowID, ev.StepIndex+1, ev.Error))
}

func (b *Bridge) enqueue(text string) {
	select {
	case b.outbox <- text:
	default:
		b.logger.Warn("gateway outbox full; dropping message", "gateway", b.name)
	}
}

// Run delivers queued messages until ctx is done.
func (b *Bridge) Run(ctx context.Context, s Sender) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-b.outbox:
			if err := s.Send(ctx, text); err != nil {
				b.logger.Warn("gateway send failed", "gateway", b.name, "error", err)
			}
		}
	}
}

// Reply answers the pending recovery question with text and returns the
// acknowledgement to show in the chat.
func (b *Bridge) Reply(ctx context.Context, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	req, ok := b.resolver.Pending()
	if !ok {
		return "Nothing is waiting for an answer right now."
	}

	err := b.resolver.SubmitResolution(ctx, req.StepIndex, text)
	switch {
	case err == nil:
		b.logger.Info("recovery answered from chat", "gateway", b.name, "step_index", req.StepIndex)
		return fmt.Sprintf("Got it, retrying step %d.", req.StepIndex+1)
	case errors.Is(err, domain.ErrStaleRecovery):
		return "That question is no longer open."
	default:
		b.logger.Error("recovery from chat failed", "gateway", b.name, "error", err)
		return "I couldn't pass that on, please try again."
	}
}
