// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"

	"github.com/adiadia/visual-replay/internal/domain"
	"github.com/adiadia/visual-replay/internal/events"
	"github.com/adiadia/visual-replay/internal/execution"
)

type WorkflowLister interface {
	ListWorkflows(ctx context.Context) ([]domain.WorkflowSummary, error)
}

type Recorder interface {
	StartSession(ctx context.Context, workflowName string) (domain.TeachSession, error)
	StopSession(ctx context.Context, save bool) (*domain.TeachSummary, error)
	AppendTranscript(ctx context.Context, text string) error
	Snapshot() (domain.RecordingState, *domain.TeachSession)
}

type Executor interface {
	Start(ctx context.Context, workflowID string) (domain.ExecutionSession, error)
	Stop(ctx context.Context) error
	Snapshot() execution.Snapshot
}

type RecoveryResolver interface {
	SubmitResolution(ctx context.Context, stepIndex int, answer string) error
	Pending() (domain.RecoveryRequest, bool)
}

type EventStreamer interface {
	Subscribe(buffer int) (<-chan events.Envelope, func())
	Since(after int64) []events.Envelope
}

type HealthChecker interface {
	Check(ctx context.Context) error
}

// HealthCheckFunc adapts a ping function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

func (f HealthCheckFunc) Check(ctx context.Context) error { return f(ctx) }
