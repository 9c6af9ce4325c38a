// SPDX-License-Identifier: Apache-2.0

// Package inference turns a screenshot and a workflow step into either a
// concrete action or a recovery question.
package inference

import (
	"context"

	"github.com/adiadia/visual-replay/internal/domain"
	"github.com/adiadia/visual-replay/internal/storeclient"
)

// Client is the vision inference contract used by the execution loop and
// the recovery coordinator.
type Client interface {
	InferStep(ctx context.Context, executionID string, stepIndex int, screenshot []byte) (domain.StepDecision, error)
	Recover(ctx context.Context, executionID string, stepIndex int, resolution string, screenshot []byte) error
}

// Preparer is implemented by clients that need the workflow locally.
type Preparer interface {
	Prepare(executionID string, wf domain.Workflow)
	Release(executionID string)
}

// Remote delegates to the workflow store's execute endpoints.
type Remote struct {
	store *storeclient.Client
}

func NewRemote(store *storeclient.Client) *Remote {
	return &Remote{store: store}
}

func (r *Remote) InferStep(ctx context.Context, executionID string, stepIndex int, screenshot []byte) (domain.StepDecision, error) {
	return r.store.ExecuteStep(ctx, executionID, stepIndex, Downscale(screenshot, MaxWidth))
}

func (r *Remote) Recover(ctx context.Context, executionID string, stepIndex int, resolution string, screenshot []byte) error {
	return r.store.Recover(ctx, executionID, stepIndex, resolution, Downscale(screenshot, MaxWidth))
}
