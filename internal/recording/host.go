// SPDX-License-Identifier: Apache-2.0

package recording

import (
	"github.com/adiadia/visual-replay/internal/domain"
)

// HostMessage is a notification from the page host while recording.
// Implemented only by the types in this file.
type HostMessage interface {
	hostMessage()
}

// InteractionCaptured reports a user click and its context string.
type InteractionCaptured struct {
	Interaction domain.Interaction
	Context     string
}

// TranscriptChunk carries recognized narration.
type TranscriptChunk struct {
	Text string
}

func (InteractionCaptured) hostMessage() {}
func (TranscriptChunk) hostMessage()     {}
