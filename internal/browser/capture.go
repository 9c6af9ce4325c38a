// SPDX-License-Identifier: Apache-2.0

package browser

import (
	"context"
	"errors"

	"github.com/chromedp/chromedp"

	"github.com/adiadia/visual-replay/internal/domain"
)

var errEmptyCapture = errors.New("empty screenshot")

// Capture returns a PNG of the visible viewport. Failures are
// *domain.CaptureError and therefore transient.
func (b *Browser) Capture(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := b.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, &domain.CaptureError{Err: err}
	}
	if len(buf) == 0 {
		return nil, &domain.CaptureError{Err: errEmptyCapture}
	}
	return buf, nil
}
