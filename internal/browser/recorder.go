// SPDX-License-Identifier: Apache-2.0

package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/adiadia/visual-replay/internal/domain"
)

const bindingName = "__replayInteraction"

// InteractionFunc receives a forwarded click and its context string.
type InteractionFunc func(ctx context.Context, in domain.Interaction, description string)

// Recorder forwards user clicks from the tab while enabled.
type Recorder struct {
	browser *Browser
	onClick InteractionFunc
	logger  *slog.Logger

	mu        sync.Mutex
	installed bool
	enabled   atomic.Bool
}

func NewRecorder(b *Browser, onClick InteractionFunc, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{browser: b, onClick: onClick, logger: logger}
}

// BeginForwarding installs the page listener on first use and starts
// delivering clicks.
func (r *Recorder) BeginForwarding(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.installed {
		if err := r.install(ctx); err != nil {
			return err
		}
		r.installed = true
	}
	r.enabled.Store(true)
	return nil
}

// EndForwarding drops clicks until the next BeginForwarding.
func (r *Recorder) EndForwarding(context.Context) error {
	r.enabled.Store(false)
	return nil
}

func (r *Recorder) install(ctx context.Context) error {
	tab, err := r.browser.tab()
	if err != nil {
		return err
	}

	if err := r.browser.run(ctx,
		runtime.AddBinding(bindingName),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(listenerScript).Do(ctx)
			return err
		}),
		chromedp.Evaluate(listenerScript, nil),
	); err != nil {
		return fmt.Errorf("install interaction listener: %w", err)
	}

	chromedp.ListenTarget(tab, func(ev any) {
		called, ok := ev.(*runtime.EventBindingCalled)
		if !ok || called.Name != bindingName || !r.enabled.Load() {
			return
		}
		// listeners must not block the event loop
		go r.deliver(context.Background(), called.Payload)
	})
	return nil
}

func (r *Recorder) deliver(ctx context.Context, payload string) {
	in, err := parseInteraction(payload)
	if err != nil {
		r.logger.Warn("dropping malformed interaction", "error", err)
		return
	}
	if r.onClick != nil {
		r.onClick(ctx, in, DescribeInteraction(in))
	}
}

func parseInteraction(payload string) (domain.Interaction, error) {
	var in domain.Interaction
	if err := json.Unmarshal([]byte(payload), &in); err != nil {
		return domain.Interaction{}, fmt.Errorf("decode interaction: %w", err)
	}
	in.X = clamp01(in.X)
	in.Y = clamp01(in.Y)
	return in, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

const listenerScript = `(() => {
  if (window.__replayListening) return;
  window.__replayListening = true;
  const text = (el) => (el && (el.innerText || el.value || '') || '').trim();
  document.addEventListener('click', (e) => {
    const el = e.target instanceof Element ? e.target : null;
    if (!el || typeof window.` + bindingName + ` !== 'function') return;
    const parent = el.parentElement;
    window.` + bindingName + `(JSON.stringify({
      text: text(el),
      aria_label: el.getAttribute('aria-label') || '',
      placeholder: el.getAttribute('placeholder') || '',
      title: el.getAttribute('title') || '',
      tag: el.tagName.toLowerCase(),
      input_type: el.getAttribute('type') || '',
      ancestor_text: text(parent),
      x: e.clientX / window.innerWidth,
      y: e.clientY / window.innerHeight,
      url: location.href,
    }));
  }, true);
})()`
