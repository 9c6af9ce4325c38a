// SPDX-License-Identifier: Apache-2.0

package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"

	"github.com/adiadia/visual-replay/internal/domain"
)

const DefaultTypeDelay = 50 * time.Millisecond

// Dispatcher performs abstract actions on the tab. Coordinates are
// resolved against the viewport at dispatch time.
type Dispatcher struct {
	browser   *Browser
	typeDelay time.Duration
}

func NewDispatcher(b *Browser, typeDelay time.Duration) *Dispatcher {
	if typeDelay <= 0 {
		typeDelay = DefaultTypeDelay
	}
	return &Dispatcher{browser: b, typeDelay: typeDelay}
}

// Dispatch returns domain.ErrUnknownActionKind for UnknownAction.
func (d *Dispatcher) Dispatch(ctx context.Context, a domain.Action) error {
	switch act := a.(type) {
	case domain.ClickAction:
		return d.click(ctx, act.At)
	case domain.TypeAction:
		return d.typeText(ctx, act.At, act.Text)
	case domain.NavigateAction:
		if err := d.browser.run(ctx, chromedp.Navigate(act.URL)); err != nil {
			return fmt.Errorf("navigate %s: %w", act.URL, err)
		}
		return nil
	case domain.ScrollAction:
		dx, dy := scrollDelta(act.Direction, act.Pixels)
		if err := d.browser.run(ctx, chromedp.Evaluate(fmt.Sprintf("window.scrollBy(%d, %d)", dx, dy), nil)); err != nil {
			return fmt.Errorf("scroll: %w", err)
		}
		return nil
	case domain.UnknownAction:
		return fmt.Errorf("%w: %q", domain.ErrUnknownActionKind, act.Raw)
	default:
		return fmt.Errorf("%w: %T", domain.ErrUnknownActionKind, a)
	}
}

type target struct {
	Found bool    `json:"found"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Typed bool    `json:"typed"`
}

// locate resolves the topmost element under a normalized point and returns
// the center of its bounding box in CSS pixels. With no element the raw
// point is used.
func (d *Dispatcher) locate(ctx context.Context, at domain.Point) (target, error) {
	var t target
	if err := d.browser.run(ctx, chromedp.Evaluate(locateScript(at), &t)); err != nil {
		return target{}, fmt.Errorf("resolve element at (%.3f, %.3f): %w", at.X, at.Y, err)
	}
	return t, nil
}

func (d *Dispatcher) click(ctx context.Context, at domain.Point) error {
	t, err := d.locate(ctx, at)
	if err != nil {
		return err
	}
	return d.browser.run(ctx, mouseClick(t.X, t.Y))
}

func (d *Dispatcher) typeText(ctx context.Context, at domain.Point, text string) error {
	t, err := d.locate(ctx, at)
	if err != nil {
		return err
	}
	if err := d.browser.run(ctx,
		mouseClick(t.X, t.Y),
		chromedp.Evaluate(clearFocusedScript, nil),
	); err != nil {
		return fmt.Errorf("focus: %w", err)
	}

	for _, r := range text {
		ch := string(r)
		if err := d.browser.run(ctx,
			input.DispatchKeyEvent(input.KeyDown).WithText(ch).WithUnmodifiedText(ch),
			input.DispatchKeyEvent(input.KeyUp),
		); err != nil {
			return fmt.Errorf("type: %w", err)
		}
		if err := sleep(ctx, d.typeDelay); err != nil {
			return err
		}
	}

	if err := d.browser.run(ctx, chromedp.Evaluate(changeFocusedScript, nil)); err != nil {
		return fmt.Errorf("change event: %w", err)
	}
	return nil
}

func mouseClick(x, y float64) chromedp.Tasks {
	return chromedp.Tasks{
		input.DispatchMouseEvent(input.MouseMoved, x, y),
		input.DispatchMouseEvent(input.MousePressed, x, y).WithButton(input.Left).WithClickCount(1),
		input.DispatchMouseEvent(input.MouseReleased, x, y).WithButton(input.Left).WithClickCount(1),
	}
}

func scrollDelta(dir domain.ScrollDirection, pixels int) (int, int) {
	switch dir {
	case domain.ScrollUp:
		return 0, -pixels
	case domain.ScrollLeft:
		return -pixels, 0
	case domain.ScrollRight:
		return pixels, 0
	default:
		return 0, pixels
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func locateScript(at domain.Point) string {
	return fmt.Sprintf(`(() => {
  const px = %[1]f * window.innerWidth, py = %[2]f * window.innerHeight;
  const el = document.elementFromPoint(px, py);
  if (!el) return {found: false, x: px, y: py};
  const r = el.getBoundingClientRect();
  return {found: true, x: r.left + r.width / 2, y: r.top + r.height / 2};
})()`, at.X, at.Y)
}

const clearFocusedScript = `(() => {
  const el = document.activeElement;
  if (!el) return false;
  const textual = ['text','search','email','url','tel','password','number',''];
  if (el.tagName === 'TEXTAREA' || (el.tagName === 'INPUT' && textual.includes((el.getAttribute('type') || '').toLowerCase()))) {
    el.value = '';
    el.dispatchEvent(new Event('input', {bubbles: true}));
    return true;
  }
  if (el.isContentEditable) { el.textContent = ''; return true; }
  return false;
})()`

const changeFocusedScript = `(() => {
  const el = document.activeElement;
  if (el) el.dispatchEvent(new Event('change', {bubbles: true}));
  return true;
})()`
