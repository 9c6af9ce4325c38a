// SPDX-License-Identifier: Apache-2.0

// Package browser drives a Chrome tab over the DevTools protocol: it
// dispatches replayed actions, captures the viewport and forwards user
// clicks while a workflow is being recorded.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

const defaultActionTimeout = 30 * time.Second

type Options struct {
	Headless bool
	StartURL string
	// ActionTimeout bounds a single protocol round trip.
	ActionTimeout time.Duration
	Logger        *slog.Logger
}

// Browser owns one tab. It is safe for concurrent use; protocol calls are
// serialized.
type Browser struct {
	opts   Options
	logger *slog.Logger

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

func New(opts Options) *Browser {
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = defaultActionTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Browser{opts: opts, logger: logger}
}

// Start launches Chrome and opens the start URL when one is set.
func (b *Browser) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browserCtx != nil && b.browserCtx.Err() == nil {
		return nil
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", b.opts.Headless),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.WindowSize(1280, 800),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			b.logger.Debug(fmt.Sprintf(format, args...), "component", "chromedp")
		}),
	)

	tasks := chromedp.Tasks{}
	if u := strings.TrimSpace(b.opts.StartURL); u != "" {
		tasks = append(tasks, chromedp.Navigate(u))
	}
	if err := chromedp.Run(browserCtx, tasks); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("launch browser: %w", err)
	}

	b.allocCancel = allocCancel
	b.browserCtx = browserCtx
	b.browserCancel = browserCancel
	b.logger.Info("browser started", "headless", b.opts.Headless, "start_url", b.opts.StartURL)
	return nil
}

func (b *Browser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browserCancel != nil {
		b.browserCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.browserCtx = nil
	b.browserCancel = nil
	b.allocCancel = nil
}

var errNotStarted = errors.New("browser not started")

// run executes actions on the tab. Cancelling ctx aborts the run.
func (b *Browser) run(ctx context.Context, actions ...chromedp.Action) error {
	b.mu.Lock()
	tab := b.browserCtx
	b.mu.Unlock()
	if tab == nil {
		return errNotStarted
	}

	runCtx, cancel := context.WithTimeout(tab, b.opts.ActionTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

// tab returns the browser context for listeners that outlive a run.
func (b *Browser) tab() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browserCtx == nil {
		return nil, errNotStarted
	}
	return b.browserCtx, nil
}
