// SPDX-License-Identifier: Apache-2.0

// Command replayd drives a browser tab to record and replay visual
// workflows, and serves the local control API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adiadia/visual-replay/internal/browser"
	"github.com/adiadia/visual-replay/internal/config"
	"github.com/adiadia/visual-replay/internal/domain"
	"github.com/adiadia/visual-replay/internal/events"
	"github.com/adiadia/visual-replay/internal/execution"
	"github.com/adiadia/visual-replay/internal/gateway"
	"github.com/adiadia/visual-replay/internal/governance"
	"github.com/adiadia/visual-replay/internal/inference"
	"github.com/adiadia/visual-replay/internal/logging"
	"github.com/adiadia/visual-replay/internal/metrics"
	"github.com/adiadia/visual-replay/internal/recording"
	"github.com/adiadia/visual-replay/internal/recovery"
	"github.com/adiadia/visual-replay/internal/session"
	"github.com/adiadia/visual-replay/internal/storeclient"
	httptransport "github.com/adiadia/visual-replay/internal/transport/http"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "replayd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env)
	metrics.Init()

	backend, err := openSessionStore(ctx, cfg, logging.Component(logger, "session"))
	if err != nil {
		return err
	}
	defer backend.close()

	sessions := session.NewManager(session.Deps{
		Store:                backend.store,
		AllowConcurrentModes: cfg.AllowConcurrentModes,
		Logger:               logging.Component(logger, "session"),
	})
	if err := sessions.Load(ctx); err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	client, err := storeclient.New(storeclient.Config{
		BaseURL: cfg.StoreURL,
		Token:   cfg.StoreToken,
		UserID:  cfg.UserID,
		Timeout: cfg.StoreTimeout,
		Logger:  logging.Component(logger, "storeclient"),
	})
	if err != nil {
		return fmt.Errorf("workflow store: %w", err)
	}

	infer, err := newInference(cfg, client, logging.Component(logger, "inference"))
	if err != nil {
		return err
	}

	policy, err := governance.NewPolicy(cfg.NavigateAllow, cfg.NavigateDeny)
	if err != nil {
		return fmt.Errorf("navigate policy: %w", err)
	}

	tab := browser.New(browser.Options{
		Headless: cfg.BrowserHeadless,
		StartURL: cfg.BrowserStartURL,
		Logger:   logging.Component(logger, "browser"),
	})
	if err := tab.Start(ctx); err != nil {
		return fmt.Errorf("browser: %w", err)
	}
	defer tab.Close()

	bus := events.NewBus(0)

	coordinator := recovery.NewCoordinator(recovery.Deps{
		Capturer:  tab,
		Forwarder: infer,
		Sessions:  sessions,
		Logger:    logging.Component(logger, "recovery"),
	})

	var recorder *recording.Controller
	host := browser.NewRecorder(tab, func(ctx context.Context, in domain.Interaction, description string) {
		recorder.HandleHostMessage(ctx, recording.InteractionCaptured{Interaction: in, Context: description})
	}, logging.Component(logger, "host"))
	recorder = recording.New(recording.Deps{
		Store:    client,
		Host:     host,
		Capturer: tab,
		Sessions: sessions,
		Events:   bus,
		Logger:   logging.Component(logger, "recording"),
	})

	executor := execution.New(execution.Deps{
		Store:      client,
		Inference:  infer,
		Capturer:   tab,
		Dispatcher: browser.NewDispatcher(tab, cfg.TypeDelay),
		Recovery:   coordinator,
		Policy:     policy,
		Sessions:   sessions,
		Events:     bus,
		Logger:     logging.Component(logger, "execution"),
		Config: execution.Config{
			RetryDelay:             cfg.RetryDelay,
			SettleDelay:            cfg.SettleDelay,
			MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		},
	})
	defer executor.Close()

	if restored, err := recorder.Restore(ctx); err != nil {
		logger.Error("restore teach session failed", "error", err)
	} else if restored {
		logger.Info("teach session restored")
	}
	if resumed, err := executor.Resume(ctx); err != nil {
		logger.Error("resume execution failed", "error", err)
	} else if resumed {
		logger.Info("execution resumed")
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := startGateways(gctx, g, cfg, bus, coordinator, logging.Component(logger, "gateway")); err != nil {
		return err
	}

	handler := httptransport.NewRouter(httptransport.Deps{
		Workflows:       client,
		Recorder:        recorder,
		Executor:        executor,
		Recovery:        coordinator,
		Events:          bus,
		Health:          backend.health,
		Logger:          logging.Component(logger, "http"),
		ControlToken:    cfg.ControlToken,
		RateLimitPerMin: cfg.ControlRateLimit,
		Version:         Version,
		Commit:          Commit,
		BuildDate:       BuildDate,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.Info("replayd listening",
			"addr", cfg.HTTPAddr,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
			"session_backend", cfg.SessionBackend,
			"inference", cfg.InferenceMode,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func newInference(cfg config.Config, client *storeclient.Client, logger *slog.Logger) (inference.Client, error) {
	if cfg.InferenceMode != config.InferenceLocal {
		return inference.NewRemote(client), nil
	}
	model, err := inference.NewModel(inference.ModelConfig{
		Provider: cfg.LLMProvider,
		APIKey:   cfg.LLMAPIKey,
		Model:    cfg.LLMModel,
		BaseURL:  cfg.LLMBaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("inference model: %w", err)
	}
	return inference.NewLocal(model, logger), nil
}

func startGateways(ctx context.Context, g *errgroup.Group, cfg config.Config, bus *events.Bus, resolver gateway.Resolver, logger *slog.Logger) error {
	if cfg.WebhookURL != "" {
		wh := gateway.NewWebhook(cfg.WebhookURL, cfg.WebhookSecret, nil, logger)
		bus.Attach(wh)
		g.Go(func() error {
			wh.Run(ctx)
			return nil
		})
	}

	if cfg.TelegramToken != "" {
		tg, err := gateway.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID, resolver, logger)
		if err != nil {
			return err
		}
		bus.Attach(tg.Bridge)
		g.Go(func() error { return tg.Run(ctx) })
	}

	if cfg.DiscordToken != "" {
		dc, err := gateway.NewDiscord(cfg.DiscordToken, cfg.DiscordChannelID, resolver, logger)
		if err != nil {
			return err
		}
		bus.Attach(dc.Bridge)
		g.Go(func() error { return dc.Run(ctx) })
	}
	return nil
}
