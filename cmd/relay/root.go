package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/z-relay/internal/config"
	"github.com/zhouzirui/z-relay/internal/events"
	"github.com/zhouzirui/z-relay/internal/events/kafka"
	"github.com/zhouzirui/z-relay/internal/events/nop"
	"github.com/zhouzirui/z-relay/internal/handler"
	"github.com/zhouzirui/z-relay/internal/service/ai"
	chatservice "github.com/zhouzirui/z-relay/internal/service/chat"
	"github.com/zhouzirui/z-relay/internal/service/dispatch"
	"github.com/zhouzirui/z-relay/internal/service/relay"
	"github.com/zhouzirui/z-relay/internal/telegram"
	"github.com/zhouzirui/z-relay/internal/worker"
	"github.com/zhouzirui/z-relay/pkg/logger"
)

const relayLongDesc string = `Relay Telegram chats to a generative model.

Text messages and photos are answered by the configured backend (Gemini by
default) using the last few turns of each chat as context. Configuration is
read from the environment, optionally seeded from a .env file.

Examples:
  z-relay
  z-relay --debug
  z-relay --env-file ./deploy/relay.env`

const relayShortDesc string = "Telegram to Gemini chat relay"

type relayCommander struct {
	debug   bool
	envFile string
}

func newRootCmd() *cobra.Command {
	cmder := &relayCommander{}

	cmd := &cobra.Command{
		Use:           "z-relay",
		Short:         relayShortDesc,
		Long:          relayLongDesc,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cmder.run(cmd.Context()); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "z-relay: %v\n", err)
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&cmder.debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().StringVar(&cmder.envFile, "env-file", "", "Path to a .env file (default: ./.env)")

	return cmd
}

func (c *relayCommander) run(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	envErr := c.loadEnv()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.NewLogger(c.debug || cfg.Log.Debug)
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	if envErr != nil {
		log.Warn("failed to load .env file, continuing with system environment variables only", zap.Error(envErr))
	}

	generator, err := newGenerator(ctx, cfg.AI)
	if err != nil {
		return err
	}
	log.Info("inference backend ready", zap.String("provider", cfg.AI.Provider))

	publisher, err := newPublisher(cfg.Events, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn("failed to close event publisher", zap.Error(err))
		}
	}()

	pool, err := worker.NewPool(&worker.Config{
		NumWorkers: uint(cfg.Relay.Workers),
		QueueSize:  uint(cfg.Relay.QueueSize),
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	tg := telegram.NewClient(cfg.Telegram.APIBase, cfg.Telegram.FileBase, cfg.Telegram.RequestTimeout)
	store := chatservice.NewStore(cfg.Relay.MaxHistory)

	svc := relay.NewService(context.WithoutCancel(ctx), relay.Dependencies{
		Store:   store,
		Prompts: ai.NewPromptBuilder(store, ai.DefaultPromptConfig()),
		Inference: ai.NewClient(generator, ai.ClientConfig{
			Timeout:          cfg.AI.Timeout,
			MaxConcurrency:   cfg.AI.MaxConcurrency,
			BreakerThreshold: cfg.AI.BreakerThreshold,
			BreakerCooldown:  cfg.AI.BreakerCooldown,
		}, log),
		Dispatcher: dispatch.New(tg, cfg.Relay.ChunkLimit, log),
		Fetcher:    tg,
		Notifier:   tg,
		Publisher:  publisher,
		Pool:       pool,
	}, relay.Config{
		MinTextLength:   cfg.Relay.MinTextLength,
		NotifyOnFailure: cfg.Relay.NotifyOnFailure(),
		ImageAck:        cfg.Relay.ImageAck,
	}, log)
	defer svc.Close()

	var hook handler.WebhookOptions
	if cfg.Telegram.WebhookEnabled() {
		hook = handler.WebhookOptions{Sink: svc, Secret: cfg.Telegram.WebhookSecret}
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.NewRouter(hook, log),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("z-relay listening", zap.String("addr", srv.Addr))
		return runServer(gctx, srv)
	})

	if cfg.Telegram.WebhookEnabled() {
		if err := tg.SetWebhook(ctx, cfg.Telegram.WebhookURL, cfg.Telegram.WebhookSecret); err != nil {
			stop()
			_ = g.Wait()
			return fmt.Errorf("failed to register webhook: %w", err)
		}
		log.Info("webhook registered", zap.String("url", cfg.Telegram.WebhookURL))
	} else {
		// getUpdates is refused while a webhook is registered.
		if err := tg.DeleteWebhook(ctx); err != nil {
			log.Warn("failed to clear webhook before polling", zap.Error(err))
		}
		poller := telegram.NewPoller(tg, svc, cfg.Telegram.PollTimeout, log)
		g.Go(func() error {
			return poller.Run(gctx)
		})
	}

	err = g.Wait()
	log.Info("shutting down, draining queued messages")
	return err
}

func (c *relayCommander) loadEnv() error {
	if c.envFile != "" {
		return godotenv.Load(c.envFile)
	}
	return godotenv.Load()
}

func newGenerator(ctx context.Context, cfg config.AIConfig) (ai.Generator, error) {
	switch cfg.Provider {
	case config.ProviderArk:
		chatModel, err := cfg.NewChatModel(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ark model: %w", err)
		}
		return ai.NewArkGenerator(chatModel), nil
	default:
		gen, err := ai.NewGeminiGenerator(ctx, ai.GeminiConfig{
			APIKey:  cfg.GoogleAPIKey,
			Model:   cfg.GeminiModel,
			BaseURL: cfg.GeminiBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize gemini client: %w", err)
		}
		return gen, nil
	}
}

func newPublisher(cfg config.EventsConfig, log *zap.Logger) (events.Publisher, error) {
	if !cfg.Enabled() {
		log.Debug("no kafka brokers configured, pipeline events disabled")
		return nop.NewPublisher(), nil
	}

	pub, err := kafka.NewPublisher(kafka.Config{Brokers: cfg.Brokers, Topic: cfg.Topic})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
	}
	log.Info("publishing pipeline events", zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.Topic))
	return pub, nil
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
