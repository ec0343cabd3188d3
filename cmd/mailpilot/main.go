package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mailpilot/mailpilot/internal/ai"
	"github.com/mailpilot/mailpilot/internal/catcache"
	"github.com/mailpilot/mailpilot/internal/config"
	"github.com/mailpilot/mailpilot/internal/convo"
	"github.com/mailpilot/mailpilot/internal/digest"
	"github.com/mailpilot/mailpilot/internal/email"
	"github.com/mailpilot/mailpilot/internal/engine"
	"github.com/mailpilot/mailpilot/internal/ingest"
	"github.com/mailpilot/mailpilot/internal/outbound"
	"github.com/mailpilot/mailpilot/internal/provider"
	"github.com/mailpilot/mailpilot/internal/smtp"
	"github.com/mailpilot/mailpilot/internal/storage"
	"github.com/mailpilot/mailpilot/internal/webhook"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if *debug {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load configuration")
	}

	store, err := storage.NewStore(cfg.Database.Path)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("Failed to open database")
	}
	defer store.Close()

	aiClient := ai.NewOpenAI(ai.Config{
		APIKey:      cfg.AI.APIKey,
		BaseURL:     cfg.AI.BaseURL,
		Model:       cfg.AI.Model,
		MaxTokens:   cfg.AI.MaxTokens,
		Temperature: cfg.AI.Temperature,
	}, logger)

	sender, err := outbound.FromConfig(&cfg.Outbound)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to configure outbound sender")
	}

	// The local provider backs accounts fed by the SMTP intake. Hosted
	// providers register their own factories here.
	local := provider.NewLocal(sender)
	registry := provider.NewRegistry()
	registry.Register("smtp", func(acct *storage.Account) (provider.Provider, error) {
		return local, nil
	})

	cache := catcache.New(store, cfg.Engine.CacheTTL, cfg.Engine.GroupPatternCap, logger)
	evaluator := engine.NewEvaluator(cache, aiClient, cfg.Engine.BodyCharLimit, logger)
	selector := engine.NewSelector(evaluator, cfg.Engine.EvalConcurrency, logger)
	arggen := engine.NewArgGen(store, aiClient, cfg.Engine.BodyCharLimit, logger)
	accumulator := digest.New(store, aiClient, cfg.Engine.BodyCharLimit, logger)
	tracker := convo.NewTracker(store, cfg.Engine.ReplyResolves, logger)
	retry := provider.RetryPolicy{
		MaxAttempts: cfg.Engine.RetryMaxAttempts,
		BaseDelay:   cfg.Engine.RetryBaseDelay,
		MaxDelay:    cfg.Engine.RetryMaxDelay,
	}
	executor := engine.NewExecutor(store, registry, arggen, accumulator, tracker, retry, logger)
	eng := engine.New(store, selector, arggen, executor, tracker, logger)
	categorizer := engine.NewCategorizer(store, aiClient, cache, logger)
	ingestor := ingest.New(store, eng, registry, categorizer, cfg.Engine.ResyncLimit, logger)

	from := email.Address{Name: cfg.Outbound.FromName, Address: cfg.Outbound.FromAddress}
	deliverer := digest.NewDeliverer(store, accumulator, sender, from, logger)

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.HTTPHost, cfg.Server.HTTPPort)
	httpServer := webhook.NewServer(httpAddr, store, ingestor, executor, cache, registry, logger)

	// SMTP deliveries land in the local provider's feed; the pass that
	// follows pulls them through the same pipeline as hosted mail.
	smtpServer := smtp.NewServer(&cfg.Server, func(ctx context.Context, msg *email.Message) error {
		local.Deposit(msg)
		for _, addr := range msg.ToAddresses() {
			acct, err := store.GetAccountByEmail(ctx, addr)
			if err != nil {
				continue
			}
			if err := ingestor.RunPass(ctx, acct.ID); err != nil {
				logger.Error().Err(err).Str("email", addr).Msg("Intake pass failed")
			}
		}
		return nil
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := httpServer.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	go func() {
		if err := smtpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("SMTP server failed")
		}
	}()

	// Polling covers accounts whose provider has no push notifications, and
	// picks up anything a dropped notification missed.
	go func() {
		ticker := time.NewTicker(cfg.Engine.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ingestor.RunAll(ctx)
				deliverer.DeliverAll(ctx)
			}
		}
	}()

	logger.Info().
		Str("http", httpAddr).
		Str("smtp", fmt.Sprintf("%s:%d", cfg.Server.SMTPHost, cfg.Server.SMTPPort)).
		Msg("mailpilot started")

	<-ctx.Done()
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP shutdown failed")
	}
	if err := smtpServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("SMTP shutdown failed")
	}
}
