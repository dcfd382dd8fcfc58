// Command dispatch polls one SQS queue and hands each message to a
// handler: either a subprocess (--exec, substituting {}.messageId and
// {}.body as whole tokens) or an HTTP webhook (--webhook-url). It
// extends message visibility on a heartbeat, deletes finished receipts
// in batch, and drains outstanding work on shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/johnny-lai/sqs-dispatch/internal/adminapi"
	"github.com/johnny-lai/sqs-dispatch/internal/config"
	"github.com/johnny-lai/sqs-dispatch/internal/dispatcher"
	"github.com/johnny-lai/sqs-dispatch/internal/handler"
	"github.com/johnny-lai/sqs-dispatch/internal/handler/exec"
	"github.com/johnny-lai/sqs-dispatch/internal/handler/webhook"
	"github.com/johnny-lai/sqs-dispatch/internal/lifecycle"
	"github.com/johnny-lai/sqs-dispatch/internal/observability"
	"github.com/johnny-lai/sqs-dispatch/internal/queue/sqs"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if os.Getenv("SQS_DISPATCH_DEV") == "true" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	log.Info().Str("version", version).Str("build_time", buildTime).Msg("starting sqs-dispatch")

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	reporter, err := observability.Init(cfg.SentryDSN, os.Getenv("SQS_DISPATCH_ENV"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize sentry")
	}
	defer reporter.Close()

	if err := run(cfg, reporter); err != nil {
		reporter.CaptureFatal(err)
		log.Fatal().Err(err).Msg("sqs-dispatch exited with error")
	}
}

func run(cfg *config.Config, reporter *observability.Reporter) error {
	ctx := context.Background()

	queueClient, err := buildQueueClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("building queue client: %w", err)
	}

	h, err := buildHandler(cfg)
	if err != nil {
		return fmt.Errorf("building handler: %w", err)
	}

	heartbeatVisibility, err := cfg.HeartbeatVisibilitySeconds()
	if err != nil {
		return err
	}

	dispatchCfg := dispatcher.DefaultConfig()
	dispatchCfg.HeartbeatVisibilitySeconds = heartbeatVisibility
	dispatchCfg.ShutdownGrace = cfg.ShutdownGrace
	dispatchCfg.OnPanic = reporter.CapturePanic

	d := dispatcher.New(queueClient, h, dispatchCfg)

	health := sqs.NewHealthService(queueClient)
	health.Check(ctx) // seed an initial result before readyz can be polled

	auth, err := cfg.AdminAuth()
	if err != nil {
		return fmt.Errorf("building admin auth: %w", err)
	}

	admin := adminapi.New(adminapi.Config{Addr: cfg.AdminAddr, Auth: auth}, dispatcherStatus{d}, health)

	lc := lifecycle.NewManager()
	lc.SetShutdownTimeout(cfg.ShutdownGrace + 15*time.Second)
	lc.RegisterAdminHTTPShutdown("admin-http", admin.Shutdown)
	lc.RegisterDispatcherShutdown("dispatcher", cfg.ShutdownGrace+5*time.Second, func(ctx context.Context) error {
		d.Shutdown()
		select {
		case <-d.Stopped():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	lc.RegisterFinalShutdown("observability", func(ctx context.Context) error {
		reporter.Close()
		return nil
	})

	go func() {
		if err := admin.Start(); err != nil {
			log.Error().Err(err).Msg("admin HTTP surface stopped")
		}
	}()

	go func() {
		if err := d.Run(ctx); err != nil {
			log.Error().Err(err).Msg("dispatcher loop stopped")
		}
	}()

	go runHealthLoop(ctx, health, d.Stopped())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("shutdown signal received")
	case <-d.Stopped():
		log.Warn().Msg("dispatcher loop exited before a shutdown signal")
	}

	return lc.Execute()
}

// runHealthLoop re-probes queue connectivity every 30s until stopped is
// closed, keeping /readyz answerable without a live round trip per request.
func runHealthLoop(ctx context.Context, health *sqs.HealthService, stopped <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			health.Check(ctx)
		case <-stopped:
			return
		}
	}
}

func buildQueueClient(ctx context.Context, cfg *config.Config) (*sqs.Client, error) {
	source, err := cfg.CredentialsSourceValue()
	if err != nil {
		return nil, err
	}

	sqsCfg := sqs.Config{
		QueueURL:       cfg.QueueURL,
		Region:         cfg.Region,
		CustomEndpoint: cfg.EndpointURL,
	}

	switch source {
	case sqs.CredentialsSourceVault:
		provider, err := sqs.NewVaultCredentialsProvider(sqs.VaultCredentialsConfig{
			Address: cfg.VaultAddr,
			Token:   os.Getenv("VAULT_TOKEN"),
			Path:    cfg.VaultRole,
		})
		if err != nil {
			return nil, fmt.Errorf("vault credentials: %w", err)
		}
		sqsCfg.Credentials = provider
	case sqs.CredentialsSourceSecretsManager:
		provider, err := sqs.NewSecretsManagerCredentialsProvider(ctx, cfg.Region, cfg.SecretsManagerID)
		if err != nil {
			return nil, fmt.Errorf("secrets manager credentials: %w", err)
		}
		sqsCfg.Credentials = provider
	}

	return sqs.New(ctx, sqsCfg)
}

func buildHandler(cfg *config.Config) (handler.Handler, error) {
	switch {
	case cfg.WebhookURL != "":
		return webhook.New(webhook.DefaultConfig(cfg.WebhookURL)), nil
	case len(cfg.Exec) > 0:
		return exec.New(cfg.Exec), nil
	default:
		return nil, fmt.Errorf("cmd/dispatch: one of --exec or --webhook-url is required")
	}
}

// dispatcherStatus adapts *dispatcher.Dispatcher to adminapi.DispatcherStatus.
type dispatcherStatus struct {
	d *dispatcher.Dispatcher
}

func (s dispatcherStatus) State() string     { return s.d.State().String() }
func (s dispatcherStatus) InflightCount() int { return s.d.InflightCount() }
