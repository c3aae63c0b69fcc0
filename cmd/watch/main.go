// watch tracks a user's invoices from the command line. It keeps a live
// view fresh over the push connection when one is available and falls back
// to polling the API otherwise, logging the freshness indicator as it
// changes.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/lorrc/invoice-tracker/internal/adapters/secondary/invoiceapi"
	"github.com/lorrc/invoice-tracker/internal/config"
	"github.com/lorrc/invoice-tracker/internal/infrastructure/logging"
	"github.com/lorrc/invoice-tracker/internal/realtime"
	"github.com/spf13/pflag"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const coordinatorKey = "invoice-dashboard"

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.LoadWatcher()

	var sendID string
	flagSet := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.APIURL, "api-url", cfg.APIURL, "invoice API base URL")
	flagSet.StringVar(&cfg.WSURL, "ws-url", cfg.WSURL, "push base URL (default: the API URL on local hosts)")
	flagSet.StringVar(&cfg.Token, "token", cfg.Token, "API bearer token")
	flagSet.StringVar(&cfg.UserID, "user-id", cfg.UserID, "user to track (default: the token's user)")
	flagSet.DurationVar(&cfg.Realtime.PollInterval, "poll-interval", cfg.Realtime.PollInterval, "interval between polls without push")
	flagSet.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "debug, info, warn or error")
	flagSet.StringVar(&sendID, "send", "", "email this invoice to its customer before watching")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.NewLogger(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      os.Stderr,
		ServiceName: "invoice-watch",
		Environment: cfg.App.Environment,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() {
		logMetrics(context.Background(), logger, reader)
		_ = provider.Shutdown(context.Background())
	}()

	metrics, err := realtime.NewMetrics(provider)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	api, err := invoiceapi.New(cfg.APIURL, cfg.Token, logger, invoiceapi.WithMeterProvider(provider))
	if err != nil {
		return err
	}

	identity, err := resolveIdentity(ctx, cfg.UserID, api)
	if err != nil {
		return err
	}
	logger = logger.With("user_id", identity)

	registry := realtime.NewRegistry(realtime.RegistryConfig{
		ExplicitURL: cfg.WSURL,
		Origin:      cfg.APIURL,
		Dialer:      realtime.NewWebsocketDialer(cfg.Token),
		Options: []realtime.Option{
			realtime.WithReconnectionPlan(realtime.ReconnectionPlan{
				MaxAttempts: cfg.Realtime.MaxReconnectAttempts,
				Base:        cfg.Realtime.ReconnectBaseDelay,
				Cap:         cfg.Realtime.ReconnectMaxDelay,
				JitterBound: cfg.Realtime.ReconnectJitter,
			}),
			realtime.WithMetrics(metrics),
		},
	}, logger)
	defer registry.Shutdown()

	// A nil *Client must stay a nil interface so the coordinator polls.
	var transport realtime.Transport
	if client, err := registry.Client(); err == nil {
		transport = client
	} else {
		logger.Info("push disabled, polling only", "error", err)
	}

	changes := make(chan realtime.State, 16)
	coordinator, err := realtime.NewCoordinator(realtime.CoordinatorConfig{
		Key:                 coordinatorKey,
		Identity:            identity,
		PollInterval:        cfg.Realtime.PollInterval,
		SafetyNetInterval:   cfg.Realtime.SafetyNetInterval,
		HealthCheckInterval: cfg.Realtime.HealthCheckInterval,
		ErrorThreshold:      cfg.Realtime.ErrorThreshold,
		FetchTimeout:        cfg.Realtime.FetchTimeout,
		ConnectTimeout:      cfg.Realtime.ConnectTimeout,
	}, transport, api, logger,
		realtime.WithCoordinatorMetrics(metrics),
		realtime.WithChangeListener(func(s realtime.State) {
			select {
			case changes <- s:
			default:
			}
		}),
	)
	if err != nil {
		return err
	}

	if err := coordinator.Start(ctx); err != nil {
		return err
	}
	defer coordinator.Stop()

	if sendID != "" {
		if err := sendInvoice(ctx, api, coordinator, sendID, logger); err != nil {
			return err
		}
	}

	watchChanges(ctx, coordinator, changes, logger)
	return nil
}

// resolveIdentity returns the configured user ID, or asks the API whose
// token this is.
func resolveIdentity(ctx context.Context, configured string, api *invoiceapi.Client) (string, error) {
	if configured != "" {
		if _, err := uuid.Parse(configured); err != nil {
			return "", fmt.Errorf("invalid user id %q: %w", configured, err)
		}
		return configured, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	profile, err := api.Me(lookupCtx)
	if err != nil {
		if invoiceapi.IsUnauthorized(err) {
			return "", fmt.Errorf("the API rejected the token: %w", err)
		}
		return "", fmt.Errorf("resolve user: %w", err)
	}
	return profile.ID.String(), nil
}

func sendInvoice(ctx context.Context, api *invoiceapi.Client, coordinator *realtime.Coordinator, rawID string, logger *slog.Logger) error {
	id, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("invalid invoice id %q: %w", rawID, err)
	}

	invoice, err := api.SendInvoice(ctx, id)
	if err != nil {
		return fmt.Errorf("send invoice: %w", err)
	}
	logger.Info("invoice sent",
		"invoice_id", invoice.ID,
		"number", invoice.Number,
		"email_count", invoice.EmailCount,
	)

	// The push echo refreshes too, but polling mode only sees it on the next tick.
	if err := coordinator.Refresh(); err != nil {
		logger.Warn("refresh after send rejected", "error", err)
	}
	return nil
}

func watchChanges(ctx context.Context, coordinator *realtime.Coordinator, changes <-chan realtime.State, logger *slog.Logger) {
	var last realtime.State
	for {
		select {
		case <-ctx.Done():
			logger.Info("stopping")
			return
		case <-coordinator.Done():
			return
		case s := <-changes:
			if s.Indicator() != last.Indicator() {
				logger.Info("freshness changed",
					"indicator", string(s.Indicator()),
					"mode", s.Mode.String(),
					"errors", s.ConsecutiveErrorCount,
				)
			}
			if s.ActivityMessage != "" && s.ActivityMessage != last.ActivityMessage {
				logger.Info(s.ActivityMessage)
			}
			if s.LastUpdateAt != nil && (last.LastUpdateAt == nil || !s.LastUpdateAt.Equal(*last.LastUpdateAt)) {
				logger.Info("invoices updated",
					"count", len(coordinator.Invoices()),
					"at", s.LastUpdateAt.Format(time.RFC3339),
				)
			}
			last = s
		}
	}
}
