package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	httpAdapter "github.com/lorrc/invoice-tracker/internal/adapters/primary/http"
	mw "github.com/lorrc/invoice-tracker/internal/adapters/primary/http/middleware"
	"github.com/lorrc/invoice-tracker/internal/adapters/primary/websocket"
	"github.com/lorrc/invoice-tracker/internal/adapters/secondary/email"
	"github.com/lorrc/invoice-tracker/internal/adapters/secondary/postgres"
	"github.com/lorrc/invoice-tracker/internal/auth"
	"github.com/lorrc/invoice-tracker/internal/config"
	"github.com/lorrc/invoice-tracker/internal/core/services"
	"github.com/lorrc/invoice-tracker/internal/infrastructure/logging"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize Structured Logger
	logger := logging.NewLogger(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      os.Stdout,
		ServiceName: cfg.App.Name,
		Environment: cfg.App.Environment,
	})
	slog.SetDefault(logger)

	logger.Info("starting service",
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
	)

	// 3. Initialize Database Pool
	ctx := context.Background()
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		logger.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}

	poolConfig.MaxConns = int32(cfg.Database.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.Database.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	logger.Info("database connection established")

	// 4. Initialize Security & Real-time Components
	tokenManager := auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.AccessTokenTTL)

	hubCtx, stopHub := context.WithCancel(context.Background())
	hub := websocket.NewHub(logger)
	go hub.Run(hubCtx)

	// 5. Initialize Rate Limiters
	var generalRateLimiter, authRateLimiter *mw.RateLimiter
	var sendRateLimiter *mw.RateLimitByKey
	if cfg.RateLimit.Enabled {
		generalRateLimiter = mw.NewRateLimiter(mw.RateLimiterConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.BurstSize,
			CleanupInterval:   time.Minute,
			TTL:               3 * time.Minute,
		})

		authRateLimiter = mw.NewRateLimiter(mw.RateLimiterConfig{
			RequestsPerSecond: cfg.RateLimit.AuthRPS,
			BurstSize:         cfg.RateLimit.AuthBurst,
			CleanupInterval:   time.Minute,
			TTL:               5 * time.Minute,
		})

		sendRateLimiter = mw.NewRateLimitByKey(cfg.RateLimit.SendRPS, cfg.RateLimit.SendBurst)
	}

	// 6. Dependency Injection (Wiring the Hexagon)
	errorHandler := httpAdapter.NewErrorHandler(logger)

	// Repositories (Secondary Adapters)
	userRepo := postgres.NewUserRepository(pool)
	customerRepo := postgres.NewCustomerRepository(pool)
	invoiceRepo := postgres.NewInvoiceRepository(pool)
	txManager := postgres.NewTransactionManager(pool)

	// Notifier (Secondary Adapter)
	notifier := email.NewMockSMTPNotifier(cfg.Email.From, logger)

	// Services (Core)
	authService := services.NewAuthService(userRepo)
	userService := services.NewUserService(userRepo)
	customerService := services.NewCustomerService(customerRepo)
	invoiceService := services.NewInvoiceService(invoiceRepo, customerRepo, txManager, notifier, hub, logger)

	// Handlers (Primary Adapters)
	router := httpAdapter.NewRouter(httpAdapter.RouterConfig{
		Auth:      httpAdapter.NewAuthHandler(authService, tokenManager, errorHandler, logger),
		Me:        httpAdapter.NewMeHandler(userService, errorHandler, logger),
		Invoices:  httpAdapter.NewInvoiceHandler(invoiceService, errorHandler, nil, logger),
		Customers: httpAdapter.NewCustomerHandler(customerService, errorHandler, logger),
		WebSocket: httpAdapter.NewWebSocketHandler(hub, tokenManager, cfg, logger),
		Health:    httpAdapter.NewHealthHandler(pool, hub, cfg.App.Version),

		TokenManager: tokenManager,
		CORSOrigins:  cfg.Server.CORSOrigins,

		GeneralLimiter: generalRateLimiter,
		AuthLimiter:    authRateLimiter,
		SendLimiter:    sendRateLimiter,

		Logger: logger,
	})

	// 7. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop taking requests, then flush pending pushes before closing connections.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	invoiceService.Shutdown()
	stopHub()

	for _, limiter := range []*mw.RateLimiter{generalRateLimiter, authRateLimiter} {
		if limiter != nil {
			limiter.Stop()
		}
	}
	if sendRateLimiter != nil {
		sendRateLimiter.Stop()
	}

	logger.Info("server shutdown complete")
}
