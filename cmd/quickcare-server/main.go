package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/quickcare/quickcare/internal/config"
	"github.com/quickcare/quickcare/internal/domain/consultation"
	"github.com/quickcare/quickcare/internal/domain/identity"
	"github.com/quickcare/quickcare/internal/domain/order"
	"github.com/quickcare/quickcare/internal/domain/prescription"
	"github.com/quickcare/quickcare/internal/platform/auth"
	"github.com/quickcare/quickcare/internal/platform/db"
	"github.com/quickcare/quickcare/internal/platform/middleware"
	"github.com/quickcare/quickcare/internal/platform/notification"
	"github.com/quickcare/quickcare/internal/platform/payment"
	"github.com/quickcare/quickcare/internal/platform/pharmacy"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quickcare-server",
		Short: "QuickCare telehealth API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

// parseLogLevel maps LOG_LEVEL onto a zerolog level; unknown values fall back
// to info so a typo never silences the server.
func parseLogLevel(s string) zerolog.Level {
	switch s {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger.Level(parseLogLevel(cfg.LogLevel))
}

// newGateway selects the payment gateway. Without an API key the in-memory
// mock is used; Validate has already refused that combination in production,
// so the mock is only reachable in development and staging.
func newGateway(cfg *config.Config, logger zerolog.Logger) payment.Gateway {
	if cfg.PaymentAPIKey != "" {
		return payment.NewClient(cfg.PaymentBaseURL, cfg.PaymentAPIKey)
	}
	logger.Warn().Msg("PAYMENT_API_KEY not set; using in-memory mock payment gateway")
	return payment.NewMockGateway()
}

// newDispatcher selects the pharmacy dispatcher from configuration. Disabled
// dispatch is a first-class mode: approval then records the prescriptions
// without a fulfillment hand-off.
func newDispatcher(cfg *config.Config) (pharmacy.Dispatcher, error) {
	if !cfg.PharmacyEnabled {
		return pharmacy.NewDisabledDispatcher(), nil
	}
	return pharmacy.NewClient(cfg.PharmacyEndpoint, cfg.PharmacyAPIKey)
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = middleware.NewRequestValidator()

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))

	// Transactional services resolve their data source from the request
	// context, so the pool rides along on every request.
	e.Use(db.Middleware(pool))

	// Health checks stay outside auth and rate limiting.
	e.GET("/health", db.LivenessHandler("quickcare"))
	e.GET("/health/db", db.HealthHandler(pool))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	// Patient registration is the entry point for new users; it shares the
	// rate limit but not the auth requirement.
	public := e.Group("/api/v1")
	public.Use(middleware.RateLimit(rateLimitCfg))

	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth mode: identity comes from request headers")
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{Secret: []byte(cfg.JWTSecret)}))
	}

	// Platform adapters
	gateway := newGateway(cfg, logger)
	dispatcher, err := newDispatcher(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure pharmacy dispatcher")
	}
	if cfg.PharmacyEnabled {
		logger.Info().Str("endpoint", cfg.PharmacyEndpoint).Msg("pharmacy dispatch enabled")
	}

	notifyMgr := notification.NewNotificationManager(
		&notification.LogEmailSender{Logger: logger},
		&notification.LogSMSSender{Logger: logger},
		notification.NewTemplateEngine(),
	)
	events := notification.NewEvents(notifyMgr, logger)

	// Repositories
	patientRepo := identity.NewPatientRepo(pool)
	providerRepo := identity.NewProviderRepo(pool)
	consultationRepo := consultation.NewRepoPG(pool)
	prescriptionRepo := prescription.NewRepoPG(pool)
	orderRepo := order.NewRepoPG(pool)

	// Services and handlers
	identitySvc := identity.NewService(patientRepo, providerRepo)
	identityHandler := identity.NewHandler(identitySvc)
	identityHandler.RegisterRoutes(apiV1, public)

	consultationSvc := consultation.NewService(consultationRepo, patientRepo, providerRepo, events)
	consultationHandler := consultation.NewHandler(consultationSvc)
	consultationHandler.RegisterRoutes(apiV1)

	prescriptionSvc := prescription.NewService(prescriptionRepo, consultationRepo, patientRepo, dispatcher, events)
	prescriptionHandler := prescription.NewHandler(prescriptionSvc)
	prescriptionHandler.RegisterRoutes(apiV1)

	orderSvc := order.NewService(orderRepo, prescriptionRepo, consultationRepo, patientRepo, gateway, events, order.Pricing{
		Currency:          cfg.PaymentCurrency,
		ShippingFee:       cfg.ShippingFee,
		FreeShippingFloor: cfg.FreeShippingFloor,
	})
	orderHandler := order.NewHandler(orderSvc)
	orderHandler.RegisterRoutes(apiV1)

	// Operator journal for outbound notifications.
	notifyHandler := notification.NewHandler(notifyMgr)
	notifyHandler.RegisterRoutes(apiV1.Group("", auth.RequireRole("admin")))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
