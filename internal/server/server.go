package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/qrbridge/qrbridge/internal/bank"
	"github.com/qrbridge/qrbridge/internal/config"
	"github.com/qrbridge/qrbridge/internal/ledger"
	"github.com/qrbridge/qrbridge/internal/logging"
	"github.com/qrbridge/qrbridge/internal/metrics"
	"github.com/qrbridge/qrbridge/internal/notification"
	"github.com/qrbridge/qrbridge/internal/payments"
	"github.com/qrbridge/qrbridge/internal/routes"
	"github.com/qrbridge/qrbridge/internal/session"
	"github.com/qrbridge/qrbridge/internal/settlement"
	"github.com/qrbridge/qrbridge/internal/verification"
)

// Components are the external collaborators the server is built on.
type Components struct {
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Banks  bank.Repository
	Ledger ledger.Client
}

// Server wraps the Fiber application and the payment runtime.
type Server struct {
	app      *fiber.App
	cfg      config.Config
	logger   *slog.Logger
	sessions *session.Store
	engine   *settlement.Engine
}

// New builds the payment runtime over comps and wires the HTTP routes.
func New(cfg config.Config, comps Components, logger *slog.Logger) (*Server, error) {
	if comps.Banks == nil {
		return nil, fmt.Errorf("bank repository is required")
	}
	if comps.Ledger == nil {
		return nil, fmt.Errorf("ledger client is required")
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * cfg.Ledger.CallTimeout * time.Duration(cfg.Ledger.MaxAttempts),
		ErrorHandler: errorHandler,
	})

	sessions := session.NewStore()
	m := metrics.New(sessions.Len)
	ledgerClient := ledger.WithRetry(comps.Ledger, ledger.Policy{
		Timeout:     cfg.Ledger.CallTimeout,
		MaxAttempts: cfg.Ledger.MaxAttempts,
		Backoff:     cfg.Ledger.RetryBackoff,
	}, logging.Component(logger, "ledger"), m)

	banks := bank.NewService(comps.Banks)
	notifier := notification.NewLoggerNotifier(logging.Component(logger, "notification"))
	verifier := verification.NewService(sessions, banks, ledgerClient, notifier, m, logging.Component(logger, "verification"))
	engine := settlement.NewEngine(sessions, banks, ledgerClient, notifier, m, logging.Component(logger, "settlement"), cfg.SettlementDelay)
	director := payments.NewService(sessions, banks, ledgerClient, verifier, engine, logging.Component(logger, "payments"))

	if err := routes.Setup(app, routes.Deps{
		Cfg:      cfg,
		DB:       comps.DB,
		Cache:    comps.Cache,
		Logger:   logger,
		Ledger:   ledgerClient,
		Sessions: sessions,
		Metrics:  m,
		Payments: payments.NewHandler(director),
	}); err != nil {
		return nil, err
	}

	return &Server{app: app, cfg: cfg, logger: logger, sessions: sessions, engine: engine}, nil
}

// App exposes the Fiber application, mainly for app.Test in tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts the session janitor and the HTTP server. The janitor stops
// when ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	go s.sessions.RunJanitor(ctx, s.cfg.SessionSweepInterval, s.cfg.SessionTTL, logging.Component(s.logger, "janitor"))
	return s.app.Listen(s.cfg.Address())
}

// Shutdown stops accepting requests, then waits for scheduled settlement
// completions so no payment is left between debit and credit.
func (s *Server) Shutdown(ctx context.Context) error {
	httpErr := s.app.ShutdownWithContext(ctx)
	if err := s.engine.Wait(ctx); err != nil {
		return errors.Join(httpErr, fmt.Errorf("drain settlements: %w", err))
	}
	return httpErr
}

// errorHandler renders every error as {"error": message}.
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
