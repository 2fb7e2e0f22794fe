package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/marianozunino/opshub/internal/alert"
	"github.com/marianozunino/opshub/internal/cleanup"
	"github.com/marianozunino/opshub/internal/config"
	"github.com/marianozunino/opshub/internal/db"
	"github.com/marianozunino/opshub/internal/envcheck"
	"github.com/marianozunino/opshub/internal/handler"
	"github.com/marianozunino/opshub/internal/logging"
	middie "github.com/marianozunino/opshub/internal/middleware"
	"github.com/marianozunino/opshub/internal/storage"
	"github.com/marianozunino/opshub/internal/upload"
)

// multipartSlack is added to the upload ceiling for the request body limit
// so multipart framing does not trip it before the validator can answer.
const multipartSlack = 64 * 1024

// App represents the application
type App struct {
	config  *config.Config
	log     *logging.Logger
	ownLog  bool
	alerts  *alert.Dispatcher
	env     envcheck.Report
	db      *db.DB
	store   *storage.Store
	cleanup *cleanup.Scheduler
	server  *echo.Echo

	cancel       context.CancelFunc
	startOnce    sync.Once
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option customises New.
type Option func(*App)

// WithLogger makes the app log through l instead of building its own
// logger. The caller keeps ownership of l.
func WithLogger(l *logging.Logger) Option {
	return func(a *App) {
		a.log = l
	}
}

// New loads the configuration from the environment and builds the application.
func New(opts ...Option) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg, opts...)
}

// NewWithConfig builds every component in dependency order. On failure the
// components built so far are released.
func NewWithConfig(cfg *config.Config, opts ...Option) (a *App, err error) {
	a = &App{config: cfg}
	for _, opt := range opts {
		opt(a)
	}

	defer func() {
		if err != nil {
			_ = a.release()
			a = nil
		}
	}()

	if a.log == nil {
		a.log, err = newLogger(cfg)
		if err != nil {
			return a, err
		}
		a.ownLog = true
	}
	log := a.log.Logger

	if a.alerts, err = newDispatcher(cfg, log); err != nil {
		return a, err
	}

	a.env, err = envcheck.Validate(cfg, log)
	if err != nil {
		a.alerts.Critical(context.Background(), err, map[string]any{"operation": "startup"})
		return a, err
	}
	if len(a.env.Substituted) > 0 {
		// substitutions may have disabled the webhook or email handler
		_ = a.alerts.Close()
		if a.alerts, err = newDispatcher(cfg, log); err != nil {
			return a, err
		}
	}

	if err = setup(cfg); err != nil {
		return a, err
	}

	if a.db, err = db.Open(cfg.SQLitePath, log.Named("db")); err != nil {
		return a, fmt.Errorf("failed to open database: %w", err)
	}

	if a.store, err = storage.New(cfg.UploadPath); err != nil {
		return a, err
	}
	validator := upload.NewValidator(cfg.MaxUploadBytes())

	rules, err := cleanup.RulesFromConfig(cfg)
	if err != nil {
		return a, err
	}
	a.cleanup = cleanup.New(rules, time.Duration(cfg.CleanupIntervalHours)*time.Hour, log,
		cleanup.WithOnRemove(a.forgetFile),
		cleanup.WithOnRun(a.recordRun),
	)

	h := handler.NewHandler(handler.Deps{
		Config:    cfg,
		Log:       log,
		DB:        a.db,
		Validator: validator,
		Store:     a.store,
		Alerts:    a.alerts,
		Cleanup:   a.cleanup,
	})
	a.server = newServer(cfg, log, a.alerts)
	registerRoutes(a.server, cfg, h)

	log.Info("Application initialised",
		zap.Strings("alert_handlers", a.alerts.Handlers()),
		zap.Int("cleanup_rules", len(rules)),
		zap.String("upload_path", a.store.Root()),
	)
	return a, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level := cfg.LogLevel
	if _, err := logging.ParseLevel(level); err != nil {
		// the environment check reports it once the logger exists
		level = "info"
	}
	return logging.New(logging.Options{
		Level:      level,
		Dir:        cfg.LogDir,
		MaxSizeMiB: cfg.LogMaxSizeMiB,
		MaxBackups: cfg.LogMaxBackups,
	})
}

func newDispatcher(cfg *config.Config, log *zap.Logger) (*alert.Dispatcher, error) {
	handlers, err := alert.HandlersFromConfig(cfg, log)
	if err != nil {
		return nil, err
	}
	return alert.NewDispatcher(log, handlers...), nil
}

// setup ensures all necessary directories exist
func setup(cfg *config.Config) error {
	for _, dir := range []string{cfg.UploadPath, cfg.StagingPath, cfg.TempPath} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

func newServer(cfg *config.Config, log *zap.Logger, alerts *alert.Dispatcher) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Uploads can be large; headers cannot.
	e.Server.ReadTimeout = 10 * time.Minute
	e.Server.WriteTimeout = 10 * time.Minute
	e.Server.IdleTimeout = 2 * time.Minute
	e.Server.ReadHeaderTimeout = 30 * time.Second

	e.HTTPErrorHandler = handler.ErrorHandler(log, alerts)

	e.Use(echomw.RequestID())
	e.Use(middie.RequestLogger(log))
	e.Use(handler.Recover(log, alerts))
	e.Use(middie.SecurityHeaders())
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dK", (cfg.MaxUploadBytes()+multipartSlack)/1024)))
	return e
}

// registerRoutes registers all HTTP routes
func registerRoutes(e *echo.Echo, cfg *config.Config, h *handler.Handler) {
	limiter := middie.NewIPRateLimiter(cfg.RateLimitPerMinute).Middleware()

	e.POST("/uploads/:category", h.HandleUpload, limiter)
	e.POST("/assembly/upload", h.HandleAssemblyUpload, limiter)
	e.POST("/purchase-orders/upload", h.HandlePurchaseOrderUpload, limiter)
	e.GET("/uploads/:id", h.HandleGetFile)
	e.GET("/categories", h.HandleCategories)
	e.GET("/health", h.HandleHealth)

	system := e.Group("/system", middie.AdminAuth(cfg.SecretKey, cfg.AdminAuthEnabled))
	system.GET("/cleanup", h.HandleCleanup)
	system.POST("/cleanup", h.HandleCleanup)
	system.GET("/files", h.HandleListFiles)
}

// forgetFile drops the registry record of a file removed by cleanup.
func (a *App) forgetFile(ctx context.Context, path string) {
	if _, err := a.db.DeleteFileByPath(ctx, path); err != nil {
		a.log.Warn("Failed to drop registry record for cleaned file",
			zap.String("path", path), zap.Error(err))
	}
}

// recordRun persists a cleanup summary so health survives restarts.
func (a *App) recordRun(ctx context.Context, s cleanup.Summary) {
	raw, err := json.Marshal(s)
	if err != nil {
		a.log.Warn("Failed to encode cleanup summary", zap.Error(err))
		return
	}
	err = a.db.RecordCleanupRun(ctx, db.CleanupRun{
		Trigger:      s.Trigger,
		StartedAt:    s.StartedAt,
		Duration:     s.Duration,
		FilesDeleted: s.FilesDeleted,
		BytesFreed:   s.BytesFreed,
		Errors:       s.Errors,
		Summary:      raw,
	})
	if err != nil {
		a.log.Warn("Failed to record cleanup run", zap.Error(err))
	}
}

// Start listens on the configured port and serves in the background.
func (a *App) Start() error {
	addr, err := a.config.Addr()
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	a.Serve(ln)
	return nil
}

// Serve starts the cleanup scheduler, when enabled, and serves HTTP on ln
// in the background.
func (a *App) Serve(ln net.Listener) {
	a.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		a.cancel = cancel
		if a.config.CleanupEnabled {
			a.cleanup.Start(ctx)
		}

		a.server.Listener = ln
		go func() {
			if err := a.server.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("Server stopped unexpectedly", zap.Error(err))
				a.alerts.Critical(context.Background(), err, map[string]any{"operation": "http_server"})
			}
		}()

		a.log.Info("Server started",
			zap.String("addr", ln.Addr().String()),
			zap.Bool("cleanup_enabled", a.config.CleanupEnabled),
		)
	})
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler { return a.server }

// Config returns the effective configuration after environment checks.
func (a *App) Config() *config.Config { return a.config }

// Environment returns the startup environment report.
func (a *App) Environment() envcheck.Report { return a.env }

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.log.Logger }

// RunCleanup performs a manual cleanup run outside the HTTP surface.
func (a *App) RunCleanup(ctx context.Context) cleanup.Summary {
	return a.cleanup.Run(ctx, cleanup.TriggerManual)
}

// Shutdown stops the server, the scheduler, the database, the alert
// handlers and the logger, in that order. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		var errs []error
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("server shutdown: %w", err))
			}
		}
		if a.log != nil {
			a.log.Info("Server stopped")
		}
		errs = append(errs, a.release())
		a.shutdownErr = errors.Join(errs...)
	})
	return a.shutdownErr
}

// release closes everything but the HTTP server.
func (a *App) release() error {
	var errs []error
	if a.cancel != nil {
		a.cancel()
	}
	if a.cleanup != nil {
		a.cleanup.Stop()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database close: %w", err))
		}
	}
	if a.alerts != nil {
		if err := a.alerts.Close(); err != nil {
			errs = append(errs, fmt.Errorf("alert handlers close: %w", err))
		}
	}
	if a.log != nil && a.ownLog {
		if err := a.log.Close(); err != nil {
			errs = append(errs, fmt.Errorf("logger close: %w", err))
		}
	}
	return errors.Join(errs...)
}
