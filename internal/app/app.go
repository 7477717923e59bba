// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/soc-garden/internal/auth"
	"github.com/bissquit/soc-garden/internal/config"
	"github.com/bissquit/soc-garden/internal/domain"
	"github.com/bissquit/soc-garden/internal/incidents"
	incidentspostgres "github.com/bissquit/soc-garden/internal/incidents/postgres"
	"github.com/bissquit/soc-garden/internal/notifications"
	"github.com/bissquit/soc-garden/internal/notifications/email"
	"github.com/bissquit/soc-garden/internal/pkg/ctxlog"
	"github.com/bissquit/soc-garden/internal/pkg/httputil"
	"github.com/bissquit/soc-garden/internal/pkg/metrics"
	"github.com/bissquit/soc-garden/internal/pkg/postgres"
	"github.com/bissquit/soc-garden/internal/scheduling"
	schedulingpostgres "github.com/bissquit/soc-garden/internal/scheduling/postgres"
	"github.com/bissquit/soc-garden/internal/sweeper"
	"github.com/bissquit/soc-garden/internal/threatintel"
	threatintelpostgres "github.com/bissquit/soc-garden/internal/threatintel/postgres"
	"github.com/bissquit/soc-garden/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
	sweeper       *sweeper.Sweeper
}

// playbookStarter defers the incidents-to-threatintel call until both
// services exist. The two services reference each other, so one side binds
// late.
type playbookStarter struct {
	svc *threatintel.Service
}

func (p *playbookStarter) StartForClassification(ctx context.Context, incidentID, ticketID, analysisID, incidentType string) (bool, error) {
	if p.svc == nil {
		return false, nil
	}
	return p.svc.StartForClassification(ctx, incidentID, ticketID, analysisID, incidentType)
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if cfg.Database.MigrationsPath != "" {
		if err := postgres.Migrate("file://"+cfg.Database.MigrationsPath, cfg.Database.URL); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		db:            db,
		metricsCancel: metricsCancel,
	}

	go app.collectDBMetrics(metricsCtx)

	router, slaSweeper, err := app.setupRouter(metricsCtx)
	if err != nil {
		db.Close()
		metricsCancel()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	app.sweeper = slaSweeper

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the HTTP servers.
func (a *App) Run() error {
	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	// Start main server
	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.metricsCancel()

	// Stop the SLA sweeper first so no sweep runs against a closing pool
	if a.sweeper != nil {
		a.sweeper.Stop()
	}

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	a.db.Close()

	return errors.Join(errs...)
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// Collect immediately on start
	metrics.RecordDBPoolMetrics(a.db)

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.RecordDBPoolMetrics(a.db)
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

func (a *App) setupRouter(ctx context.Context) (*chi.Mux, *sweeper.Sweeper, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	schedulingRepo := schedulingpostgres.NewRepository(a.db)
	schedulingService := scheduling.NewService(schedulingRepo)
	schedulingHandler := scheduling.NewHandler(schedulingService)

	var notifier *notifications.ClientNotifier
	var sender notifications.Sender
	if a.config.Notifications.Enabled {
		emailSender, err := email.NewSender(email.Config{
			Enabled:      a.config.Notifications.Email.Enabled,
			SMTPHost:     a.config.Notifications.Email.SMTPHost,
			SMTPPort:     a.config.Notifications.Email.SMTPPort,
			SMTPUser:     a.config.Notifications.Email.SMTPUser,
			SMTPPassword: a.config.Notifications.Email.SMTPPassword,
			FromAddress:  a.config.Notifications.Email.FromAddress,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create email sender: %w", err)
		}

		if !a.config.Notifications.Email.Enabled {
			slog.Warn("email sender is disabled: client notifications will not be sent")
		}

		sender = emailSender
		notifier = notifications.NewClientNotifier(emailSender)
	}

	starter := &playbookStarter{}

	incidentsRepo := incidentspostgres.NewRepository(a.db)
	var clientNotifier incidents.ClientNotifier
	if notifier != nil {
		clientNotifier = notifier
	}
	incidentsService := incidents.NewService(incidentsRepo, schedulingService, clientNotifier, starter)
	incidentsHandler := incidents.NewHandler(incidentsService)

	threatintelRepo := threatintelpostgres.NewRepository(a.db)
	threatintelService := threatintel.NewService(threatintelRepo, incidentsService, incidentsService, threatintel.NoopRunner{})
	threatintelHandler := threatintel.NewHandler(threatintelService)
	starter.svc = threatintelService

	validator := auth.NewValidator(a.config.Auth.JWTSecret, a.config.Auth.Issuer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(validator))

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(domain.RoleAnalyst))

				r.Route("/incidents", func(r chi.Router) {
					incidentsHandler.RegisterIncidentRoutes(r)
					threatintelHandler.RegisterIncidentRoutes(r)
				})
				r.Route("/tickets", incidentsHandler.RegisterTicketRoutes)
				threatintelHandler.RegisterRoutes(r)
			})

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(domain.RoleAdmin))
				schedulingHandler.RegisterRoutes(r)
			})
		})
	})

	var slaSweeper *sweeper.Sweeper
	if a.config.Sweeper.Enabled {
		slaSweeper = sweeper.New(sweeper.Config{
			Interval:        a.config.Sweeper.Interval,
			OpsAddress:      a.config.Sweeper.OpsAddress,
			AlertsPerMinute: a.config.Sweeper.AlertsPerMinute,
		}, incidentsService, sender)
		slaSweeper.Start(ctx)
	}

	return r, slaSweeper, nil
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
