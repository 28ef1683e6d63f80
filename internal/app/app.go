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

	"github.com/bissquit/digest-garden/internal/config"
	"github.com/bissquit/digest-garden/internal/digest"
	"github.com/bissquit/digest-garden/internal/identity/jwt"
	"github.com/bissquit/digest-garden/internal/inference"
	"github.com/bissquit/digest-garden/internal/news"
	"github.com/bissquit/digest-garden/internal/notifications/email"
	"github.com/bissquit/digest-garden/internal/pkg/ctxlog"
	"github.com/bissquit/digest-garden/internal/pkg/httputil"
	"github.com/bissquit/digest-garden/internal/preferences"
	"github.com/bissquit/digest-garden/internal/scheduling"
	"github.com/bissquit/digest-garden/internal/version"
	"github.com/bissquit/digest-garden/internal/workflow"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	storage       *storage
	engine        *workflow.Engine
	gateway       *scheduling.Gateway
	tokens        *jwt.Validator
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
}

// Option customises collaborators, mostly for tests.
type Option func(*options)

type options struct {
	source     digest.ArticleSource
	summarizer digest.Summarizer
	mailer     digest.Mailer
	clock      func() time.Time
}

// WithArticleSource replaces the feed-backed article source.
func WithArticleSource(s digest.ArticleSource) Option {
	return func(o *options) { o.source = s }
}

// WithSummarizer replaces the inference client.
func WithSummarizer(s digest.Summarizer) Option {
	return func(o *options) { o.summarizer = s }
}

// WithMailer replaces the SMTP sender.
func WithMailer(m digest.Mailer) Option {
	return func(o *options) { o.mailer = m }
}

// WithScheduleClock overrides the time source used to compute fire times.
func WithScheduleClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// New creates a new application instance and starts the workflow engine.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	loc, err := cfg.Scheduler.TimeLocation()
	if err != nil {
		return nil, fmt.Errorf("load scheduler location: %w", err)
	}

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	store, err := openStorage(connectCtx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	tokens, err := jwt.NewValidator(jwt.Config{
		SecretKey: cfg.JWT.SecretKey,
		Issuer:    cfg.JWT.Issuer,
		Audience:  cfg.JWT.Audience,
		Leeway:    cfg.JWT.Leeway,
	})
	if err != nil {
		store.close()
		return nil, fmt.Errorf("create token validator: %w", err)
	}

	engine := workflow.NewEngine(workflow.Config{
		MaxAttempts:       cfg.Scheduler.MaxAttempts,
		InitialBackoff:    cfg.Scheduler.InitialBackoff,
		MaxBackoff:        cfg.Scheduler.MaxBackoff,
		BackoffMultiplier: cfg.Scheduler.BackoffMultiplier,
		StepTimeout:       cfg.Scheduler.StepTimeout,
		SweepSpec:         cfg.Scheduler.SweepSpec,
		SweepBatchSize:    cfg.Scheduler.SweepBatchSize,
		Location:          loc,
	}, store.runs)
	gateway := scheduling.NewGateway(engine, store.preferences, loc)
	if o.clock != nil {
		gateway.WithClock(o.clock)
	}

	pipeline, err := buildPipeline(cfg, store.preferences, gateway, o)
	if err != nil {
		store.close()
		return nil, fmt.Errorf("build delivery pipeline: %w", err)
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer startCancel()

	if err := engine.Start(startCtx, pipeline); err != nil {
		store.close()
		return nil, fmt.Errorf("start workflow engine: %w", err)
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		storage:       store,
		engine:        engine,
		gateway:       gateway,
		tokens:        tokens,
		metricsCancel: metricsCancel,
	}

	go app.collectDBMetrics(metricsCtx)

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           app.setupRouter(),
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

func buildPipeline(cfg *config.Config, prefs digest.PreferenceReader, rearmer digest.Rearmer, o options) (*digest.Pipeline, error) {
	if o.source == nil {
		source, err := news.NewSource(news.Config{
			Feeds:             cfg.News.Feeds,
			MaxPerCategory:    cfg.News.MaxPerCategory,
			Lookback:          cfg.News.Lookback,
			Timeout:           cfg.News.Timeout,
			MaxBodyBytes:      cfg.News.MaxBodyBytes,
			RequestsPerSecond: cfg.News.RequestsPerSecond,
			SafeClient:        cfg.News.SafeClient,
		})
		if err != nil {
			return nil, fmt.Errorf("create article source: %w", err)
		}
		if len(cfg.News.Feeds) == 0 {
			slog.Warn("no news feeds configured: digests will be empty")
		}
		o.source = source
	}

	if o.summarizer == nil {
		client, err := inference.NewClient(inference.Config{
			APIKey:            cfg.Inference.APIKey,
			BaseURL:           cfg.Inference.BaseURL,
			Model:             cfg.Inference.Model,
			Temperature:       cfg.Inference.Temperature,
			MaxTokens:         cfg.Inference.MaxTokens,
			RequestsPerSecond: cfg.Inference.RequestsPerSecond,
			Timeout:           cfg.Inference.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create inference client: %w", err)
		}
		o.summarizer = client
	}

	if o.mailer == nil {
		sender, err := email.NewSender(email.Config{
			Enabled:      cfg.Email.Enabled,
			SMTPHost:     cfg.Email.SMTPHost,
			SMTPPort:     cfg.Email.SMTPPort,
			SMTPUser:     cfg.Email.SMTPUser,
			SMTPPassword: cfg.Email.SMTPPassword,
			FromAddress:  cfg.Email.FromAddress,
			DialTimeout:  cfg.Email.DialTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create email sender: %w", err)
		}
		if !cfg.Email.Enabled {
			slog.Warn("email sender is disabled: digests will be rendered but not delivered")
		}
		o.mailer = sender
	}

	renderer, err := digest.NewHTMLRenderer()
	if err != nil {
		return nil, fmt.Errorf("create renderer: %w", err)
	}

	return digest.NewPipeline(digest.Dependencies{
		Preferences: prefs,
		Source:      o.source,
		Summarizer:  o.summarizer,
		Renderer:    renderer,
		Mailer:      o.mailer,
		Rearmer:     rearmer,
	}, digest.Options{
		RescheduleOnSendFailure: cfg.Scheduler.RescheduleOnSendFailure,
	}), nil
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

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"database", a.config.Database.Driver,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown stops accepting requests, drains the workflow engine and closes storage.
// Runs cut off mid-step resume on the next start.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.metricsCancel()

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

	a.engine.Stop(ctx)
	a.storage.close()

	return errors.Join(errs...)
}

func (a *App) collectDBMetrics(ctx context.Context) {
	// Collect immediately on start
	a.storage.recordMetrics()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.storage.recordMetrics()
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Gateway returns the scheduling gateway. Used in tests to inspect armed runs.
func (a *App) Gateway() *scheduling.Gateway {
	return a.gateway
}

// Tokens returns the bearer token validator. Used in tests to mint tokens.
func (a *App) Tokens() *jwt.Validator {
	return a.tokens
}

func (a *App) setupRouter() *chi.Mux {
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

	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
    <title>Digest API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
        SwaggerUIBundle({
            url: "/api/openapi.yaml",
            dom_id: '#swagger-ui',
            presets: [SwaggerUIBundle.presets.apis, SwaggerUIBundle.SwaggerUIStandalonePreset],
            layout: "BaseLayout"
        });
    </script>
</body>
</html>`))
	})

	preferencesService := preferences.NewService(a.storage.preferences, a.gateway)
	preferencesHandler := preferences.NewHandler(preferencesService)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(httputil.AuthMiddleware(a.tokens))
			preferencesHandler.RegisterRoutes(r)
		})
	})

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.storage.preferences.Ping(ctx); err != nil {
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
