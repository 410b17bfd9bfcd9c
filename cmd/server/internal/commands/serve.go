package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/wolfeidau/planboard/internal/access"
	"github.com/wolfeidau/planboard/internal/auth"
	"github.com/wolfeidau/planboard/internal/httpapi"
	"github.com/wolfeidau/planboard/internal/identity"
	"github.com/wolfeidau/planboard/internal/logger"
	"github.com/wolfeidau/planboard/internal/notify"
	"github.com/wolfeidau/planboard/internal/orchestrator"
	"github.com/wolfeidau/planboard/internal/store"
	memorystore "github.com/wolfeidau/planboard/internal/store/memory"
	postgresstore "github.com/wolfeidau/planboard/internal/store/postgres"
	"github.com/wolfeidau/planboard/internal/telemetry"
	"github.com/wolfeidau/planboard/internal/workflow"
	"github.com/wolfeidau/planboard/internal/workspace"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

type ServeCmd struct {
	// Server configuration
	Listen      string   `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"PLANBOARD_LISTEN"`
	CORSOrigins []string `help:"allowed CORS origins for the admin API" default:"https://localhost" env:"PLANBOARD_CORS_ORIGINS"`

	// Identity provider configuration
	JWTPublicKey  string `help:"PEM encoded public key used to verify session tokens" env:"PLANBOARD_JWT_PUBLIC_KEY"`
	JWTIssuer     string `help:"expected iss claim of session tokens" env:"PLANBOARD_JWT_ISSUER"`
	WebhookSecret string `help:"identity webhook signing secret (whsec_...)" env:"PLANBOARD_WEBHOOK_SECRET"`

	Tracing          bool    `help:"enable tracing" default:"false" env:"PLANBOARD_TRACING"`
	TraceSampleRatio float64 `help:"fraction of root traces to sample" default:"1.0" env:"PLANBOARD_TRACE_SAMPLE_RATIO"`

	// Store configuration
	StoreType   string        `help:"store type (memory or postgres)" default:"memory" env:"PLANBOARD_STORE_TYPE" enum:"memory,postgres"`
	AutoMigrate bool          `help:"run database migrations on startup" default:"false" env:"PLANBOARD_POSTGRES_AUTO_MIGRATE"`
	Postgres    PostgresFlags `embed:"" prefix:"postgres-"`

	Orchestrator OrchestratorFlags `embed:"" prefix:"orchestrator-"`
	Notify       NotifyFlags       `embed:"" prefix:"notify-"`
}

type OrchestratorFlags struct {
	Workers            int           `help:"number of concurrent job workers" default:"4" env:"PLANBOARD_WORKERS"`
	PollInterval       time.Duration `help:"how often to poll for due jobs" default:"1s"`
	LeaseDuration      time.Duration `help:"how long a worker owns a claimed job" default:"5m"`
	StepTimeout        time.Duration `help:"timeout for a single step" default:"30s"`
	MaxAttempts        int           `help:"attempts before a job is marked failed" default:"5"`
	CompletedRetention time.Duration `help:"how long completed jobs are kept, zero keeps them forever" default:"168h"`
}

type NotifyFlags struct {
	URL   string `help:"notification relay URL, empty logs notifications instead" env:"PLANBOARD_NOTIFY_URL"`
	Token string `help:"bearer token for the notification relay" env:"PLANBOARD_NOTIFY_TOKEN"`
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Dev)
	zlog.Logger = log
	zerolog.DefaultContextLogger = &log

	log.Info().Str("version", globals.Version).Bool("dev", globals.Dev).Msg("Starting server")

	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, "planboard-server", globals.Version, c.TraceSampleRatio)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}
	metrics := telemetry.NewMetrics(nil)

	var (
		domainStore store.Store
		jobStore    store.JobStore
		ready       func(context.Context) error
	)

	switch c.StoreType {
	case "postgres":
		pool, err := c.Postgres.connect(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		if c.AutoMigrate {
			if err := postgresstore.RunMigrations(ctx, pool); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
		}

		pgJobs, err := c.Postgres.jobStore(pool)
		if err != nil {
			return fmt.Errorf("failed to create job store: %w", err)
		}
		domainStore = postgresstore.NewStore(pool)
		jobStore = pgJobs
		ready = pool.Ping

		go postgresstore.MonitorPool(ctx, pool, time.Minute)
		log.Info().Msg("Using PostgreSQL stores")

	default:
		domainStore = memorystore.NewStore()
		jobStore = memorystore.NewJobStore()
		log.Info().Msg("Using in-memory stores")
	}

	orch := orchestrator.New(jobStore, orchestrator.Options{
		Workers:            c.Orchestrator.Workers,
		PollInterval:       c.Orchestrator.PollInterval,
		LeaseDuration:      c.Orchestrator.LeaseDuration,
		StepTimeout:        c.Orchestrator.StepTimeout,
		MaxAttempts:        c.Orchestrator.MaxAttempts,
		CompletedRetention: c.Orchestrator.CompletedRetention,
		Metrics:            metrics,
	})

	identity.Register(orch, identity.NewSyncer(domainStore, metrics))

	var sender notify.Sender = notify.NewLogSender(metrics)
	if c.Notify.URL != "" {
		opts := []notify.HTTPSenderOption{notify.WithMetrics(metrics)}
		if c.Tracing {
			opts = append(opts, notify.WithHTTPClient(&http.Client{
				Timeout:   10 * time.Second,
				Transport: otelhttp.NewTransport(http.DefaultTransport),
			}))
		}
		sender = notify.NewHTTPSender(c.Notify.URL, c.Notify.Token, opts...)
		log.Info().Str("url", c.Notify.URL).Msg("Sending notifications through relay")
	} else {
		log.Warn().Msg("No notification relay configured, notifications are only logged")
	}
	workflow.Register(orch, workflow.NewAssignment(domainStore, sender))

	gate := access.NewGate(domainStore)

	routes := httpapi.Config{
		Jobs:        orch,
		Events:      orch,
		Workspaces:  workspace.NewService(domainStore, gate, orch),
		CORSOrigins: c.CORSOrigins,
		Ready:       ready,
		Log:         log,
		Metrics:     metrics,
	}

	if c.WebhookSecret != "" {
		verifier, err := httpapi.NewWebhookVerifier(c.WebhookSecret, httpapi.DefaultWebhookTolerance)
		if err != nil {
			return fmt.Errorf("failed to configure webhook verification: %w", err)
		}
		routes.Webhook = verifier
	} else {
		log.Warn().Msg("No webhook secret configured, identity webhooks are disabled")
	}

	if c.JWTPublicKey != "" {
		verifier, err := auth.NewVerifierFromPEM(c.JWTPublicKey, c.JWTIssuer)
		if err != nil {
			return fmt.Errorf("failed to configure JWT verification: %w", err)
		}
		routes.Authenticate = verifier.Middleware()
	} else {
		log.Warn().Msg("No JWT public key configured, workspace and admin endpoints are disabled")
	}

	var handler http.Handler = httpapi.NewRouter(routes)
	if c.Tracing {
		handler = otelhttp.NewHandler(handler, "planboard")
	}
	srv := configureHTTPServer(c.Listen, handler)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(gctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", c.Listen).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info().Msg("Shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
