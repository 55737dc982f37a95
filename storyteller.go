// Package storyteller is the public API for embedding the Storyteller
// consensus and escalation server.
//
// Consumers import this package to run the server in-process and hook into
// escalations without forking it:
//
//	app, err := storyteller.New(
//	    storyteller.WithVersion(version),
//	    storyteller.WithLogger(logger),
//	    storyteller.WithEscalationHook(pager),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, never the reverse. Public types are
// standalone structs; conversion helpers live here because this is the only
// file that sees both sides of the boundary.
package storyteller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/wtfzdotnet/storyteller-sub002/internal/auth"
	"github.com/wtfzdotnet/storyteller-sub002/internal/config"
	engine "github.com/wtfzdotnet/storyteller-sub002/internal/consensus"
	"github.com/wtfzdotnet/storyteller-sub002/internal/intervention"
	"github.com/wtfzdotnet/storyteller-sub002/internal/mcp"
	"github.com/wtfzdotnet/storyteller-sub002/internal/model"
	"github.com/wtfzdotnet/storyteller-sub002/internal/ratelimit"
	"github.com/wtfzdotnet/storyteller-sub002/internal/server"
	"github.com/wtfzdotnet/storyteller-sub002/internal/service/consensus"
	"github.com/wtfzdotnet/storyteller-sub002/internal/storage"
	"github.com/wtfzdotnet/storyteller-sub002/internal/telemetry"
	"github.com/wtfzdotnet/storyteller-sub002/migrations"
)

// App is the Storyteller server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	store        storage.Store
	srv          *server.Server
	broker       *server.Broker
	limiter      ratelimit.Limiter
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string

	shutdownOnce sync.Once
	shutdownErr  error
}

// New initialises the Storyteller server. It opens the configured store,
// runs migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyOptions(&cfg, o)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("storyteller starting", "version", version, "port", cfg.Port, "store", cfg.StoreBackend)

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store, db, err := openStore(ctx, cfg, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}
	fail := func(err error) (*App, error) {
		store.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, err
	}

	// Role weights: built-in table, configured default, then overrides.
	overrides, err := engine.ParseRoleWeights(cfg.RoleWeights)
	if err != nil {
		return fail(fmt.Errorf("role weights: %w", err))
	}
	eng := engine.NewEngine(engine.Config{
		Threshold:     cfg.Threshold(),
		MaxIterations: cfg.ConsensusMaxIterations,
		Weights:       engine.NewRoleWeights(cfg.DefaultRoleWeight, overrides),
	}, logger)

	// Escalation channel. With a Postgres notify connection, events go out
	// over NOTIFY and come back to this replica's SSE subscribers through the
	// broker's listener. Otherwise the broker is fed in-process.
	var broker *server.Broker
	var notifiers []intervention.Notifier
	switch {
	case db != nil && db.HasNotifyConn():
		broker = server.NewBroker(db, logger)
		notifiers = append(notifiers, db)
		logger.Info("SSE broker: distributed (postgres LISTEN/NOTIFY)")
	case db != nil:
		broker = server.NewBroker(nil, logger)
		notifiers = append(notifiers, db, broker)
		logger.Info("SSE broker: local (no notify connection; NOTIFY still published)")
	default:
		broker = server.NewBroker(nil, logger)
		notifiers = append(notifiers, broker)
		logger.Info("SSE broker: local")
	}
	for _, h := range o.escalationHooks {
		notifiers = append(notifiers, &escalationHookAdapter{hook: h})
	}

	workflow := intervention.NewWorkflow(store, logger, notifiers...)
	svc := consensus.New(eng, store, workflow, logger, consensus.Options{AutoEscalate: cfg.AutoEscalate})

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}
	if cfg.JWTPrivateKeyPath == "" {
		logger.Warn("auth: using an ephemeral signing key; tokens will not survive a restart")
	}

	operators, err := auth.ParseOperators(cfg.Operators)
	if err != nil {
		return fail(fmt.Errorf("operators: %w", err))
	}
	if operators.Len() == 0 {
		logger.Warn("auth: no operators configured; POST /auth/token will reject every request")
	} else {
		logger.Info("auth: operators loaded", "count", operators.Len())
	}

	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst)
	if cfg.RateLimitRPS > 0 {
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	mcpSrv := mcp.New(svc, logger, version)

	srv := server.New(server.ServerConfig{
		Service:             svc,
		Store:               store,
		StoreName:           cfg.StoreBackend,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Operators:           operators,
		Limiter:             limiter,
		Broker:              broker,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		store:        store,
		srv:          srv,
		broker:       broker,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Handler returns the root HTTP handler, for serving the API from a caller's
// own listener or from tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the broker and the HTTP server, then blocks until ctx is
// cancelled or the server fails. On return, Shutdown has already run;
// callers should not call it separately.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.broker.Start(gctx)
		return nil
	})
	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown drains in-flight HTTP requests, then releases the limiter, the
// store, and the OTEL providers. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.logger.Info("storyteller shutting down")

		httpCtx, cancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownTimeout)
		if err := a.srv.Shutdown(httpCtx); err != nil {
			a.logger.Error("http shutdown error", "error", err)
			a.shutdownErr = fmt.Errorf("http shutdown: %w", err)
		}
		cancel()

		_ = a.limiter.Close()
		a.store.Close(context.Background())
		if err := a.otelShutdown(context.Background()); err != nil {
			a.logger.Warn("telemetry shutdown error", "error", err)
		}

		a.logger.Info("storyteller stopped")
	})
	return a.shutdownErr
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func applyOptions(cfg *config.Config, o resolvedOptions) {
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.storeBackend != "" {
		cfg.StoreBackend = o.storeBackend
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
}

// openStore builds the configured backend. db is non-nil only for Postgres.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, *storage.DB, error) {
	switch cfg.StoreBackend {
	case config.StoreSQLite:
		s, err := storage.OpenSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("storage: sqlite", "path", cfg.SQLitePath)
		return s, nil, nil

	case config.StorePostgres:
		db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			db.Close(ctx)
			return nil, nil, fmt.Errorf("migrations: %w", err)
		}
		logger.Info("storage: postgres", "notify", db.HasNotifyConn())
		return db, db, nil

	default:
		logger.Warn("storage: in-memory; consensus state is lost on restart")
		return storage.NewMemoryStore(), nil, nil
	}
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, timeout)
}

// ── Adapters (defined here because this file imports both sides) ─────────────

// escalationHookAdapter wraps a storyteller.EscalationHook to satisfy
// intervention.Notifier, converting internal records at the boundary.
type escalationHookAdapter struct {
	hook EscalationHook
}

func (a *escalationHookAdapter) NotifyIntervention(ctx context.Context, event string, m model.ManualIntervention) error {
	return a.hook.OnIntervention(ctx, event, toPublicIntervention(m))
}

// toPublicIntervention converts an internal model.ManualIntervention to the
// public storyteller.Intervention. Slices and maps are copied so hooks cannot
// alias stored state.
func toPublicIntervention(m model.ManualIntervention) Intervention {
	m = m.Clone()
	return Intervention{
		ID:               m.ID,
		ConversationID:   m.ConversationID,
		ConsensusID:      m.ConsensusID,
		TriggerReason:    string(m.TriggerReason),
		InterventionType: string(m.InterventionType),
		Status:           string(m.Status),
		OriginalDecision: m.OriginalDecision,
		HumanDecision:    m.HumanDecision,
		HumanRationale:   m.HumanRationale,
		IntervenerID:     m.IntervenerID,
		IntervenerRole:   m.IntervenerRole,
		AffectedRoles:    m.AffectedRoles,
		TriggeredAt:      m.TriggeredAt,
		ResolvedAt:       m.ResolvedAt,
		OverrideData:     m.OverrideData,
		Metadata:         m.Metadata,
	}
}
