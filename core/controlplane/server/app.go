// Package server assembles the control plane components from configuration
// and serves the operational endpoints.
package server

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/amirgulubayli/opensheath-sub001/core/controlplane/audit"
	"github.com/amirgulubayli/opensheath-sub001/core/controlplane/bindings"
	"github.com/amirgulubayli/opensheath-sub001/core/controlplane/catalog"
	"github.com/amirgulubayli/opensheath-sub001/core/controlplane/gateways"
	"github.com/amirgulubayli/opensheath-sub001/core/controlplane/invocations"
	"github.com/amirgulubayli/opensheath-sub001/core/controlplane/killswitch"
	"github.com/amirgulubayli/opensheath-sub001/core/controlplane/middleware"
	"github.com/amirgulubayli/opensheath-sub001/core/controlplane/policy"
	"github.com/amirgulubayli/opensheath-sub001/core/controlplane/swarm"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/bus"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/config"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/docstore"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/gatewayclient"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/locks"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/logging"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/metrics"
	"github.com/amirgulubayli/opensheath-sub001/core/infra/redisutil"
	"github.com/amirgulubayli/opensheath-sub001/core/model"
)

const (
	metricsNamespace = "opensheath"
	redisKeyPrefix   = "opensheath"
)

// App holds every wired component of one control plane process.
type App struct {
	Config       *config.Config
	Gateways     *gateways.Registry
	Bindings     *bindings.Service
	Catalog      *catalog.Catalog
	Policy       *policy.Compiler
	KillSwitches *killswitch.Switches
	Audit        *audit.Trail
	Invocations  *invocations.Store
	Swarm        *swarm.Orchestrator
	Chain        *middleware.Chain
	Driver       *swarm.Driver
	Metrics      *metrics.Prom
	Registry     *prometheus.Registry

	checks  map[string]func(context.Context) error
	closers []func()
}

// Build wires the components selected by cfg and applies the seed bundle.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		cfg = config.Load()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	app := &App{Config: cfg, Registry: prometheus.NewRegistry(), checks: map[string]func(context.Context) error{}}
	app.Metrics = metrics.NewProm(metricsNamespace, app.Registry)

	var (
		client redis.UniversalClient
		locker locks.Locker = locks.NewLocal()
	)
	if cfg.StoreBackend == config.StoreRedis {
		rc, err := redisutil.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		client = rc
		locker = locks.NewRedis(rc, redisKeyPrefix+":lock", 0)
		app.checks["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
		app.closers = append(app.closers, func() { _ = rc.Close() })
	}

	app.Gateways = gateways.NewRegistry(newStore[model.Gateway](client, "gateways"))
	app.Bindings = bindings.NewService(newStore[model.WorkspaceBinding](client, "bindings"), app.Gateways)
	app.Catalog = catalog.New(newStore[model.ToolCatalogEntry](client, "catalog"))
	app.Policy = policy.NewCompiler(newStore[model.PolicyRule](client, "rules"))
	app.KillSwitches = killswitch.New(newStore[model.KillSwitch](client, "killswitches"))
	app.Invocations = invocations.NewStore(newStore[model.InvocationEnvelope](client, "invocations"))
	app.Swarm = swarm.NewOrchestrator(newStore[model.SwarmRun](client, "swarm_runs"),
		swarm.WithLocker(locker),
		swarm.WithMetrics(app.Metrics),
		swarm.WithFanOutCeiling(cfg.SwarmMaxFanOut),
	)

	auditStore, err := app.auditStore(ctx, client)
	if err != nil {
		app.Close()
		return nil, err
	}
	var trailOpts []audit.Option
	if cfg.NatsURL != "" {
		nb, err := bus.NewNatsBus(cfg.NatsURL)
		if err != nil {
			logging.Warn("server", "audit tap disabled", "nats_url", cfg.NatsURL, "err", err)
		} else {
			trailOpts = append(trailOpts, audit.WithPublisher(nb, cfg.AuditSubjectPrefix))
			app.closers = append(app.closers, nb.Close)
		}
	}
	app.Audit = audit.NewTrail(auditStore, trailOpts...)

	app.Chain = middleware.New(middleware.Deps{
		Bindings:     app.Bindings,
		Gateways:     app.Gateways,
		KillSwitches: app.KillSwitches,
		Catalog:      app.Catalog,
		Policy:       app.Policy,
		Invocations:  app.Invocations,
		Audit:        app.Audit,
		Client:       gatewayclient.New(cfg.GatewayTimeout),
		Metrics:      app.Metrics,
	})
	app.Driver = swarm.NewDriver(app.Swarm, middleware.NewSwarmExecutor(app.Chain))

	if cfg.BundlePath != "" {
		bundle, err := config.LoadBundle(cfg.BundlePath)
		if err != nil {
			app.Close()
			return nil, err
		}
		if err := Seed(ctx, app, bundle); err != nil {
			app.Close()
			return nil, fmt.Errorf("seed bundle %s: %w", cfg.BundlePath, err)
		}
	}
	logging.Info("server", "control plane built", "store", cfg.StoreBackend, "audit", cfg.AuditBackend,
		"audit_tap", cfg.NatsURL != "", "max_fan_out", cfg.SwarmMaxFanOut)
	return app, nil
}

func (a *App) auditStore(ctx context.Context, client redis.UniversalClient) (audit.Store, error) {
	if a.Config.AuditBackend != config.AuditPostgres {
		return audit.NewDocStore(newStore[model.AuditEntry](client, "audit")), nil
	}
	pool, store, err := audit.OpenPostgres(ctx, a.Config.PostgresURL)
	if err != nil {
		return nil, err
	}
	a.checks["postgres"] = func(ctx context.Context) error { return pool.Ping(ctx) }
	a.closers = append(a.closers, pool.Close)
	return store, nil
}

// Ready runs every backend check and returns the first failure.
func (a *App) Ready(ctx context.Context) error {
	for name, check := range a.checks {
		if err := check(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Close releases backend connections in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func newStore[T any](client redis.UniversalClient, name string) docstore.Store[T] {
	if client == nil {
		return docstore.NewMemory[T]()
	}
	return docstore.NewRedis[T](client, redisKeyPrefix+":"+name)
}
