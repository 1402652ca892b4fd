package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/automata/internal/auth"
	"github.com/roach88/automata/internal/batch"
	"github.com/roach88/automata/internal/broadcast/redisfeed"
	"github.com/roach88/automata/internal/config"
	"github.com/roach88/automata/internal/engine"
	"github.com/roach88/automata/internal/eval"
	"github.com/roach88/automata/internal/kv"
	"github.com/roach88/automata/internal/kv/boltkv"
	"github.com/roach88/automata/internal/kv/memkv"
	"github.com/roach88/automata/internal/kv/pgkv"
	"github.com/roach88/automata/internal/kv/sqlitekv"
	"github.com/roach88/automata/internal/logger"
	"github.com/roach88/automata/internal/store"
)

// app is the wiring shared by every store-backed command.
type app struct {
	cfg       config.Config
	log       *logger.Logger
	store     *store.Store
	engine    *engine.Engine
	batch     *batch.Processor
	principal auth.Principal
	closers   []func() error
}

// openApp loads the configuration, opens the configured backend and
// resolves the caller.
func openApp(ctx context.Context, opts *RootOptions) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}

	log := logger.Nop()
	if opts.Verbose {
		if log, err = logger.New(cfg.LogMode); err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to create logger", err)
		}
	}

	p, err := resolvePrincipal(ctx, opts, cfg)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to resolve caller", err)
	}

	backend, err := openBackend(ctx, cfg.Store)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	a := &app{cfg: cfg, log: log, principal: p, store: store.New(backend)}
	a.closers = append(a.closers, a.store.Close)
	log.Debug("store opened", "backend", cfg.Store.Backend, "atomic", a.store.Atomic())

	a.engine = engine.New(a.store, eval.NewCUE(),
		engine.WithLogger(log),
		engine.WithEvalTimeout(cfg.Engine.EvalTimeout),
		engine.WithStorageTimeout(cfg.Engine.StorageTimeout),
		engine.WithSnapshotEvery(cfg.Engine.SnapshotEvery),
	)
	a.batch = batch.New(a.engine,
		batch.WithLimits(batch.Limits{
			MaxEventsPerAutomata: cfg.Batch.MaxEventsPerAutomata,
			MaxAutomatas:         cfg.Batch.MaxAutomatas,
			MaxStates:            cfg.Batch.MaxStates,
		}),
		batch.WithConcurrency(cfg.Batch.Concurrency),
		batch.WithLogger(log),
	)

	// Commits made from the CLI reach live subscribers of running
	// services through the shared feed.
	if cfg.Redis.Addr != "" {
		rdb, err := redisfeed.Dial(ctx, cfg.Redis.Addr)
		if err != nil {
			_ = a.Close()
			return nil, WrapExitError(ExitCommandError, "failed to connect to redis", err)
		}
		a.closers = append(a.closers, rdb.Close)
		a.engine.AddCommitListener(redisfeed.NewPublisher(rdb, cfg.Redis.Channel, log))
	}
	return a, nil
}

func openBackend(ctx context.Context, sc config.StoreConfig) (kv.Store, error) {
	switch sc.Backend {
	case config.BackendMemory:
		return memkv.New(), nil
	case config.BackendSQLite:
		return sqlitekv.Open(sc.Path)
	case config.BackendBolt:
		return boltkv.Open(sc.Path)
	case config.BackendPostgres:
		return pgkv.Open(ctx, sc.DSN)
	}
	return nil, fmt.Errorf("unknown store backend %q", sc.Backend)
}

// resolvePrincipal builds the caller from --token or from the identity
// flags.
func resolvePrincipal(ctx context.Context, opts *RootOptions, cfg config.Config) (auth.Principal, error) {
	if opts.Token != "" {
		v, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret)
		if err != nil {
			return auth.Principal{}, err
		}
		var provider auth.Provider = v
		return provider.Authenticate(ctx, opts.Token)
	}
	if opts.Tenant == "" {
		return auth.Principal{}, errors.New("--tenant or --token is required")
	}
	scopes, err := auth.ParseScopes(opts.Scopes)
	if err != nil {
		return auth.Principal{}, err
	}
	return auth.Principal{TenantID: opts.Tenant, SubjectID: opts.Subject, Scopes: scopes}, nil
}

// Close releases the store and any feed connection.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.log.Sync()
	return errors.Join(errs...)
}
