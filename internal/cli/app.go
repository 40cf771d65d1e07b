package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/roach88/bluelines/internal/composition"
	"github.com/roach88/bluelines/internal/config"
	"github.com/roach88/bluelines/internal/eligibility"
	"github.com/roach88/bluelines/internal/engine"
	"github.com/roach88/bluelines/internal/logging"
	"github.com/roach88/bluelines/internal/model"
	"github.com/roach88/bluelines/internal/reconcile"
	"github.com/roach88/bluelines/internal/registry"
	"github.com/roach88/bluelines/internal/store"
	"github.com/roach88/bluelines/internal/trigger"
)

// App is the wired process: config, logger, store, registry, external
// client and trigger handler.
type App struct {
	Config    *config.Config
	Logger    zerolog.Logger
	Store     *store.Store
	Registry  *registry.Registry
	Evaluator *eligibility.Evaluator
	External  reconcile.Client
	Handler   *trigger.Handler

	closers []io.Closer
}

// loadConfig resolves the configuration for opts. --db wins over every
// other source; --verbose raises the log level to debug.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(config.Options{File: opts.Config, EnvFile: opts.EnvFile})
	if err != nil {
		return nil, err
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	if opts.Verbose {
		cfg.Log.Level = zerolog.LevelDebugValue
	}
	return cfg, nil
}

// openApp wires every component from the configuration. Field logic is
// restored from the store; an empty registry is allowed so `logic import`
// can run against a fresh database.
func openApp(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*App, error) {
	f := opts.formatter(cmd)

	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}
	logger, err := logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeConfig, "failed to build logger", err)
	}
	lookback, err := cfg.LookbackWindow()
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeConfig, "invalid lookback", err)
	}

	app := &App{Config: cfg, Logger: logger, Evaluator: eligibility.New(lookback)}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, f.Fail(ExitCommandError, ErrCodeStore, "failed to open database", err)
	}
	app.Store = st
	app.closers = append(app.closers, st)

	version, defs, err := st.LoadFieldLogic(ctx)
	if err != nil {
		app.Close()
		return nil, f.Fail(ExitCommandError, ErrCodeStore, "failed to load field logic", err)
	}
	app.Registry, _ = registry.New()
	if version > 0 {
		app.Registry.Restore(registry.NewSnapshot(version, defs))
	}

	if cfg.InMemoryExternal() {
		app.External = composition.NewMemory()
	} else {
		client, err := composition.NewGRPCClient(cfg.External)
		if err != nil {
			app.Close()
			return nil, f.Fail(ExitCommandError, ErrCodeConfig, "failed to connect to composition service", err)
		}
		app.External = client
		app.closers = append(app.closers, client)
	}

	coord := reconcile.New(app.External,
		reconcile.WithTimeout(cfg.Sync.Timeout),
		reconcile.WithLogger(logging.Component(logger, "reconcile")),
	)
	eng := engine.New(app.Registry, engine.WithLogger(logging.Component(logger, "engine")))
	app.Handler = trigger.New(st, eng, coord,
		trigger.WithAutoSync(cfg.Sync.Auto),
		trigger.WithEvaluator(app.Evaluator),
		trigger.WithConcurrency(cfg.Sync.Concurrency),
		trigger.WithLogger(logging.Component(logger, "trigger")),
	)

	logger.Debug().
		Str("database", cfg.Database).
		Int64("registry_version", app.Registry.Version()).
		Str("external", cfg.External).
		Bool("auto_sync", cfg.Sync.Auto).
		Msg("app ready")
	return app, nil
}

// RequireLogic fails when no field logic has been imported.
func (a *App) RequireLogic(f *OutputFormatter) error {
	if a.Registry.Version() == 0 {
		return f.Fail(ExitCommandError, ErrCodeNoLogic,
			"no field logic imported; run 'bluelines logic import <dir>' first", nil)
	}
	return nil
}

// Close releases the store and the external client.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// parsePair reads a pair from "<material> <supplier>" or "<material>/<supplier>"
// arguments.
func parsePair(args []string) (model.PairKey, error) {
	switch len(args) {
	case 1:
		return model.ParsePairKey(args[0])
	case 2:
		k := model.PairKey{MaterialID: args[0], SupplierCode: args[1]}
		return k, k.Validate()
	}
	return model.PairKey{}, fmt.Errorf("expected <material> <supplier> or <material>/<supplier>, got %d argument(s)", len(args))
}

// pairArgs accepts the two pair forms.
var pairArgs = cobra.RangeArgs(1, 2)

// withApp opens the app, runs fn and closes the app.
func withApp(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, app *App, f *OutputFormatter) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := openApp(ctx, opts, cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			app.Logger.Error().Err(err).Msg("error closing app")
		}
	}()
	return fn(ctx, app, opts.formatter(cmd))
}
