package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/harnessd/internal/agentspec"
	"github.com/fyrsmithlabs/harnessd/internal/config"
	"github.com/fyrsmithlabs/harnessd/internal/events"
	"github.com/fyrsmithlabs/harnessd/internal/feature"
	"github.com/fyrsmithlabs/harnessd/internal/gate"
	"github.com/fyrsmithlabs/harnessd/internal/graph"
	"github.com/fyrsmithlabs/harnessd/internal/harness"
	"github.com/fyrsmithlabs/harnessd/internal/logging"
	"github.com/fyrsmithlabs/harnessd/internal/metrics"
	"github.com/fyrsmithlabs/harnessd/internal/reasoning"
	"github.com/fyrsmithlabs/harnessd/internal/run"
	"github.com/fyrsmithlabs/harnessd/internal/secrets"
	"github.com/fyrsmithlabs/harnessd/internal/store"
	"github.com/fyrsmithlabs/harnessd/internal/tools"
	"github.com/fyrsmithlabs/harnessd/internal/workspace"
)

// Runtime owns every long-lived component of the daemon. It is created
// once by NewRuntime and disposed by Close.
type Runtime struct {
	cfg    *config.Config
	logger *logging.Logger

	Features     feature.Store
	Runs         run.Store
	EventLog     *events.Log
	Recorder     *events.Recorder
	Broadcaster  *events.Broadcaster
	Tools        *tools.Registry
	Compiler     agentspec.Compiler
	Gate         *gate.Gate
	Kernel       *harness.Kernel
	Checker      *graph.Checker
	Orchestrator *Orchestrator
	Workspace    *workspace.Workspace
	Metrics      *metrics.Metrics

	// NATS is nil when no bus is configured.
	NATS *nats.Conn

	natsServer *natsserver.Server
	watcher    *feature.Watcher
	dbs        []*store.DB
}

// RuntimeOption customises NewRuntime.
type RuntimeOption func(*runtimeOptions)

type runtimeOptions struct {
	engines reasoning.Factory
	runner  gate.CommandRunner
}

// WithEngineFactory replaces the configured reasoning engine.
func WithEngineFactory(f reasoning.Factory) RuntimeOption {
	return func(o *runtimeOptions) { o.engines = f }
}

// WithCommandRunner replaces how validator commands are executed.
func WithCommandRunner(r gate.CommandRunner) RuntimeOption {
	return func(o *runtimeOptions) { o.runner = r }
}

// NewRuntime builds the runtime from configuration. On error every
// component created so far is closed.
func NewRuntime(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts ...RuntimeOption) (rt *Runtime, err error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	var o runtimeOptions
	for _, opt := range opts {
		opt(&o)
	}

	rt = &Runtime{cfg: cfg, logger: logger, Metrics: metrics.NewMetrics()}
	defer func() {
		if err != nil {
			_ = rt.Close()
			rt = nil
		}
	}()

	if err = rt.openStores(cfg, logger); err != nil {
		return nil, err
	}
	if err = rt.loadFeatures(ctx, cfg); err != nil {
		return nil, err
	}

	if rt.Workspace, err = workspace.Open(cfg.Workspace.Root); err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	if err = rt.registerTools(ctx, cfg); err != nil {
		return nil, err
	}

	if err = rt.connectBus(cfg); err != nil {
		return nil, err
	}
	scrubber, err := secrets.New()
	if err != nil {
		return nil, fmt.Errorf("create secret scrubber: %w", err)
	}
	var pub events.Publisher
	if rt.NATS != nil {
		pub = rt.NATS
	}
	rt.Broadcaster = events.NewBroadcaster(pub, events.BroadcasterConfig{
		Prefix: cfg.Events.SubjectPrefix,
		Limit:  cfg.Events.LiveLimit,
		Window: cfg.Events.LiveWindow,
	}, logger, rt.Metrics)
	rt.Recorder = events.NewRecorder(rt.EventLog, rt.Broadcaster, scrubber, logger, rt.Metrics)

	gateOpts := []gate.Option{gate.WithRecorder(rt.Recorder), gate.WithMetrics(rt.Metrics)}
	if o.runner != nil {
		gateOpts = append(gateOpts, gate.WithRunner(o.runner))
	}
	rt.Gate = gate.New(gate.Config{
		EnforceTestGate:        cfg.Gate.EnforceTestGate,
		RequireAllAssertions:   cfg.Gate.RequireAllAssertions,
		MinTestCoverage:        cfg.Gate.MinTestCoverage,
		AllowSkipForNoContract: cfg.Gate.AllowSkipForNoContract,
		Concurrency:            cfg.Gate.Concurrency,
		TestCommand:            cfg.Gate.TestCommand,
		LintCommand:            cfg.Gate.LintCommand,
	}, logger, gateOpts...)

	rt.Kernel = harness.NewKernel(harness.Config{
		ToolTimeout:      cfg.Harness.ToolTimeout,
		WatchdogInterval: cfg.Harness.WatchdogInterval,
		StopOnToolError:  cfg.Harness.StopOnToolError,
	}, rt.Runs, rt.Tools, rt.Recorder, logger,
		harness.WithGate(rt.Gate),
		harness.WithWorkspace(rt.Workspace),
		harness.WithMetrics(rt.Metrics),
	)

	if err = rt.recoverInterrupted(ctx); err != nil {
		return nil, err
	}

	rt.Compiler = agentspec.NewTemplateCompiler(compilerDefaults(cfg))

	engines := o.engines
	if engines == nil {
		if engines, err = engineFactory(cfg.Engine); err != nil {
			return nil, err
		}
	}

	rt.Checker = graph.NewChecker(rt.Features, logger, rt.Metrics)
	rt.Orchestrator = New(Config{
		MaxConcurrency: cfg.Scheduler.MaxConcurrency,
		PollInterval:   cfg.Scheduler.PollInterval,
		ShutdownGrace:  cfg.Scheduler.ShutdownGrace,
		MaxRetries:     cfg.Scheduler.MaxRetries,
		RetryDelay:     cfg.Scheduler.RetryDelay,
	}, Deps{
		Features: rt.Features,
		Checker:  rt.Checker,
		Compiler: rt.Compiler,
		Kernel:   rt.Kernel,
		Engines:  engines,
		Recorder: rt.Recorder,
		Logger:   logger,
		Metrics:  rt.Metrics,
	})

	if cfg.Features.Watch && cfg.Features.Path != "" {
		rt.watcher, err = feature.NewWatcher(cfg.Features.Path, rt.Features, func(context.Context, feature.SyncResult) {
			rt.Orchestrator.Trigger()
		}, logger)
		if err != nil {
			return nil, err
		}
		if err = rt.watcher.Start(ctx); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

func (rt *Runtime) open(path string, inMemory bool, logger *logging.Logger) (*store.DB, error) {
	var sc store.Config
	if inMemory || path == "" {
		sc = store.InMemoryConfig()
	} else {
		sc = store.DefaultConfig(path)
	}
	sc.Logger = logger.Underlying()
	db, err := store.Open(sc)
	if err != nil {
		return nil, err
	}
	rt.dbs = append(rt.dbs, db)
	return db, nil
}

func (rt *Runtime) openStores(cfg *config.Config, logger *logging.Logger) error {
	eventsDB, err := rt.open(cfg.Events.DBPath, cfg.Events.InMemory, logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	rt.EventLog = events.NewLog(eventsDB)
	rt.Runs = run.NewBadgerStore(eventsDB)

	if cfg.Features.DBPath == "" {
		rt.Features = feature.NewMemoryStore()
		return nil
	}
	featuresDB, err := rt.open(cfg.Features.DBPath, false, logger)
	if err != nil {
		return fmt.Errorf("open feature store: %w", err)
	}
	rt.Features = feature.NewBadgerStore(featuresDB)
	return nil
}

// recoverInterrupted repairs state a crashed process left behind in
// durable stores: claimed features are released so they are scheduled
// again, and unfinished runs are finalised as interrupted.
func (rt *Runtime) recoverInterrupted(ctx context.Context) error {
	released, err := feature.ReleaseStale(ctx, rt.Features)
	if err != nil {
		return fmt.Errorf("release interrupted features: %w", err)
	}
	if len(released) > 0 {
		rt.logger.Warn(ctx, "released interrupted features", zap.Strings("features", released))
	}
	if _, err := rt.Kernel.Recover(ctx); err != nil {
		return fmt.Errorf("finalise interrupted runs: %w", err)
	}
	return nil
}

// compilerDefaults seeds every compiled spec with the configured tool
// policy and gate validators.
func compilerDefaults(cfg *config.Config) agentspec.Defaults {
	policy := cfg.Harness.ToolPolicy
	d := agentspec.Defaults{
		MaxTurns:          cfg.Harness.DefaultMaxTurns,
		Timeout:           cfg.Harness.DefaultTimeout,
		AllowedTools:      policy.AllowedTools,
		ForbiddenPatterns: policy.ForbiddenPatterns,
		ToolHints:         policy.ToolHints,
	}
	for _, v := range cfg.Gate.Validators {
		d.Validators = append(d.Validators, agentspec.ValidatorSpec{
			Name:     v.Name,
			Kind:     agentspec.ValidatorKind(v.Kind),
			Weight:   v.Weight,
			Required: v.Required,
			Command:  v.Command,
			Paths:    v.Paths,
			Patterns: v.Patterns,
		})
	}
	return d
}

func (rt *Runtime) loadFeatures(ctx context.Context, cfg *config.Config) error {
	if cfg.Features.Path == "" {
		return nil
	}
	defs, err := feature.LoadFile(cfg.Features.Path)
	if errors.Is(err, os.ErrNotExist) {
		rt.logger.Warn(ctx, "feature file not found", zap.String("path", cfg.Features.Path))
		return nil
	}
	if err != nil {
		return err
	}
	res, err := feature.Sync(ctx, rt.Features, defs)
	if err != nil {
		return err
	}
	rt.logger.Info(ctx, "features loaded",
		zap.String("path", cfg.Features.Path),
		zap.Int("upserted", len(res.Upserted)),
		zap.Strings("removed", res.Removed),
	)
	return nil
}

func (rt *Runtime) registerTools(ctx context.Context, cfg *config.Config) error {
	rt.Tools = tools.NewRegistry()
	if err := rt.Tools.Register(ctx, tools.NewWorkspaceProvider(rt.Workspace)); err != nil {
		return err
	}
	if cfg.Workspace.AllowShell {
		if err := rt.Tools.Register(ctx, tools.NewShellProvider(rt.Workspace, cfg.Harness.ToolTimeout)); err != nil {
			return err
		}
	}
	for _, mc := range cfg.MCP {
		p, err := tools.NewMCPProvider(tools.MCPConfig{Name: mc.Name, Command: mc.Command, URL: mc.URL})
		if err != nil {
			return err
		}
		if err := p.Authenticate(ctx, tools.Credentials{
			Method:       mc.AuthMethod,
			Token:        mc.Token.Value(),
			ClientID:     mc.ClientID,
			ClientSecret: mc.ClientSecret.Value(),
			TokenURL:     mc.TokenURL,
			Scopes:       mc.Scopes,
		}); err != nil {
			return fmt.Errorf("authenticate mcp provider %s: %w", mc.Name, err)
		}
		if err := rt.Tools.Register(ctx, p); err != nil {
			// a dead tool server must not keep the daemon down
			rt.logger.Warn(ctx, "mcp provider unavailable", zap.String("provider", mc.Name), zap.Error(err))
			_ = p.Close()
		}
	}
	return nil
}

func (rt *Runtime) connectBus(cfg *config.Config) error {
	url := cfg.Events.NATSURL
	if url == "" && cfg.Events.EmbeddedNATS {
		srv, err := events.EmbeddedServer("127.0.0.1", -1)
		if err != nil {
			return err
		}
		rt.natsServer = srv
		url = srv.ClientURL()
	}
	if url == "" {
		rt.logger.Warn(context.Background(), "no event bus configured, live events disabled")
		return nil
	}
	nc, err := events.Connect(url, "harnessd")
	if err != nil {
		return err
	}
	rt.NATS = nc
	return nil
}

func engineFactory(cfg config.EngineConfig) (reasoning.Factory, error) {
	switch cfg.Provider {
	case "scripted":
		return reasoning.ScriptedFactory(), nil
	case "openai":
		opts := []openai.Option{openai.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		if cfg.APIKey.IsSet() {
			opts = append(opts, openai.WithToken(cfg.APIKey.Value()))
		}
		model, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}
		engine := reasoning.NewLLMEngine(model, reasoning.LLMConfig{MaxTokens: cfg.MaxTokens})
		// one engine is shared so its rate limiter spans all runs
		return func() reasoning.Engine { return engine }, nil
	default:
		return nil, fmt.Errorf("unknown engine provider %q", cfg.Provider)
	}
}

// Run starts the scheduling loop and blocks until ctx is done.
func (rt *Runtime) Run(ctx context.Context) error {
	return rt.Orchestrator.Run(ctx)
}

// Shutdown stops scheduling and drains active runs.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	if rt.Orchestrator == nil {
		return nil
	}
	return rt.Orchestrator.Shutdown(ctx)
}

// Close releases every resource. It is safe on a partially built runtime.
func (rt *Runtime) Close() error {
	var errList []error
	if rt.watcher != nil {
		rt.watcher.Stop()
	}
	if rt.Tools != nil {
		if err := rt.Tools.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	if rt.NATS != nil {
		rt.NATS.Close()
	}
	if rt.natsServer != nil {
		rt.natsServer.Shutdown()
		rt.natsServer.WaitForShutdown()
	}
	for i := len(rt.dbs) - 1; i >= 0; i-- {
		if err := rt.dbs[i].Close(); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}
