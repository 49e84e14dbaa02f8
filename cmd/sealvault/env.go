package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rbrinkke/Vault/internal/audit"
	"github.com/rbrinkke/Vault/internal/config"
	"github.com/rbrinkke/Vault/internal/credential"
	"github.com/rbrinkke/Vault/internal/logging"
	"github.com/rbrinkke/Vault/internal/metrics"
	"github.com/rbrinkke/Vault/internal/paths"
	"github.com/rbrinkke/Vault/internal/sealer"
	"github.com/rbrinkke/Vault/pkg/schema"
)

// globals are the flags accepted before the command name. They override
// the environment and the config file.
type globals struct {
	fs *flag.FlagSet

	config          string
	root            string
	sealer          string
	logLevel        string
	logFormat       string
	metricsTextfile string
	nonInteractive  bool
}

func (a *app) parseGlobals(args []string) (*globals, []string, error) {
	g := &globals{fs: flag.NewFlagSet("sealvault", flag.ContinueOnError)}
	fs := g.fs
	fs.SetOutput(a.errOut)
	fs.Usage = func() { a.printUsage(fs) }
	fs.StringVar(&g.config, "config", "", "config file (default $SEALVAULT_CONFIG or "+config.DefaultPath+")")
	fs.StringVar(&g.root, "root", "", "vault root (default: discovered from the working directory, else "+paths.DefaultRoot+")")
	fs.StringVar(&g.sealer, "sealer", "", "sealing engine binary (default "+config.DefaultSealer+")")
	fs.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&g.logFormat, "log-format", "", "log format: text, json")
	fs.StringVar(&g.metricsTextfile, "metrics-textfile", "", "write node_exporter textfile metrics to this path")
	fs.BoolVar(&g.nonInteractive, "non-interactive", false, "fail instead of waiting for operator input")
	if err := fs.Parse(args); err != nil {
		return g, nil, err
	}
	return g, fs.Args(), nil
}

// apply overlays explicitly set flags on cfg.
func (g *globals) apply(cfg *config.Config) {
	g.fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "root":
			cfg.Root = g.root
		case "sealer":
			cfg.Sealer = g.sealer
		case "log-level":
			cfg.LogLevel = g.logLevel
		case "log-format":
			cfg.LogFormat = g.logFormat
		case "metrics-textfile":
			cfg.MetricsTextfile = g.metricsTextfile
		case "non-interactive":
			cfg.NonInteractive = g.nonInteractive
		}
	})
}

// env is everything one command invocation works with.
type env struct {
	ctx     context.Context
	cfg     *config.Config
	logger  *slog.Logger
	paths   paths.VaultPaths
	engine  sealer.Engine
	ledger  *audit.Ledger
	manager *credential.Manager
	metrics *metrics.Metrics
}

func (a *app) setup(ctx context.Context, g *globals) (*env, error) {
	cfg, err := config.Load(g.config)
	if err != nil {
		return nil, err
	}
	g.apply(cfg)
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, schema.NewError(schema.ErrCodeConfig, "invalid configuration").WithCause(errors.Join(errs...))
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfig, "invalid log level").WithCause(err)
	}
	logger := logging.New(a.errOut, level, cfg.LogFormat)

	vp, err := paths.Resolve(cfg.Root)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithInvocationID(ctx, uuid.NewString())
	logger.DebugContext(ctx, "resolved vault", "root", vp.Root, "config", cfg.Source)

	m := metrics.New()
	engine := a.newEngine(cfg.Sealer)
	ledger := audit.NewLedger(vp, logger)
	mgr, err := credential.New(vp, engine, ledger,
		credential.WithLogger(logger),
		credential.WithObserver(m),
	)
	if err != nil {
		return nil, err
	}

	return &env{
		ctx:     ctx,
		cfg:     cfg,
		logger:  logger,
		paths:   vp,
		engine:  engine,
		ledger:  ledger,
		manager: mgr,
		metrics: m,
	}, nil
}

// flushMetrics writes the textfile when one is configured. A failure is
// logged and never changes the exit status.
func (e *env) flushMetrics() {
	if e.cfg.MetricsTextfile == "" {
		return
	}
	if vf, err := e.manager.Registry(e.ctx); err == nil {
		e.metrics.SetCredentials(len(vf.Credentials))
	}
	if err := e.metrics.WriteTextfile(e.cfg.MetricsTextfile); err != nil {
		e.logger.WarnContext(e.ctx, "metrics textfile write failed", "path", e.cfg.MetricsTextfile, "error", err)
	}
}
