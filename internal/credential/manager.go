// Package credential implements the create/rotate/rollback/delete protocol
// for sealed credential blobs and their registry entries.
package credential

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/rbrinkke/Vault/internal/audit"
	"github.com/rbrinkke/Vault/internal/expressions"
	"github.com/rbrinkke/Vault/internal/fsutil"
	"github.com/rbrinkke/Vault/internal/lock"
	"github.com/rbrinkke/Vault/internal/logging"
	"github.com/rbrinkke/Vault/internal/metadata"
	"github.com/rbrinkke/Vault/internal/paths"
	"github.com/rbrinkke/Vault/internal/policy"
	"github.com/rbrinkke/Vault/internal/sealer"
	"github.com/rbrinkke/Vault/pkg/schema"
)

// Observer is notified once per completed operation.
type Observer interface {
	ObserveOperation(action string, err error, elapsed time.Duration)
}

// Manager owns one vault root. Mutations are serialized across processes by
// the vault lock; each operation appends exactly one audit record after the
// lock is released.
type Manager struct {
	paths  paths.VaultPaths
	engine sealer.Engine
	ledger *audit.Ledger
	logger *slog.Logger

	cel   *expressions.CELEngine
	exprs *expressions.ExprEngine

	now      func() time.Time
	commit   func(src, dst string) error
	observer Observer
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the source of registry timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithCommit replaces the final rename of a rotated blob over the live one.
func WithCommit(commit func(src, dst string) error) Option {
	return func(m *Manager) { m.commit = commit }
}

// WithObserver registers an operation observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// New creates a Manager for vp using engine for sealing and ledger for audit.
func New(vp paths.VaultPaths, engine sealer.Engine, ledger *audit.Ledger, opts ...Option) (*Manager, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	m := &Manager{
		paths:  vp,
		engine: engine,
		ledger: ledger,
		logger: slog.Default(),
		cel:    cel,
		exprs:  expressions.NewExprEngine(filterFields),
		now:    func() time.Time { return time.Now().UTC() },
		commit: os.Rename,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Paths returns the vault layout.
func (m *Manager) Paths() paths.VaultPaths {
	return m.paths
}

// Registry loads vault.toml (an empty registry if absent).
func (m *Manager) Registry(_ context.Context) (*metadata.VaultFile, error) {
	return metadata.Load(m.paths.VaultTOML)
}

// Init lays out a fresh vault root and writes an initial vault.toml if none
// exists. It is safe to run on an existing vault.
func (m *Manager) Init(ctx context.Context) error {
	ctx = logging.WithOperation(ctx, schema.ActionInit, "")
	start := time.Now()
	rec := audit.NewRecord(schema.ActionInit, "")

	err := m.init()
	m.finish(ctx, rec, err, start)
	return err
}

func (m *Manager) init() error {
	if err := fsutil.EnsureDir(m.paths.Root, 0o755); err != nil {
		return err
	}
	return lock.With(m.paths.VaultLock, func() error {
		if err := fsutil.EnsureDir(m.paths.Credstore, paths.CredstoreDirMode); err != nil {
			return err
		}
		if err := fsutil.EnsureDir(m.paths.Services, paths.ServicesDirMode); err != nil {
			return err
		}
		if err := fsutil.EnsureDir(m.paths.Units, paths.UnitsDirMode); err != nil {
			return err
		}
		if fsutil.Exists(m.paths.VaultTOML) {
			return nil
		}
		vf := metadata.Default()
		vf.EnsureDefaults(m.paths.Credstore)
		return metadata.Save(m.paths.VaultTOML, vf)
	})
}

// finish records the outcome of one operation. Audit failures are logged and
// never change the operation's result.
func (m *Manager) finish(ctx context.Context, rec audit.Record, err error, start time.Time) {
	elapsed := time.Since(start)
	rec = rec.WithOutcome(err)
	rec.InvocationID = logging.InvocationID(ctx)

	if err != nil {
		m.logger.ErrorContext(ctx, "operation failed", "error", err)
	} else {
		m.logger.InfoContext(ctx, "operation complete", "elapsed", elapsed)
	}

	if m.ledger != nil {
		if _, aerr := m.ledger.Append(ctx, rec); aerr != nil {
			m.logger.WarnContext(ctx, "audit append failed", "error", aerr)
		}
	}
	if m.observer != nil {
		m.observer.ObserveOperation(rec.Action, err, elapsed)
	}
}

// enforcer builds the policy for the registry currently on disk.
func (m *Manager) enforcer(vf *metadata.VaultFile) (*policy.Enforcer, error) {
	return policy.New(vf.Policy, m.cel)
}

// resolveKey picks explicit when set, otherwise host+tpm2 when a TPM2 is usable and host otherwise.
func resolveKey(explicit string, tpm bool) string {
	if explicit != "" {
		return explicit
	}
	if tpm {
		return schema.KeyHostAndTPM2
	}
	return schema.KeyHost
}
