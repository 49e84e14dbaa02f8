package main

import (
	"context"
	"fmt"

	"github.com/rbrinkke/Vault/internal/expressions"
	"github.com/rbrinkke/Vault/internal/rotation"
	"github.com/rbrinkke/Vault/pkg/mcp"
)

func (a *app) runWatch(ctx context.Context, e *env, args []string) error {
	fs := a.newFlagSet("watch")
	interval := fs.Duration("interval", 0, "how often to check schedules (default from config watch_interval)")
	length := fs.Int("length", 0, "length of generated secrets (default from config auto_length)")
	once := fs.Bool("once", false, "run a single pass and exit")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if err := exactArgs("watch", pos, 0, "[--interval D] [--length N] [--once]"); err != nil {
		return err
	}
	if *interval <= 0 {
		*interval = e.cfg.WatchInterval
	}
	if *length <= 0 {
		*length = e.cfg.AutoLength
	}

	sched := rotation.NewScheduler(e.manager, *interval, *length, e.logger)
	if *once {
		n := sched.Tick(ctx)
		fmt.Fprintf(a.out, "Rotated %d credential(s)\n", n)
		return nil
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return sched.Stop()
}

func (a *app) runMCP(ctx context.Context, e *env, args []string) error {
	fs := a.newFlagSet("mcp")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if err := exactArgs("mcp", pos, 0, ""); err != nil {
		return err
	}

	srv := mcp.NewVaultServer(mcp.VaultServerDeps{
		Catalog: e.manager,
		Audit:   e.ledger,
		JQ:      expressions.NewGoJQEngine(),
		Logger:  e.logger,
		Version: version,
	})
	e.logger.InfoContext(ctx, "mcp server listening on stdio", "root", e.paths.Root)
	return srv.Serve(ctx)
}
