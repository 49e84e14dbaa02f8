package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rbrinkke/Vault/internal/sealer"
)

const usage = `Usage: sealvault [global flags] <command> [flags] [args]

Commands:
  init                          lay out a vault root and an initial vault.toml
  create NAME                   seal a new credential (--from-stdin)
  get NAME                      unseal to --output PATH, or to stdout with --confirm --reason
  list                          list credentials (--tag, --service, --where, --format)
  describe NAME                 show metadata and blob fingerprint
  search QUERY                  case-insensitive search over the registry
  rotate NAME                   replace a credential (--from-stdin or --auto)
  plan rotate NAME              dry-run a rotation and list what would block it
  verify rotate NAME            check a rotated credential unseals and is registered
  rollback NAME                 restore the .prev backup of a rotated credential
  delete NAME                   remove a credential blob and its registry entry
  schedule NAME [CRON]          set or --clear a rotation schedule
  due                           show credentials whose rotation is due (--all for the plan)
  watch                         rotate scheduled credentials until interrupted
  audit log|verify|lint|export|query
                                inspect, export and query the audit ledger
  mcp                           serve read-only MCP tools on stdio
  version                       print the version

Global flags:
`

// app carries the process streams and the sealing engine constructor so
// commands can be driven from tests.
type app struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	newEngine func(binary string) sealer.Engine
}

func newApp() *app {
	return &app{
		in:        os.Stdin,
		out:       os.Stdout,
		errOut:    os.Stderr,
		newEngine: sealer.New,
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := newApp().run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// run dispatches one invocation and returns the process exit code.
func (a *app) run(ctx context.Context, args []string) int {
	g, rest, err := a.parseGlobals(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(a.errOut, "Error: %v\n", err)
		return 2
	}
	if len(rest) == 0 {
		a.printUsage(g.fs)
		return 2
	}

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "version", "--version":
		a.printVersion()
		return 0
	case "help", "-h", "--help":
		a.printUsage(g.fs)
		return 0
	}

	run, ok := a.commands()[cmd]
	if !ok {
		fmt.Fprintf(a.errOut, "Error: unknown command %q\n\n", cmd)
		a.printUsage(g.fs)
		return 2
	}

	e, err := a.setup(ctx, g)
	if err != nil {
		fmt.Fprintf(a.errOut, "Error: %v\n", err)
		return 1
	}

	err = run(e.ctx, e, cmdArgs)
	e.flushMetrics()
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(a.errOut, "Error: %v\n", err)
		return 1
	}
	return 0
}

type command func(ctx context.Context, e *env, args []string) error

func (a *app) commands() map[string]command {
	return map[string]command{
		"init":     a.runInit,
		"create":   a.runCreate,
		"get":      a.runGet,
		"list":     a.runList,
		"describe": a.runDescribe,
		"search":   a.runSearch,
		"rotate":   a.runRotate,
		"plan":     a.runPlan,
		"verify":   a.runVerify,
		"rollback": a.runRollback,
		"delete":   a.runDelete,
		"schedule": a.runSchedule,
		"due":      a.runDue,
		"watch":    a.runWatch,
		"audit":    a.runAudit,
		"mcp":      a.runMCP,
	}
}

func (a *app) printUsage(fs *flag.FlagSet) {
	fmt.Fprint(a.errOut, usage)
	fs.SetOutput(a.errOut)
	fs.PrintDefaults()
}
