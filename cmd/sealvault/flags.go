package main

import (
	"bytes"
	"flag"
	"io"
	"strings"

	"github.com/rbrinkke/Vault/internal/credential"
	"github.com/rbrinkke/Vault/pkg/schema"
)

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// newFlagSet builds a subcommand flag set that reports errors instead of
// exiting, so the dispatcher owns the exit code.
func (a *app) newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("sealvault "+name, flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	return fs
}

// parseArgs parses flags that may appear before or after positional
// arguments and returns the positionals in order.
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

// exactArgs checks the positional count for cmd.
func exactArgs(cmd string, args []string, n int, names string) error {
	if len(args) != n {
		return schema.NewErrorf(schema.ErrCodeValidation, "usage: sealvault %s %s", cmd, names)
	}
	return nil
}

// readSecret reads the whole of r and trims trailing CR/LF. Reading stops
// just past the secret size cap so oversized input is rejected by the
// manager rather than buffered.
func readSecret(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, credential.MaxSecretSize+3))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeIO, "read secret from stdin").WithCause(err)
	}
	return bytes.TrimRight(data, "\r\n"), nil
}

// secretSource validates where a create/rotate secret comes from. There is
// no interactive prompt, so a secret always comes from stdin or --auto.
func secretSource(cmd string, fromStdin, auto, nonInteractive bool) error {
	if fromStdin && auto {
		return schema.NewError(schema.ErrCodeValidation, "--auto and --from-stdin cannot be used together")
	}
	if fromStdin || auto {
		return nil
	}
	want := "--from-stdin"
	if cmd == "rotate" {
		want = "--from-stdin or --auto"
	}
	if nonInteractive {
		return schema.NewErrorf(schema.ErrCodeValidation, "--non-interactive requires %s for %s", want, cmd)
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "%s needs %s (interactive prompting is not supported)", cmd, want)
}

func checkFormat(format string) error {
	if format != "table" && format != "json" {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid format: %s (use table|json)", format)
	}
	return nil
}
