package main

import (
	"context"
	"fmt"

	"github.com/rbrinkke/Vault/internal/credential"
	"github.com/rbrinkke/Vault/pkg/schema"
)

func (a *app) runInit(ctx context.Context, e *env, args []string) error {
	fs := a.newFlagSet("init")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if err := exactArgs("init", pos, 0, ""); err != nil {
		return err
	}
	if err := e.manager.Init(ctx); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Initialized vault at %s\n", e.paths.Root)
	return nil
}

func (a *app) runCreate(ctx context.Context, e *env, args []string) error {
	fs := a.newFlagSet("create")
	withKey := fs.String("with-key", "", "key type: host, tpm2, host+tpm2, auto (default host+tpm2 when a TPM2 is available)")
	pcrs := fs.String("tpm2-pcrs", "", "TPM2 PCRs to bind to, e.g. 7 or 7+11")
	fromStdin := fs.Bool("from-stdin", false, "read the secret from stdin")
	description := fs.String("description", "", "description stored in vault.toml")
	var tags, services stringList
	fs.Var(&tags, "tag", "tag (repeatable)")
	fs.Var(&services, "service", "linked service (repeatable)")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if err := exactArgs("create", pos, 1, "NAME"); err != nil {
		return err
	}
	if err := secretSource("create", *fromStdin, false, e.cfg.NonInteractive); err != nil {
		return err
	}

	secret, err := readSecret(a.in)
	if err != nil {
		return err
	}
	err = e.manager.Create(ctx, credential.CreateRequest{
		Name:        pos[0],
		Secret:      secret,
		KeyType:     *withKey,
		TPM2PCRs:    *pcrs,
		Description: *description,
		Tags:        tags,
		Services:    services,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Created %s\n", e.paths.CredPath(pos[0]))
	return nil
}

func (a *app) runGet(ctx context.Context, e *env, args []string) error {
	fs := a.newFlagSet("get")
	output := fs.String("output", "", "write the plaintext to this file (mode 0600)")
	confirm := fs.Bool("confirm", false, "allow printing the plaintext to stdout")
	reason := fs.String("reason", "", "reason for stdout output (recorded in the audit log)")
	newline := fs.String("newline", "no", "trailing newline on stdout: auto, yes, no")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if err := exactArgs("get", pos, 1, "NAME"); err != nil {
		return err
	}
	if *output == "" && !*confirm {
		return schema.NewError(schema.ErrCodeValidation, "refusing to print secret to stdout without --confirm")
	}
	switch *newline {
	case "auto", "yes", "no":
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid --newline %q (use auto|yes|no)", *newline)
	}

	data, err := e.manager.Get(ctx, credential.GetRequest{
		Name:    pos[0],
		Output:  *output,
		Stdout:  *output == "",
		Reason:  *reason,
		Newline: *newline,
	})
	if err != nil {
		return err
	}
	if *output != "" {
		fmt.Fprintf(a.out, "Wrote %s\n", *output)
		return nil
	}
	_, err = a.out.Write(data)
	return err
}

func (a *app) runRotate(ctx context.Context, e *env, args []string) error {
	fs := a.newFlagSet("rotate")
	withKey := fs.String("with-key", "", "key type: host, tpm2, host+tpm2, auto (default host+tpm2 when a TPM2 is available)")
	pcrs := fs.String("tpm2-pcrs", "", "TPM2 PCRs to bind to, e.g. 7 or 7+11")
	fromStdin := fs.Bool("from-stdin", false, "read the new secret from stdin")
	auto := fs.Bool("auto", false, "generate a random alphanumeric secret")
	length := fs.Int("length", 0, "length of a generated secret (default from config auto_length)")
	description := fs.String("description", "", "replace the description")
	var tags, services stringList
	fs.Var(&tags, "tag", "replace tags (repeatable)")
	fs.Var(&services, "service", "replace linked services (repeatable)")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if err := exactArgs("rotate", pos, 1, "NAME"); err != nil {
		return err
	}
	if err := secretSource("rotate", *fromStdin, *auto, e.cfg.NonInteractive); err != nil {
		return err
	}

	req := credential.RotateRequest{
		Name:        pos[0],
		Auto:        *auto,
		Length:      *length,
		KeyType:     *withKey,
		TPM2PCRs:    *pcrs,
		Description: *description,
		Tags:        tags,
		Services:    services,
	}
	if req.Auto && req.Length == 0 {
		req.Length = e.cfg.AutoLength
	}
	if *fromStdin {
		if req.Secret, err = readSecret(a.in); err != nil {
			return err
		}
	}

	if err := e.manager.Rotate(ctx, req); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Rotated %s (backup %s)\n", e.paths.CredPath(req.Name), e.paths.PrevPath(req.Name))
	return nil
}

func (a *app) runRollback(ctx context.Context, e *env, args []string) error {
	fs := a.newFlagSet("rollback")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	// "rollback rotate NAME" is accepted as a synonym.
	if len(pos) == 2 && pos[0] == "rotate" {
		pos = pos[1:]
	}
	if err := exactArgs("rollback", pos, 1, "NAME"); err != nil {
		return err
	}
	if err := e.manager.Rollback(ctx, pos[0]); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Restored %s from backup\n", e.paths.CredPath(pos[0]))
	return nil
}

func (a *app) runDelete(ctx context.Context, e *env, args []string) error {
	fs := a.newFlagSet("delete")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if err := exactArgs("delete", pos, 1, "NAME"); err != nil {
		return err
	}
	if err := e.manager.Delete(ctx, pos[0]); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Deleted %s\n", pos[0])
	return nil
}

func (a *app) runSchedule(ctx context.Context, e *env, args []string) error {
	fs := a.newFlagSet("schedule")
	clearSchedule := fs.Bool("clear", false, "remove the rotation schedule")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}

	var expr string
	switch {
	case *clearSchedule:
		if err := exactArgs("schedule", pos, 1, "NAME --clear"); err != nil {
			return err
		}
	default:
		if err := exactArgs("schedule", pos, 2, "NAME CRON"); err != nil {
			return err
		}
		expr = pos[1]
	}

	if err := e.manager.SetSchedule(ctx, pos[0], expr); err != nil {
		return err
	}
	if expr == "" {
		fmt.Fprintf(a.out, "Cleared rotation schedule for %s\n", pos[0])
	} else {
		fmt.Fprintf(a.out, "Scheduled %s: %s\n", pos[0], expr)
	}
	return nil
}
