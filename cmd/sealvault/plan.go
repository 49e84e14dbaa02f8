package main

import (
	"context"
	"fmt"

	"github.com/rbrinkke/Vault/internal/credential"
	"github.com/rbrinkke/Vault/pkg/schema"
)

// rotateSubcommand strips the "rotate" in "plan rotate NAME" and
// "verify rotate NAME", the only targets either command has.
func rotateSubcommand(cmd string, args []string) ([]string, error) {
	if len(args) == 0 || args[0] != "rotate" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "usage: sealvault %s rotate NAME", cmd)
	}
	return args[1:], nil
}

func (a *app) runPlan(ctx context.Context, e *env, args []string) error {
	args, err := rotateSubcommand("plan", args)
	if err != nil {
		return err
	}
	fs := a.newFlagSet("plan rotate")
	withKey := fs.String("with-key", "", "key type the rotation would use")
	auto := fs.Bool("auto", false, "plan a generated secret")
	length := fs.Int("length", 0, "length of a generated secret (default from config auto_length)")
	format := fs.String("format", "table", "output format: table or json")
	var tags, services stringList
	fs.Var(&tags, "tag", "tags the rotation would set (repeatable)")
	fs.Var(&services, "service", "services the rotation would link (repeatable)")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if err := exactArgs("plan rotate", pos, 1, "NAME"); err != nil {
		return err
	}
	if err := checkFormat(*format); err != nil {
		return err
	}

	req := credential.RotateRequest{
		Name:     pos[0],
		Auto:     *auto,
		Length:   *length,
		KeyType:  *withKey,
		Tags:     tags,
		Services: services,
	}
	if req.Auto && req.Length == 0 {
		req.Length = e.cfg.AutoLength
	}
	plan, err := e.manager.PlanRotate(ctx, req)
	if err != nil {
		return err
	}

	if *format == "json" {
		return writeJSON(a.out, plan)
	}
	fmt.Fprintf(a.out, "Plan: rotate %s\n", plan.Credential)
	fmt.Fprintf(a.out, "  exists:   %s\n", yesNo(plan.Exists))
	fmt.Fprintf(a.out, "  backup:   %s\n", yesNo(plan.HasPrev))
	fmt.Fprintf(a.out, "  key type: %s\n", plan.KeyType)
	if plan.Auto {
		fmt.Fprintf(a.out, "  source:   generated, length %d\n", plan.Length)
	} else {
		fmt.Fprintln(a.out, "  source:   stdin")
	}
	if plan.Ready() {
		fmt.Fprintln(a.out, "  status:   ready")
	}
	for _, issue := range plan.Issues {
		fmt.Fprintf(a.out, "  issue:    %s\n", issue)
	}
	fmt.Fprintln(a.out, "\nNo changes made (dry-run).")
	return nil
}

func (a *app) runVerify(ctx context.Context, e *env, args []string) error {
	args, err := rotateSubcommand("verify", args)
	if err != nil {
		return err
	}
	fs := a.newFlagSet("verify rotate")
	format := fs.String("format", "table", "output format: table or json")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if err := exactArgs("verify rotate", pos, 1, "NAME"); err != nil {
		return err
	}
	if err := checkFormat(*format); err != nil {
		return err
	}

	res, err := e.manager.VerifyRotate(ctx, pos[0])
	if err != nil {
		return err
	}

	if *format == "json" {
		if err := writeJSON(a.out, res); err != nil {
			return err
		}
	} else {
		for _, c := range res.Checks {
			status := "PASS"
			if !c.Passed {
				status = "FAIL"
			}
			fmt.Fprintf(a.out, "  [%s] %s", status, c.Check)
			if c.Detail != "" {
				fmt.Fprintf(a.out, ": %s", c.Detail)
			}
			fmt.Fprintln(a.out)
		}
		fmt.Fprintf(a.out, "\nVerify rotate %s: %d passed, %d failed\n",
			res.Credential, len(res.Checks)-res.Failed(), res.Failed())
	}

	if n := res.Failed(); n > 0 {
		return schema.NewErrorf(schema.ErrCodeIntegrity, "verify rotate %s: %d check(s) failed", res.Credential, n).
			WithCredential(res.Credential)
	}
	return nil
}
