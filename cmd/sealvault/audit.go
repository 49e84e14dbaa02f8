package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/rbrinkke/Vault/internal/audit"
	"github.com/rbrinkke/Vault/internal/expressions"
	"github.com/rbrinkke/Vault/internal/store"
	"github.com/rbrinkke/Vault/pkg/schema"
)

func (a *app) runAudit(ctx context.Context, e *env, args []string) error {
	if len(args) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "usage: sealvault audit log|verify|lint|export|query")
	}
	switch args[0] {
	case "log":
		return a.runAuditLog(ctx, e, args[1:])
	case "verify":
		return a.runAuditVerify(ctx, e, args[1:])
	case "lint":
		return a.runAuditLint(ctx, e, args[1:])
	case "export":
		return a.runAuditExport(ctx, e, args[1:])
	case "query":
		return a.runAuditQuery(ctx, e, args[1:])
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "unknown audit command %q", args[0])
}

func (a *app) runAuditLog(ctx context.Context, e *env, args []string) error {
	fs := a.newFlagSet("audit log")
	limit := fs.Int("limit", 20, "show the last N matching records (0 for all)")
	cred := fs.String("credential", "", "only records for this credential")
	jq := fs.String("jq", "", `jq filter selecting records, e.g. '.result.success == false'`)
	asJSON := fs.Bool("json", false, "print raw JSON records")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if err := exactArgs("audit log", pos, 0, "[--limit N] [--credential NAME] [--jq FILTER]"); err != nil {
		return err
	}

	records, err := e.ledger.Read(ctx, 0)
	if err != nil {
		return err
	}
	if *cred != "" {
		kept := records[:0]
		for _, r := range records {
			if r.Credential == *cred {
				kept = append(kept, r)
			}
		}
		records = kept
	}
	records, err = audit.Filter(ctx, expressions.NewGoJQEngine(), records, *jq)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid --jq filter").WithCause(err)
	}
	if *limit > 0 && len(records) > *limit {
		records = records[len(records)-*limit:]
	}

	if *asJSON {
		if records == nil {
			records = []audit.Record{}
		}
		return writeJSON(a.out, records)
	}
	if len(records) == 0 {
		fmt.Fprintln(a.out, "No audit records.")
		return nil
	}

	tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMESTAMP\tACTION\tCREDENTIAL\tACTOR\tRESULT")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.Timestamp.Local().Format(timeLayout), r.Action, dash(r.Credential), r.Actor, outcome(r))
	}
	return tw.Flush()
}

func outcome(r audit.Record) string {
	var parts []string
	switch {
	case r.Result == nil:
		parts = append(parts, "-")
	case r.Result.Success:
		parts = append(parts, "ok")
	default:
		parts = append(parts, "FAILED: "+r.Result.Error)
	}
	if r.Reason != "" {
		parts = append(parts, "reason="+r.Reason)
	}
	return strings.Join(parts, " ")
}

func (a *app) runAuditVerify(ctx context.Context, e *env, args []string) error {
	fs := a.newFlagSet("audit verify")
	asJSON := fs.Bool("json", false, "print the verification result as JSON")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if err := exactArgs("audit verify", pos, 0, "[--json]"); err != nil {
		return err
	}

	v, err := e.ledger.VerifyChain(ctx)
	if err != nil {
		return err
	}
	e.metrics.SetChainViolations(len(v.Violations))

	if *asJSON {
		if err := writeJSON(a.out, v); err != nil {
			return err
		}
	} else if v.OK() {
		fmt.Fprintf(a.out, "OK: %d entries verified", v.Total)
		if v.Malformed > 0 {
			fmt.Fprintf(a.out, " (%d malformed lines skipped)", v.Malformed)
		}
		fmt.Fprintln(a.out)
	} else {
		for _, msg := range v.Violations {
			fmt.Fprintln(a.out, msg)
		}
	}

	if !v.OK() {
		return schema.NewErrorf(schema.ErrCodeIntegrity, "audit chain verification failed: %d violation(s)", len(v.Violations))
	}
	return nil
}

func (a *app) runAuditLint(ctx context.Context, e *env, args []string) error {
	fs := a.newFlagSet("audit lint")
	asJSON := fs.Bool("json", false, "print the report as JSON")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if err := exactArgs("audit lint", pos, 0, "[--json]"); err != nil {
		return err
	}

	lt, err := audit.NewLinter()
	if err != nil {
		return err
	}
	report, err := e.ledger.Lint(ctx, lt)
	if err != nil {
		return err
	}

	if *asJSON {
		if err := writeJSON(a.out, report); err != nil {
			return err
		}
	} else {
		for _, issue := range report.Errors {
			fmt.Fprintf(a.out, "error: %s\n", issue)
		}
		for _, issue := range report.Warnings {
			fmt.Fprintf(a.out, "warning: %s\n", issue)
		}
		if report.Valid() {
			fmt.Fprintf(a.out, "OK: %d warning(s)\n", len(report.Warnings))
		}
	}
	return report.ToError(schema.ErrCodeIntegrity)
}

func (a *app) runAuditExport(ctx context.Context, e *env, args []string) error {
	fs := a.newFlagSet("audit export")
	dbPath := fs.String("db", "", "libSQL database file to export into (required)")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if err := exactArgs("audit export", pos, 0, "--db PATH"); err != nil {
		return err
	}
	if *dbPath == "" {
		return schema.NewError(schema.ErrCodeValidation, "--db is required")
	}

	st, err := openStore(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := e.ledger.Entries(ctx)
	if err != nil {
		return err
	}
	res, err := st.ExportLedger(ctx, entries)
	if err != nil {
		return err
	}
	vf, err := e.manager.Registry(ctx)
	if err != nil {
		return err
	}
	if err := st.ExportRegistry(ctx, vf); err != nil {
		return err
	}
	gaps, err := st.SequenceGaps(ctx)
	if err != nil {
		return err
	}

	e.logger.InfoContext(ctx, "audit export complete",
		"db", *dbPath, "inserted", res.Inserted, "unchanged", res.Unchanged,
		"diverged", len(res.Diverged), "credentials", len(vf.Credentials))
	fmt.Fprintf(a.out, "Exported %d new record(s), %d unchanged, %d credential(s) to %s\n",
		res.Inserted, res.Unchanged, len(vf.Credentials), *dbPath)
	if len(gaps) > 0 {
		fmt.Fprintf(a.out, "warning: sequence gaps in export: %v\n", gaps)
	}
	if len(res.Diverged) > 0 {
		return schema.NewErrorf(schema.ErrCodeIntegrity,
			"ledger entries changed since last export: seq %v", res.Diverged).
			WithDetails(map[string]any{"diverged": res.Diverged})
	}
	return nil
}

func (a *app) runAuditQuery(ctx context.Context, e *env, args []string) error {
	fs := a.newFlagSet("audit query")
	dbPath := fs.String("db", "", "libSQL database written by audit export (required)")
	cred := fs.String("credential", "", "only records for this credential")
	action := fs.String("action", "", "only records with this action")
	limit := fs.Int("limit", 0, "show the last N matching records (0 for all)")
	registry := fs.Bool("registry", false, "show the exported credential snapshot instead of records")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if err := exactArgs("audit query", pos, 0, "--db PATH"); err != nil {
		return err
	}
	if *dbPath == "" {
		return schema.NewError(schema.ErrCodeValidation, "--db is required")
	}

	st, err := openStore(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	if *registry {
		var rows []*store.CredentialRow
		if *cred != "" {
			row, err := st.GetCredential(ctx, *cred)
			if err != nil {
				return err
			}
			rows = append(rows, row)
		} else if rows, err = st.ListCredentials(ctx); err != nil {
			return err
		}
		fmt.Fprintln(tw, "NAME\tKEY\tROTATED\tSCHEDULE\tSNAPSHOT")
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Name, dash(r.EncryptionKey),
				dash(formatTime(r.RotatedAt)), dash(r.RotationSchedule), r.SnapshotAt.Local().Format(timeLayout))
		}
		return tw.Flush()
	}

	rows, err := st.ListAudit(ctx, store.AuditFilter{Credential: *cred, Action: *action, Limit: *limit})
	if err != nil {
		return err
	}
	fmt.Fprintln(tw, "SEQ\tTIMESTAMP\tACTION\tCREDENTIAL\tACTOR\tSUCCESS")
	for _, r := range rows {
		success := "-"
		if r.Success != nil {
			success = yesNo(*r.Success)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", r.Seq,
			r.Timestamp.Local().Format(timeLayout), r.Action, dash(r.Credential), r.Actor, success)
	}
	return tw.Flush()
}

func openStore(ctx context.Context, path string) (*store.LibSQLStore, error) {
	st, err := store.NewLibSQLStore(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeIO, "open export database %s", path).WithCause(err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, schema.NewErrorf(schema.ErrCodeIO, "migrate export database %s", path).WithCause(err)
	}
	return st, nil
}
