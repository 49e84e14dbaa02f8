package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rbrinkke/Vault/internal/credential"
	"github.com/rbrinkke/Vault/internal/rotation"
)

const timeLayout = "2006-01-02 15:04:05"

func (a *app) runList(ctx context.Context, e *env, args []string) error {
	fs := a.newFlagSet("list")
	tag := fs.String("tag", "", "only credentials with this tag")
	service := fs.String("service", "", "only credentials linked to this service")
	where := fs.String("where", "", `expr filter, e.g. 'has_prev && "prod" in tags'`)
	format := fs.String("format", "table", "output format: table, json")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if err := exactArgs("list", pos, 0, "[--tag T] [--service S] [--where EXPR]"); err != nil {
		return err
	}
	if err := checkFormat(*format); err != nil {
		return err
	}

	entries, err := e.manager.List(ctx, credential.ListOptions{Tag: *tag, Service: *service, Where: *where})
	if err != nil {
		return err
	}
	if *format == "json" {
		if entries == nil {
			entries = []credential.Entry{}
		}
		return writeJSON(a.out, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(a.out, "No credentials found.")
		return nil
	}
	writeEntries(a.out, entries)
	return nil
}

func (a *app) runSearch(ctx context.Context, e *env, args []string) error {
	fs := a.newFlagSet("search")
	format := fs.String("format", "table", "output format: table, json")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if err := exactArgs("search", pos, 1, "QUERY"); err != nil {
		return err
	}
	if err := checkFormat(*format); err != nil {
		return err
	}

	entries, err := e.manager.Search(ctx, pos[0])
	if err != nil {
		return err
	}
	if *format == "json" {
		if entries == nil {
			entries = []credential.Entry{}
		}
		return writeJSON(a.out, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintf(a.out, "No credentials match %q.\n", pos[0])
		return nil
	}
	writeEntries(a.out, entries)
	return nil
}

func (a *app) runDescribe(ctx context.Context, e *env, args []string) error {
	fs := a.newFlagSet("describe")
	format := fs.String("format", "table", "output format: table, json")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if err := exactArgs("describe", pos, 1, "NAME"); err != nil {
		return err
	}
	if err := checkFormat(*format); err != nil {
		return err
	}

	entry, err := e.manager.Describe(ctx, pos[0])
	if err != nil {
		return err
	}
	if *format == "json" {
		return writeJSON(a.out, entry)
	}

	tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	row := func(k, v string) {
		if v == "" {
			v = "-"
		}
		fmt.Fprintf(tw, "%s:\t%s\n", k, v)
	}
	row("Name", entry.Name)
	row("Description", entry.Description)
	row("Key", entry.KeyType)
	row("Tags", strings.Join(entry.Tags, ", "))
	row("Services", strings.Join(entry.Services, ", "))
	row("Created", formatTime(entry.CreatedAt))
	row("Rotated", formatTime(entry.RotatedAt))
	row("Schedule", entry.RotationSchedule)
	if entry.HasBlob {
		row("Size", fmt.Sprintf("%d bytes", entry.Size))
		row("Modified", entry.ModTime.Local().Format(timeLayout))
		row("SHA-256", entry.SHA256)
	} else {
		row("Blob", "missing")
	}
	row("Backup", yesNo(entry.HasPrev))
	return tw.Flush()
}

func (a *app) runDue(ctx context.Context, e *env, args []string) error {
	fs := a.newFlagSet("due")
	all := fs.Bool("all", false, "show every scheduled credential, not only due ones")
	format := fs.String("format", "table", "output format: table, json")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return err
	}
	if err := exactArgs("due", pos, 0, "[--all]"); err != nil {
		return err
	}
	if err := checkFormat(*format); err != nil {
		return err
	}

	vf, err := e.manager.Registry(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	items := rotation.Due(vf, now)
	if *all {
		items = rotation.Plan(vf, now)
	}
	if *format == "json" {
		if items == nil {
			items = []rotation.Item{}
		}
		return writeJSON(a.out, items)
	}
	if len(items) == 0 {
		fmt.Fprintln(a.out, "No credentials due for rotation.")
		return nil
	}

	tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSCHEDULE\tLAST\tNEXT\tDUE")
	for _, it := range items {
		next := it.Next.Local().Format(timeLayout)
		if it.Error != "" {
			next = "invalid schedule"
		}
		last := "-"
		if !it.Last.IsZero() {
			last = it.Last.Local().Format(timeLayout)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", it.Name, it.Schedule, last, next, yesNo(it.Due))
	}
	return tw.Flush()
}

func writeEntries(w io.Writer, entries []credential.Entry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDESCRIPTION\tTAGS\tSERVICES\tSIZE\tMODIFIED")
	for _, e := range entries {
		size, modified := "-", "-"
		if e.HasBlob {
			size = fmt.Sprintf("%d", e.Size)
			modified = e.ModTime.Local().Format(timeLayout)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Name, dash(e.Description), dash(strings.Join(e.Tags, ",")),
			dash(strings.Join(e.Services, ",")), size, modified)
	}
	tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
