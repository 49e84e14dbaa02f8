package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rbrinkke/Vault/internal/audit"
	"github.com/rbrinkke/Vault/internal/credential"
	"github.com/rbrinkke/Vault/internal/rotation"
	"github.com/rbrinkke/Vault/internal/sealer"
	"github.com/rbrinkke/Vault/internal/sealer/sealertest"
)

type cli struct {
	root   string
	config string
	engine *sealertest.Engine
}

type result struct {
	code   int
	stdout string
	stderr string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	dir := t.TempDir()
	conf := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(conf, []byte("log_level: warn\n"), 0o600))
	return &cli{
		root:   filepath.Join(dir, "vault"),
		config: conf,
		engine: sealertest.New(),
	}
}

func (c *cli) run(t *testing.T, stdin string, args ...string) result {
	t.Helper()
	var out, errOut bytes.Buffer
	a := &app{
		in:        strings.NewReader(stdin),
		out:       &out,
		errOut:    &errOut,
		newEngine: func(string) sealer.Engine { return c.engine },
	}
	full := append([]string{"--config", c.config, "--root", c.root}, args...)
	code := a.run(context.Background(), full)
	return result{code: code, stdout: out.String(), stderr: errOut.String()}
}

func (c *cli) ok(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	res := c.run(t, stdin, args...)
	require.Equal(t, 0, res.code, "sealvault %v\nstderr: %s", args, res.stderr)
	return res.stdout
}

func (c *cli) auditActions(t *testing.T) []string {
	t.Helper()
	var records []audit.Record
	require.NoError(t, json.Unmarshal([]byte(c.ok(t, "", "audit", "log", "--json", "--limit", "0")), &records))
	actions := make([]string, len(records))
	for i, r := range records {
		actions[i] = r.Action
	}
	return actions
}

func TestCLI_Lifecycle(t *testing.T) {
	c := newCLI(t)

	assert.Contains(t, c.ok(t, "", "init"), "Initialized vault at "+c.root)
	assert.Contains(t, c.ok(t, "s3cret\r\n", "create", "db", "--from-stdin", "--tag", "prod", "--service", "api.service"), "db.cred")

	out := filepath.Join(t.TempDir(), "db.txt")
	c.ok(t, "", "get", "db", "--output", out)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", string(data))
	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	assert.Equal(t, "s3cret", c.ok(t, "", "get", "db", "--confirm", "--reason", "debugging"))

	c.ok(t, "", "rotate", "db", "--auto", "--length", "40")
	rotated := c.ok(t, "", "get", "db", "--confirm", "--reason", "check rotation")
	assert.Len(t, rotated, 40)

	c.ok(t, "", "rollback", "db")
	assert.Equal(t, "s3cret", c.ok(t, "", "get", "db", "--confirm", "--reason", "check rollback"))

	var entries []credential.Entry
	require.NoError(t, json.Unmarshal([]byte(c.ok(t, "", "list", "--format", "json", "--tag", "prod")), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "db", entries[0].Name)
	assert.Equal(t, []string{"api.service"}, entries[0].Services)
	assert.False(t, entries[0].HasPrev, "rollback consumes the backup")

	desc := c.ok(t, "", "describe", "db")
	assert.Contains(t, desc, "SHA-256:")
	assert.Contains(t, desc, "Backup:")

	assert.Contains(t, c.ok(t, "", "search", "API"), "db")
	assert.Contains(t, c.ok(t, "", "audit", "verify"), "OK: ")
	assert.Equal(t, []string{"init", "create", "get", "get", "rotate", "get", "rollback-rotate", "get"}, c.auditActions(t))

	c.ok(t, "", "delete", "db")
	assert.Contains(t, c.ok(t, "", "list"), "No credentials found.")
}

func TestCLI_Errors(t *testing.T) {
	tests := []struct {
		name   string
		stdin  string
		args   []string
		code   int
		stderr string
	}{
		{"stdout needs confirm", "", []string{"get", "db"}, 1, "without --confirm"},
		{"stdout needs reason", "", []string{"get", "db", "--confirm"}, 1, "reason is required"},
		{"create needs stdin flag", "x", []string{"--non-interactive", "create", "db"}, 1, "--non-interactive requires --from-stdin for create"},
		{"rotate needs a source", "", []string{"--non-interactive", "rotate", "db"}, 1, "--from-stdin or --auto for rotate"},
		{"auto and stdin conflict", "x", []string{"rotate", "db", "--auto", "--from-stdin"}, 1, "cannot be used together"},
		{"bad name", "x", []string{"create", "../etc", "--from-stdin"}, 1, "path traversal"},
		{"bad key type", "x", []string{"create", "db", "--from-stdin", "--with-key", "rsa"}, 1, "invalid key type"},
		{"missing credential", "", []string{"delete", "ghost"}, 1, "NOT_FOUND"},
		{"rollback without backup", "", []string{"rollback", "db"}, 1, "no .prev backup"},
		{"bad schedule", "", []string{"schedule", "db", "not a cron"}, 1, "invalid rotation schedule"},
		{"bad format", "", []string{"list", "--format", "xml"}, 1, "invalid format"},
		{"unknown command", "", []string{"frobnicate"}, 2, `unknown command "frobnicate"`},
		{"unknown audit command", "", []string{"audit", "rewrite"}, 1, `unknown audit command "rewrite"`},
		{"export needs db", "", []string{"audit", "export"}, 1, "--db is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCLI(t)
			c.ok(t, "", "init")
			c.ok(t, "s3cret", "create", "db", "--from-stdin")

			res := c.run(t, tt.stdin, tt.args...)
			assert.Equal(t, tt.code, res.code)
			assert.Contains(t, res.stderr, tt.stderr)
		})
	}
}

func TestCLI_ConfigErrors(t *testing.T) {
	c := newCLI(t)

	res := c.run(t, "", "--log-level", "loud", "list")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "CONFIG_ERROR")

	c.config = filepath.Join(t.TempDir(), "missing.yaml")
	res = c.run(t, "", "list")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "load config file")
}

func TestCLI_AuditVerifyDetectsTampering(t *testing.T) {
	c := newCLI(t)
	c.ok(t, "", "init")
	c.ok(t, "s3cret", "create", "db", "--from-stdin")
	c.ok(t, "", "delete", "db")

	logPath := filepath.Join(c.root, "audit.log")
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"action":"create"`, `"action":"rotate"`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(logPath, []byte(tampered), 0o640))

	res := c.run(t, "", "audit", "verify")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stdout, "entry 2: entry_hash mismatch")
	assert.Contains(t, res.stdout, "entry 3: prev_hash mismatch")
	assert.Contains(t, res.stderr, "INTEGRITY_ERROR")
}

func TestCLI_AuditVerifyBlankedLastAction(t *testing.T) {
	c := newCLI(t)
	c.ok(t, "", "init")
	c.ok(t, "s3cret", "create", "db", "--from-stdin")
	c.ok(t, "", "delete", "db")

	logPath := filepath.Join(c.root, "audit.log")
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"action":"delete"`, `"action":""`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(logPath, []byte(tampered), 0o640))

	res := c.run(t, "", "audit", "verify")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stdout, "entry 3: timestamp or action missing")
	assert.Contains(t, res.stdout, "entry 3: entry_hash mismatch")
	assert.NotContains(t, res.stdout, "OK: ")
}

func TestCLI_AuditLogFilters(t *testing.T) {
	c := newCLI(t)
	c.ok(t, "", "init")
	c.ok(t, "a", "create", "db", "--from-stdin")
	c.ok(t, "b", "create", "api", "--from-stdin")
	c.run(t, "", "rollback", "api")

	var records []audit.Record
	require.NoError(t, json.Unmarshal([]byte(c.ok(t, "", "audit", "log", "--json", "--jq", ".result.success == false")), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "rollback-rotate", records[0].Action)

	require.NoError(t, json.Unmarshal([]byte(c.ok(t, "", "audit", "log", "--json", "--credential", "db")), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "create", records[0].Action)

	require.NoError(t, json.Unmarshal([]byte(c.ok(t, "", "audit", "log", "--json", "--limit", "2")), &records))
	require.Len(t, records, 2)
	assert.Equal(t, "api", records[0].Credential)

	table := c.ok(t, "", "audit", "log")
	assert.Contains(t, table, "FAILED: ")

	res := c.run(t, "", "audit", "log", "--jq", ".[")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "invalid --jq filter")
}

func TestCLI_AuditLint(t *testing.T) {
	c := newCLI(t)
	c.ok(t, "", "init")
	assert.Contains(t, c.ok(t, "", "audit", "lint"), "OK: 0 warning(s)")

	f, err := os.OpenFile(filepath.Join(c.root, "audit.log"), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString(`{"timestamp":"2024-01-01T00:00:00Z","action":42}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	res := c.run(t, "", "audit", "lint")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stdout, "error: line 2")
}

func TestCLI_AuditExport(t *testing.T) {
	c := newCLI(t)
	c.ok(t, "", "init")
	c.ok(t, "s3cret", "create", "db", "--from-stdin", "--tag", "prod")
	db := filepath.Join(t.TempDir(), "forensics.db")

	assert.Contains(t, c.ok(t, "", "audit", "export", "--db", db), "Exported 2 new record(s), 0 unchanged, 1 credential(s)")
	assert.Contains(t, c.ok(t, "", "audit", "export", "--db", db), "Exported 0 new record(s), 2 unchanged")

	rows := c.ok(t, "", "audit", "query", "--db", db, "--action", "create")
	assert.Contains(t, rows, "create")
	assert.NotContains(t, rows, "init")

	assert.Contains(t, c.ok(t, "", "audit", "query", "--db", db, "--registry"), "db")
}

func TestCLI_ScheduleDueAndWatch(t *testing.T) {
	c := newCLI(t)
	c.ok(t, "", "init")
	c.ok(t, "s3cret", "create", "db", "--from-stdin")

	assert.Contains(t, c.ok(t, "", "schedule", "db", "@every 1h"), "Scheduled db: @every 1h")
	assert.Contains(t, c.ok(t, "", "due"), "No credentials due for rotation.")

	var items []rotation.Item
	require.NoError(t, json.Unmarshal([]byte(c.ok(t, "", "due", "--all", "--format", "json")), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "db", items[0].Name)
	assert.False(t, items[0].Due)

	assert.Contains(t, c.ok(t, "", "watch", "--once"), "Rotated 0 credential(s)")

	assert.Contains(t, c.ok(t, "", "schedule", "db", "--clear"), "Cleared rotation schedule for db")
	require.NoError(t, json.Unmarshal([]byte(c.ok(t, "", "due", "--all", "--format", "json")), &items))
	assert.Empty(t, items)
}

func TestCLI_PlanAndVerifyRotate(t *testing.T) {
	c := newCLI(t)
	c.ok(t, "", "init")
	c.ok(t, "s3cret", "create", "db", "--from-stdin")

	plan := c.ok(t, "", "plan", "rotate", "db", "--auto")
	assert.Contains(t, plan, "status:   ready")
	assert.Contains(t, plan, "No changes made (dry-run).")

	var p credential.RotationPlan
	require.NoError(t, json.Unmarshal([]byte(c.ok(t, "", "plan", "rotate", "ghost", "--format", "json")), &p))
	assert.False(t, p.Exists)
	assert.NotEmpty(t, p.Issues)

	c.ok(t, "", "rotate", "db", "--auto")
	out := c.ok(t, "", "verify", "rotate", "db")
	assert.Contains(t, out, "[PASS] decryptable")
	assert.Contains(t, out, "Verify rotate db: 3 passed, 0 failed")

	res := c.run(t, "", "verify", "rotate", "ghost")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stdout, "[FAIL] blob exists")
	assert.Contains(t, res.stderr, "INTEGRITY_ERROR")

	res = c.run(t, "", "plan", "dropin", "db")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "usage: sealvault plan rotate NAME")

	assert.Equal(t, []string{"init", "create", "rotate"}, c.auditActions(t))
}

func TestCLI_MetricsTextfile(t *testing.T) {
	c := newCLI(t)
	path := filepath.Join(t.TempDir(), "sealvault.prom")

	c.ok(t, "", "--metrics-textfile", path, "init")
	c.ok(t, "s3cret", "--metrics-textfile", path, "create", "db", "--from-stdin")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `sealvault_operations_total{action="create",outcome="success"} 1`)
	assert.Contains(t, string(data), "sealvault_credentials 1")
}

func TestCLI_Version(t *testing.T) {
	c := newCLI(t)
	assert.Equal(t, "dev\n", c.ok(t, "", "version"))
}

func TestParseArgs_Interspersed(t *testing.T) {
	a := newApp()
	fs := a.newFlagSet("test")
	var tags stringList
	fs.Var(&tags, "tag", "")
	stdin := fs.Bool("from-stdin", false, "")

	pos, err := parseArgs(fs, []string{"--tag", "a", "db", "--from-stdin", "--tag", "b", "extra"})
	require.NoError(t, err)
	assert.Equal(t, []string{"db", "extra"}, pos)
	assert.Equal(t, stringList{"a", "b"}, tags)
	assert.True(t, *stdin)
}

func TestReadSecret(t *testing.T) {
	got, err := readSecret(strings.NewReader("pa\nss\r\n\n"))
	require.NoError(t, err)
	assert.Equal(t, "pa\nss", string(got))

	big, err := readSecret(strings.NewReader(strings.Repeat("x", credential.MaxSecretSize+100)))
	require.NoError(t, err)
	assert.Len(t, big, credential.MaxSecretSize+3)
}

func TestSecretSource(t *testing.T) {
	assert.NoError(t, secretSource("create", true, false, true))
	assert.NoError(t, secretSource("rotate", false, true, true))
	assert.ErrorContains(t, secretSource("rotate", true, true, false), "cannot be used together")
	assert.ErrorContains(t, secretSource("create", false, false, false), "interactive prompting is not supported")
	assert.ErrorContains(t, secretSource("rotate", false, false, true), "--from-stdin or --auto for rotate")
}
