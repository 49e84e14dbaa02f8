package mcp

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rbrinkke/Vault/internal/audit"
	"github.com/rbrinkke/Vault/internal/credential"
	"github.com/rbrinkke/Vault/internal/logging"
	"github.com/rbrinkke/Vault/internal/metadata"
	"github.com/rbrinkke/Vault/internal/paths"
	"github.com/rbrinkke/Vault/pkg/schema"
)

// --- Fake catalog ---

type fakeCatalog struct {
	vf      *metadata.VaultFile
	entries []credential.Entry
	listErr error
	lastOpt credential.ListOptions
}

func (f *fakeCatalog) Registry(context.Context) (*metadata.VaultFile, error) {
	return f.vf, nil
}

func (f *fakeCatalog) List(_ context.Context, opts credential.ListOptions) ([]credential.Entry, error) {
	f.lastOpt = opts
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.entries, nil
}

func (f *fakeCatalog) Describe(_ context.Context, name string) (credential.Entry, error) {
	for _, e := range f.entries {
		if e.Name == name {
			return e, nil
		}
	}
	return credential.Entry{}, schema.NewErrorf(schema.ErrCodeNotFound, "metadata not found for %q", name)
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	require.False(t, result.IsError, extractText(t, result))
	require.NoError(t, json.Unmarshal([]byte(extractText(t, result)), target))
}

func newLedger(t *testing.T) *audit.Ledger {
	t.Helper()
	return audit.NewLedger(paths.FromRoot(t.TempDir()), logging.Discard(),
		audit.WithActor(func() string { return "ops" }))
}

func appendRecords(t *testing.T, l *audit.Ledger, recs ...audit.Record) {
	t.Helper()
	for _, r := range recs {
		_, err := l.Append(context.Background(), r)
		require.NoError(t, err)
	}
}

// --- Tests ---

func TestListTool(t *testing.T) {
	cat := &fakeCatalog{entries: []credential.Entry{
		{Name: "db", Tags: []string{"prod"}, HasBlob: true},
	}}
	s := NewVaultServer(VaultServerDeps{Catalog: cat})

	result, err := s.handleList(context.Background(), buildRequest("vault.list", map[string]any{
		"tag":   "prod",
		"where": `"prod" in tags`,
	}))
	require.NoError(t, err)

	var out struct {
		Credentials []credential.Entry `json:"credentials"`
		Count       int                `json:"count"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, 1, out.Count)
	assert.Equal(t, "db", out.Credentials[0].Name)
	assert.Equal(t, credential.ListOptions{Tag: "prod", Where: `"prod" in tags`}, cat.lastOpt)
}

func TestListTool_EmptyIsArray(t *testing.T) {
	s := NewVaultServer(VaultServerDeps{Catalog: &fakeCatalog{}})
	result, err := s.handleList(context.Background(), buildRequest("vault.list", nil))
	require.NoError(t, err)
	assert.Contains(t, extractText(t, result), `"credentials":[]`)
}

func TestListTool_Error(t *testing.T) {
	cat := &fakeCatalog{listErr: schema.NewError(schema.ErrCodeValidation, "bad filter")}
	s := NewVaultServer(VaultServerDeps{Catalog: cat})

	result, err := s.handleList(context.Background(), buildRequest("vault.list", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "bad filter")
}

func TestDescribeTool(t *testing.T) {
	cat := &fakeCatalog{entries: []credential.Entry{{Name: "db", SHA256: strings.Repeat("a", 64)}}}
	s := NewVaultServer(VaultServerDeps{Catalog: cat})

	result, err := s.handleDescribe(context.Background(), buildRequest("vault.describe", map[string]any{"name": "db"}))
	require.NoError(t, err)
	var e credential.Entry
	unmarshalResult(t, result, &e)
	assert.Equal(t, strings.Repeat("a", 64), e.SHA256)

	result, err = s.handleDescribe(context.Background(), buildRequest("vault.describe", map[string]any{"name": "ghost"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleDescribe(context.Background(), buildRequest("vault.describe", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestAuditLogTool(t *testing.T) {
	l := newLedger(t)
	appendRecords(t, l,
		audit.NewRecord("create", "db").WithOutcome(nil),
		audit.NewRecord("rotate", "db").WithOutcome(schema.NewError(schema.ErrCodeIO, "disk full")),
		audit.NewRecord("create", "cache").WithOutcome(nil),
		audit.NewRecord("rotate", "db").WithOutcome(nil),
	)
	s := NewVaultServer(VaultServerDeps{Audit: l})
	ctx := context.Background()

	type logResult struct {
		Records []audit.Record `json:"records"`
		Count   int            `json:"count"`
	}

	t.Run("limit", func(t *testing.T) {
		result, err := s.handleAuditLog(ctx, buildRequest("vault.audit_log", map[string]any{"limit": 2}))
		require.NoError(t, err)
		var out logResult
		unmarshalResult(t, result, &out)
		require.Equal(t, 2, out.Count)
		assert.Equal(t, "cache", out.Records[0].Credential)
	})

	t.Run("jq", func(t *testing.T) {
		result, err := s.handleAuditLog(ctx, buildRequest("vault.audit_log", map[string]any{
			"jq": ".result.success == false",
		}))
		require.NoError(t, err)
		var out logResult
		unmarshalResult(t, result, &out)
		require.Equal(t, 1, out.Count)
		assert.Equal(t, "rotate", out.Records[0].Action)
	})

	t.Run("credential then limit", func(t *testing.T) {
		result, err := s.handleAuditLog(ctx, buildRequest("vault.audit_log", map[string]any{
			"credential": "db", "limit": 2,
		}))
		require.NoError(t, err)
		var out logResult
		unmarshalResult(t, result, &out)
		require.Equal(t, 2, out.Count)
		assert.True(t, out.Records[0].Failed())
		assert.False(t, out.Records[1].Failed())
	})

	t.Run("bad jq", func(t *testing.T) {
		result, err := s.handleAuditLog(ctx, buildRequest("vault.audit_log", map[string]any{"jq": ".[["}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})

	t.Run("negative limit", func(t *testing.T) {
		result, err := s.handleAuditLog(ctx, buildRequest("vault.audit_log", map[string]any{"limit": -1}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})
}

func TestAuditVerifyTool(t *testing.T) {
	l := newLedger(t)
	appendRecords(t, l, audit.NewRecord("create", "db"), audit.NewRecord("create", "cache"))
	s := NewVaultServer(VaultServerDeps{Audit: l})

	type verifyResult struct {
		OK         bool     `json:"ok"`
		Total      int      `json:"total"`
		Violations []string `json:"violations"`
	}

	result, err := s.handleAuditVerify(context.Background(), buildRequest("vault.audit_verify", nil))
	require.NoError(t, err)
	var out verifyResult
	unmarshalResult(t, result, &out)
	assert.True(t, out.OK)
	assert.Equal(t, 2, out.Total)

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"credential":"db"`, `"credential":"dbx"`, 1)
	require.NoError(t, os.WriteFile(l.Path(), []byte(tampered), 0o640))

	result, err = s.handleAuditVerify(context.Background(), buildRequest("vault.audit_verify", nil))
	require.NoError(t, err)
	out = verifyResult{}
	unmarshalResult(t, result, &out)
	assert.False(t, out.OK)
	assert.GreaterOrEqual(t, len(out.Violations), 2)
}

func TestDueTool(t *testing.T) {
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	old := now.AddDate(0, -2, 0)
	recent := now.Add(-time.Hour)

	vf := metadata.Default()
	vf.Upsert(metadata.CredentialRecord{Name: "db", RotatedAt: &old, RotationSchedule: "@monthly"})
	vf.Upsert(metadata.CredentialRecord{Name: "cache", RotatedAt: &recent, RotationSchedule: "@monthly"})
	vf.Upsert(metadata.CredentialRecord{Name: "static"})

	s := NewVaultServer(VaultServerDeps{
		Catalog: &fakeCatalog{vf: vf},
		Now:     func() time.Time { return now },
	})

	type dueResult struct {
		Items []struct {
			Name string `json:"name"`
			Due  bool   `json:"due"`
		} `json:"items"`
	}

	result, err := s.handleDue(context.Background(), buildRequest("vault.due", nil))
	require.NoError(t, err)
	var out dueResult
	unmarshalResult(t, result, &out)
	require.Len(t, out.Items, 1)
	assert.Equal(t, "db", out.Items[0].Name)

	result, err = s.handleDue(context.Background(), buildRequest("vault.due", map[string]any{"all": true}))
	require.NoError(t, err)
	out = dueResult{}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Items, 2)
	assert.False(t, out.Items[1].Due)
}
