// Package mcp exposes a read-only view of a vault over the Model Context
// Protocol (stdio transport). No tool ever returns secret material.
package mcp

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rbrinkke/Vault/internal/audit"
	"github.com/rbrinkke/Vault/internal/credential"
	"github.com/rbrinkke/Vault/internal/expressions"
	"github.com/rbrinkke/Vault/internal/metadata"
)

// Catalog is the read side of the credential manager.
type Catalog interface {
	Registry(ctx context.Context) (*metadata.VaultFile, error)
	List(ctx context.Context, opts credential.ListOptions) ([]credential.Entry, error)
	Describe(ctx context.Context, name string) (credential.Entry, error)
}

// AuditTrail is the read side of the ledger.
type AuditTrail interface {
	Read(ctx context.Context, limit int) ([]audit.Record, error)
	VerifyChain(ctx context.Context) (audit.Verification, error)
}

// VaultServerDeps holds the dependencies for creating a VaultServer.
type VaultServerDeps struct {
	Catalog Catalog
	Audit   AuditTrail
	JQ      *expressions.GoJQEngine
	Logger  *slog.Logger
	Version string
	// Now defaults to time.Now in UTC.
	Now func() time.Time
}

// VaultServer wraps an MCP server with vault tool handlers.
type VaultServer struct {
	catalog   Catalog
	audit     AuditTrail
	jq        *expressions.GoJQEngine
	logger    *slog.Logger
	now       func() time.Time
	mcpServer *server.MCPServer
}

// NewVaultServer creates a VaultServer with all 5 tools registered.
func NewVaultServer(deps VaultServerDeps) *VaultServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	jq := deps.JQ
	if jq == nil {
		jq = expressions.NewGoJQEngine()
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &VaultServer{
		catalog: deps.Catalog,
		audit:   deps.Audit,
		jq:      jq,
		logger:  logger,
		now:     now,
	}

	mcpSrv := server.NewMCPServer(
		"sealvault",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("sealvault manages systemd-creds sealed credentials. These tools are read-only: use vault.list and vault.describe to inspect credentials, vault.audit_log and vault.audit_verify to review the hash-chained audit trail, and vault.due to see which credentials are scheduled for rotation. Secret values are never returned."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *VaultServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *VaultServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *VaultServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: listTool(), Handler: s.handleList},
		{Tool: describeTool(), Handler: s.handleDescribe},
		{Tool: auditLogTool(), Handler: s.handleAuditLog},
		{Tool: auditVerifyTool(), Handler: s.handleAuditVerify},
		{Tool: dueTool(), Handler: s.handleDue},
	}
}

// --- Tool definitions ---

func listTool() mcp.Tool {
	return mcp.NewTool("vault.list",
		mcp.WithDescription("List registered credentials (metadata only)"),
		mcp.WithString("tag", mcp.Description("Only credentials carrying this tag")),
		mcp.WithString("service", mcp.Description("Only credentials linked to this service")),
		mcp.WithString("where", mcp.Description(`expr-lang filter over name, description, key_type, tags, services, rotation_schedule, has_prev, size (e.g. "prod" in tags)`)),
	)
}

func describeTool() mcp.Tool {
	return mcp.NewTool("vault.describe",
		mcp.WithDescription("Describe one credential including its blob fingerprint"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Credential name")),
	)
}

func auditLogTool() mcp.Tool {
	return mcp.NewTool("vault.audit_log",
		mcp.WithDescription("Read recent audit records"),
		mcp.WithNumber("limit", mcp.Description("Return only the last N records (default 50, 0 for all)")),
		mcp.WithString("jq", mcp.Description(`jq filter selecting records (e.g. .result.success == false)`)),
		mcp.WithString("credential", mcp.Description("Only records for this credential")),
	)
}

func auditVerifyTool() mcp.Tool {
	return mcp.NewTool("vault.audit_verify",
		mcp.WithDescription("Verify the audit log hash chain"),
	)
}

func dueTool() mcp.Tool {
	return mcp.NewTool("vault.due",
		mcp.WithDescription("List credentials whose rotation schedule is due"),
		mcp.WithBoolean("all", mcp.Description("Include scheduled credentials that are not yet due")),
	)
}
