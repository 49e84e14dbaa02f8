package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rbrinkke/Vault/internal/audit"
	"github.com/rbrinkke/Vault/internal/credential"
	"github.com/rbrinkke/Vault/internal/rotation"
)

const defaultAuditLimit = 50

// handleList returns registered credentials matching the optional filters.
func (s *VaultServer) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entries, err := s.catalog.List(ctx, credential.ListOptions{
		Tag:     req.GetString("tag", ""),
		Service: req.GetString("service", ""),
		Where:   req.GetString("where", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
	}
	if entries == nil {
		entries = []credential.Entry{}
	}
	return marshalResult(map[string]any{"credentials": entries, "count": len(entries)})
}

// handleDescribe returns one credential.
func (s *VaultServer) handleDescribe(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	entry, err := s.catalog.Describe(ctx, name)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("describe failed: %v", err)), nil
	}
	return marshalResult(entry)
}

// handleAuditLog returns the tail of the ledger, optionally filtered.
func (s *VaultServer) handleAuditLog(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", defaultAuditLimit)
	if limit < 0 {
		return mcp.NewToolResultError("limit must not be negative"), nil
	}
	program := req.GetString("jq", "")
	cred := req.GetString("credential", "")

	// Filters apply before the limit so "last N matching" is what comes back.
	readLimit := limit
	if program != "" || cred != "" {
		readLimit = 0
	}
	records, err := s.audit.Read(ctx, readLimit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("audit read failed: %v", err)), nil
	}

	if cred != "" {
		kept := records[:0]
		for _, r := range records {
			if r.Credential == cred {
				kept = append(kept, r)
			}
		}
		records = kept
	}
	if program != "" {
		if records, err = audit.Filter(ctx, s.jq, records, program); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("jq filter failed: %v", err)), nil
		}
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	if records == nil {
		records = []audit.Record{}
	}
	return marshalResult(map[string]any{"records": records, "count": len(records)})
}

// handleAuditVerify walks the hash chain.
func (s *VaultServer) handleAuditVerify(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	v, err := s.audit.VerifyChain(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("verify failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"ok":         v.OK(),
		"total":      v.Total,
		"malformed":  v.Malformed,
		"violations": v.Violations,
	})
}

// handleDue lists scheduled rotations.
func (s *VaultServer) handleDue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	vf, err := s.catalog.Registry(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("registry load failed: %v", err)), nil
	}
	now := s.now()
	items := rotation.Due(vf, now)
	if req.GetBool("all", false) {
		items = rotation.Plan(vf, now)
	}
	if items == nil {
		items = []rotation.Item{}
	}
	return marshalResult(map[string]any{"now": now, "items": items})
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
