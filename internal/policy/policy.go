// Package policy enforces the [policy] section of vault.toml before any
// credential file is touched.
package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/rbrinkke/Vault/internal/expressions"
	"github.com/rbrinkke/Vault/internal/metadata"
	"github.com/rbrinkke/Vault/pkg/schema"
)

// Operation is the pending mutation presented to the policy.
type Operation struct {
	Action        string
	Name          string
	KeyType       string
	Services      []string
	Tags          []string
	AutoGenerated bool
	SecretLength  int
	// TPM2Available is the sealing engine's key binding probe result.
	TPM2Available bool
}

// Map is the "op" value visible to deny rules.
func (o Operation) Map() map[string]any {
	return map[string]any{
		"action":         o.Action,
		"name":           o.Name,
		"key_type":       o.KeyType,
		"services":       toList(o.Services),
		"tags":           toList(o.Tags),
		"auto_generated": o.AutoGenerated,
		"secret_length":  int64(o.SecretLength),
		"tpm2_available": o.TPM2Available,
	}
}

func toList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// Enforcer checks operations against one policy section.
type Enforcer struct {
	section metadata.PolicySection
	cel     *expressions.CELEngine
}

// New builds an Enforcer. Every deny rule is compiled up front so a broken
// rule fails loudly instead of silently allowing operations.
func New(section metadata.PolicySection, cel *expressions.CELEngine) (*Enforcer, error) {
	if len(section.DenyRules) > 0 && cel == nil {
		return nil, schema.NewError(schema.ErrCodeConfig, "deny rules configured without a CEL engine")
	}
	for _, r := range section.DenyRules {
		if err := cel.CheckBool(r.When); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "policy deny rule %q", ruleName(r)).WithCause(err)
		}
	}
	return &Enforcer{section: section, cel: cel}, nil
}

// ServiceAllowed reports whether service passes the allowlist. The
// ".service" suffix is ignored on both sides.
func (e *Enforcer) ServiceAllowed(service string) bool {
	if len(e.section.ServiceAllowlist) == 0 {
		return true
	}
	svc := normalizeService(service)
	for _, allowed := range e.section.ServiceAllowlist {
		if normalizeService(allowed) == svc {
			return true
		}
	}
	return false
}

// Check returns a POLICY_DENIED error for the first violated rule.
func (e *Enforcer) Check(ctx context.Context, op Operation) error {
	if e.section.ForbidHostOnlyWhenTPM2 && op.KeyType == schema.KeyHost && op.TPM2Available {
		return denied(op, "host-only encryption forbidden when TPM2 is available (use host+tpm2)")
	}

	for _, svc := range op.Services {
		if !e.ServiceAllowed(svc) {
			return denied(op, fmt.Sprintf("service %q not allowed (service_allowlist enforced)", svc))
		}
	}

	if minLen := e.section.MinAutoSecretLength; op.AutoGenerated && minLen > 0 && op.SecretLength < minLen {
		return denied(op, fmt.Sprintf("auto-generated secret length %d below minimum %d", op.SecretLength, minLen))
	}

	if len(e.section.DenyRules) == 0 {
		return nil
	}
	data := map[string]any{"op": op.Map()}
	for _, r := range e.section.DenyRules {
		out, err := e.cel.Evaluate(ctx, r.When, data)
		if err != nil {
			return err
		}
		hit, ok := out.(bool)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeConfig,
				"policy deny rule %q returned %T, not bool", ruleName(r), out).WithCredential(op.Name)
		}
		if hit {
			msg := r.Message
			if msg == "" {
				msg = fmt.Sprintf("denied by rule %q", ruleName(r))
			}
			return denied(op, msg).WithDetails(map[string]any{"rule": ruleName(r)})
		}
	}
	return nil
}

func denied(op Operation, msg string) *schema.VaultError {
	return schema.NewError(schema.ErrCodePolicyDenied, "policy: "+msg).WithCredential(op.Name)
}

func normalizeService(s string) string {
	return strings.TrimSuffix(s, ".service")
}

func ruleName(r metadata.DenyRule) string {
	if r.Name != "" {
		return r.Name
	}
	return r.When
}
