package credential

import (
	"context"

	"github.com/rbrinkke/Vault/internal/fsutil"
	"github.com/rbrinkke/Vault/internal/metadata"
	"github.com/rbrinkke/Vault/internal/policy"
	"github.com/rbrinkke/Vault/pkg/schema"
)

// RotationPlan previews a rotation without writing anything. Issues lists
// every condition that would make the rotation fail or behave unexpectedly.
type RotationPlan struct {
	Credential string   `json:"credential"`
	Exists     bool     `json:"exists"`
	HasPrev    bool     `json:"has_prev"`
	Auto       bool     `json:"auto"`
	Length     int      `json:"length,omitempty"`
	KeyType    string   `json:"key_type"`
	Issues     []string `json:"issues"`
}

// Ready reports whether the plan found nothing in the way.
func (p RotationPlan) Ready() bool {
	return len(p.Issues) == 0
}

// PlanRotate evaluates req the way Rotate would, up to but excluding the
// seal: blob and credstore presence, the resolved key type and the policy
// verdict. req.Secret is ignored. It takes no lock and records nothing.
func (m *Manager) PlanRotate(ctx context.Context, req RotateRequest) (RotationPlan, error) {
	if err := ValidateName(req.Name); err != nil {
		return RotationPlan{}, err
	}
	if err := ValidateKeyType(req.KeyType); err != nil {
		return RotationPlan{}, err
	}

	plan := RotationPlan{
		Credential: req.Name,
		Exists:     fsutil.Exists(m.paths.CredPath(req.Name)),
		HasPrev:    fsutil.Exists(m.paths.PrevPath(req.Name)),
		Auto:       req.Auto,
		Issues:     []string{},
	}
	if req.Auto {
		plan.Length = req.Length
		if plan.Length == 0 {
			plan.Length = DefaultAutoLength
		}
	}

	if !plan.Exists {
		plan.Issues = append(plan.Issues, "credential does not exist (rotate will create it)")
	}
	if !fsutil.IsDir(m.paths.Credstore) {
		plan.Issues = append(plan.Issues, "credstore directory missing")
	}

	tpm := m.engine.KeyBindingAvailable(ctx)
	plan.KeyType = resolveKey(req.KeyType, tpm)

	vf, err := m.Registry(ctx)
	if err != nil {
		return RotationPlan{}, err
	}
	enf, err := m.enforcer(vf)
	if err != nil {
		return RotationPlan{}, err
	}
	err = enf.Check(ctx, policy.Operation{
		Action:        schema.ActionRotate,
		Name:          req.Name,
		KeyType:       plan.KeyType,
		Services:      req.Services,
		Tags:          req.Tags,
		AutoGenerated: req.Auto,
		SecretLength:  plan.Length,
		TPM2Available: tpm,
	})
	switch {
	case schema.IsCode(err, schema.ErrCodePolicyDenied):
		plan.Issues = append(plan.Issues, err.Error())
	case err != nil:
		return RotationPlan{}, err
	}

	m.logger.DebugContext(ctx, "rotation planned", "credential", req.Name, "issues", len(plan.Issues))
	return plan, nil
}

// CheckResult is one verification step.
type CheckResult struct {
	Check  string `json:"check"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// RotationCheck is the outcome of VerifyRotate.
type RotationCheck struct {
	Credential string        `json:"credential"`
	Checks     []CheckResult `json:"checks"`
}

// Failed counts the checks that did not pass.
func (c RotationCheck) Failed() int {
	n := 0
	for _, r := range c.Checks {
		if !r.Passed {
			n++
		}
	}
	return n
}

// VerifyRotate confirms a rotated credential is usable: the live blob
// exists, the engine can unseal it, and the registry knows it. The
// plaintext stays in memory and is wiped before returning.
func (m *Manager) VerifyRotate(ctx context.Context, name string) (RotationCheck, error) {
	if err := ValidateName(name); err != nil {
		return RotationCheck{}, err
	}
	res := RotationCheck{Credential: name, Checks: []CheckResult{}}
	add := func(check string, err error) {
		r := CheckResult{Check: check, Passed: err == nil}
		if err != nil {
			r.Detail = err.Error()
		}
		res.Checks = append(res.Checks, r)
	}

	blob := m.paths.CredPath(name)
	if !fsutil.Exists(blob) {
		add("blob exists", schema.NewErrorf(schema.ErrCodeNotFound, "missing %s", blob))
	} else {
		add("blob exists", nil)
		plain, err := m.engine.UnsealToBytes(ctx, blob, "")
		clear(plain)
		add("decryptable", err)
	}

	if fsutil.Exists(m.paths.VaultTOML) {
		vf, err := metadata.Load(m.paths.VaultTOML)
		if err != nil {
			return RotationCheck{}, err
		}
		if _, ok := vf.Find(name); ok {
			add("registered", nil)
		} else {
			add("registered", schema.NewErrorf(schema.ErrCodeNotFound, "no entry for %q in vault.toml", name))
		}
	}

	m.logger.InfoContext(ctx, "rotation verified", "credential", name, "failed", res.Failed())
	return res, nil
}
