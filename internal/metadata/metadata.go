// Package metadata persists the vault registry (vault.toml).
package metadata

import (
	"errors"
	"os"
	"sort"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/rbrinkke/Vault/internal/fsutil"
	"github.com/rbrinkke/Vault/internal/paths"
	"github.com/rbrinkke/Vault/pkg/schema"
)

// CurrentVersion is written into new registries.
const CurrentVersion = 1

// VaultFile is the whole vault.toml document.
type VaultFile struct {
	Vault       VaultSection       `toml:"vault"`
	Policy      PolicySection      `toml:"policy"`
	Credentials []CredentialRecord `toml:"credentials"`
}

// VaultSection carries format version and the credstore location.
type VaultSection struct {
	Version       int    `toml:"version"`
	CredstorePath string `toml:"credstore_path,omitempty"`
}

// PolicySection holds operator policy evaluated before mutations.
type PolicySection struct {
	// Empty means every service is allowed.
	ServiceAllowlist       []string   `toml:"service_allowlist,omitempty"`
	MinAutoSecretLength    int        `toml:"min_auto_secret_length,omitempty"`
	ForbidHostOnlyWhenTPM2 bool       `toml:"forbid_host_only_when_tpm2,omitempty"`
	DenyRules              []DenyRule `toml:"deny_rules,omitempty"`
}

// DenyRule rejects an operation when its CEL expression evaluates to true.
type DenyRule struct {
	Name    string `toml:"name"`
	When    string `toml:"when"`
	Message string `toml:"message,omitempty"`
}

// CredentialRecord is the registry entry for one sealed credential.
type CredentialRecord struct {
	Name             string     `toml:"name"`
	Description      string     `toml:"description,omitempty"`
	CreatedAt        *time.Time `toml:"created_at,omitempty"`
	RotatedAt        *time.Time `toml:"rotated_at,omitempty"`
	EncryptionKey    string     `toml:"encryption_key,omitempty"`
	Tags             []string   `toml:"tags"`
	Services         []string   `toml:"services"`
	RotationSchedule string     `toml:"rotation_schedule,omitempty"`
}

// Default returns an empty registry at the current version.
func Default() *VaultFile {
	return &VaultFile{Vault: VaultSection{Version: CurrentVersion}}
}

// Load reads path. A missing file yields Default(); a file that does not
// parse is an error.
func Load(path string) (*VaultFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, schema.IOError("read vault metadata", path, err)
	}

	var vf VaultFile
	if err := toml.Unmarshal(data, &vf); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "parse vault metadata %s", path).
			WithCause(err).
			WithDetails(map[string]any{"path": path})
	}
	if vf.Vault.Version == 0 {
		vf.Vault.Version = CurrentVersion
	}
	return &vf, nil
}

// Save writes vf atomically with metadata permissions.
func Save(path string, vf *VaultFile) error {
	data, err := toml.Marshal(vf)
	if err != nil {
		return schema.NewError(schema.ErrCodeIO, "serialize vault metadata").WithCause(err)
	}
	return fsutil.WriteAtomic(path, data, paths.MetadataMode)
}

// EnsureDefaults fills the vault section the first time a registry is created.
func (vf *VaultFile) EnsureDefaults(credstorePath string) {
	if vf.Vault.Version == 0 {
		vf.Vault.Version = CurrentVersion
	}
	if vf.Vault.CredstorePath == "" {
		vf.Vault.CredstorePath = credstorePath
	}
}

// Upsert replaces the entry named rec.Name or appends it, keeping the
// registry sorted by name.
func (vf *VaultFile) Upsert(rec CredentialRecord) {
	replaced := false
	for i := range vf.Credentials {
		if vf.Credentials[i].Name == rec.Name {
			vf.Credentials[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		vf.Credentials = append(vf.Credentials, rec)
	}
	sort.SliceStable(vf.Credentials, func(i, j int) bool {
		return vf.Credentials[i].Name < vf.Credentials[j].Name
	})
}

// Remove drops the entry named name and reports whether one existed.
func (vf *VaultFile) Remove(name string) bool {
	out := vf.Credentials[:0]
	removed := false
	for _, c := range vf.Credentials {
		if c.Name == name {
			removed = true
			continue
		}
		out = append(out, c)
	}
	vf.Credentials = out
	return removed
}

// Find returns a copy of the entry named name.
func (vf *VaultFile) Find(name string) (CredentialRecord, bool) {
	for _, c := range vf.Credentials {
		if c.Name == name {
			return c, true
		}
	}
	return CredentialRecord{}, false
}
