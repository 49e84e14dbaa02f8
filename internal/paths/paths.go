// Package paths resolves the on-disk layout of a vault root.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultRoot is used when no root is configured and none can be discovered.
const DefaultRoot = "/opt/services/vault"

// File modes for vault artifacts.
const (
	CredstoreDirMode os.FileMode = 0o700
	CredFileMode     os.FileMode = 0o600
	MetadataMode     os.FileMode = 0o640
	AuditLogMode     os.FileMode = 0o640
	ServicesDirMode  os.FileMode = 0o755
	UnitsDirMode     os.FileMode = 0o755
)

const (
	credExtension = ".cred"
	prevSuffix    = ".prev"
)

// VaultPaths holds every path derived from one vault root.
type VaultPaths struct {
	Root      string
	Credstore string
	Services  string
	Units     string
	VaultTOML string
	VaultLock string
	AuditLock string
	AuditLog  string
}

// FromRoot derives the vault layout from root.
func FromRoot(root string) VaultPaths {
	return VaultPaths{
		Root:      root,
		Credstore: filepath.Join(root, "credstore"),
		Services:  filepath.Join(root, "services"),
		Units:     filepath.Join(root, "units"),
		VaultTOML: filepath.Join(root, "vault.toml"),
		VaultLock: filepath.Join(root, "vault.lock"),
		AuditLock: filepath.Join(root, "audit.lock"),
		AuditLog:  filepath.Join(root, "audit.log"),
	}
}

// Resolve picks the vault root: explicit value first, then the nearest
// ancestor of the working directory that looks like a vault, then DefaultRoot.
func Resolve(root string) (VaultPaths, error) {
	if root != "" {
		return FromRoot(root), nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return VaultPaths{}, fmt.Errorf("resolve current directory: %w", err)
	}
	if found := findRoot(cwd); found != "" {
		return FromRoot(found), nil
	}
	return FromRoot(DefaultRoot), nil
}

func findRoot(start string) string {
	dir := start
	for {
		if looksLikeRoot(dir) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func looksLikeRoot(dir string) bool {
	return isDir(filepath.Join(dir, "credstore")) && isDir(filepath.Join(dir, "services"))
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// CredPath is the live sealed blob for name.
func (p VaultPaths) CredPath(name string) string {
	return filepath.Join(p.Credstore, name+credExtension)
}

// PrevPath is the one-level rollback backup for name.
func (p VaultPaths) PrevPath(name string) string {
	return filepath.Join(p.Credstore, name+credExtension+prevSuffix)
}

func (p VaultPaths) String() string {
	return "vault@" + p.Root
}
