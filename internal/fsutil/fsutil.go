// Package fsutil holds the permission-aware file primitives shared by the
// metadata store and the credential protocol.
package fsutil

import (
	"io"
	"os"
	"path/filepath"

	"github.com/rbrinkke/Vault/pkg/schema"
)

// EnsureDir creates path if needed and forces its mode.
func EnsureDir(path string, mode os.FileMode) error {
	if err := os.MkdirAll(path, mode); err != nil {
		return schema.IOError("create directory", path, err)
	}
	return SetMode(path, mode)
}

// SetMode sets the permission bits of path.
func SetMode(path string, mode os.FileMode) error {
	if err := os.Chmod(path, mode); err != nil {
		return schema.IOError("set permissions on", path, err)
	}
	return nil
}

// Exists reports whether path names a regular file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// IsDir reports whether path names a directory.
func IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// WriteAtomic writes data to a temp file next to path, syncs it, applies
// mode and renames it over path. Readers see either the old or the new file.
func WriteAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return schema.IOError("create directory", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return schema.IOError("create temp file in", dir, err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return schema.IOError("write", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return schema.IOError("sync", tmpPath, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return schema.IOError("set permissions on", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return schema.IOError("close", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return schema.IOError("replace", path, err)
	}
	committed = true
	return nil
}

// CopyAtomic copies src to dst through a temp file in dst's directory, so a
// crash mid-copy never leaves a truncated dst.
func CopyAtomic(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return schema.IOError("open", src, err)
	}
	defer in.Close()

	dir := filepath.Dir(dst)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return schema.IOError("create temp file in", dir, err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return schema.IOError("copy to", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return schema.IOError("sync", tmpPath, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return schema.IOError("set permissions on", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return schema.IOError("close", tmpPath, err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return schema.IOError("replace", dst, err)
	}
	committed = true
	return nil
}
