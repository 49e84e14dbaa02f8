package credential

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/rbrinkke/Vault/internal/audit"
	"github.com/rbrinkke/Vault/internal/fsutil"
	"github.com/rbrinkke/Vault/internal/lock"
	"github.com/rbrinkke/Vault/internal/logging"
	"github.com/rbrinkke/Vault/internal/metadata"
	"github.com/rbrinkke/Vault/internal/paths"
	"github.com/rbrinkke/Vault/internal/policy"
	"github.com/rbrinkke/Vault/internal/rotation"
	"github.com/rbrinkke/Vault/internal/sealer"
	"github.com/rbrinkke/Vault/pkg/schema"
)

// CreateRequest seals a new credential (or overwrites an existing blob).
// Empty Description, Tags and Services leave existing metadata untouched.
type CreateRequest struct {
	Name        string
	Secret      []byte
	KeyType     string
	TPM2PCRs    string
	Description string
	Tags        []string
	Services    []string
}

// RotateRequest replaces a credential's secret, keeping the old blob as a
// one-level .prev backup. Exactly one of Secret or Auto must be set.
type RotateRequest struct {
	Name        string
	Secret      []byte
	Auto        bool
	Length      int
	KeyType     string
	TPM2PCRs    string
	Description string
	Tags        []string
	Services    []string
}

// metaUpdate carries the registry fields a create or rotate may change.
type metaUpdate struct {
	name        string
	key         string
	description string
	tags        []string
	services    []string
}

// Create seals req.Secret into the live blob and registers the credential.
// The registry is saved only after the blob is written.
func (m *Manager) Create(ctx context.Context, req CreateRequest) error {
	ctx = logging.WithOperation(ctx, schema.ActionCreate, req.Name)
	start := time.Now()
	rec := audit.NewRecord(schema.ActionCreate, req.Name)
	rec.TPM2PCRs = req.TPM2PCRs
	rec.ServiceContext = strings.Join(req.Services, ",")

	key, err := m.create(ctx, req)
	rec.WithKey = key
	m.finish(ctx, rec, err, start)
	return err
}

func (m *Manager) create(ctx context.Context, req CreateRequest) (string, error) {
	if err := ValidateName(req.Name); err != nil {
		return "", err
	}
	if err := ValidateKeyType(req.KeyType); err != nil {
		return "", err
	}
	if err := validateSecret(req.Secret); err != nil {
		return "", err
	}

	tpm := m.engine.KeyBindingAvailable(ctx)
	key := resolveKey(req.KeyType, tpm)

	return key, lock.With(m.paths.VaultLock, func() error {
		vf, err := m.Registry(ctx)
		if err != nil {
			return err
		}
		if err := m.check(ctx, vf, policy.Operation{
			Action:        schema.ActionCreate,
			Name:          req.Name,
			KeyType:       key,
			Services:      req.Services,
			Tags:          req.Tags,
			SecretLength:  len(req.Secret),
			TPM2Available: tpm,
		}); err != nil {
			return err
		}

		if err := fsutil.EnsureDir(m.paths.Credstore, paths.CredstoreDirMode); err != nil {
			return err
		}
		tmp, cleanup, err := writeTempSecret(m.paths.Credstore, req.Secret)
		if err != nil {
			return err
		}
		defer cleanup()

		live := m.paths.CredPath(req.Name)
		if err := m.engine.Seal(ctx, sealer.SealRequest{
			KeySpec: key, Name: req.Name, Input: tmp, Output: live, TPM2PCRs: req.TPM2PCRs,
		}); err != nil {
			return err
		}
		if err := fsutil.SetMode(live, paths.CredFileMode); err != nil {
			return err
		}

		m.applyMetadata(vf, metaUpdate{
			name: req.Name, key: key, description: req.Description, tags: req.Tags, services: req.Services,
		})
		return metadata.Save(m.paths.VaultTOML, vf)
	})
}

// Rotate seals a new secret to a temp blob, backs the live blob up to .prev
// and moves the new blob into place. If the move fails the backup is
// restored over the live path and the registry is left as it was.
func (m *Manager) Rotate(ctx context.Context, req RotateRequest) error {
	ctx = logging.WithOperation(ctx, schema.ActionRotate, req.Name)
	start := time.Now()
	rec := audit.NewRecord(schema.ActionRotate, req.Name)
	rec.TPM2PCRs = req.TPM2PCRs
	rec.ServiceContext = strings.Join(req.Services, ",")
	if req.Auto {
		rec.Reason = "auto-generated secret"
	}

	key, err := m.rotate(ctx, req)
	rec.WithKey = key
	m.finish(ctx, rec, err, start)
	return err
}

// RotateAuto rotates name to a freshly generated secret of length characters.
func (m *Manager) RotateAuto(ctx context.Context, name string, length int) error {
	return m.Rotate(ctx, RotateRequest{Name: name, Auto: true, Length: length})
}

func (m *Manager) rotate(ctx context.Context, req RotateRequest) (string, error) {
	if err := ValidateName(req.Name); err != nil {
		return "", err
	}
	if err := ValidateKeyType(req.KeyType); err != nil {
		return "", err
	}
	if req.Auto && len(req.Secret) > 0 {
		return "", schema.NewError(schema.ErrCodeValidation, "auto-generation and an explicit secret cannot be combined")
	}

	length := len(req.Secret)
	if req.Auto {
		length = req.Length
		if length == 0 {
			length = DefaultAutoLength
		}
	} else if err := validateSecret(req.Secret); err != nil {
		return "", err
	}

	tpm := m.engine.KeyBindingAvailable(ctx)
	key := resolveKey(req.KeyType, tpm)

	return key, lock.With(m.paths.VaultLock, func() error {
		vf, err := m.Registry(ctx)
		if err != nil {
			return err
		}
		if err := m.check(ctx, vf, policy.Operation{
			Action:        schema.ActionRotate,
			Name:          req.Name,
			KeyType:       key,
			Services:      req.Services,
			Tags:          req.Tags,
			AutoGenerated: req.Auto,
			SecretLength:  length,
			TPM2Available: tpm,
		}); err != nil {
			return err
		}

		secret := req.Secret
		if req.Auto {
			if secret, err = GenerateSecret(length); err != nil {
				return err
			}
		}
		if err := validateSecret(secret); err != nil {
			return err
		}

		if err := fsutil.EnsureDir(m.paths.Credstore, paths.CredstoreDirMode); err != nil {
			return err
		}
		tmpSecret, cleanup, err := writeTempSecret(m.paths.Credstore, secret)
		if err != nil {
			return err
		}
		defer cleanup()

		out, err := os.CreateTemp(m.paths.Credstore, "cred-*.cred.tmp")
		if err != nil {
			return schema.IOError("create temp blob in", m.paths.Credstore, err)
		}
		tmpBlob := out.Name()
		out.Close()
		committed := false
		defer func() {
			if !committed {
				os.Remove(tmpBlob)
			}
		}()

		if err := m.engine.Seal(ctx, sealer.SealRequest{
			KeySpec: key, Name: req.Name, Input: tmpSecret, Output: tmpBlob, TPM2PCRs: req.TPM2PCRs,
		}); err != nil {
			return err
		}
		if err := fsutil.SetMode(tmpBlob, paths.CredFileMode); err != nil {
			return err
		}

		live := m.paths.CredPath(req.Name)
		prev := m.paths.PrevPath(req.Name)
		backedUp := false
		if fsutil.Exists(live) {
			if err := fsutil.CopyAtomic(live, prev, paths.CredFileMode); err != nil {
				return err
			}
			backedUp = true
		}

		if err := m.commit(tmpBlob, live); err != nil {
			if backedUp {
				if rerr := os.Rename(prev, live); rerr != nil {
					m.logger.ErrorContext(ctx, "restore from backup failed", "backup", prev, "error", rerr)
				}
			}
			return schema.IOError("replace", live, err).WithCredential(req.Name)
		}
		committed = true

		m.applyMetadata(vf, metaUpdate{
			name: req.Name, key: key, description: req.Description, tags: req.Tags, services: req.Services,
		})
		return metadata.Save(m.paths.VaultTOML, vf)
	})
}

// Rollback restores the .prev backup over the live blob, consuming it.
// Registry timestamps and key type are left as the rotation set them.
func (m *Manager) Rollback(ctx context.Context, name string) error {
	ctx = logging.WithOperation(ctx, schema.ActionRollbackRotate, name)
	start := time.Now()
	rec := audit.NewRecord(schema.ActionRollbackRotate, name)

	err := m.rollback(ctx, name)
	m.finish(ctx, rec, err, start)
	return err
}

func (m *Manager) rollback(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	return lock.With(m.paths.VaultLock, func() error {
		prev := m.paths.PrevPath(name)
		if !fsutil.Exists(prev) {
			return schema.NewErrorf(schema.ErrCodeNotFound, "no .prev backup found for %q, cannot rollback", name).
				WithCredential(name)
		}

		vf, err := m.Registry(ctx)
		if err != nil {
			return err
		}
		if err := m.check(ctx, vf, policy.Operation{Action: schema.ActionRollbackRotate, Name: name}); err != nil {
			return err
		}

		live := m.paths.CredPath(name)
		if err := os.Rename(prev, live); err != nil {
			return schema.IOError("restore backup over", live, err).WithCredential(name)
		}
		return nil
	})
}

// Delete removes the live blob and its registry entry. A .prev backup, if
// any, is kept.
func (m *Manager) Delete(ctx context.Context, name string) error {
	ctx = logging.WithOperation(ctx, schema.ActionDelete, name)
	start := time.Now()
	rec := audit.NewRecord(schema.ActionDelete, name)

	err := m.delete(ctx, name)
	m.finish(ctx, rec, err, start)
	return err
}

func (m *Manager) delete(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	return lock.With(m.paths.VaultLock, func() error {
		live := m.paths.CredPath(name)
		if !fsutil.Exists(live) {
			return schema.NewErrorf(schema.ErrCodeNotFound, "credential not found: %s", live).WithCredential(name)
		}

		vf, err := m.Registry(ctx)
		if err != nil {
			return err
		}
		if err := m.check(ctx, vf, policy.Operation{Action: schema.ActionDelete, Name: name}); err != nil {
			return err
		}

		if err := os.Remove(live); err != nil {
			return schema.IOError("remove", live, err).WithCredential(name)
		}
		if !fsutil.Exists(m.paths.VaultTOML) {
			return nil
		}
		vf.Remove(name)
		return metadata.Save(m.paths.VaultTOML, vf)
	})
}

// SetSchedule stores (or with an empty expr clears) the rotation schedule of
// a registered credential.
func (m *Manager) SetSchedule(ctx context.Context, name, expr string) error {
	ctx = logging.WithOperation(ctx, schema.ActionSchedule, name)
	start := time.Now()
	rec := audit.NewRecord(schema.ActionSchedule, name)
	rec.Reason = "rotation_schedule cleared"
	if expr != "" {
		rec.Reason = "rotation_schedule: " + expr
	}

	err := m.setSchedule(ctx, name, expr)
	m.finish(ctx, rec, err, start)
	return err
}

func (m *Manager) setSchedule(ctx context.Context, name, expr string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if expr != "" {
		if _, err := rotation.ParseSchedule(expr); err != nil {
			return err
		}
	}
	return lock.With(m.paths.VaultLock, func() error {
		vf, err := m.Registry(ctx)
		if err != nil {
			return err
		}
		cred, ok := vf.Find(name)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeNotFound, "metadata not found for %q", name).WithCredential(name)
		}
		cred.RotationSchedule = expr
		vf.Upsert(cred)
		return metadata.Save(m.paths.VaultTOML, vf)
	})
}

func (m *Manager) check(ctx context.Context, vf *metadata.VaultFile, op policy.Operation) error {
	enf, err := m.enforcer(vf)
	if err != nil {
		return err
	}
	return enf.Check(ctx, op)
}

// applyMetadata merges u into the registry: created_at is set once,
// rotated_at always, optional fields only when provided.
func (m *Manager) applyMetadata(vf *metadata.VaultFile, u metaUpdate) {
	vf.EnsureDefaults(m.paths.Credstore)

	rec, ok := vf.Find(u.name)
	if !ok {
		rec = metadata.CredentialRecord{Name: u.name}
	}

	now := m.now().UTC().Truncate(time.Second)
	if rec.CreatedAt == nil {
		created := now
		rec.CreatedAt = &created
	}
	if now.Before(*rec.CreatedAt) {
		now = *rec.CreatedAt
	}
	rec.RotatedAt = &now
	rec.EncryptionKey = u.key
	if u.description != "" {
		rec.Description = u.description
	}
	if len(u.tags) > 0 {
		rec.Tags = dedup(u.tags)
	}
	if len(u.services) > 0 {
		rec.Services = dedup(u.services)
	}
	vf.Upsert(rec)
}

// writeTempSecret stores secret in a private file inside dir, never in a
// shared temp directory. The returned cleanup removes it.
func writeTempSecret(dir string, secret []byte) (string, func(), error) {
	f, err := os.CreateTemp(dir, ".secret-*")
	if err != nil {
		return "", nil, schema.IOError("create temp secret in", dir, err)
	}
	path := f.Name()
	cleanup := func() { os.Remove(path) }

	if err := f.Chmod(paths.CredFileMode); err != nil {
		f.Close()
		cleanup()
		return "", nil, schema.IOError("set permissions on", path, err)
	}
	if _, err := f.Write(secret); err != nil {
		f.Close()
		cleanup()
		return "", nil, schema.IOError("write", path, err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, schema.IOError("close", path, err)
	}
	return path, cleanup, nil
}

var _ rotation.Target = (*Manager)(nil)
