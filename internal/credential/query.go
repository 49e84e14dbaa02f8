package credential

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rbrinkke/Vault/internal/audit"
	"github.com/rbrinkke/Vault/internal/fsutil"
	"github.com/rbrinkke/Vault/internal/logging"
	"github.com/rbrinkke/Vault/internal/metadata"
	"github.com/rbrinkke/Vault/internal/paths"
	"github.com/rbrinkke/Vault/pkg/schema"
)

// GetRequest selects where an unsealed secret goes: a file (Output) or the
// caller (Stdout, which requires a Reason for the audit trail).
type GetRequest struct {
	Name    string
	Output  string
	Stdout  bool
	Reason  string
	Newline string
}

// Entry is the read-only view of one credential. It never carries secret
// material.
type Entry struct {
	Name             string     `json:"name"`
	Description      string     `json:"description,omitempty"`
	CreatedAt        *time.Time `json:"created_at,omitempty"`
	RotatedAt        *time.Time `json:"rotated_at,omitempty"`
	KeyType          string     `json:"key_type,omitempty"`
	Tags             []string   `json:"tags,omitempty"`
	Services         []string   `json:"services,omitempty"`
	RotationSchedule string     `json:"rotation_schedule,omitempty"`
	HasBlob          bool       `json:"has_blob"`
	HasPrev          bool       `json:"has_prev"`
	Size             int64      `json:"size,omitempty"`
	ModTime          time.Time  `json:"mtime,omitzero"`
	SHA256           string     `json:"sha256,omitempty"`
	Registered       bool       `json:"registered"`
}

// ListOptions narrows List. Where is an expr-lang boolean over the entry
// fields (name, description, key_type, tags, services, rotation_schedule,
// has_prev, size).
type ListOptions struct {
	Tag     string
	Service string
	Where   string
}

// Get unseals a credential. With Stdout the plaintext is returned; otherwise
// it is written to req.Output with mode 0600 and nil is returned.
func (m *Manager) Get(ctx context.Context, req GetRequest) ([]byte, error) {
	ctx = logging.WithOperation(ctx, schema.ActionGet, req.Name)
	start := time.Now()
	rec := audit.NewRecord(schema.ActionGet, req.Name)
	rec.Reason = req.Reason
	if req.Stdout {
		rec.OutputMode = schema.OutputStdout
	} else {
		rec.OutputMode = schema.OutputFile
		rec.TargetPath = req.Output
	}

	out, err := m.get(ctx, req)
	m.finish(ctx, rec, err, start)
	return out, err
}

func (m *Manager) get(ctx context.Context, req GetRequest) ([]byte, error) {
	if err := ValidateName(req.Name); err != nil {
		return nil, err
	}
	switch {
	case req.Stdout && req.Output != "":
		return nil, schema.NewError(schema.ErrCodeValidation, "choose either an output file or stdout, not both")
	case !req.Stdout && req.Output == "":
		return nil, schema.NewError(schema.ErrCodeValidation, "an output file or stdout is required")
	case req.Stdout && strings.TrimSpace(req.Reason) == "":
		return nil, schema.NewError(schema.ErrCodeValidation, "a reason is required when writing a secret to stdout")
	}

	blob := m.paths.CredPath(req.Name)
	if !fsutil.Exists(blob) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "credential not found: %s", blob).WithCredential(req.Name)
	}

	if req.Stdout {
		return m.engine.UnsealToBytes(ctx, blob, req.Newline)
	}
	if err := m.engine.Unseal(ctx, blob, req.Output); err != nil {
		return nil, err
	}
	return nil, fsutil.SetMode(req.Output, paths.CredFileMode)
}

// List returns registered credentials sorted by name. Without a vault.toml
// it falls back to the blobs present in the credstore.
func (m *Manager) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	entries, err := m.entries(ctx)
	if err != nil {
		return nil, err
	}

	if opts.Where != "" {
		if err := m.exprs.Check(opts.Where); err != nil {
			return nil, err
		}
	}

	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if opts.Tag != "" && !containsFold(e.Tags, opts.Tag) {
			continue
		}
		if opts.Service != "" && !containsFold(e.Services, opts.Service) {
			continue
		}
		if opts.Where != "" {
			ok, err := m.exprs.Match(ctx, opts.Where, e.env())
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out = append(out, e)
	}
	return out, nil
}

// Describe returns one credential with its blob fingerprint.
func (m *Manager) Describe(ctx context.Context, name string) (Entry, error) {
	if err := ValidateName(name); err != nil {
		return Entry{}, err
	}
	vf, err := m.Registry(ctx)
	if err != nil {
		return Entry{}, err
	}
	cred, ok := vf.Find(name)
	if !ok {
		return Entry{}, schema.NewErrorf(schema.ErrCodeNotFound, "metadata not found for %q", name).WithCredential(name)
	}

	e := m.entry(cred)
	if e.HasBlob {
		sum, err := sha256File(m.paths.CredPath(name))
		if err != nil {
			return Entry{}, schema.IOError("fingerprint", m.paths.CredPath(name), err)
		}
		e.SHA256 = sum
	}
	return e, nil
}

// Search matches query case-insensitively against name, description, tags
// and services.
func (m *Manager) Search(ctx context.Context, query string) ([]Entry, error) {
	if !fsutil.Exists(m.paths.VaultTOML) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no vault metadata at %s", m.paths.VaultTOML)
	}
	vf, err := m.Registry(ctx)
	if err != nil {
		return nil, err
	}

	q := strings.ToLower(query)
	var out []Entry
	for _, cred := range vf.Credentials {
		if matches(cred, q) {
			out = append(out, m.entry(cred))
		}
	}
	return out, nil
}

func matches(cred metadata.CredentialRecord, q string) bool {
	if strings.Contains(strings.ToLower(cred.Name), q) ||
		strings.Contains(strings.ToLower(cred.Description), q) {
		return true
	}
	for _, v := range append(append([]string{}, cred.Tags...), cred.Services...) {
		if strings.Contains(strings.ToLower(v), q) {
			return true
		}
	}
	return false
}

func (m *Manager) entries(ctx context.Context) ([]Entry, error) {
	if fsutil.Exists(m.paths.VaultTOML) {
		vf, err := m.Registry(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]Entry, 0, len(vf.Credentials))
		for _, cred := range vf.Credentials {
			out = append(out, m.entry(cred))
		}
		return out, nil
	}

	blobs, err := filepath.Glob(filepath.Join(m.paths.Credstore, "*.cred"))
	if err != nil {
		return nil, schema.IOError("list", m.paths.Credstore, err)
	}
	sort.Strings(blobs)
	out := make([]Entry, 0, len(blobs))
	for _, blob := range blobs {
		name := strings.TrimSuffix(filepath.Base(blob), ".cred")
		e := m.entry(metadata.CredentialRecord{Name: name})
		e.Registered = false
		out = append(out, e)
	}
	return out, nil
}

func (m *Manager) entry(cred metadata.CredentialRecord) Entry {
	e := Entry{
		Name:             cred.Name,
		Description:      cred.Description,
		CreatedAt:        cred.CreatedAt,
		RotatedAt:        cred.RotatedAt,
		KeyType:          cred.EncryptionKey,
		Tags:             cred.Tags,
		Services:         cred.Services,
		RotationSchedule: cred.RotationSchedule,
		HasPrev:          fsutil.Exists(m.paths.PrevPath(cred.Name)),
		Registered:       true,
	}
	if info, err := os.Stat(m.paths.CredPath(cred.Name)); err == nil {
		e.HasBlob = true
		e.Size = info.Size()
		e.ModTime = info.ModTime().UTC()
	}
	return e
}

// filterFields fixes the names and types --where filters may use.
var filterFields = Entry{}.env()

// env is the variable set visible to --where filters.
func (e Entry) env() map[string]any {
	tags, services := e.Tags, e.Services
	if tags == nil {
		tags = []string{}
	}
	if services == nil {
		services = []string{}
	}
	return map[string]any{
		"name":              e.Name,
		"description":       e.Description,
		"key_type":          e.KeyType,
		"tags":              tags,
		"services":          services,
		"rotation_schedule": e.RotationSchedule,
		"has_prev":          e.HasPrev,
		"size":              e.Size,
	}
}

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

// sha256File computes the SHA-256 hex digest of a file.
func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
