package metadata

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rbrinkke/Vault/internal/paths"
	"github.com/rbrinkke/Vault/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestLoad_MissingFileIsDefault(t *testing.T) {
	vf, err := Load(filepath.Join(t.TempDir(), "vault.toml"))
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, vf.Vault.Version)
	assert.Empty(t, vf.Credentials)
}

func TestLoad_ParseErrorIsHard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.toml")
	require.NoError(t, os.WriteFile(path, []byte("[vault\nversion = ="), 0o640))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfig))
}

func TestLoad_VersionZeroBecomesOne(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.toml")
	require.NoError(t, os.WriteFile(path, []byte("[[credentials]]\nname = \"db\"\n"), 0o640))

	vf, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, vf.Vault.Version)
	require.Len(t, vf.Credentials, 1)
	assert.Equal(t, "db", vf.Credentials[0].Name)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.toml")

	vf := Default()
	vf.EnsureDefaults("/opt/services/vault/credstore")
	vf.Policy.ServiceAllowlist = []string{"nginx", "postgres.service"}
	vf.Policy.MinAutoSecretLength = 24
	vf.Policy.DenyRules = []DenyRule{{Name: "no-host", When: `op.key_type == "host"`, Message: "use tpm2"}}
	vf.Upsert(CredentialRecord{
		Name:        "zeta",
		Description: "z",
		CreatedAt:   ts("2026-01-01T00:00:00Z"),
		RotatedAt:   ts("2026-02-01T00:00:00Z"),
		Tags:        []string{"prod"},
		Services:    []string{},
	})
	vf.Upsert(CredentialRecord{
		Name:             "alpha",
		CreatedAt:        ts("2026-01-05T10:00:00Z"),
		RotatedAt:        ts("2026-01-05T10:00:00Z"),
		EncryptionKey:    "host+tpm2",
		Tags:             []string{},
		Services:         []string{"api"},
		RotationSchedule: "@monthly",
	})

	require.NoError(t, Save(path, vf))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, paths.MetadataMode, info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, loaded.Vault.Version, 1)
	assert.Equal(t, "/opt/services/vault/credstore", loaded.Vault.CredstorePath)
	assert.Equal(t, vf.Policy, loaded.Policy)

	require.Len(t, loaded.Credentials, 2)
	for i, want := range vf.Credentials {
		got := loaded.Credentials[i]
		assert.Equal(t, want.Name, got.Name)
		assert.Equal(t, want.Description, got.Description)
		assert.Equal(t, want.EncryptionKey, got.EncryptionKey)
		assert.ElementsMatch(t, want.Tags, got.Tags)
		assert.ElementsMatch(t, want.Services, got.Services)
		assert.Equal(t, want.RotationSchedule, got.RotationSchedule)
		require.NotNil(t, got.CreatedAt)
		require.NotNil(t, got.RotatedAt)
		assert.True(t, want.CreatedAt.Equal(*got.CreatedAt))
		assert.True(t, want.RotatedAt.Equal(*got.RotatedAt))
	}
	assert.Equal(t, "alpha", loaded.Credentials[0].Name)
}

func TestSave_ReplacesExistingAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.toml")

	vf := Default()
	vf.Upsert(CredentialRecord{Name: "a"})
	require.NoError(t, Save(path, vf))
	vf.Upsert(CredentialRecord{Name: "b"})
	require.NoError(t, Save(path, vf))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, loaded.Credentials, 2)
}

func TestUpsert(t *testing.T) {
	vf := Default()
	vf.Upsert(CredentialRecord{Name: "test", Description: "old"})
	vf.Upsert(CredentialRecord{Name: "test", Description: "new"})
	require.Len(t, vf.Credentials, 1)
	assert.Equal(t, "new", vf.Credentials[0].Description)

	vf.Upsert(CredentialRecord{Name: "z"})
	vf.Upsert(CredentialRecord{Name: "a"})
	vf.Upsert(CredentialRecord{Name: "m"})
	var names []string
	for _, c := range vf.Credentials {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"a", "m", "test", "z"}, names)
}

func TestRemoveAndFind(t *testing.T) {
	vf := Default()
	vf.Upsert(CredentialRecord{Name: "a"})
	vf.Upsert(CredentialRecord{Name: "b"})

	assert.True(t, vf.Remove("a"))
	assert.False(t, vf.Remove("a"))
	require.Len(t, vf.Credentials, 1)

	rec, ok := vf.Find("b")
	assert.True(t, ok)
	assert.Equal(t, "b", rec.Name)

	_, ok = vf.Find("a")
	assert.False(t, ok)
}

func TestEnsureDefaults_KeepsExisting(t *testing.T) {
	vf := &VaultFile{}
	vf.EnsureDefaults("/first")
	assert.Equal(t, CurrentVersion, vf.Vault.Version)
	assert.Equal(t, "/first", vf.Vault.CredstorePath)

	vf.EnsureDefaults("/second")
	assert.Equal(t, "/first", vf.Vault.CredstorePath)
}
