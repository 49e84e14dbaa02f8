package rotation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rbrinkke/Vault/internal/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	mu      sync.Mutex
	vf      *metadata.VaultFile
	loadErr error
	fail    map[string]bool
	rotated []string
	lengths []int

	onRotate func(name string)
}

func (f *fakeTarget) Registry(context.Context) (*metadata.VaultFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.vf, nil
}

func (f *fakeTarget) RotateAuto(_ context.Context, name string, length int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[name] {
		return errors.New("seal failed")
	}
	f.rotated = append(f.rotated, name)
	f.lengths = append(f.lengths, length)
	if f.onRotate != nil {
		f.onRotate(name)
	}
	now := time.Now().UTC()
	for i := range f.vf.Credentials {
		if f.vf.Credentials[i].Name == name {
			f.vf.Credentials[i].RotatedAt = &now
		}
	}
	return nil
}

func (f *fakeTarget) Rotated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.rotated...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTick_RotatesDueOnly(t *testing.T) {
	vf := metadata.Default()
	vf.Upsert(metadata.CredentialRecord{Name: "due", RotationSchedule: "@daily", RotatedAt: at("2020-01-01T00:00:00Z")})
	vf.Upsert(metadata.CredentialRecord{Name: "later", RotationSchedule: "@yearly", RotatedAt: at("2999-01-01T00:00:00Z")})
	vf.Upsert(metadata.CredentialRecord{Name: "failing", RotationSchedule: "@daily", RotatedAt: at("2020-01-01T00:00:00Z")})
	vf.Upsert(metadata.CredentialRecord{Name: "bad", RotationSchedule: "???"})
	target := &fakeTarget{vf: vf, fail: map[string]bool{"failing": true}}

	s := NewScheduler(target, time.Hour, 48, quietLogger())
	n := s.Tick(context.Background())

	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"due"}, target.Rotated())
	assert.Equal(t, []int{48}, target.lengths)

	// Rotated credential is no longer due.
	n = s.Tick(context.Background())
	assert.Equal(t, 0, n)
	assert.Equal(t, []string{"due"}, target.Rotated())
}

func TestTick_StopsWhenCancelled(t *testing.T) {
	vf := metadata.Default()
	for _, name := range []string{"a", "b", "c"} {
		vf.Upsert(metadata.CredentialRecord{Name: name, RotationSchedule: "@daily", RotatedAt: at("2020-01-01T00:00:00Z")})
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	target := &fakeTarget{vf: vf, onRotate: func(string) { cancel() }}

	s := NewScheduler(target, time.Hour, 32, quietLogger())
	n := s.Tick(ctx)

	assert.Equal(t, 1, n)
	assert.Len(t, target.Rotated(), 1, "no rotation starts after cancellation")
	assert.Empty(t, s.inflight)
}

func TestTick_RegistryError(t *testing.T) {
	target := &fakeTarget{loadErr: errors.New("parse vault.toml")}
	s := NewScheduler(target, time.Hour, 32, quietLogger())
	assert.Equal(t, 0, s.Tick(context.Background()))
}

func TestTick_SkipsInflight(t *testing.T) {
	vf := metadata.Default()
	vf.Upsert(metadata.CredentialRecord{Name: "db", RotationSchedule: "@daily"})
	target := &fakeTarget{vf: vf}
	s := NewScheduler(target, time.Hour, 32, quietLogger())

	require.True(t, s.tryAcquire("db"))
	assert.Equal(t, 0, s.Tick(context.Background()))
	s.release("db")
	assert.Equal(t, 1, s.Tick(context.Background()))
}

func TestStartStop(t *testing.T) {
	vf := metadata.Default()
	vf.Upsert(metadata.CredentialRecord{Name: "db", RotationSchedule: "@daily"})
	target := &fakeTarget{vf: vf}
	s := NewScheduler(target, time.Hour, 32, quietLogger())

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "double start")

	assert.Eventually(t, func() bool { return len(target.Rotated()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")
}

func TestNewScheduler_Defaults(t *testing.T) {
	s := NewScheduler(&fakeTarget{}, 0, 32, nil)
	assert.Equal(t, time.Minute, s.interval)
	assert.NotNil(t, s.logger)
}
