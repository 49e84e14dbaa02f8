package sealer

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/rbrinkke/Vault/pkg/schema"
)

// DefaultBinary is the sealing tool looked up on PATH.
const DefaultBinary = "systemd-creds"

// SystemdCreds drives systemd-creds encrypt/decrypt/has-tpm2.
type SystemdCreds struct {
	binary string
	runner Runner
}

// NewSystemdCreds returns an engine invoking binary through runner. Empty
// values select DefaultBinary and ExecRunner.
func NewSystemdCreds(binary string, runner Runner) *SystemdCreds {
	if binary == "" {
		binary = DefaultBinary
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &SystemdCreds{binary: binary, runner: runner}
}

func (s *SystemdCreds) Seal(ctx context.Context, req SealRequest) error {
	args := []string{"encrypt", "--with-key=" + req.KeySpec, "--name=" + req.Name}
	if req.TPM2PCRs != "" {
		args = append(args, "--tpm2-pcrs="+req.TPM2PCRs)
	}
	args = append(args, req.Input, req.Output)

	_, err := s.run(ctx, "encrypt", args...)
	return err
}

func (s *SystemdCreds) Unseal(ctx context.Context, blob, output string) error {
	args := append([]string{"decrypt"}, nameArg(blob)...)
	args = append(args, blob, output)

	_, err := s.run(ctx, "decrypt", args...)
	return err
}

// UnsealToBytes decrypts blob to memory. newline is passed as --newline
// (auto, yes, no) when non-empty.
func (s *SystemdCreds) UnsealToBytes(ctx context.Context, blob, newline string) ([]byte, error) {
	args := append([]string{"decrypt"}, nameArg(blob)...)
	args = append(args, blob)
	if newline != "" {
		args = append(args, "--newline="+newline)
	}
	return s.run(ctx, "decrypt", args...)
}

// KeyBindingAvailable probes for a usable TPM2.
func (s *SystemdCreds) KeyBindingAvailable(ctx context.Context) bool {
	_, _, err := s.runner.Run(ctx, s.binary, "has-tpm2", "--quiet")
	return err == nil
}

// run detaches the tool from ctx cancellation. A started seal or unseal
// runs to completion even after ctx is cancelled.
func (s *SystemdCreds) run(ctx context.Context, verb string, args ...string) ([]byte, error) {
	stdout, stderr, err := s.runner.Run(context.WithoutCancel(ctx), s.binary, args...)
	if err == nil {
		return stdout, nil
	}

	output := strings.TrimSpace(string(stdout) + string(stderr))
	msg := s.binary + " " + verb + " failed"
	if output != "" {
		msg += ": " + output
	}
	return nil, schema.NewError(schema.ErrCodeExternal, msg).
		WithCause(err).
		WithDetails(map[string]any{
			"command":   s.binary + " " + verb,
			"exit_code": exitCode(err),
			"stdout":    string(stdout),
			"stderr":    string(stderr),
		})
}

// nameArg derives --name from the blob file stem, matching what Seal embeds.
func nameArg(blob string) []string {
	base := filepath.Base(blob)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" || stem == "." {
		return nil
	}
	return []string{"--name=" + stem}
}

var _ Engine = (*SystemdCreds)(nil)
