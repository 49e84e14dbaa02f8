// Package sealer adapts the external credential sealing tool.
package sealer

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// SealRequest describes one seal invocation.
type SealRequest struct {
	// KeySpec is passed through as --with-key (host, tpm2, host+tpm2, auto).
	KeySpec string
	// Name is embedded in the blob and checked again on unseal.
	Name     string
	Input    string
	Output   string
	TPM2PCRs string
}

// Engine is everything the vault needs from the sealing tool. Cryptography
// stays opaque behind it.
type Engine interface {
	Seal(ctx context.Context, req SealRequest) error
	Unseal(ctx context.Context, blob, output string) error
	UnsealToBytes(ctx context.Context, blob, newline string) ([]byte, error)
	KeyBindingAvailable(ctx context.Context) bool
}

// Runner executes an external command and captures its output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs commands with os/exec. There is no timeout: the sealing
// tool runs to completion or failure. Callers that must not be interrupted
// pass a context without cancellation.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// exitCode extracts the process exit status, or -1 if the command never ran.
func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
