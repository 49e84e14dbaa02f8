// Package sealertest provides an in-process sealing engine for tests.
package sealertest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rbrinkke/Vault/internal/sealer"
	"github.com/rbrinkke/Vault/pkg/schema"
)

const header = "FAKESEALED\n"

// Engine "seals" by prefixing the plaintext with a header and the key spec.
// It is not encryption; it only lets tests observe what was sealed.
type Engine struct {
	mu sync.Mutex

	TPM2 bool
	// SealErr, when set, makes every Seal fail without writing output.
	SealErr error

	Seals []sealer.SealRequest
}

// New returns a fake engine without TPM2.
func New() *Engine {
	return &Engine{}
}

func (e *Engine) Seal(_ context.Context, req sealer.SealRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.SealErr != nil {
		return schema.NewError(schema.ErrCodeExternal, "fake seal failed").WithCause(e.SealErr)
	}
	plain, err := os.ReadFile(req.Input)
	if err != nil {
		return err
	}
	blob := fmt.Appendf([]byte(header), "%s:%s\n", req.KeySpec, req.Name)
	blob = append(blob, plain...)
	if err := os.WriteFile(req.Output, blob, 0o644); err != nil {
		return err
	}
	e.Seals = append(e.Seals, req)
	return nil
}

func (e *Engine) Unseal(ctx context.Context, blob, output string) error {
	plain, err := e.UnsealToBytes(ctx, blob, "")
	if err != nil {
		return err
	}
	return os.WriteFile(output, plain, 0o600)
}

func (e *Engine) UnsealToBytes(_ context.Context, blob, newline string) ([]byte, error) {
	data, err := os.ReadFile(blob)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExternal, "fake unseal failed").WithCause(err)
	}
	if !bytes.HasPrefix(data, []byte(header)) {
		return nil, schema.NewError(schema.ErrCodeExternal, "fake unseal: not a sealed blob")
	}
	rest := data[len(header):]
	if i := bytes.IndexByte(rest, '\n'); i >= 0 {
		rest = rest[i+1:]
	}
	if newline == "yes" && !bytes.HasSuffix(rest, []byte("\n")) {
		rest = append(rest, '\n')
	}
	return rest, nil
}

func (e *Engine) KeyBindingAvailable(context.Context) bool {
	return e.TPM2
}

// SealCount reports how many seals succeeded.
func (e *Engine) SealCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Seals)
}

var _ sealer.Engine = (*Engine)(nil)
