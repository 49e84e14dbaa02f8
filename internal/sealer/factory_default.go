//go:build !linux

package sealer

import (
	"context"
	"log/slog"

	"github.com/rbrinkke/Vault/pkg/schema"
)

// New returns the platform sealing engine. Outside Linux there is no
// systemd-creds, so every operation fails.
func New(binary string) Engine {
	slog.Warn("sealer: systemd-creds is unavailable on this platform")
	return unsupported{}
}

type unsupported struct{}

func (unsupported) err() error {
	return schema.NewError(schema.ErrCodeExternal, "credential sealing requires systemd-creds (linux only)")
}

func (u unsupported) Seal(context.Context, SealRequest) error { return u.err() }

func (u unsupported) Unseal(context.Context, string, string) error { return u.err() }

func (u unsupported) UnsealToBytes(context.Context, string, string) ([]byte, error) {
	return nil, u.err()
}

func (unsupported) KeyBindingAvailable(context.Context) bool { return false }
