//go:build linux

package sealer

// New returns the platform sealing engine.
func New(binary string) Engine {
	return NewSystemdCreds(binary, nil)
}
