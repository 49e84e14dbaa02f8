//go:build !unix

package lock

import (
	"errors"
	"os"
)

var errUnsupported = errors.New("advisory file locking is not supported on this platform")

func flock(_ *os.File, _ bool) (bool, error) {
	return false, errUnsupported
}

func funlock(_ *os.File) error {
	return nil
}
