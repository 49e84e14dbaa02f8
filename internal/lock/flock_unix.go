//go:build unix

package lock

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// flock takes LOCK_EX on f. With block=false it reports (false, nil)
// when the lock is held elsewhere.
func flock(f *os.File, block bool) (bool, error) {
	how := unix.LOCK_EX
	if !block {
		how |= unix.LOCK_NB
	}
	for {
		err := unix.Flock(int(f.Fd()), how)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, unix.EINTR):
			continue
		case !block && (errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN)):
			return false, nil
		default:
			return false, err
		}
	}
}

func funlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
