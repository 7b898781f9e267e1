//go:build unix

package state

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// flockExclusive takes a non-blocking exclusive advisory lock. ErrLocked
// when another process already holds it.
func flockExclusive(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
		return ErrLocked
	}
	return err
}

func flockRelease(f *os.File) {
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
