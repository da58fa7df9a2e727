//go:build unix

package transaction

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockFile takes a non-blocking advisory lock on f: shared for read-only
// stores, exclusive otherwise. It reports false when another process holds a
// conflicting lock.
func lockFile(f *os.File, shared bool) (bool, error) {
	how := unix.LOCK_EX
	if shared {
		how = unix.LOCK_SH
	}
	err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
