//go:build !unix

package transaction

import "os"

// Without flock only the in-process writer lock protects the file.
func lockFile(*os.File, bool) (bool, error) { return true, nil }

func unlockFile(*os.File) error { return nil }
