package flushmanager

import "errors"

var (
	// ErrMissingHeaderFrame is returned when committed WAL frames do not
	// include page 1, so the committed header cannot be reconstructed.
	ErrMissingHeaderFrame = errors.New("committed wal transaction has no header frame")
	// ErrStoreFailed marks a store whose main file may be partially written.
	ErrStoreFailed = errors.New("database file may be partially written; reopen to recover")
)
