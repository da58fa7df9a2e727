package transaction

import (
	"strconv"
	"strings"

	"github.com/orsinium-labs/enum"
)

// JournalMode selects how commits reach the main file.
type JournalMode enum.Member[string]

var (
	// JournalWAL appends page images and a commit marker to the WAL before
	// applying them.
	JournalWAL = JournalMode{"wal"}
	// JournalOff writes pages straight into the main file.
	JournalOff = JournalMode{"off"}
	// JournalMemory is reported by in-memory databases.
	JournalMemory = JournalMode{"memory"}

	JournalModes = enum.New(JournalWAL, JournalOff, JournalMemory)
)

// ParseJournalMode accepts a case-insensitive mode name.
func ParseJournalMode(s string) (JournalMode, bool) {
	m := JournalModes.Parse(strings.ToLower(strings.TrimSpace(s)))
	if m == nil {
		return JournalMode{}, false
	}
	return *m, true
}

// SyncMode selects which commit steps fsync.
type SyncMode enum.Member[string]

var (
	SyncOff    = SyncMode{"off"}
	SyncNormal = SyncMode{"normal"}
	SyncFull   = SyncMode{"full"}

	SyncModes = enum.New(SyncOff, SyncNormal, SyncFull)
)

// ParseSyncMode accepts a name or the numeric levels 0, 1 and 2.
func ParseSyncMode(s string) (SyncMode, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		members := SyncModes.Members()
		if n < 0 || n >= len(members) {
			return SyncMode{}, false
		}
		return members[n], true
	}
	m := SyncModes.Parse(s)
	if m == nil {
		return SyncMode{}, false
	}
	return *m, true
}

// Level returns the numeric synchronous level.
func (m SyncMode) Level() int {
	if !SyncModes.Contains(m) {
		return -1
	}
	return SyncModes.Index(m)
}
