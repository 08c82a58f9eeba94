package relaydebug

import (
	"runtime/debug"
	"strconv"
)

// BuildCommit reports the stamped vcs.revision according to debug.ReadBuildInfo,
// including a suffix indicating whether the working tree had uncommitted changes.
//
// Note that this will report "unknown" if using "go run".
func BuildCommit() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown (built without module support?)"
	}

	var (
		rev   = "unknown"
		dirty bool
	)
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty, _ = strconv.ParseBool(s.Value)
		}
	}

	if dirty {
		return rev + " (dirty)"
	}
	return rev
}
