//go:build !windows

package store

import (
	"syscall"
	"time"
)

// atimeOf extracts the last-access time from a Unix stat structure. This
// package has no Windows implementation of atimeOf.
func atimeOf(st *syscall.Stat_t) time.Time {
	return time.Unix(st.Atim.Sec, st.Atim.Nsec)
}
