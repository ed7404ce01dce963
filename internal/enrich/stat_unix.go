//go:build !windows

package enrich

import (
	"os"
	"syscall"
)

func ownerUID(st os.FileInfo) uint32 {
	if sys, ok := st.Sys().(*syscall.Stat_t); ok {
		return sys.Uid
	}
	return 0
}
