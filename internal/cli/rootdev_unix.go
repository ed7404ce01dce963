//go:build !windows

package cli

import "syscall"

func statRootDevice() uint64 {
	var st syscall.Stat_t
	if err := syscall.Stat("/", &st); err != nil {
		return 0
	}
	return uint64(st.Dev)
}
