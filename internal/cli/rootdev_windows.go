//go:build windows

package cli

func statRootDevice() uint64 { return 0 }
