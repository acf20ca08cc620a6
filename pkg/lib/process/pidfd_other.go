//go:build !linux

package process

func pidfdSupported() bool { return false }

func openPidfd(int) int { return -1 }
