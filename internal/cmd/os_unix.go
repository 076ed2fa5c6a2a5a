//go:build unix && !linux

package cmd

import (
	"os"

	"golang.org/x/sys/unix"
)

// setRlimit raises the limit of open file descriptors to val.  Every relayed
// connection holds two sockets, so busy deployments run out of the default
// soft limit quickly.
func setRlimit(val uint64) (err error) {
	rlim := &unix.Rlimit{
		Cur: val,
		Max: val,
	}

	return unix.Setrlimit(unix.RLIMIT_NOFILE, rlim)
}

// canBindPrivilegedPorts reports whether the process can bind ports below
// 1024.
func canBindPrivilegedPorts() (can bool, err error) {
	return os.Getuid() == 0, nil
}
