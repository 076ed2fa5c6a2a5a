//go:build linux

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
// 1024, either through the CAP_NET_BIND_SERVICE capability or by running as
// root.
func canBindPrivilegedPorts() (can bool, err error) {
	cnbs, err := unix.PrctlRetInt(
		unix.PR_CAP_AMBIENT,
		unix.PR_CAP_AMBIENT_IS_SET,
		unix.CAP_NET_BIND_SERVICE,
		0,
		0,
	)

	return cnbs == 1 || os.Getuid() == 0, err
}
