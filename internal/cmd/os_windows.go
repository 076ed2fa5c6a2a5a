//go:build windows

package cmd

import (
	"github.com/AdguardTeam/golibs/errors"
)

// setRlimit is a no-op on Windows, which has no file descriptor limits.
func setRlimit(_ uint64) (err error) {
	return errors.ErrUnsupported
}

// canBindPrivilegedPorts reports whether the process can bind ports below
// 1024.  Windows has no such restriction.
func canBindPrivilegedPorts() (can bool, err error) {
	return true, nil
}
