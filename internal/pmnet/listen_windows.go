//go:build windows

package pmnet

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// controlReuseAddr sets SO_REUSEADDR on the socket before it is bound.
func controlReuseAddr(_, _ string, conn syscall.RawConn) (err error) {
	var opErr error
	err = conn.Control(func(fd uintptr) {
		opErr = windows.SetsockoptInt(
			windows.Handle(fd),
			windows.SOL_SOCKET,
			windows.SO_REUSEADDR,
			1,
		)
	})
	if err != nil {
		return err
	}

	return opErr
}

// controlDualStack sets SO_REUSEADDR and clears IPV6_V6ONLY so that a tcp6
// wildcard socket also accepts IPv4 connections as IPv4-mapped addresses.
func controlDualStack(network, address string, conn syscall.RawConn) (err error) {
	var opErr error
	err = conn.Control(func(fd uintptr) {
		opErr = windows.SetsockoptInt(
			windows.Handle(fd),
			windows.SOL_SOCKET,
			windows.SO_REUSEADDR,
			1,
		)
		if opErr != nil {
			return
		}

		opErr = windows.SetsockoptInt(
			windows.Handle(fd),
			windows.IPPROTO_IPV6,
			windows.IPV6_V6ONLY,
			0,
		)
	})
	if err != nil {
		return err
	}

	return opErr
}
