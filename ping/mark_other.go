//go:build !linux

package ping

import "syscall"

// SO_MARK is Linux only; elsewhere probes use the default route.
func setMark(c syscall.RawConn, mark int) error {
	return nil
}
