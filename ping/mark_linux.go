//go:build linux

package ping

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func setMark(c syscall.RawConn, mark int) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, mark)
	})
	if err != nil {
		return err
	}
	return serr
}
