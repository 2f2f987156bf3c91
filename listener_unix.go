//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package wsecho

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func reusePort(_, _ string, rc syscall.RawConn) error {
	var serr error
	err := rc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
