//go:build linux || darwin || freebsd

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlSocket включает SO_REUSEADDR, чтобы перезапуск агента не ждал
// освобождения порта, и при необходимости выставляет IP_TOS.
func controlSocket(tos int) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			if sockErr != nil || tos == 0 {
				return
			}
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos)
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}
