//go:build linux || darwin || freebsd

package rtp

import (
	"net"

	"golang.org/x/sys/unix"
)

// setDSCP устанавливает DSCP маркировку для QoS
func setDSCP(conn *net.UDPConn, dscp int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	// DSCP находится в старших 6 битах TOS поля
	tos := dscp << 2
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos)
	})
	if err != nil {
		return err
	}
	return sockErr
}
