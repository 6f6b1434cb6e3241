//go:build !linux && !darwin && !freebsd

package transport

import "syscall"

func controlSocket(int) func(network, address string, c syscall.RawConn) error {
	return nil
}
