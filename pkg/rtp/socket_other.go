//go:build !linux && !darwin && !freebsd

package rtp

import "net"

func setDSCP(*net.UDPConn, int) error {
	return nil
}
