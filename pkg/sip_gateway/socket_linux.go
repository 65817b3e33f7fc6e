//go:build linux

package sip_gateway

import (
	"net"

	"golang.org/x/sys/unix"
)

// setVoiceTOS выставляет DSCP и приоритет сокета для голосового трафика
func setVoiceTOS(conn *net.UDPConn, dscp int) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	err = raw.Control(func(fd uintptr) {
		tos := dscp << 2
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TOS, tos); e != nil {
			sockErr = e
			return
		}
		// в контейнерах может быть запрещено
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY, 6)
	})
	if err != nil {
		return err
	}
	return sockErr
}
