//go:build !linux

package sip_gateway

import "net"

func setVoiceTOS(_ *net.UDPConn, _ int) error { return nil }
