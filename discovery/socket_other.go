//go:build !unix

package discovery

import "net"

func listenShared(addr string) (net.PacketConn, error) {
	return net.ListenPacket("udp4", addr)
}
