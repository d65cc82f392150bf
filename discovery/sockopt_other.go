//go:build !unix

package discovery

import "syscall"

// The Go runtime already enables broadcast on UDP sockets here.
func controlBeaconSocket(network, address string, c syscall.RawConn) error {
	return nil
}
