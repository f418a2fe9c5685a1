//go:build !unix

package network

import "syscall"

// reuseAddrControl is a no-op where x/sys/unix is unavailable; the bind
// proceeds without SO_REUSEADDR.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}
