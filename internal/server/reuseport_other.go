//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package server

import "net"

// Only one socket may own a port here; every worker of the port accepts
// from it.
const reusePortSupported = false

func listenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
