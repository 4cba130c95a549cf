package server

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenConfig prepares listening sockets: SO_REUSEADDR for fast restarts,
// and IPV6_V6ONLY cleared so a wildcard v6 bind serves both stacks where the
// OS allows it.
func listenConfig() *net.ListenConfig {
	return &net.ListenConfig{
		Control: func(network, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if ctrlErr != nil {
					return
				}
				if network == "tcp6" {
					// Best effort: some platforms pin v6-only.
					_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
				}
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
}
