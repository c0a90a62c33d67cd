// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package shimtcpudp

import (
	"net"
	"sync"

	"rina.dev/shim/internal/rinaaddr"
)

// regApp is a RegisteredApp bound to one UDP socket and one listening
// TCP socket on (hostname, expected port) (spec §3, §4.4 Application
// registration). Closing the sockets is sufficient to unblock the
// engine's udpReadLoop/tcpAcceptLoop goroutines — ReadFromUDP/Accept
// return an error once the underlying fd is closed, so no separate
// stop-channel signalling is needed.
type regApp struct {
	name rinaaddr.Name
	udp  *net.UDPConn
	tcp  *net.TCPListener

	mu     sync.Mutex
	closed bool
}

func (a *regApp) Name() rinaaddr.Name { return a.name }

func (a *regApp) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()
	_ = a.udp.Close()
	if a.tcp != nil {
		return a.tcp.Close()
	}
	return nil
}
