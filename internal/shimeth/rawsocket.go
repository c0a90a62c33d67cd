// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package shimeth

import (
	"fmt"
	"net"
	"sync"

	"github.com/mdlayher/packet"
)

// EtherType identifies the RINA shim's own ethertype, carried by every
// frame this engine sends or filters on ingress (spec §4.3).
const EtherType = 0xD1F0

// Frame is one raw Ethernet frame exchanged with the wire, already
// stripped of (or about to be given) the 14-byte header.
type Frame struct {
	Dest    net.HardwareAddr
	Source  net.HardwareAddr
	Payload []byte
}

// RawSocket is the engine's view of a raw Ethernet socket: send a frame
// to a destination MAC, and receive whatever arrives with the shim's
// ethertype. Abstracted so engine.go can be driven by a loopback bus in
// tests instead of binding a real packet socket.
type RawSocket interface {
	Send(dest net.HardwareAddr, payload []byte) error
	SetReceiver(fn func(Frame))
	Close() error
}

// packetSocket is the production RawSocket, grounded on mdlayher/packet
// (the teacher pulls in mdlayher/packet transitively for its own raw
// capture path; here it is the primary transport, not a diagnostic one).
type packetSocket struct {
	conn   *packet.Conn
	iface  *net.Interface
	source net.HardwareAddr

	mu       sync.Mutex
	receiver func(Frame)
	closed   bool
}

// NewPacketSocket opens a cooked (SOCK_DGRAM) AF_PACKET socket bound to
// ifi for EtherType frames: the kernel adds the 14-byte header on send
// and strips it on receive. Egress frames carry the device's own MAC as
// their source; source (the real or spoofed MAC from config) is only
// reported as the Dest of received frames and is not written into
// egress headers.
func NewPacketSocket(ifi *net.Interface, source net.HardwareAddr) (*packetSocket, error) {
	conn, err := packet.Listen(ifi, packet.Datagram, EtherType, nil)
	if err != nil {
		return nil, fmt.Errorf("shimeth: opening raw socket on %s: %w", ifi.Name, err)
	}
	s := &packetSocket{conn: conn, iface: ifi, source: source}
	go s.readLoop()
	return s, nil
}

func (s *packetSocket) readLoop() {
	buf := make([]byte, s.iface.MTU+14)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		ha, ok := addr.(*packet.Addr)
		if !ok {
			continue
		}
		s.mu.Lock()
		recv := s.receiver
		s.mu.Unlock()
		if recv == nil {
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		recv(Frame{Source: ha.HardwareAddr, Dest: s.source, Payload: payload})
	}
}

func (s *packetSocket) Send(dest net.HardwareAddr, payload []byte) error {
	_, err := s.conn.WriteTo(payload, &packet.Addr{HardwareAddr: dest})
	return err
}

func (s *packetSocket) SetReceiver(fn func(Frame)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receiver = fn
}

func (s *packetSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

// Segment is an in-memory shared Ethernet segment for tests: every
// attached LoopbackSocket receives a copy of every other attachment's
// sends, the way two NICs on the same wire would. It lets engine_test.go
// simulate "two shim instances on the same Ethernet segment" without a
// kernel, root, or a real device.
type Segment struct {
	mu      sync.Mutex
	sockets map[*LoopbackSocket]bool
}

// NewSegment creates an empty shared segment.
func NewSegment() *Segment {
	return &Segment{sockets: make(map[*LoopbackSocket]bool)}
}

func (b *Segment) attach(s *LoopbackSocket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sockets[s] = true
}

func (b *Segment) detach(s *LoopbackSocket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sockets, s)
}

func (b *Segment) broadcast(from *LoopbackSocket, dest net.HardwareAddr, payload []byte) {
	b.mu.Lock()
	peers := make([]*LoopbackSocket, 0, len(b.sockets))
	for s := range b.sockets {
		if s != from {
			peers = append(peers, s)
		}
	}
	b.mu.Unlock()

	cp := make([]byte, len(payload))
	copy(cp, payload)
	for _, peer := range peers {
		peer.deliver(Frame{Source: from.mac, Dest: dest, Payload: cp})
	}
}

// LoopbackSocket is a RawSocket attached to a Segment.
type LoopbackSocket struct {
	segment *Segment
	mac     net.HardwareAddr

	mu       sync.Mutex
	receiver func(Frame)
	closed   bool
}

// NewLoopbackSocket attaches a new socket with the given MAC to segment.
func NewLoopbackSocket(segment *Segment, mac net.HardwareAddr) *LoopbackSocket {
	s := &LoopbackSocket{segment: segment, mac: mac}
	segment.attach(s)
	return s
}

func (s *LoopbackSocket) Send(dest net.HardwareAddr, payload []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("shimeth: send on closed loopback socket")
	}
	s.segment.broadcast(s, dest, payload)
	return nil
}

func (s *LoopbackSocket) SetReceiver(fn func(Frame)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receiver = fn
}

func (s *LoopbackSocket) deliver(f Frame) {
	s.mu.Lock()
	recv := s.receiver
	closed := s.closed
	s.mu.Unlock()
	if closed || recv == nil {
		return
	}
	// Only broadcast/unicast frames addressed to us, or genuinely
	// broadcast (all-ones), are delivered — mirrors a NIC's own filter.
	if !isBroadcast(f.Dest) && string(f.Dest) != string(s.mac) {
		return
	}
	recv(f)
}

func (s *LoopbackSocket) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.segment.detach(s)
	return nil
}

func isBroadcast(mac net.HardwareAddr) bool {
	for _, b := range mac {
		if b != 0xff {
			return false
		}
	}
	return len(mac) > 0
}
