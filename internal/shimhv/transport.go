// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package shimhv

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/mdlayher/vsock"
)

// Frame is one VMPI message: a channel index and its payload.
type Frame struct {
	Channel uint32
	Payload []byte
}

// Transport is the VMPI wire: one multiplexed connection carrying
// control messages on ControlChannel and SDUs on every other channel
// (spec §4.5). Production code is backed by a streamTransport over a
// vsock connection (mdlayher/vsock); tests use newPairTransport's
// streamTransports over an in-memory pipe.
type Transport interface {
	Send(channel uint32, payload []byte) error
	SetReceiver(func(Frame))
	Close() error
}

// frameHeaderSize is 1 byte channel + 2 bytes BE length.
const frameHeaderSize = 3

// streamTransport implements Transport by framing Frames over any
// net.Conn-like stream: one byte channel index, a u16-BE length, then
// the payload (spec §4.5's wire messages are themselves length-implicit
// per command, but multiplexing several channels over one stream
// connection needs an explicit length prefix to find frame boundaries).
type streamTransport struct {
	conn net.Conn

	mu       sync.Mutex
	receiver func(Frame)
	closed   bool
}

func newStreamTransport(conn net.Conn) *streamTransport {
	t := &streamTransport{conn: conn}
	go t.readLoop()
	return t
}

// DialVsock opens a guest-to-host VMPI transport over AF_VSOCK (spec
// §4.5's production transport, grounded on mdlayher/vsock).
func DialVsock(contextID, port uint32) (Transport, error) {
	conn, err := vsock.Dial(contextID, port, nil)
	if err != nil {
		return nil, fmt.Errorf("shimhv: vsock dial cid=%d port=%d: %w", contextID, port, err)
	}
	return newStreamTransport(conn), nil
}

// ListenVsock accepts one inbound VMPI connection on port and wraps it
// as a Transport (the host side of the production transport).
func ListenVsock(port uint32) (Transport, error) {
	l, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("shimhv: vsock listen port=%d: %w", port, err)
	}
	conn, err := l.Accept()
	l.Close()
	if err != nil {
		return nil, fmt.Errorf("shimhv: vsock accept port=%d: %w", port, err)
	}
	return newStreamTransport(conn), nil
}

func (t *streamTransport) SetReceiver(fn func(Frame)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receiver = fn
}

func (t *streamTransport) Send(channel uint32, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("shimhv: message of %d bytes exceeds %d byte bound", len(payload), MaxMessageSize)
	}
	if channel > 255 {
		return fmt.Errorf("shimhv: channel %d does not fit the wire's 1-byte index", channel)
	}
	header := make([]byte, frameHeaderSize)
	header[0] = byte(channel)
	binary.BigEndian.PutUint16(header[1:], uint16(len(payload)))
	if _, err := t.conn.Write(header); err != nil {
		return err
	}
	_, err := t.conn.Write(payload)
	return err
}

func (t *streamTransport) readLoop() {
	header := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(t.conn, header); err != nil {
			return
		}
		channel := uint32(header[0])
		length := binary.BigEndian.Uint16(header[1:])
		payload := make([]byte, length)
		if _, err := io.ReadFull(t.conn, payload); err != nil {
			return
		}
		t.mu.Lock()
		recv := t.receiver
		t.mu.Unlock()
		if recv != nil {
			recv(Frame{Channel: channel, Payload: payload})
		}
	}
}

func (t *streamTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}

// newPairTransport returns two streamTransports joined by net.Pipe, used by
// tests to exercise two shimhv engines talking to each other without a
// real vsock/hypervisor (mirroring shimeth's Segment/LoopbackSocket).
func newPairTransport() (Transport, Transport) {
	a, b := net.Pipe()
	return newStreamTransport(a), newStreamTransport(b)
}
