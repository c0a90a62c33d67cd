// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package shimtcpudp

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"rina.dev/shim/internal/controller"
	"rina.dev/shim/internal/dispatch"
	"rina.dev/shim/internal/flow"
	"rina.dev/shim/internal/instance"
	"rina.dev/shim/internal/logging"
	"rina.dev/shim/internal/registry"
	"rina.dev/shim/internal/rerr"
	"rina.dev/shim/internal/rinaaddr"
	"rina.dev/shim/internal/shimconfig"
	"rina.dev/shim/internal/shimmetrics"
)

// BufferSize is the compile-time SDU buffer size constant spec §6.5
// names CONFIG_RINA_SHIM_TCP_UDP_BUFFER_SIZE.
const BufferSize = 8192

const lengthPrefixSize = 2

// unreliableCube and reliableCube are the engine's two QoS cubes (spec §4.4).
var (
	unreliableCube = controller.FlowSpec{MaxAllowableGap: -1, Ordered: false, Partial: true, MaxSDUSize: BufferSize}
	reliableCube   = controller.FlowSpec{MaxAllowableGap: 0, Ordered: true, Partial: false, MaxSDUSize: BufferSize - lengthPrefixSize}
)

// udpPeer is the secondary lookup key for a UDP flow (spec §3 Flow
// peer address, §4.4: "keyed by (listening_socket, remote_sockaddr)").
type udpPeer struct {
	localKey string
	remote   string
}

// Factory is the Ops implementation for the TCP/UDP shim, holding the
// process-wide send work queue shared across every instance it creates
// (spec §4.4 "process-wide send work queue").
type Factory struct {
	sendQ   *SendQueue
	metrics *shimmetrics.Metrics
	logger  *logging.Logger
}

// NewFactory builds a Factory with its own process-wide SendQueue.
func NewFactory(metrics *shimmetrics.Metrics, logger *logging.Logger) *Factory {
	return &Factory{sendQ: NewSendQueue(logger, metrics), metrics: metrics, logger: logger}
}

func (f *Factory) Init(any) error { return nil }
func (f *Factory) Fini(any) error { f.sendQ.Close(); return nil }

func (f *Factory) Create(_ any, processName rinaaddr.Name, id int, ctrl controller.Controller) (registry.Instance, error) {
	logger := f.logger.WithComponent("shimtcpudp").With("ipcp_id", id)
	e := &Engine{
		Base:    instance.NewBase(id, processName, ctrl, logger),
		dir:     NewDirectory(),
		sendQ:   f.sendQ,
		metrics: f.metrics,
		logger:  logger,
		recvWQ:  dispatch.New(fmt.Sprintf("shimtcpudp-recv-%d", id), logger),
	}
	f.sendQ.OnDrain(e.onSendQueueDrained)
	return e, nil
}

// Engine is one TCP/UDP shim IPCPInstance.
type Engine struct {
	*instance.Base

	dir     *Directory
	sendQ   *SendQueue
	metrics *shimmetrics.Metrics
	logger  *logging.Logger
	recvWQ  *dispatch.WorkQueue

	mu       sync.Mutex
	hostname string
	difName  string
	udpFlows map[udpPeer]int // secondary index -> port-id, spec §8 "at most one flow per (socket, remote_sockaddr)"
	tcpFlows map[*net.TCPConn]int
}

func (e *Engine) IPCPName() rinaaddr.Name { return e.ProcessName }
func (e *Engine) DIFName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.difName
}
func (e *Engine) IPCPID() int     { return e.ID }
func (e *Engine) MaxSDUSize() int { return BufferSize }

func (e *Engine) AssignToDIF(difName, shimType string, config map[string]string) error {
	cfg, err := shimconfig.DecodeTCPUDP(config)
	if err != nil {
		return err
	}
	if ip := net.ParseIP(cfg.Hostname); ip == nil {
		return rerr.Errorf(rerr.KindBadArgument, "hostname %q is not a valid IPv4/IPv6 literal", cfg.Hostname)
	}

	e.mu.Lock()
	e.hostname = cfg.Hostname
	e.difName = difName
	if e.udpFlows == nil {
		e.udpFlows = make(map[udpPeer]int)
		e.tcpFlows = make(map[*net.TCPConn]int)
	}
	e.mu.Unlock()

	if cfg.DirEntry != "" {
		entries, err := ParseDirEntryConfig(cfg.DirEntry)
		if err != nil {
			return err
		}
		for _, ent := range entries {
			e.dir.ApplyDirEntry(ent)
		}
	}
	if cfg.ExpReg != "" {
		regs, err := ParseExpRegConfig(cfg.ExpReg)
		if err != nil {
			return err
		}
		for _, r := range regs {
			e.dir.ApplyExpReg(r)
		}
	}
	return nil
}

func (e *Engine) UpdateDIFConfig(config map[string]string) error {
	return e.AssignToDIF(e.DIFName(), "", config)
}

// ApplicationRegister implements spec §4.4 Application registration.
func (e *Engine) ApplicationRegister(appName rinaaddr.Name, dafName string) error {
	port, ok := e.dir.ExpectedPort(appName)
	if !ok {
		return rerr.Errorf(rerr.KindNotFound, "no expected-registration port for application %s", appName)
	}
	e.mu.Lock()
	host := e.hostname
	e.mu.Unlock()

	udpAddr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return rerr.Wrap(err, rerr.KindResource, "binding udp socket")
	}
	tcpAddr := &net.TCPAddr{IP: net.ParseIP(host), Port: port}
	tcpListener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		udpConn.Close()
		return rerr.Wrap(err, rerr.KindResource, "binding tcp listener")
	}

	app := &regApp{name: appName, udp: udpConn, tcp: tcpListener}
	if err := e.SetApp(app); err != nil {
		udpConn.Close()
		tcpListener.Close()
		return err
	}

	go e.udpReadLoop(app)
	go e.tcpAcceptLoop(app)
	return nil
}

func (e *Engine) ApplicationUnregister(appName rinaaddr.Name) error {
	app, ok := e.RemoveApp(appName)
	if !ok {
		return rerr.Errorf(rerr.KindNotFound, "application %s not registered", appName)
	}
	return app.Close()
}

func (e *Engine) udpReadLoop(app *regApp) {
	buf := make([]byte, BufferSize+1)
	for {
		n, remote, err := app.udp.ReadFromUDP(buf)
		if err != nil {
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		truncated := n > BufferSize
		e.recvWQ.Submit(func() { e.ingressUDP(app, remote, payload, truncated) })
	}
}

func (e *Engine) tcpAcceptLoop(app *regApp) {
	for {
		conn, err := app.tcp.AcceptTCP()
		if err != nil {
			return
		}
		go e.tcpReadLoop(conn)
	}
}

// tcpReadLoop implements spec §4.4 TCP framing: parses <u16-BE len><payload>
// records, tolerating partial reads across multiple Read calls.
func (e *Engine) tcpReadLoop(conn *net.TCPConn) {
	portID, err := e.Ctrl.ReservePortID(e.ID)
	if err != nil {
		conn.Close()
		return
	}
	fl := flow.NewPendingFlow(portID, conn, rinaaddr.Name{ProcessName: fmt.Sprintf("tcp-accept-%d", portID)}, flow.TransportReliable)
	if err := e.Flows.Insert(fl); err != nil {
		e.Ctrl.ReleasePortID(portID)
		conn.Close()
		return
	}
	e.mu.Lock()
	e.tcpFlows[conn] = portID
	dif := e.difName
	e.mu.Unlock()

	if err := e.Ctrl.NotifyFlowArrived(e.ID, portID, dif, e.ProcessName, fl.Remote, reliableCube); err != nil {
		e.logger.WithError(err).Warn("controller rejected tcp flow arrival")
	}

	lenBuf := make([]byte, lengthPrefixSize)
	for {
		if _, err := readFull(conn, lenBuf); err != nil {
			e.handleRemoteRelease(portID, conn)
			return
		}
		length := binary.BigEndian.Uint16(lenBuf)
		payload := make([]byte, length)
		if _, err := readFull(conn, payload); err != nil {
			e.handleRemoteRelease(portID, conn)
			return
		}
		e.recvWQ.Submit(func() { e.ingressSDUByPortID(portID, payload) })
	}
}

func readFull(conn *net.TCPConn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if n == 0 && err == nil {
			return total, fmt.Errorf("shimtcpudp: zero-byte read, peer released")
		}
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (e *Engine) handleRemoteRelease(portID int, conn *net.TCPConn) {
	e.mu.Lock()
	delete(e.tcpFlows, conn)
	e.mu.Unlock()
	fl := e.Flows.Remove(portID)
	if fl == nil {
		return
	}
	fl.Lock()
	fl.TeardownLocked()
	fl.Unlock()
	e.Ctrl.ReleasePortID(portID)
	_ = e.Ctrl.NotifyFlowDealloc(e.ID, controller.ReasonRemoteRelease, portID, true)
}

// ingressUDP implements spec §4.2 ingress_sdu for UDP, keyed by
// (listening_socket, remote_sockaddr).
func (e *Engine) ingressUDP(app *regApp, remote *net.UDPAddr, payload []byte, truncated bool) {
	if truncated && e.metrics != nil {
		e.metrics.SDUsDropped.WithLabelValues("tcpudp", fmt.Sprintf("%d", e.ID), "udp_truncated").Inc()
	}

	key := udpPeer{localKey: app.name.String(), remote: remote.String()}
	e.mu.Lock()
	portID, exists := e.udpFlows[key]
	e.mu.Unlock()

	if exists {
		e.ingressSDUByPortID(portID, payload)
		return
	}

	newPortID, err := e.Ctrl.ReservePortID(e.ID)
	if err != nil {
		return
	}
	fl := flow.NewPendingFlow(newPortID, &udpFlowPeer{app: app, remote: remote}, rinaaddr.UnknownApp, flow.TransportUnreliable)
	fl.Lock()
	_ = fl.EnqueueLocked(flow.SDU(payload))
	fl.Unlock()
	if err := e.Flows.Insert(fl); err != nil {
		e.Ctrl.ReleasePortID(newPortID)
		return
	}
	e.mu.Lock()
	e.udpFlows[key] = newPortID
	dif := e.difName
	e.mu.Unlock()
	if err := e.Ctrl.NotifyFlowArrived(e.ID, newPortID, dif, e.ProcessName, rinaaddr.UnknownApp, unreliableCube); err != nil {
		e.logger.WithError(err).Warn("controller rejected udp flow arrival")
	}
}

// udpFlowPeer is the PeerKey stored on a UDP flow: the app socket to
// send from, and the remote address to send to.
type udpFlowPeer struct {
	app    *regApp
	remote *net.UDPAddr
}

func (e *Engine) ingressSDUByPortID(portID int, sdu []byte) {
	fl := e.Flows.Get(portID)
	if fl == nil {
		return
	}
	fl.Lock()
	defer fl.Unlock()
	switch fl.StateLocked() {
	case flow.StateAllocated:
		if err := fl.DeliverLocked(flow.SDU(sdu)); err != nil {
			e.logger.WithError(err).Warn("du_enqueue failed on tcp/udp ingress")
		}
	case flow.StatePending:
		_ = fl.EnqueueLocked(flow.SDU(sdu))
	}
}

// FlowAllocateRequest implements locally-initiated allocation for both
// transports (spec §4.2 allocate_request). UDP has no handshake, so the
// flow activates immediately; TCP dials and activates on connect.
func (e *Engine) FlowAllocateRequest(userIPCP controller.UserIPCP, source, dest rinaaddr.Name, fspec controller.FlowSpec, portID int) error {
	entry, ok := e.dir.Lookup(dest)
	if !ok {
		return rerr.Errorf(rerr.KindNotFound, "no directory entry for %s", dest)
	}

	if fspec.Ordered {
		return e.allocateTCP(userIPCP, dest, entry, portID)
	}
	return e.allocateUDP(userIPCP, dest, entry, portID)
}

func (e *Engine) allocateUDP(userIPCP controller.UserIPCP, dest rinaaddr.Name, entry DirectoryEntry, portID int) error {
	e.mu.Lock()
	host := e.hostname
	e.mu.Unlock()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(host), Port: 0})
	if err != nil {
		return rerr.Wrap(err, rerr.KindResource, "opening ephemeral udp socket")
	}
	remote := &net.UDPAddr{IP: entry.Addr, Port: entry.Port}
	app := &regApp{name: rinaaddr.Name{ProcessName: fmt.Sprintf("ephemeral-%d", portID)}, udp: conn}

	fl := flow.NewPendingFlow(portID, &udpFlowPeer{app: app, remote: remote}, dest, flow.TransportUnreliable)
	if err := e.Flows.Insert(fl); err != nil {
		conn.Close()
		return err
	}
	fl.Lock()
	err = fl.BindAndActivateLocked(userIPCP)
	fl.Unlock()
	if err != nil {
		return err
	}
	return e.Ctrl.NotifyFlowAllocResult(e.ID, portID, controller.ResultAccept)
}

func (e *Engine) allocateTCP(userIPCP controller.UserIPCP, dest rinaaddr.Name, entry DirectoryEntry, portID int) error {
	conn, err := net.DialTCP("tcp", nil, &net.TCPAddr{IP: entry.Addr, Port: entry.Port})
	if err != nil {
		e.Ctrl.ReleasePortID(portID)
		return rerr.Wrap(err, rerr.KindTransient, "tcp connect failed")
	}

	fl := flow.NewPendingFlow(portID, conn, dest, flow.TransportReliable)
	if ierr := e.Flows.Insert(fl); ierr != nil {
		conn.Close()
		return ierr
	}
	e.mu.Lock()
	e.tcpFlows[conn] = portID
	e.mu.Unlock()

	fl.Lock()
	err = fl.BindAndActivateLocked(userIPCP)
	fl.Unlock()
	if err != nil {
		return err
	}
	go e.tcpReadLoopEstablished(conn, portID)
	return e.Ctrl.NotifyFlowAllocResult(e.ID, portID, controller.ResultAccept)
}

// tcpReadLoopEstablished is tcpReadLoop's counterpart for locally-dialed
// connections, which already have a port-id and an ALLOCATED flow.
func (e *Engine) tcpReadLoopEstablished(conn *net.TCPConn, portID int) {
	lenBuf := make([]byte, lengthPrefixSize)
	for {
		if _, err := readFull(conn, lenBuf); err != nil {
			e.handleRemoteRelease(portID, conn)
			return
		}
		length := binary.BigEndian.Uint16(lenBuf)
		payload := make([]byte, length)
		if _, err := readFull(conn, payload); err != nil {
			e.handleRemoteRelease(portID, conn)
			return
		}
		e.recvWQ.Submit(func() { e.ingressSDUByPortID(portID, payload) })
	}
}

func (e *Engine) FlowAllocateResponse(userIPCP controller.UserIPCP, portID int, result controller.AllocResult) error {
	fl := e.Flows.Get(portID)
	if fl == nil {
		return rerr.Errorf(rerr.KindNotFound, "no flow for port-id %d", portID)
	}
	fl.Lock()
	defer fl.Unlock()
	if fl.StateLocked() != flow.StatePending {
		return rerr.Errorf(rerr.KindWrongState, "allocate_response on non-PENDING flow %d", portID)
	}
	if result == controller.ResultReject {
		fl.RejectToNullStubLocked()
		return nil
	}
	return fl.BindAndActivateLocked(userIPCP)
}

func (e *Engine) FlowDeallocate(portID int) error {
	fl := e.Flows.Remove(portID)
	if fl == nil {
		return rerr.Errorf(rerr.KindNotFound, "no flow for port-id %d", portID)
	}
	fl.Lock()
	peerKey := fl.PeerKey
	fl.TeardownLocked()
	fl.Unlock()

	e.mu.Lock()
	switch p := peerKey.(type) {
	case *net.TCPConn:
		delete(e.tcpFlows, p)
	case *udpFlowPeer:
		for k, v := range e.udpFlows {
			if v == portID {
				delete(e.udpFlows, k)
			}
		}
	}
	e.mu.Unlock()

	if conn, ok := peerKey.(*net.TCPConn); ok {
		_ = conn.Close()
	}
	e.Ctrl.ReleasePortID(portID)
	return e.Ctrl.NotifyFlowDealloc(e.ID, controller.ReasonLocalRequest, portID, false)
}

func (e *Engine) FlowUnbindingUserIPCP(portID int) error {
	fl := e.Flows.Get(portID)
	if fl == nil {
		return rerr.Errorf(rerr.KindNotFound, "no flow for port-id %d", portID)
	}
	fl.Lock()
	fl.UnbindUserIPCPLocked()
	fl.Unlock()
	return nil
}

// DUWrite implements egress via the bounded, process-wide send queue
// (spec §4.4 "Bounded send queue").
func (e *Engine) DUWrite(portID int, sdu []byte, blocking bool) error {
	fl := e.Flows.Get(portID)
	if fl == nil {
		return rerr.Errorf(rerr.KindNotFound, "no flow for port-id %d", portID)
	}
	fl.Lock()
	if fl.StateLocked() != flow.StateAllocated {
		fl.Unlock()
		return rerr.Errorf(rerr.KindWrongState, "write on non-ALLOCATED flow %d", portID)
	}
	peerKey := fl.PeerKey
	transport := fl.Transport
	fl.Unlock()

	maxSize := unreliableCube.MaxSDUSize
	if transport == flow.TransportReliable {
		maxSize = reliableCube.MaxSDUSize
	}
	if len(sdu) > maxSize {
		return rerr.Errorf(rerr.KindBadArgument, "sdu length %d exceeds buffer_size bound %d", len(sdu), maxSize)
	}

	payload := make([]byte, len(sdu))
	copy(payload, sdu)

	return e.sendQ.Submit(func() error {
		switch p := peerKey.(type) {
		case *net.TCPConn:
			framed := make([]byte, lengthPrefixSize+len(payload))
			binary.BigEndian.PutUint16(framed, uint16(len(payload)))
			copy(framed[lengthPrefixSize:], payload)
			_, err := p.Write(framed)
			return err
		case *udpFlowPeer:
			_, err := p.app.udp.WriteToUDP(payload, p.remote)
			return err
		default:
			return rerr.Errorf(rerr.KindResource, "flow %d has unrecognized peer key type", portID)
		}
	})
}

// onSendQueueDrained implements spec §4.4 "re-enable write on all flows
// of all instances" — this engine's share of that notification.
func (e *Engine) onSendQueueDrained() {
	e.Flows.Range(func(fl *flow.Flow) bool {
		fl.Lock()
		u := fl.UserIPCPLocked()
		pid := fl.PortID
		fl.Unlock()
		if u != nil {
			u.EnableWrite(pid)
		}
		return true
	})
}

func (e *Engine) Destroy() error {
	e.recvWQ.Close()
	e.DestroyAll(func(fl *flow.Flow) {
		fl.Lock()
		if conn, ok := fl.PeerKey.(*net.TCPConn); ok {
			_ = conn.Close()
		}
		fl.TeardownLocked()
		fl.Unlock()
	})
	return nil
}
