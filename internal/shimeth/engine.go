// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package shimeth is the Ethernet shim IPCP engine (spec §4.3): packet
// filtering on a dedicated RINA EtherType, VLAN-compat/auto binding
// modes, an ARP-like resolver, tx_busy back-pressure, and netdev
// up/down handling.
package shimeth

import (
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

const ethernetHeaderSize = 14

// SocketOpener abstracts opening a RawSocket for a bound device, so
// tests can wire a Segment/LoopbackSocket instead of a real AF_PACKET
// socket. Production code passes OpenPacketSocket.
type SocketOpener func(ifaceName string, mtu int, source net.HardwareAddr) (RawSocket, error)

// OpenPacketSocket is the production SocketOpener, backed by mdlayher/packet.
func OpenPacketSocket(ifaceName string, mtu int, source net.HardwareAddr) (RawSocket, error) {
	ifi, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("shimeth: %s: %w", ifaceName, err)
	}
	return NewPacketSocket(ifi, source)
}

// Factory is the Ops implementation registered with the process-wide
// registry under the shim's chosen name(s) (spec §4.1, SPEC_FULL §5
// supplemented aliases: "shim-eth", "shim-vlan", "shim-eth-vlan",
// "shim-wifi-ap", "shim-wifi-sta").
type Factory struct {
	resolverDevices DeviceResolver
	openSocket      SocketOpener
	metrics         *shimmetrics.Metrics
	logger          *logging.Logger
}

// NewFactory builds a Factory. devices and openSocket may be fakes for
// tests; metrics may be nil to disable instrumentation.
func NewFactory(devices DeviceResolver, openSocket SocketOpener, metrics *shimmetrics.Metrics, logger *logging.Logger) *Factory {
	return &Factory{resolverDevices: devices, openSocket: openSocket, metrics: metrics, logger: logger}
}

func (f *Factory) Init(any) error { return nil }
func (f *Factory) Fini(any) error { return nil }

func (f *Factory) Create(_ any, processName rinaaddr.Name, id int, ctrl controller.Controller) (registry.Instance, error) {
	logger := f.logger.WithComponent("shimeth").With("ipcp_id", id)
	return &Engine{
		Base:    instance.NewBase(id, processName, ctrl, logger),
		devices: f.resolverDevices,
		open:    f.openSocket,
		metrics: f.metrics,
		logger:  logger,
		wq:      dispatch.New(fmt.Sprintf("shimeth-%d", id), logger),
	}, nil
}

// ethApp is a RegisteredApp bound via the resolver: its only
// lower-layer state is the resolver mapping itself.
type ethApp struct {
	name rinaaddr.Name
	gha  net.HardwareAddr
	eng  *Engine
}

func (a *ethApp) Name() rinaaddr.Name { return a.name }
func (a *ethApp) Close() error {
	a.eng.resolver.Remove(rinaaddr.EncodeGPA(a.name))
	return nil
}

// Engine is one Ethernet shim IPCPInstance (spec §3, §4.3).
type Engine struct {
	*instance.Base

	devices DeviceResolver
	open    SocketOpener
	metrics *shimmetrics.Metrics
	logger  *logging.Logger
	wq      *dispatch.WorkQueue

	mu           sync.Mutex
	dev          NetDevice
	physDev      NetDevice // same as dev unless VLAN
	socket       RawSocket
	resolver     *Resolver
	sourceMAC    net.HardwareAddr
	txBusy       bool
	carrierDown  bool // carrier state seen by the last PollCarrier
	difName      string
	maxSDUSize   int
	pendingByGPA map[string]int // GPA string -> port-id, enforces "at most one PENDING flow per peer GPA" (spec §8)
}

func (e *Engine) IPCPName() rinaaddr.Name { return e.ProcessName }
func (e *Engine) DIFName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.difName
}
func (e *Engine) IPCPID() int { return e.ID }
func (e *Engine) MaxSDUSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxSDUSize
}

// AssignToDIF implements binding (spec §4.3 Binding).
func (e *Engine) AssignToDIF(difName, shimType string, config map[string]string) error {
	cfg, err := shimconfig.DecodeEthernet(config)
	if err != nil {
		return err
	}

	var dev, phys NetDevice
	if cfg.VLANCompat {
		vlanID, ok := VLANCompatID(e.ProcessName.ProcessInstance)
		if !ok {
			return rerr.Errorf(rerr.KindBadArgument, "invalid VLAN id %q for VLAN compat mode", e.ProcessName.ProcessInstance)
		}
		parent, err := e.devices.Resolve(cfg.InterfaceName)
		if err != nil {
			return rerr.Wrap(err, rerr.KindBadArgument, "resolving physical interface for VLAN compat")
		}
		dev, err = e.devices.ByVLAN(cfg.InterfaceName, vlanID)
		if err != nil {
			return rerr.Wrap(err, rerr.KindBadArgument, "resolving VLAN pseudo-device")
		}
		phys = parent
	} else {
		d, err := e.devices.Resolve(cfg.InterfaceName)
		if err != nil {
			return rerr.Wrap(err, rerr.KindBadArgument, "resolving interface")
		}
		dev = d
		if p, isVLAN := e.devices.Physical(d); isVLAN {
			phys = p
		} else {
			phys = d
		}
	}

	source := dev.HardwareAddr()
	if cfg.SpoofMAC != "" {
		mac, err := rinaaddr.ParseSpoofMAC(cfg.SpoofMAC)
		if err != nil {
			return rerr.Wrap(err, rerr.KindBadArgument, "parsing spoof-mac")
		}
		source = mac
	}

	sock, err := e.open(dev.Name(), dev.MTU(), source)
	if err != nil {
		return rerr.Wrap(err, rerr.KindResource, "opening raw socket")
	}

	e.mu.Lock()
	e.dev = dev
	e.physDev = phys
	e.socket = sock
	e.sourceMAC = source
	e.difName = difName
	e.maxSDUSize = dev.MTU() - ethernetHeaderSize
	e.pendingByGPA = make(map[string]int)
	e.mu.Unlock()

	e.resolver = NewResolver(e.transmitResolverFrame, e.lookupLocalGPA, e.logger, e.metrics, fmt.Sprintf("%d", e.ID))
	sock.SetReceiver(e.handleIngressFrame)
	return nil
}

func (e *Engine) UpdateDIFConfig(config map[string]string) error {
	cfg, err := shimconfig.DecodeEthernet(config)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg.SpoofMAC != "" {
		mac, err := rinaaddr.ParseSpoofMAC(cfg.SpoofMAC)
		if err != nil {
			return rerr.Wrap(err, rerr.KindBadArgument, "parsing spoof-mac")
		}
		e.sourceMAC = mac
	}
	return nil
}

func (e *Engine) lookupLocalGPA(gha net.HardwareAddr) (rinaaddr.GPA, bool) {
	for _, app := range e.Apps() {
		ea, ok := app.(*ethApp)
		if !ok {
			continue
		}
		if string(ea.gha) == string(gha) {
			return rinaaddr.EncodeGPA(ea.name), true
		}
	}
	return nil, false
}

func (e *Engine) transmitResolverFrame(dest net.HardwareAddr, payload []byte) {
	e.mu.Lock()
	sock := e.socket
	e.mu.Unlock()
	if sock == nil {
		return
	}
	_ = sock.Send(dest, payload)
}

// ApplicationRegister binds appName to the resolver under this engine's
// source MAC (spec §3 RegisteredApp, §4.3).
func (e *Engine) ApplicationRegister(appName rinaaddr.Name, dafName string) error {
	e.mu.Lock()
	gha := append(net.HardwareAddr(nil), e.sourceMAC...)
	e.mu.Unlock()

	app := &ethApp{name: appName, gha: gha, eng: e}
	if err := e.SetApp(app); err != nil {
		return err
	}
	e.resolver.Add(rinaaddr.EncodeGPA(appName), gha)
	return nil
}

func (e *Engine) ApplicationUnregister(appName rinaaddr.Name) error {
	app, ok := e.RemoveApp(appName)
	if !ok {
		return rerr.Errorf(rerr.KindNotFound, "application %s not registered", appName)
	}
	// Deallocate every flow whose PeerKey matches this app's GHA (spec
	// §3: "on destruction all flows that reference that application's
	// socket are deallocated").
	ea := app.(*ethApp)
	e.Flows.Range(func(fl *flow.Flow) bool {
		fl.Lock()
		match := string(fl.PeerKey.(net.HardwareAddr)) == string(ea.gha)
		fl.Unlock()
		if match {
			_ = e.FlowDeallocate(fl.PortID)
		}
		return true
	})
	return app.Close()
}

// FlowAllocateRequest implements locally-initiated allocation (spec §4.2 allocate_request).
func (e *Engine) FlowAllocateRequest(userIPCP controller.UserIPCP, source, dest rinaaddr.Name, fspec controller.FlowSpec, portID int) error {
	destGPA := rinaaddr.EncodeGPA(dest)
	key := destGPA.String()

	e.mu.Lock()
	if _, exists := e.pendingByGPA[key]; exists {
		e.mu.Unlock()
		return rerr.Errorf(rerr.KindWrongState, "flow already PENDING for peer %s", dest)
	}
	e.pendingByGPA[key] = portID
	e.mu.Unlock()

	fl := flow.NewPendingFlow(portID, net.HardwareAddr(nil), dest, flow.TransportUnreliable)
	if err := e.Flows.Insert(fl); err != nil {
		e.mu.Lock()
		delete(e.pendingByGPA, key)
		e.mu.Unlock()
		return err
	}

	e.resolver.Resolve(destGPA, func(gha net.HardwareAddr, ok bool) {
		e.wq.Submit(func() { e.onResolveCompleted(portID, key, destGPA, gha, ok, userIPCP) })
	})
	return nil
}

// onResolveCompleted implements spec §4.2 resolve_completed, run on the
// engine's work queue (spec §4.3 Ingress: "heavy work ... deferred").
func (e *Engine) onResolveCompleted(portID int, gpaKey string, gpa rinaaddr.GPA, gha net.HardwareAddr, ok bool, userIPCP controller.UserIPCP) {
	e.mu.Lock()
	delete(e.pendingByGPA, gpaKey)
	e.mu.Unlock()

	fl := e.Flows.Get(portID)
	if fl == nil {
		return
	}
	fl.Lock()
	if fl.StateLocked() != flow.StatePending {
		fl.Unlock()
		return
	}
	if !ok {
		fl.TeardownLocked()
		fl.Unlock()
		e.Flows.Remove(portID)
		e.Ctrl.ReleasePortID(portID)
		_ = e.Ctrl.NotifyFlowDealloc(e.ID, controller.ReasonTransientFailure, portID, false)
		return
	}
	fl.PeerKey = gha
	err := fl.BindAndActivateLocked(userIPCP)
	fl.Unlock()
	if err != nil {
		e.logger.WithError(err).Warn("drain failed after ethernet resolve completed", "port_id", portID)
		return
	}
	_ = e.Ctrl.NotifyFlowAllocResult(e.ID, portID, controller.ResultAccept)
}

// FlowAllocateResponse implements spec §4.2 allocate_response.
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

// FlowDeallocate implements local tear-down (spec §4.2 deallocate).
func (e *Engine) FlowDeallocate(portID int) error {
	fl := e.Flows.Remove(portID)
	if fl == nil {
		return rerr.Errorf(rerr.KindNotFound, "no flow for port-id %d", portID)
	}
	fl.Lock()
	fl.TeardownLocked()
	fl.Unlock()
	e.Ctrl.ReleasePortID(portID)
	if e.metrics != nil {
		e.metrics.FlowsTornDown.WithLabelValues("ethernet", fmt.Sprintf("%d", e.ID), "local_request").Inc()
	}
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

// DUWrite implements egress (spec §4.3 Egress).
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
	dest, _ := fl.PeerKey.(net.HardwareAddr)
	fl.Unlock()

	e.mu.Lock()
	maxSize := e.maxSDUSize
	busy := e.txBusy
	sock := e.socket
	source := e.sourceMAC
	e.mu.Unlock()

	if len(sdu) > maxSize {
		return rerr.Errorf(rerr.KindBadArgument, "sdu length %d exceeds mtu-header bound %d", len(sdu), maxSize)
	}
	if busy {
		return rerr.New(rerr.KindWouldBlock, "device transmit busy")
	}

	frame := make([]byte, len(sdu))
	copy(frame, sdu)
	_ = source // the header is built below RawSocket.Send; packetSocket's kernel framing uses the device MAC
	if err := sock.Send(dest, frame); err != nil {
		e.mu.Lock()
		e.txBusy = true
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.TxBusyTotal.WithLabelValues(fmt.Sprintf("%d", e.ID)).Inc()
		}
		return rerr.Wrap(err, rerr.KindWouldBlock, "device queue refused frame")
	}
	if e.metrics != nil {
		e.metrics.SDUsEnqueued.WithLabelValues("ethernet", fmt.Sprintf("%d", e.ID)).Inc()
	}
	return nil
}

// ReleaseTxBusy is the buffer-destructor equivalent (spec §4.3 Egress:
// "attach a destructor that clears tx_busy ... on all flows on the
// physical device"). The production packet socket would invoke this
// once the kernel confirms the frame left the NIC queue; tests call it
// directly to simulate that completion.
func (e *Engine) ReleaseTxBusy() {
	e.mu.Lock()
	e.txBusy = false
	e.mu.Unlock()
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

// NetdevUp implements spec §4.3 Netdev notifier for device-up.
func (e *Engine) NetdevUp() {
	e.ReleaseTxBusy()
	e.Flows.Range(func(fl *flow.Flow) bool {
		fl.Lock()
		u := fl.UserIPCPLocked()
		pid := fl.PortID
		fl.Unlock()
		if u != nil {
			u.NM1FlowStateChange(pid, true)
		}
		return true
	})
}

// PollCarrier checks the physical device's carrier state and fires the
// up/down notifier on a transition; a poll that finds the carrier up
// while tx_busy is set also runs NetdevUp, which clears it. The
// production daemon calls this from a netlink link-update subscription;
// tests call it directly after flipping a FakeDeviceResolver's carrier
// state.
func (e *Engine) PollCarrier() {
	e.mu.Lock()
	phys := e.physDev
	wasBusy := e.txBusy
	wasDown := e.carrierDown
	e.mu.Unlock()
	if phys == nil {
		return
	}
	up := e.devices.CarrierUp(phys)
	e.mu.Lock()
	e.carrierDown = !up
	e.mu.Unlock()
	if up && (wasDown || wasBusy) {
		e.NetdevUp()
	} else if !up && !wasDown {
		e.NetdevDown()
	}
}

// NetdevDown implements spec §4.3 Netdev notifier for device-down.
func (e *Engine) NetdevDown() {
	e.Flows.Range(func(fl *flow.Flow) bool {
		fl.Lock()
		u := fl.UserIPCPLocked()
		pid := fl.PortID
		fl.Unlock()
		if u != nil {
			u.NM1FlowStateChange(pid, false)
		}
		return true
	})
}

// handleIngressFrame is the raw-socket receive callback (spec §4.3
// Ingress). It must return quickly: heavy work is deferred to e.wq.
func (e *Engine) handleIngressFrame(f Frame) {
	if len(f.Payload) >= 3 && (f.Payload[0] == msgResolveRequest || f.Payload[0] == msgResolveReply) {
		if kind, gpa, ok := decodeResolveMessage(f.Payload); ok {
			e.resolver.HandleFrame(f.Source, f.Payload)
			if kind == msgResolveRequest {
				e.wq.Submit(func() { e.answerResolveIfLocal(f.Source, gpa) })
			}
			return
		}
	}
	payload := make([]byte, len(f.Payload))
	copy(payload, f.Payload)
	src := append(net.HardwareAddr(nil), f.Source...)
	e.wq.Submit(func() { e.ingressSDU(src, payload) })
}

func (e *Engine) answerResolveIfLocal(src net.HardwareAddr, requestedGPA rinaaddr.GPA) {
	name, err := rinaaddr.DecodeGPA(requestedGPA)
	if err != nil {
		return
	}
	if app, ok := e.GetApp(name); ok {
		ea := app.(*ethApp)
		e.resolver.AnswerIfLocal(src, requestedGPA, ea.gha)
	}
}

// ingressSDU implements spec §4.2 ingress_sdu, keyed by source GHA.
func (e *Engine) ingressSDU(peerKey net.HardwareAddr, sdu []byte) {
	var found *flow.Flow
	e.Flows.Range(func(fl *flow.Flow) bool {
		fl.Lock()
		gha, ok := fl.PeerKey.(net.HardwareAddr)
		match := ok && string(gha) == string(peerKey)
		fl.Unlock()
		if match {
			found = fl
			return false
		}
		return true
	})

	if found != nil {
		found.Lock()
		state := found.StateLocked()
		switch state {
		case flow.StateAllocated:
			if err := found.DeliverLocked(flow.SDU(sdu)); err != nil {
				e.logger.WithError(err).Warn("du_enqueue failed on ethernet ingress")
				if e.metrics != nil {
					e.metrics.SDUsDropped.WithLabelValues("ethernet", fmt.Sprintf("%d", e.ID), "enqueue_failed").Inc()
				}
			} else if e.metrics != nil {
				e.metrics.SDUsEnqueued.WithLabelValues("ethernet", fmt.Sprintf("%d", e.ID)).Inc()
			}
		case flow.StatePending:
			_ = found.EnqueueLocked(flow.SDU(sdu))
		default:
			if e.metrics != nil {
				e.metrics.SDUsDropped.WithLabelValues("ethernet", fmt.Sprintf("%d", e.ID), "refused_stub").Inc()
			}
		}
		found.Unlock()
		return
	}

	e.synthesizePendingFlow(peerKey, sdu)
}

// synthesizePendingFlow implements spec §4.2's "no Flow exists" branch
// of ingress_sdu: reserve a port-id, create the PENDING flow, enqueue
// the first SDU, and notify the controller of the arrival.
func (e *Engine) synthesizePendingFlow(peerKey net.HardwareAddr, sdu []byte) {
	portID, err := e.Ctrl.ReservePortID(e.ID)
	if err != nil {
		e.logger.WithError(err).Warn("failed to reserve port-id for remote ethernet flow")
		return
	}

	remoteName := rinaaddr.UnknownApp
	if gpa, ok := e.lookupLocalGPAByPeer(peerKey); ok {
		if n, err := rinaaddr.DecodeGPA(gpa); err == nil {
			remoteName = n
		}
	}

	fl := flow.NewPendingFlow(portID, peerKey, remoteName, flow.TransportUnreliable)
	fl.Lock()
	_ = fl.EnqueueLocked(flow.SDU(sdu))
	fl.Unlock()

	if err := e.Flows.Insert(fl); err != nil {
		e.Ctrl.ReleasePortID(portID)
		return
	}

	e.mu.Lock()
	dif := e.difName
	e.mu.Unlock()
	fspec := controller.FlowSpec{MaxAllowableGap: -1, Ordered: false, Partial: true, MaxSDUSize: e.MaxSDUSize()}
	if err := e.Ctrl.NotifyFlowArrived(e.ID, portID, dif, e.ProcessName, remoteName, fspec); err != nil {
		e.logger.WithError(err).Warn("controller rejected flow arrival notification")
	}
}

func (e *Engine) lookupLocalGPAByPeer(peerKey net.HardwareAddr) (rinaaddr.GPA, bool) {
	return e.resolver.FindGPA(peerKey)
}

// Destroy implements spec §3 IPCPInstance destruction.
func (e *Engine) Destroy() error {
	e.wq.Close()
	e.DestroyAll(func(fl *flow.Flow) {
		fl.Lock()
		fl.TeardownLocked()
		fl.Unlock()
	})
	e.mu.Lock()
	sock := e.socket
	e.mu.Unlock()
	if sock != nil {
		return sock.Close()
	}
	return nil
}
