// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package shimhv

import (
	"fmt"
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

// cube is the hypervisor shim's single QoS cube: reliable, ordered,
// in-order VMPI delivery (spec §4.5 — unlike Ethernet/TCP-UDP it does
// not offer a choice of cubes).
var cube = controller.FlowSpec{MaxAllowableGap: 0, Ordered: true, Partial: false, MaxSDUSize: MaxMessageSize}

// TransportOpener abstracts establishing the VMPI connection for a
// vmpi-id, so tests can substitute the in-memory pair from newPairTransport instead
// of a real vsock connection.
type TransportOpener func(vmpiID uint32) (Transport, error)

// OpenVsockTransport is the production TransportOpener: it uses the
// vmpi-id as the vsock port and accepts one inbound connection on it
// (the host side; see ListenVsock).
func OpenVsockTransport(vmpiID uint32) (Transport, error) {
	return ListenVsock(vmpiID)
}

// Factory is the Ops implementation for the hypervisor shim.
type Factory struct {
	open    TransportOpener
	metrics *shimmetrics.Metrics
	logger  *logging.Logger
}

func NewFactory(open TransportOpener, metrics *shimmetrics.Metrics, logger *logging.Logger) *Factory {
	return &Factory{open: open, metrics: metrics, logger: logger}
}

func (f *Factory) Init(any) error { return nil }
func (f *Factory) Fini(any) error { return nil }

func (f *Factory) Create(_ any, processName rinaaddr.Name, id int, ctrl controller.Controller) (registry.Instance, error) {
	logger := f.logger.WithComponent("shimhv").With("ipcp_id", id)
	return &Engine{
		Base:    instance.NewBase(id, processName, ctrl, logger),
		open:    f.open,
		metrics: f.metrics,
		logger:  logger,
		wq:      dispatch.New(fmt.Sprintf("shimhv-%d", id), logger),
	}, nil
}

// channelSlot is one entry of the fixed 64-channel VMPI array.
type channelSlot struct {
	inUse  bool
	portID int
}

// Engine is one hypervisor shim IPCPInstance (spec §3, §4.5).
type Engine struct {
	*instance.Base

	open    TransportOpener
	metrics *shimmetrics.Metrics
	logger  *logging.Logger
	wq      *dispatch.WorkQueue

	mu              sync.Mutex
	transport       Transport
	difName         string
	vmpiID          uint32
	channels        [NumChannels]channelSlot
	portByCh        map[int]uint32                   // port-id -> channel, the inverse of channels[]
	pendingUserIPCP map[int]controller.UserIPCP // port-id -> requester, until the peer's ALLOCATE_RESP arrives
}

func (e *Engine) IPCPName() rinaaddr.Name { return e.ProcessName }
func (e *Engine) DIFName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.difName
}
func (e *Engine) IPCPID() int     { return e.ID }
func (e *Engine) MaxSDUSize() int { return MaxMessageSize }

func (e *Engine) AssignToDIF(difName, shimType string, config map[string]string) error {
	cfg, err := shimconfig.DecodeHypervisor(config)
	if err != nil {
		return err
	}
	transport, err := e.open(cfg.VMPIID)
	if err != nil {
		return rerr.Wrap(err, rerr.KindResource, "opening vmpi transport")
	}

	e.mu.Lock()
	e.transport = transport
	e.difName = difName
	e.vmpiID = cfg.VMPIID
	e.portByCh = make(map[int]uint32)
	e.pendingUserIPCP = make(map[int]controller.UserIPCP)
	e.mu.Unlock()

	transport.SetReceiver(e.handleIngressFrame)
	return nil
}

// UpdateDIFConfig re-reads the DIF-level config but does not reopen the
// VMPI transport: the vmpi-id names the channel array already bound at
// AssignToDIF time, and re-dialing it mid-flight would orphan every
// ALLOCATED flow's channel reservation.
func (e *Engine) UpdateDIFConfig(config map[string]string) error {
	cfg, err := shimconfig.DecodeHypervisor(config)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg.VMPIID != e.vmpiID {
		return rerr.Errorf(rerr.KindBadArgument, "vmpi-id cannot change after assign_to_dif (have %d, got %d)", e.vmpiID, cfg.VMPIID)
	}
	return nil
}

func (e *Engine) ApplicationRegister(appName rinaaddr.Name, dafName string) error {
	return e.SetApp(&hvApp{name: appName})
}

type hvApp struct{ name rinaaddr.Name }

func (a *hvApp) Name() rinaaddr.Name { return a.name }
func (a *hvApp) Close() error        { return nil }

func (e *Engine) ApplicationUnregister(appName rinaaddr.Name) error {
	_, ok := e.RemoveApp(appName)
	if !ok {
		return rerr.Errorf(rerr.KindNotFound, "application %s not registered", appName)
	}
	return nil
}

// reserveChannel implements spec §4.5's linear scan for a free channel
// in [1, NumChannels), skipping the reserved control channel 0.
func (e *Engine) reserveChannel(portID int) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := 1; i < NumChannels; i++ {
		if !e.channels[i].inUse {
			e.channels[i] = channelSlot{inUse: true, portID: portID}
			e.portByCh[portID] = uint32(i)
			return uint32(i), nil
		}
	}
	return 0, rerr.New(rerr.KindResource, "no free vmpi channel")
}

func (e *Engine) releaseChannel(channel uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	portID := e.channels[channel].portID
	e.channels[channel] = channelSlot{}
	delete(e.portByCh, portID)
}

// FlowAllocateRequest implements spec §4.2 allocate_request over VMPI:
// reserve a free channel, send CMD_ALLOCATE_REQ on ControlChannel, and
// wait for the peer's CMD_ALLOCATE_RESP to arrive on the ingress path.
func (e *Engine) FlowAllocateRequest(userIPCP controller.UserIPCP, source, dest rinaaddr.Name, fspec controller.FlowSpec, portID int) error {
	channel, err := e.reserveChannel(portID)
	if err != nil {
		return err
	}

	fl := flow.NewPendingFlow(portID, channel, dest, flow.TransportReliable)
	if err := e.Flows.Insert(fl); err != nil {
		e.releaseChannel(channel)
		return err
	}

	e.mu.Lock()
	transport := e.transport
	e.pendingUserIPCP[portID] = userIPCP
	e.mu.Unlock()
	if err := transport.Send(ControlChannel, EncodeAllocateReq(channel, source.String(), dest.String())); err != nil {
		e.mu.Lock()
		delete(e.pendingUserIPCP, portID)
		e.mu.Unlock()
		e.Flows.Remove(portID)
		e.releaseChannel(channel)
		return rerr.Wrap(err, rerr.KindTransient, "sending ALLOCATE_REQ")
	}
	return nil
}

// FlowAllocateResponse implements spec §4.2 allocate_response: send our
// own CMD_ALLOCATE_RESP back on ControlChannel, activating locally on accept.
func (e *Engine) FlowAllocateResponse(userIPCP controller.UserIPCP, portID int, result controller.AllocResult) error {
	fl := e.Flows.Get(portID)
	if fl == nil {
		return rerr.Errorf(rerr.KindNotFound, "no flow for port-id %d", portID)
	}
	fl.Lock()
	if fl.StateLocked() != flow.StatePending {
		fl.Unlock()
		return rerr.Errorf(rerr.KindWrongState, "allocate_response on non-PENDING flow %d", portID)
	}
	channel := fl.PeerKey.(uint32)
	fl.Unlock()

	e.mu.Lock()
	transport := e.transport
	e.mu.Unlock()

	resp := AllocateAccept
	if result == controller.ResultReject {
		resp = AllocateReject
	}
	if err := transport.Send(ControlChannel, EncodeAllocateResp(channel, resp)); err != nil {
		return rerr.Wrap(err, rerr.KindTransient, "sending ALLOCATE_RESP")
	}

	fl.Lock()
	defer fl.Unlock()
	if result == controller.ResultReject {
		fl.RejectToNullStubLocked()
		e.releaseChannel(channel)
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
	channel, _ := fl.PeerKey.(uint32)
	fl.TeardownLocked()
	fl.Unlock()

	e.mu.Lock()
	transport := e.transport
	delete(e.pendingUserIPCP, portID)
	e.mu.Unlock()
	_ = transport.Send(ControlChannel, EncodeDeallocate(channel))
	e.releaseChannel(channel)
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

// DUWrite implements egress over the flow's reserved channel (spec §4.5).
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
	channel := fl.PeerKey.(uint32)
	fl.Unlock()

	if len(sdu) > MaxMessageSize {
		return rerr.Errorf(rerr.KindBadArgument, "sdu length %d exceeds vmpi message bound %d", len(sdu), MaxMessageSize)
	}

	e.mu.Lock()
	transport := e.transport
	e.mu.Unlock()
	if err := transport.Send(channel, sdu); err != nil {
		if e.metrics != nil {
			e.metrics.TxBusyTotal.WithLabelValues(fmt.Sprintf("%d", e.ID)).Inc()
		}
		return rerr.Wrap(err, rerr.KindWouldBlock, "vmpi channel write failed")
	}
	if e.metrics != nil {
		e.metrics.SDUsEnqueued.WithLabelValues("hypervisor", fmt.Sprintf("%d", e.ID)).Inc()
	}
	return nil
}

// handleIngressFrame is the transport receive callback (spec §4.5
// Ingress). Control-channel frames and (copied) data frames are both
// deferred to the work queue, off the transport's read goroutine.
func (e *Engine) handleIngressFrame(f Frame) {
	if f.Channel == ControlChannel {
		e.wq.Submit(func() { e.handleControlFrame(f.Payload) })
		return
	}
	payload := make([]byte, len(f.Payload))
	copy(payload, f.Payload)
	e.wq.Submit(func() { e.ingressDataFrame(f.Channel, payload) })
}

func (e *Engine) handleControlFrame(payload []byte) {
	if len(payload) == 0 {
		return
	}
	switch payload[0] {
	case CmdAllocateReq:
		e.handleAllocateReq(payload)
	case CmdAllocateResp:
		e.handleAllocateResp(payload)
	case CmdDeallocate:
		e.handleDeallocate(payload)
	default:
		e.logger.Warn("unrecognized vmpi control command", "cmd", payload[0])
	}
}

// handleAllocateReq implements the remotely-initiated arrival side of
// spec §4.2: the peer has already chosen (and reserved on its own side)
// a channel number; we record the same channel locally and synthesize
// a PENDING flow for the controller to accept or reject.
func (e *Engine) handleAllocateReq(payload []byte) {
	channel, srcStr, dstStr, err := DecodeAllocateReq(payload)
	if err != nil {
		e.logger.WithError(err).Warn("malformed ALLOCATE_REQ")
		return
	}
	if channel == ControlChannel || channel >= NumChannels {
		return
	}

	e.mu.Lock()
	busy := e.channels[channel].inUse
	transport := e.transport
	e.mu.Unlock()
	if busy {
		// spec §8 scenario 5: the requested channel is already occupied.
		_ = transport.Send(ControlChannel, EncodeAllocateResp(channel, AllocateReject))
		return
	}

	portID, err := e.Ctrl.ReservePortID(e.ID)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.channels[channel] = channelSlot{inUse: true, portID: portID}
	e.portByCh[portID] = channel
	dif := e.difName
	e.mu.Unlock()

	remote, err := rinaaddr.DecodeGPA(rinaaddr.GPA(srcStr))
	if err != nil {
		remote = rinaaddr.Name{ProcessName: srcStr}
	}
	local, err := rinaaddr.DecodeGPA(rinaaddr.GPA(dstStr))
	if err != nil {
		local = rinaaddr.Name{ProcessName: dstStr}
	}
	fl := flow.NewPendingFlow(portID, channel, remote, flow.TransportReliable)
	if err := e.Flows.Insert(fl); err != nil {
		e.releaseChannel(channel)
		return
	}
	if err := e.Ctrl.NotifyFlowArrived(e.ID, portID, dif, local, remote, cube); err != nil {
		e.logger.WithError(err).Warn("controller rejected vmpi flow arrival")
	}
}

func (e *Engine) handleAllocateResp(payload []byte) {
	channel, response, err := DecodeAllocateResp(payload)
	if err != nil {
		e.logger.WithError(err).Warn("malformed ALLOCATE_RESP")
		return
	}
	e.mu.Lock()
	portID := e.channels[channel].portID
	e.mu.Unlock()

	fl := e.Flows.Get(portID)
	if fl == nil {
		return
	}

	e.mu.Lock()
	userIPCP := e.pendingUserIPCP[portID]
	delete(e.pendingUserIPCP, portID)
	e.mu.Unlock()

	fl.Lock()
	if fl.StateLocked() != flow.StatePending {
		fl.Unlock()
		return
	}
	if response != AllocateAccept {
		fl.TeardownLocked()
		fl.Unlock()
		e.Flows.Remove(portID)
		e.releaseChannel(channel)
		e.Ctrl.ReleasePortID(portID)
		_ = e.Ctrl.NotifyFlowDealloc(e.ID, controller.ReasonPeerRefused, portID, true)
		return
	}
	err = fl.BindAndActivateLocked(userIPCP)
	fl.Unlock()
	if err != nil {
		e.logger.WithError(err).Warn("binding vmpi flow after peer accept")
		return
	}
	_ = e.Ctrl.NotifyFlowAllocResult(e.ID, portID, controller.ResultAccept)
}

func (e *Engine) handleDeallocate(payload []byte) {
	channel, err := DecodeDeallocate(payload)
	if err != nil {
		e.logger.WithError(err).Warn("malformed DEALLOCATE")
		return
	}
	e.mu.Lock()
	portID := e.channels[channel].portID
	delete(e.pendingUserIPCP, portID)
	e.mu.Unlock()
	fl := e.Flows.Remove(portID)
	e.releaseChannel(channel)
	if fl == nil {
		return
	}
	fl.Lock()
	fl.TeardownLocked()
	fl.Unlock()
	e.Ctrl.ReleasePortID(portID)
	_ = e.Ctrl.NotifyFlowDealloc(e.ID, controller.ReasonRemoteRelease, portID, true)
}

func (e *Engine) ingressDataFrame(channel uint32, sdu []byte) {
	e.mu.Lock()
	portID := e.channels[channel].portID
	inUse := e.channels[channel].inUse
	e.mu.Unlock()
	if !inUse {
		return
	}
	fl := e.Flows.Get(portID)
	if fl == nil {
		return
	}
	fl.Lock()
	defer fl.Unlock()
	switch fl.StateLocked() {
	case flow.StateAllocated:
		if err := fl.DeliverLocked(flow.SDU(sdu)); err != nil {
			e.logger.WithError(err).Warn("du_enqueue failed on vmpi ingress")
		}
	case flow.StatePending:
		_ = fl.EnqueueLocked(flow.SDU(sdu))
	}
}

func (e *Engine) Destroy() error {
	e.wq.Close()
	e.DestroyAll(func(fl *flow.Flow) {
		fl.Lock()
		if channel, ok := fl.PeerKey.(uint32); ok {
			e.releaseChannel(channel)
		}
		fl.TeardownLocked()
		fl.Unlock()
	})
	e.mu.Lock()
	transport := e.transport
	e.mu.Unlock()
	if transport != nil {
		return transport.Close()
	}
	return nil
}
