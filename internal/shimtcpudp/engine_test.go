// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package shimtcpudp

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"rina.dev/shim/internal/controller"
	"rina.dev/shim/internal/logging"
	"rina.dev/shim/internal/rinaaddr"
	"rina.dev/shim/internal/shimmetrics"
)

// recordingUserIPCP is a controller.UserIPCP test double recording
// delivered SDUs, mirroring the shimeth package's test double.
type recordingUserIPCP struct {
	mu        sync.Mutex
	name      rinaaddr.Name
	delivered [][]byte
}

func newRecordingUserIPCP(name rinaaddr.Name) *recordingUserIPCP {
	return &recordingUserIPCP{name: name}
}

func (u *recordingUserIPCP) IPCPName() rinaaddr.Name     { return u.name }
func (u *recordingUserIPCP) FlowBindingIPCP(int) error   { return nil }
func (u *recordingUserIPCP) FlowUnbindingIPCP(int) error { return nil }
func (u *recordingUserIPCP) DUEnqueue(portID int, sdu []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	cp := make([]byte, len(sdu))
	copy(cp, sdu)
	u.delivered = append(u.delivered, cp)
	return nil
}
func (u *recordingUserIPCP) EnableWrite(int)          {}
func (u *recordingUserIPCP) NM1FlowStateChange(int, bool) {}

func (u *recordingUserIPCP) snapshot() [][]byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([][]byte, len(u.delivered))
	copy(out, u.delivered)
	return out
}

// recordingController is a controller.Controller test double, mirroring
// the one in shimeth's tests.
type recordingController struct {
	mu          sync.Mutex
	nextPortID  int
	users       map[string]controller.UserIPCP
	arrived     []arrivedEvent
	allocResult []allocResultEvent
	dealloc     []deallocEvent
}

type arrivedEvent struct {
	InstanceID, PortID  int
	DIFName             string
	LocalApp, RemoteApp rinaaddr.Name
	FlowSpec            controller.FlowSpec
}
type allocResultEvent struct {
	InstanceID, PortID int
	Result             controller.AllocResult
}
type deallocEvent struct {
	InstanceID, PortID int
	Reason             controller.DeallocReason
	Remote             bool
}

func newRecordingController() *recordingController {
	return &recordingController{nextPortID: 1, users: make(map[string]controller.UserIPCP)}
}

func (c *recordingController) registerUser(u controller.UserIPCP) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[u.IPCPName().String()] = u
}

func (c *recordingController) ReservePortID(instanceID int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextPortID
	c.nextPortID++
	return id, nil
}
func (c *recordingController) ReleasePortID(portID int) {}
func (c *recordingController) FindUserIPCPByName(name rinaaddr.Name) (controller.UserIPCP, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.users[name.String()], nil
}
func (c *recordingController) NotifyFlowArrived(instanceID, portID int, difName string, localApp, remoteApp rinaaddr.Name, fspec controller.FlowSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.arrived = append(c.arrived, arrivedEvent{instanceID, portID, difName, localApp, remoteApp, fspec})
	return nil
}
func (c *recordingController) NotifyFlowAllocResult(instanceID, portID int, result controller.AllocResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allocResult = append(c.allocResult, allocResultEvent{instanceID, portID, result})
	return nil
}
func (c *recordingController) NotifyFlowDealloc(instanceID int, reason controller.DeallocReason, portID int, remote bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dealloc = append(c.dealloc, deallocEvent{instanceID, portID, reason, remote})
	return nil
}
func (c *recordingController) snapshotArrived() []arrivedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]arrivedEvent, len(c.arrived))
	copy(out, c.arrived)
	return out
}
func (c *recordingController) snapshotAllocResult() []allocResultEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]allocResultEvent, len(c.allocResult))
	copy(out, c.allocResult)
	return out
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// encodeNewerSyntax renders fields in the shim's leading-colon,
// length-prefixed batch form (spec §4.4): ":len:field:len:field:...".
func encodeNewerSyntax(fields ...string) string {
	out := ":"
	for _, f := range fields {
		out += strconv.Itoa(len(f)) + ":" + f + ":"
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not satisfied before deadline")
}

// newTestEngine builds an Engine bound to 127.0.0.1 with a directory
// entry and expected-registration port for appName, its own
// process-wide SendQueue (tests never share one across engines), and
// ctrl as its controller.
func newTestEngine(t *testing.T, id int, ctrl controller.Controller, appName rinaaddr.Name, port int) *Engine {
	t.Helper()
	f := NewFactory(shimmetrics.New(), logging.Default())
	inst, err := f.Create(nil, rinaaddr.Name{ProcessName: fmt.Sprintf("tcpudp-test-%d", id)}, id, ctrl)
	require.NoError(t, err)
	eng := inst.(*Engine)

	expReg := encodeNewerSyntax(appName.ProcessName, strconv.Itoa(port))
	dirEntry := encodeNewerSyntax(appName.ProcessName, "127.0.0.1", strconv.Itoa(port))
	require.NoError(t, eng.AssignToDIF("test-dif", "shim-tcp-udp", map[string]string{
		"hostname": "127.0.0.1",
		"expReg":   expReg,
		"dirEntry": dirEntry,
	}))
	return eng
}

// TestTCPFramingToleratesSplitLengthAndPartialPayload implements spec
// §8 scenarios 3 and 4: the length prefix and payload each arrive
// split across multiple TCP reads, and a single complete SDU is still
// delivered.
func TestTCPFramingToleratesSplitLengthAndPartialPayload(t *testing.T) {
	port := freePort(t)
	ctrl := newRecordingController()
	alpha := rinaaddr.Name{ProcessName: "alpha"}
	eng := newTestEngine(t, 1, ctrl, alpha, port)
	defer eng.Destroy()

	require.NoError(t, eng.ApplicationRegister(alpha, ""))
	user := newRecordingUserIPCP(alpha)
	ctrl.registerUser(user)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()

	payload := []byte("hello, rina shim")
	lenBuf := make([]byte, lengthPrefixSize)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(payload)))

	_, err = conn.Write(lenBuf[:1]) // scenario 3: split length prefix
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = conn.Write(lenBuf[1:])
	require.NoError(t, err)

	_, err = conn.Write(payload[:4]) // scenario 4: split payload
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = conn.Write(payload[4:])
	require.NoError(t, err)

	waitFor(t, func() bool { return len(ctrl.snapshotArrived()) == 1 })
	portID := ctrl.snapshotArrived()[0].PortID
	require.NoError(t, eng.FlowAllocateResponse(user, portID, controller.ResultAccept))

	waitFor(t, func() bool { return len(user.snapshot()) == 1 })
	require.Equal(t, payload, user.snapshot()[0])
}

// TestTCPSDUSizeBoundary checks the reliable cube's buffer_size-2 bound
// (spec §4.4: buffer_size reserves 2 bytes for the length prefix).
func TestTCPSDUSizeBoundary(t *testing.T) {
	port := freePort(t)
	ctrl := newRecordingController()
	alpha := rinaaddr.Name{ProcessName: "alpha"}
	eng := newTestEngine(t, 1, ctrl, alpha, port)
	defer eng.Destroy()
	require.NoError(t, eng.ApplicationRegister(alpha, ""))
	user := newRecordingUserIPCP(alpha)
	ctrl.registerUser(user)

	portID := 500
	fspec := controller.FlowSpec{Ordered: true, Partial: false, MaxAllowableGap: 0}
	require.NoError(t, eng.FlowAllocateRequest(user, alpha, alpha, fspec, portID))
	waitFor(t, func() bool { return len(ctrl.snapshotAllocResult()) == 1 })

	require.NoError(t, eng.DUWrite(portID, make([]byte, BufferSize-lengthPrefixSize), false))
	err := eng.DUWrite(portID, make([]byte, BufferSize-lengthPrefixSize+1), false)
	require.Error(t, err)
}

// TestUDPSDUSizeBoundaryTruncates checks spec §4.4's UDP boundary: a
// datagram of exactly buffer_size is accepted, one byte larger is
// flagged as truncated via the drop metric.
func TestUDPSDUSizeBoundaryTruncates(t *testing.T) {
	port := freePort(t)
	ctrl := newRecordingController()
	alpha := rinaaddr.Name{ProcessName: "alpha"}
	eng := newTestEngine(t, 1, ctrl, alpha, port)
	defer eng.Destroy()
	require.NoError(t, eng.ApplicationRegister(alpha, ""))
	user := newRecordingUserIPCP(alpha)
	ctrl.registerUser(user)

	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(make([]byte, BufferSize))
	require.NoError(t, err)
	waitFor(t, func() bool { return len(ctrl.snapshotArrived()) == 1 })
	portID := ctrl.snapshotArrived()[0].PortID
	require.NoError(t, eng.FlowAllocateResponse(user, portID, controller.ResultAccept))
	waitFor(t, func() bool { return len(user.snapshot()) == 1 })
	require.Len(t, user.snapshot()[0], BufferSize)

	dropped := eng.metrics.SDUsDropped.WithLabelValues("tcpudp", fmt.Sprintf("%d", eng.ID), "udp_truncated")
	require.Zero(t, testutil.ToFloat64(dropped), "buffer_size datagram must not be flagged truncated")

	_, err = conn.Write(make([]byte, BufferSize+1))
	require.NoError(t, err)
	waitFor(t, func() bool { return len(user.snapshot()) == 2 })
	require.Len(t, user.snapshot()[1], BufferSize+1)
	require.Equal(t, float64(1), testutil.ToFloat64(dropped), "buffer_size+1 datagram must be flagged truncated")
}

// TestAtMostOnePendingFlowPerUDPPeer implements spec §8's UDP
// uniqueness property: two datagrams from the same remote address
// before any allocate_response must share one PENDING flow, not create two.
func TestAtMostOnePendingFlowPerUDPPeer(t *testing.T) {
	port := freePort(t)
	ctrl := newRecordingController()
	alpha := rinaaddr.Name{ProcessName: "alpha"}
	eng := newTestEngine(t, 1, ctrl, alpha, port)
	defer eng.Destroy()
	require.NoError(t, eng.ApplicationRegister(alpha, ""))
	user := newRecordingUserIPCP(alpha)
	ctrl.registerUser(user)

	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("first"))
	require.NoError(t, err)
	waitFor(t, func() bool { return len(ctrl.snapshotArrived()) == 1 })

	_, err = conn.Write([]byte("second"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	require.Len(t, ctrl.snapshotArrived(), 1, "second datagram from the same peer must not synthesize a second PENDING flow")
}
