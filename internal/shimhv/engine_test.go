// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package shimhv

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rina.dev/shim/internal/controller"
	"rina.dev/shim/internal/logging"
	"rina.dev/shim/internal/rinaaddr"
)

type recordingUserIPCP struct {
	mu        sync.Mutex
	name      rinaaddr.Name
	delivered [][]byte
}

func newRecordingUserIPCP(name rinaaddr.Name) *recordingUserIPCP { return &recordingUserIPCP{name: name} }

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
func (u *recordingUserIPCP) EnableWrite(int)              {}
func (u *recordingUserIPCP) NM1FlowStateChange(int, bool) {}

func (u *recordingUserIPCP) snapshot() [][]byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([][]byte, len(u.delivered))
	copy(out, u.delivered)
	return out
}

type recordingController struct {
	mu          sync.Mutex
	nextPortID  int
	users       map[string]controller.UserIPCP
	arrived     []arrivedEvent
	allocResult []allocResultEvent
	dealloc     []deallocEvent
}

type arrivedEvent struct {
	PortID              int
	LocalApp, RemoteApp rinaaddr.Name
}
type allocResultEvent struct {
	PortID int
	Result controller.AllocResult
}
type deallocEvent struct {
	PortID int
	Reason controller.DeallocReason
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
	c.arrived = append(c.arrived, arrivedEvent{portID, localApp, remoteApp})
	return nil
}
func (c *recordingController) NotifyFlowAllocResult(instanceID, portID int, result controller.AllocResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allocResult = append(c.allocResult, allocResultEvent{portID, result})
	return nil
}
func (c *recordingController) NotifyFlowDealloc(instanceID int, reason controller.DeallocReason, portID int, remote bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dealloc = append(c.dealloc, deallocEvent{portID, reason})
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
func (c *recordingController) snapshotDealloc() []deallocEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]deallocEvent, len(c.dealloc))
	copy(out, c.dealloc)
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

// newTestPair builds two Engines wired over an in-memory vsock-like
// transport pair (newPairTransport), bypassing the real AF_VSOCK dial/listen handshake.
func newTestPair(t *testing.T, ctrlA, ctrlB controller.Controller) (*Engine, *Engine) {
	t.Helper()
	ta, tb := newPairTransport()

	fa := NewFactory(func(uint32) (Transport, error) { return ta, nil }, nil, logging.Default())
	fb := NewFactory(func(uint32) (Transport, error) { return tb, nil }, nil, logging.Default())

	instA, err := fa.Create(nil, rinaaddr.Name{ProcessName: "hv-a"}, 1, ctrlA)
	require.NoError(t, err)
	instB, err := fb.Create(nil, rinaaddr.Name{ProcessName: "hv-b"}, 2, ctrlB)
	require.NoError(t, err)

	engA := instA.(*Engine)
	engB := instB.(*Engine)
	require.NoError(t, engA.AssignToDIF("test-dif", "shim-hv", map[string]string{"vmpi-id": "7"}))
	require.NoError(t, engB.AssignToDIF("test-dif", "shim-hv", map[string]string{"vmpi-id": "7"}))
	return engA, engB
}

func TestVMPIAllocateAndExchange(t *testing.T) {
	ctrlA := newRecordingController()
	ctrlB := newRecordingController()
	engA, engB := newTestPair(t, ctrlA, ctrlB)
	defer engA.Destroy()
	defer engB.Destroy()

	alpha := rinaaddr.Name{ProcessName: "alpha"}
	beta := rinaaddr.Name{ProcessName: "beta"}
	require.NoError(t, engA.ApplicationRegister(alpha, ""))
	require.NoError(t, engB.ApplicationRegister(beta, ""))
	userA := newRecordingUserIPCP(alpha)
	userB := newRecordingUserIPCP(beta)
	ctrlA.registerUser(userA)
	ctrlB.registerUser(userB)

	require.NoError(t, engA.FlowAllocateRequest(userA, alpha, beta, cube, 100))

	waitFor(t, func() bool { return len(ctrlB.snapshotArrived()) == 1 })
	arrived := ctrlB.snapshotArrived()[0]
	require.Equal(t, "alpha", arrived.RemoteApp.ProcessName)
	require.Equal(t, "beta", arrived.LocalApp.ProcessName)

	require.NoError(t, engB.FlowAllocateResponse(userB, arrived.PortID, controller.ResultAccept))
	waitFor(t, func() bool { return len(ctrlA.snapshotAllocResult()) == 1 })
	require.Equal(t, controller.ResultAccept, ctrlA.snapshotAllocResult()[0].Result)

	require.NoError(t, engA.DUWrite(100, []byte("hello over vmpi"), false))
	waitFor(t, func() bool { return len(userB.snapshot()) == 1 })
	require.Equal(t, []byte("hello over vmpi"), userB.snapshot()[0])
}

// TestVMPIBusyChannelRejectsAllocate implements spec §8 scenario 5:
// when every non-control channel is already occupied, a further
// ALLOCATE_REQ is answered with a reject instead of blocking forever.
func TestVMPIBusyChannelRejectsAllocate(t *testing.T) {
	ctrlA := newRecordingController()
	ctrlB := newRecordingController()
	engA, engB := newTestPair(t, ctrlA, ctrlB)
	defer engA.Destroy()
	defer engB.Destroy()

	alpha := rinaaddr.Name{ProcessName: "alpha"}
	beta := rinaaddr.Name{ProcessName: "beta"}
	require.NoError(t, engB.ApplicationRegister(beta, ""))
	userB := newRecordingUserIPCP(beta)
	ctrlB.registerUser(userB)

	// Directly occupy every data channel on B's side so the remote
	// allocate request finds none free (bypassing A's own reservation,
	// which would refuse to reuse a channel it already holds).
	engB.mu.Lock()
	for i := 1; i < NumChannels; i++ {
		engB.channels[i] = channelSlot{inUse: true, portID: 9000 + i}
	}
	engB.mu.Unlock()

	userA := newRecordingUserIPCP(alpha)
	ctrlA.registerUser(userA)
	require.NoError(t, engA.FlowAllocateRequest(userA, alpha, beta, cube, 200))

	waitFor(t, func() bool { return len(ctrlA.snapshotDealloc()) == 1 })
	require.Equal(t, controller.ReasonPeerRefused, ctrlA.snapshotDealloc()[0].Reason)
	require.Empty(t, ctrlB.snapshotArrived(), "a busy channel must not synthesize a flow arrival")
}
