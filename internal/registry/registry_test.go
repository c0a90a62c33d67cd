// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"rina.dev/shim/internal/controller"
	"rina.dev/shim/internal/rerr"
	"rina.dev/shim/internal/rinaaddr"
)

type fakeInstance struct {
	name       rinaaddr.Name
	destroyed  bool
}

func (f *fakeInstance) IPCPName() rinaaddr.Name { return f.name }
func (f *fakeInstance) DIFName() string         { return "" }
func (f *fakeInstance) IPCPID() int             { return 0 }
func (f *fakeInstance) MaxSDUSize() int         { return 1500 }
func (f *fakeInstance) FlowAllocateRequest(controller.UserIPCP, rinaaddr.Name, rinaaddr.Name, controller.FlowSpec, int) error {
	return nil
}
func (f *fakeInstance) FlowAllocateResponse(controller.UserIPCP, int, controller.AllocResult) error {
	return nil
}
func (f *fakeInstance) FlowDeallocate(int) error            { return nil }
func (f *fakeInstance) FlowUnbindingUserIPCP(int) error     { return nil }
func (f *fakeInstance) ApplicationRegister(rinaaddr.Name, string) error { return nil }
func (f *fakeInstance) ApplicationUnregister(rinaaddr.Name) error       { return nil }
func (f *fakeInstance) AssignToDIF(string, string, map[string]string) error { return nil }
func (f *fakeInstance) UpdateDIFConfig(map[string]string) error            { return nil }
func (f *fakeInstance) DUWrite(int, []byte, bool) error                    { return nil }
func (f *fakeInstance) Destroy() error                                     { f.destroyed = true; return nil }

type fakeOps struct {
	inited, finied int
}

func (o *fakeOps) Init(data any) error { o.inited++; return nil }
func (o *fakeOps) Fini(data any) error { o.finied++; return nil }
func (o *fakeOps) Create(data any, name rinaaddr.Name, id int, ctrl controller.Controller) (Instance, error) {
	return &fakeInstance{name: name}, nil
}

func TestRegisterFindCreateDestroy(t *testing.T) {
	r := New()
	ops := &fakeOps{}
	h, err := r.Register("shim-fake", nil, ops)
	require.NoError(t, err)
	require.Equal(t, 1, ops.inited)

	found, ok := r.Find("shim-fake")
	require.True(t, ok)
	require.Same(t, h, found)

	inst, err := r.Create(h, rinaaddr.Name{ProcessName: "app"}, 1, controller.NewReference())
	require.NoError(t, err)

	require.NoError(t, r.Destroy(h, inst))
	require.True(t, inst.(*fakeInstance).destroyed)
}

func TestRegisterDuplicateNameConflict(t *testing.T) {
	r := New()
	ops := &fakeOps{}
	_, err := r.Register("dup", nil, ops)
	require.NoError(t, err)
	_, err = r.Register("dup", nil, ops)
	require.Error(t, err)
	require.Equal(t, rerr.KindNameConflict, rerr.GetKind(err))
}

func TestUnregisterFailsWithLiveInstances(t *testing.T) {
	r := New()
	ops := &fakeOps{}
	h, err := r.Register("shim-fake", nil, ops)
	require.NoError(t, err)
	_, err = r.Create(h, rinaaddr.Name{ProcessName: "app"}, 1, controller.NewReference())
	require.NoError(t, err)

	err = r.Unregister(h)
	require.Error(t, err)
	require.Equal(t, rerr.KindWrongState, rerr.GetKind(err))
}

func TestUnregisterSucceedsAfterInstancesDestroyed(t *testing.T) {
	r := New()
	ops := &fakeOps{}
	h, err := r.Register("shim-fake", nil, ops)
	require.NoError(t, err)
	inst, err := r.Create(h, rinaaddr.Name{ProcessName: "app"}, 1, controller.NewReference())
	require.NoError(t, err)
	require.NoError(t, r.Destroy(h, inst))

	require.NoError(t, r.Unregister(h))
	require.Equal(t, 1, ops.finied)

	_, ok := r.Find("shim-fake")
	require.False(t, ok)
}
