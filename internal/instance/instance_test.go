// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package instance

import (
	"testing"

	"github.com/stretchr/testify/require"

	"rina.dev/shim/internal/controller"
	"rina.dev/shim/internal/flow"
	"rina.dev/shim/internal/logging"
	"rina.dev/shim/internal/rerr"
	"rina.dev/shim/internal/rinaaddr"
)

type fakeApp struct {
	name   rinaaddr.Name
	closed bool
}

func (a *fakeApp) Name() rinaaddr.Name { return a.name }
func (a *fakeApp) Close() error        { a.closed = true; return nil }

func newTestBase() *Base {
	return NewBase(1, rinaaddr.Name{ProcessName: "test"}, controller.NewReference(), logging.WithComponent("test"))
}

func TestSetAppRejectsDuplicate(t *testing.T) {
	b := newTestBase()
	app := &fakeApp{name: rinaaddr.Name{ProcessName: "alpha"}}
	require.NoError(t, b.SetApp(app))
	err := b.SetApp(&fakeApp{name: rinaaddr.Name{ProcessName: "alpha"}})
	require.Error(t, err)
	require.Equal(t, rerr.KindNameConflict, rerr.GetKind(err))
}

func TestDestroyAllClosesAppsAndTearsDownFlows(t *testing.T) {
	b := newTestBase()
	app := &fakeApp{name: rinaaddr.Name{ProcessName: "alpha"}}
	require.NoError(t, b.SetApp(app))

	f := flow.NewPendingFlow(1, "peer", rinaaddr.Name{}, flow.TransportUnreliable)
	require.NoError(t, b.Flows.Insert(f))

	var tornDown []int
	b.DestroyAll(func(fl *flow.Flow) {
		fl.Lock()
		fl.TeardownLocked()
		fl.Unlock()
		tornDown = append(tornDown, fl.PortID)
	})

	require.True(t, app.closed)
	require.Equal(t, []int{1}, tornDown)
	require.Empty(t, b.Apps())
}
