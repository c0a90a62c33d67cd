// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package shimeth

import (
	"fmt"
	"net"
)

// fakeDevice is an in-memory NetDevice for tests that cannot bind raw
// sockets or netlink links (no root, no real NICs in CI).
type fakeDevice struct {
	name   string
	mtu    int
	mac    net.HardwareAddr
	up     bool
	parent *fakeDevice // non-nil if this is a VLAN pseudo-device
}

func (d *fakeDevice) Name() string                 { return d.name }
func (d *fakeDevice) MTU() int                      { return d.mtu }
func (d *fakeDevice) HardwareAddr() net.HardwareAddr { return d.mac }
func (d *fakeDevice) IsUp() bool                    { return d.up }

// FakeDeviceResolver is a DeviceResolver test double backed by an
// in-memory interface table, keeping a separate "physical" device for
// VLAN pseudo-devices the way a real netlink VLAN link does.
type FakeDeviceResolver struct {
	devices map[string]*fakeDevice
	carrier map[string]bool
}

// NewFakeDeviceResolver creates an empty resolver.
func NewFakeDeviceResolver() *FakeDeviceResolver {
	return &FakeDeviceResolver{devices: make(map[string]*fakeDevice), carrier: make(map[string]bool)}
}

// AddDevice registers a physical device.
func (r *FakeDeviceResolver) AddDevice(name string, mtu int, mac net.HardwareAddr, up bool) {
	r.devices[name] = &fakeDevice{name: name, mtu: mtu, mac: mac, up: up}
	r.carrier[name] = up
}

// AddVLAN registers name.vlanID as a VLAN pseudo-device of the already-added parent device name.
func (r *FakeDeviceResolver) AddVLAN(parent string, vlanID int, mac net.HardwareAddr, up bool) *fakeDevice {
	p := r.devices[parent]
	vlanName := fmt.Sprintf("%s.%d", parent, vlanID)
	dev := &fakeDevice{name: vlanName, mtu: p.mtu, mac: mac, up: up, parent: p}
	r.devices[vlanName] = dev
	return dev
}

// SetCarrier overrides the carrier state reported by CarrierUp, independent of IsUp.
func (r *FakeDeviceResolver) SetCarrier(name string, up bool) { r.carrier[name] = up }

func (r *FakeDeviceResolver) Resolve(ifaceName string) (NetDevice, error) {
	d, ok := r.devices[ifaceName]
	if !ok {
		return nil, fmt.Errorf("shimeth: interface %q not found", ifaceName)
	}
	return d, nil
}

func (r *FakeDeviceResolver) Physical(dev NetDevice) (NetDevice, bool) {
	fd, ok := dev.(*fakeDevice)
	if !ok || fd.parent == nil {
		return nil, false
	}
	return fd.parent, true
}

func (r *FakeDeviceResolver) ByVLAN(parentIface string, vlanID int) (NetDevice, error) {
	return r.Resolve(fmt.Sprintf("%s.%d", parentIface, vlanID))
}

func (r *FakeDeviceResolver) CarrierUp(dev NetDevice) bool {
	return r.carrier[dev.Name()]
}
