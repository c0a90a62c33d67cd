// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package shimeth

import (
	"fmt"
	"net"
	"strconv"

	"github.com/safchain/ethtool"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// NetDevice is the subset of a network device the Ethernet shim
// engine needs: the binding target for assign_to_dif and the source
// of MTU/MAC/up-down state for egress framing and backpressure.
type NetDevice interface {
	Name() string
	MTU() int
	HardwareAddr() net.HardwareAddr
	IsUp() bool
}

// DeviceResolver resolves the engine's configured interface name to a
// NetDevice, detects VLAN pseudo-devices (auto mode), and resolves a
// VLAN id to its pseudo-device (VLAN-compat mode) — spec §4.3 Binding.
type DeviceResolver interface {
	// Resolve looks up ifaceName as-is (auto mode).
	Resolve(ifaceName string) (NetDevice, error)
	// Physical returns the underlying physical device for a VLAN
	// pseudo-device, and ok=false if dev is not a VLAN device.
	Physical(dev NetDevice) (phys NetDevice, ok bool)
	// ByVLAN resolves "<parentIface>.<vlanID>" (VLAN-compat mode).
	ByVLAN(parentIface string, vlanID int) (NetDevice, error)
	// CarrierUp reports the physical device's link carrier state,
	// used by the netdev up/down notifier (spec §4.3).
	CarrierUp(dev NetDevice) bool
}

// netlinkDevice adapts a vishvananda/netlink Link to NetDevice.
type netlinkDevice struct {
	link netlink.Link
}

func (d *netlinkDevice) Name() string { return d.link.Attrs().Name }
func (d *netlinkDevice) MTU() int     { return d.link.Attrs().MTU }
func (d *netlinkDevice) HardwareAddr() net.HardwareAddr {
	return d.link.Attrs().HardwareAddr
}
func (d *netlinkDevice) IsUp() bool {
	return d.link.Attrs().Flags&unix.IFF_UP != 0
}

// NetlinkResolver is the production DeviceResolver, grounded on the
// teacher's internal/ctlplane/network_manager.go netlink.LinkByName
// idiom, supplemented with ethtool for carrier queries (the teacher's
// NewLinkManager/ethtool usage in the same package).
type NetlinkResolver struct {
	ethHandle *ethtool.Ethtool
}

// NewNetlinkResolver opens an ethtool handle for carrier queries. The
// handle is optional: if ethtool is unavailable (no CAP_NET_ADMIN, or
// running in a container without it), CarrierUp falls back to the
// netlink operational state.
func NewNetlinkResolver() (*NetlinkResolver, error) {
	h, err := ethtool.NewEthtool()
	if err != nil {
		return &NetlinkResolver{}, nil
	}
	return &NetlinkResolver{ethHandle: h}, nil
}

func (r *NetlinkResolver) Resolve(ifaceName string) (NetDevice, error) {
	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("shimeth: interface %q not found: %w", ifaceName, err)
	}
	return &netlinkDevice{link: link}, nil
}

func (r *NetlinkResolver) Physical(dev NetDevice) (NetDevice, bool) {
	nd, ok := dev.(*netlinkDevice)
	if !ok {
		return nil, false
	}
	vlan, ok := nd.link.(*netlink.Vlan)
	if !ok {
		return nil, false
	}
	parent, err := netlink.LinkByIndex(vlan.ParentIndex)
	if err != nil {
		return nil, false
	}
	return &netlinkDevice{link: parent}, true
}

func (r *NetlinkResolver) ByVLAN(parentIface string, vlanID int) (NetDevice, error) {
	name := fmt.Sprintf("%s.%d", parentIface, vlanID)
	return r.Resolve(name)
}

func (r *NetlinkResolver) CarrierUp(dev NetDevice) bool {
	nd, ok := dev.(*netlinkDevice)
	if !ok {
		return dev.IsUp()
	}
	if r.ethHandle != nil {
		if carrier, err := r.ethHandle.LinkState(nd.Name()); err == nil {
			return carrier != 0
		}
	}
	return nd.link.Attrs().OperState == netlink.OperUp
}

// VLANCompatID validates the VLAN id spec §4.3 requires for
// VLAN-compatibility mode: an unsigned decimal, 2 <= id <= 4094,
// excluding the reserved 0, 1, and 4095 values (spec §8 boundary tests).
func VLANCompatID(processInstance string) (int, bool) {
	n, err := strconv.ParseUint(processInstance, 10, 32)
	if err != nil {
		return 0, false
	}
	if n < 2 || n > 4094 {
		return 0, false
	}
	return int(n), true
}
