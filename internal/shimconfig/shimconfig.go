// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package shimconfig decodes the configuration surfaces of spec §6.3:
// the per-shim-family keys passed to assign_to_dif/update_dif_config,
// and the on-disk HCL daemon configuration cmd/shimd loads to drive
// assign_to_dif calls in the first place. It follows the teacher's
// hashicorp/hcl/v2 + zclconf/go-cty decode idiom (internal/config/hcl.go).
package shimconfig

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"rina.dev/shim/internal/logging"
	"rina.dev/shim/internal/rerr"
)

// File is the top-level HCL schema for cmd/shimd's configuration file:
// a list of DIF assignments, each naming a shim factory and carrying
// that factory's engine-specific config as a free-form attribute map.
type File struct {
	DIFs []DIFBlock `hcl:"dif,block"`
}

// DIFBlock declares one assign_to_dif call.
type DIFBlock struct {
	Name        string            `hcl:"name,label"`
	ShimType    string            `hcl:"shim_type"`
	ProcessName string            `hcl:"process_name"`
	IPCPID      int               `hcl:"ipcp_id"`
	Config      map[string]string `hcl:"config,optional"`
}

// LoadFile parses path as HCL into a File.
func LoadFile(path string) (*File, error) {
	var f File
	if err := hclsimple.DecodeFile(path, nil, &f); err != nil {
		return nil, rerr.Wrapf(err, rerr.KindBadArgument, "failed to parse shim config %s", path)
	}
	return &f, nil
}

// logUnknownKeys logs and ignores any key in cfg not present in known
// (spec §6.3: "Unknown configuration keys are logged and ignored").
func logUnknownKeys(component string, cfg map[string]string, known map[string]bool) {
	logger := logging.WithComponent(component)
	for k := range cfg {
		if !known[k] {
			logger.Warn("ignoring unknown configuration key", "key", k)
		}
	}
}

// ctyBool converts a string config value to bool via go-cty, so type
// coercion for the few non-string config keys goes through the same
// conversion machinery the daemon's HCL loader uses, instead of a
// second hand-rolled parser.
func ctyBool(s string, fallback bool) bool {
	if s == "" {
		return fallback
	}
	v, err := convert.Convert(cty.StringVal(s), cty.Bool)
	if err != nil {
		return fallback
	}
	return v.True()
}

func ctyUint(s string) (uint32, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("not an unsigned decimal: %w", err)
	}
	return uint32(n), nil
}

// EthernetConfig is the decoded form of spec §6.3's Ethernet shim keys.
type EthernetConfig struct {
	InterfaceName string // required
	SpoofMAC      string // optional, colon-hex
	VLANCompat    bool   // optional, defaults to auto (false) per §9 redesign note
}

// DecodeEthernet decodes the Ethernet shim's assign_to_dif config map.
func DecodeEthernet(cfg map[string]string) (EthernetConfig, error) {
	known := map[string]bool{"interface-name": true, "spoof-mac": true, "vlan-compat": true}
	logUnknownKeys("shimeth", cfg, known)

	iface, ok := cfg["interface-name"]
	if !ok || iface == "" {
		return EthernetConfig{}, rerr.New(rerr.KindBadArgument, "interface-name is required")
	}
	return EthernetConfig{
		InterfaceName: iface,
		SpoofMAC:      cfg["spoof-mac"],
		VLANCompat:    ctyBool(cfg["vlan-compat"], false),
	}, nil
}

// HypervisorConfig is the decoded form of spec §6.3's hypervisor shim keys.
type HypervisorConfig struct {
	VMPIID uint32
}

// DecodeHypervisor decodes the hypervisor shim's assign_to_dif config map.
func DecodeHypervisor(cfg map[string]string) (HypervisorConfig, error) {
	known := map[string]bool{"vmpi-id": true}
	logUnknownKeys("shimhv", cfg, known)

	raw, ok := cfg["vmpi-id"]
	if !ok {
		return HypervisorConfig{}, rerr.New(rerr.KindBadArgument, "vmpi-id is required")
	}
	id, err := ctyUint(raw)
	if err != nil {
		return HypervisorConfig{}, rerr.Wrap(err, rerr.KindBadArgument, "vmpi-id must be an unsigned decimal")
	}
	return HypervisorConfig{VMPIID: id}, nil
}

// TCPUDPConfig is the decoded form of spec §6.3's TCP/UDP shim keys.
// dirEntry/expReg are left as raw config strings: their own
// length-prefixed batch syntax (spec §4.4) is parsed by shimtcpudp
// itself, which owns that format.
type TCPUDPConfig struct {
	Hostname string // required
	DirEntry string // optional, raw batch syntax
	ExpReg   string // optional, raw batch syntax
}

// DecodeTCPUDP decodes the TCP/UDP shim's assign_to_dif config map.
func DecodeTCPUDP(cfg map[string]string) (TCPUDPConfig, error) {
	known := map[string]bool{"hostname": true, "dirEntry": true, "expReg": true}
	logUnknownKeys("shimtcpudp", cfg, known)

	host, ok := cfg["hostname"]
	if !ok || host == "" {
		return TCPUDPConfig{}, rerr.New(rerr.KindBadArgument, "hostname is required")
	}
	return TCPUDPConfig{Hostname: host, DirEntry: cfg["dirEntry"], ExpReg: cfg["expReg"]}, nil
}

// Diagnostics is the shared hcl.Diagnostics alias used when a caller
// wants to report parse errors with source positions (daemon config
// loading only — per-instance config maps have no source positions).
type Diagnostics = hcl.Diagnostics
