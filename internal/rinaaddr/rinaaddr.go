// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package rinaaddr implements the bi-directional translation between RINA
// application names (spec §3, a four-tuple) and the wire address
// abstractions consumed by the shim engines: GPA (generic protocol
// address) and GHA (generic hardware address).
package rinaaddr

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
)

// Name is a RINA application name: process name, process instance,
// entity name, entity instance. Instance fields are often empty.
type Name struct {
	ProcessName     string
	ProcessInstance string
	EntityName      string
	EntityInstance  string
}

const nameFieldSep = "|"

// String renders the name in the pipe-delimited form used across the
// shim engines' logs and synthesized source names.
func (n Name) String() string {
	return strings.Join([]string{n.ProcessName, n.ProcessInstance, n.EntityName, n.EntityInstance}, nameFieldSep)
}

// IsZero reports whether n has no process name, the only field that is
// mandatory for a name to identify anything.
func (n Name) IsZero() bool { return n.ProcessName == "" }

// UnknownApp is the fixed literal synthesized for remotely-initiated
// PENDING flows when no address mapping exists yet for the source (spec §4.2).
var UnknownApp = Name{ProcessName: "Unknown app"}

// GPA (Generic Protocol Address) is the wire encoding of a Name: an
// opaque byte string suitable for use as a resolver lookup key.
type GPA []byte

// EncodeGPA deterministically encodes a Name as a GPA.
func EncodeGPA(n Name) GPA {
	return GPA(n.String())
}

// DecodeGPA reverses EncodeGPA. It returns an error if the wire form
// does not carry exactly four pipe-delimited fields.
func DecodeGPA(g GPA) (Name, error) {
	parts := strings.Split(string(g), nameFieldSep)
	if len(parts) != 4 {
		return Name{}, fmt.Errorf("rinaaddr: malformed GPA %q", string(g))
	}
	return Name{
		ProcessName:     parts[0],
		ProcessInstance: parts[1],
		EntityName:      parts[2],
		EntityInstance:  parts[3],
	}, nil
}

// Equal reports whether two GPAs encode the same bytes.
func (g GPA) Equal(o GPA) bool { return bytes.Equal(g, o) }

// String renders the GPA as hex for logging (it is not guaranteed to be
// printable: callers needing the Name should DecodeGPA instead).
func (g GPA) String() string { return hex.EncodeToString(g) }

// HWType distinguishes the concrete representation carried by a GHA.
type HWType int

const (
	// HWTypeEther48 is a 48-bit Ethernet MAC address (Ethernet shim).
	HWTypeEther48 HWType = iota
)

// GHA (Generic Hardware Address) is the Ethernet shim's peer address:
// a hardware address tagged with its type, so that future hardware
// families can be added without breaking existing callers.
type GHA struct {
	Type HWType
	Addr net.HardwareAddr
}

// NewGHA builds a GHA over an Ethernet MAC.
func NewGHA(mac net.HardwareAddr) GHA {
	return GHA{Type: HWTypeEther48, Addr: append(net.HardwareAddr(nil), mac...)}
}

// Equal reports whether two GHAs carry the same type and address bytes.
func (g GHA) Equal(o GHA) bool {
	return g.Type == o.Type && bytes.Equal(g.Addr, o.Addr)
}

// String renders the GHA in colon-hex form, or "<nil>" if unset.
func (g GHA) String() string {
	if g.Addr == nil {
		return "<nil>"
	}
	return g.Addr.String()
}

// IsZero reports whether the GHA carries no address.
func (g GHA) IsZero() bool { return len(g.Addr) == 0 }

// ParseSpoofMAC parses the Ethernet shim's `spoof-mac` configuration
// value (standard colon-hex, e.g. "02:00:00:00:00:01").
func ParseSpoofMAC(s string) (net.HardwareAddr, error) {
	mac, err := net.ParseMAC(s)
	if err != nil {
		return nil, fmt.Errorf("rinaaddr: invalid spoof-mac %q: %w", s, err)
	}
	return mac, nil
}
