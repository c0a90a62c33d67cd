// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package shimconfig

import (
	"testing"

	"github.com/stretchr/testify/require"

	"rina.dev/shim/internal/rerr"
)

func TestDecodeEthernetRequiresInterfaceName(t *testing.T) {
	_, err := DecodeEthernet(map[string]string{})
	require.Error(t, err)
	require.Equal(t, rerr.KindBadArgument, rerr.GetKind(err))
}

func TestDecodeEthernetDefaults(t *testing.T) {
	cfg, err := DecodeEthernet(map[string]string{"interface-name": "eth0"})
	require.NoError(t, err)
	require.Equal(t, "eth0", cfg.InterfaceName)
	require.False(t, cfg.VLANCompat)
	require.Empty(t, cfg.SpoofMAC)
}

func TestDecodeEthernetVLANCompatTrue(t *testing.T) {
	cfg, err := DecodeEthernet(map[string]string{"interface-name": "eth0", "vlan-compat": "true"})
	require.NoError(t, err)
	require.True(t, cfg.VLANCompat)
}

func TestDecodeHypervisorRequiresVMPIID(t *testing.T) {
	_, err := DecodeHypervisor(map[string]string{})
	require.Error(t, err)
}

func TestDecodeHypervisorParsesDecimal(t *testing.T) {
	cfg, err := DecodeHypervisor(map[string]string{"vmpi-id": "42"})
	require.NoError(t, err)
	require.Equal(t, uint32(42), cfg.VMPIID)
}

func TestDecodeHypervisorRejectsNonDecimal(t *testing.T) {
	_, err := DecodeHypervisor(map[string]string{"vmpi-id": "abc"})
	require.Error(t, err)
}

func TestDecodeTCPUDPRequiresHostname(t *testing.T) {
	_, err := DecodeTCPUDP(map[string]string{})
	require.Error(t, err)
	require.Equal(t, rerr.KindBadArgument, rerr.GetKind(err))
}

func TestDecodeTCPUDPPassesThroughRawBatches(t *testing.T) {
	cfg, err := DecodeTCPUDP(map[string]string{
		"hostname": "127.0.0.1",
		"dirEntry": "1:3:abc:9:127.0.0.1:4:5000",
		"expReg":   "1:3:abc:4:5000",
	})
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", cfg.Hostname)
	require.NotEmpty(t, cfg.DirEntry)
	require.NotEmpty(t, cfg.ExpReg)
}
