// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rinaaddr

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGPARoundTrip(t *testing.T) {
	n := Name{ProcessName: "alpha", ProcessInstance: "1", EntityName: "shim-eth", EntityInstance: ""}
	gpa := EncodeGPA(n)
	got, err := DecodeGPA(gpa)
	require.NoError(t, err)
	require.Equal(t, n, got)
}

func TestDecodeGPAMalformed(t *testing.T) {
	_, err := DecodeGPA(GPA("not-enough-fields"))
	require.Error(t, err)
}

func TestGHAEqual(t *testing.T) {
	mac1, _ := net.ParseMAC("02:00:00:00:00:01")
	mac2, _ := net.ParseMAC("02:00:00:00:00:01")
	mac3, _ := net.ParseMAC("02:00:00:00:00:02")
	require.True(t, NewGHA(mac1).Equal(NewGHA(mac2)))
	require.False(t, NewGHA(mac1).Equal(NewGHA(mac3)))
}

func TestUnknownAppIsFixedLiteral(t *testing.T) {
	require.Equal(t, "Unknown app", UnknownApp.ProcessName)
}

func TestParseSpoofMAC(t *testing.T) {
	mac, err := ParseSpoofMAC("02:00:00:00:00:01")
	require.NoError(t, err)
	require.Equal(t, "02:00:00:00:00:01", mac.String())

	_, err = ParseSpoofMAC("not-a-mac")
	require.Error(t, err)
}
