// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package shimtcpudp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"rina.dev/shim/internal/rinaaddr"
)

func TestParseDirEntryConfigLegacySyntax(t *testing.T) {
	// "1" record, fields: name="abc" (3), ip="127.0.0.1" (9), port="5000" (4)
	entries, err := ParseDirEntryConfig("1:3:abc:9:127.0.0.1:4:5000")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "abc", entries[0].App.ProcessName)
	require.Equal(t, "127.0.0.1", entries[0].Addr.String())
	require.Equal(t, 5000, entries[0].Port)
}

func TestParseDirEntryConfigNewerSyntax(t *testing.T) {
	entries, err := ParseDirEntryConfig(":3:abc:9:127.0.0.1:4:5000")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "abc", entries[0].App.ProcessName)
}

func TestParseDirEntryConfigNullAddrRemoves(t *testing.T) {
	entries, err := ParseDirEntryConfig(":3:abc:0::4:5000")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Nil(t, entries[0].Addr)
}

func TestDirectoryApplyIsIdempotentAndRemovable(t *testing.T) {
	d := NewDirectory()
	app := rinaaddr.Name{ProcessName: "abc"}
	entries, err := ParseDirEntryConfig("1:3:abc:9:127.0.0.1:4:5000")
	require.NoError(t, err)
	d.ApplyDirEntry(entries[0])
	d.ApplyDirEntry(entries[0])

	got, ok := d.Lookup(app)
	require.True(t, ok)
	require.Equal(t, 5000, got.Port)

	d.ApplyDirEntry(DirectoryEntry{App: app, Addr: nil})
	_, ok = d.Lookup(app)
	require.False(t, ok)
}

func TestParseExpRegConfig(t *testing.T) {
	regs, err := ParseExpRegConfig("1:3:abc:4:5000")
	require.NoError(t, err)
	require.Len(t, regs, 1)
	require.Equal(t, "abc", regs[0].App.ProcessName)
	require.Equal(t, 5000, regs[0].Port)
}

func TestParseDirEntryConfigRejectsBadFieldCount(t *testing.T) {
	_, err := ParseDirEntryConfig("1:3:abc")
	require.Error(t, err)
}
