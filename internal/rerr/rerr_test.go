// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAndKind(t *testing.T) {
	err := New(KindWouldBlock, "queue full")
	require.Equal(t, KindWouldBlock, GetKind(err))
	require.Equal(t, "queue full", err.Error())
}

func TestWrapPreservesChain(t *testing.T) {
	base := errors.New("connect refused")
	err := Wrap(base, KindTransient, "tcp connect failed")
	require.Equal(t, KindTransient, GetKind(err))
	require.ErrorIs(t, err, base)
	require.Contains(t, err.Error(), "connect refused")
}

func TestWrapNil(t *testing.T) {
	require.Nil(t, Wrap(nil, KindResource, "x"))
	require.Nil(t, Wrapf(nil, KindResource, "x %d", 1))
	require.Nil(t, Attr(nil, "k", "v"))
}

func TestAttrAccumulates(t *testing.T) {
	err := New(KindNotFound, "no flow")
	err = Attr(err, "port_id", 7)
	err = Attr(err, "instance", "eth0")
	attrs := GetAttributes(err)
	require.Equal(t, 7, attrs["port_id"])
	require.Equal(t, "eth0", attrs["instance"])
}

func TestGetKindUnknownForPlainError(t *testing.T) {
	require.Equal(t, KindUnknown, GetKind(errors.New("plain")))
}

func TestKindString(t *testing.T) {
	require.Equal(t, "would_block", KindWouldBlock.String())
	require.Equal(t, "peer_refused", KindPeerRefused.String())
	require.Equal(t, "unknown", Kind(99).String())
}
