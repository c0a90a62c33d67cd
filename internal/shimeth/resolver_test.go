// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package shimeth

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rina.dev/shim/internal/logging"
	"rina.dev/shim/internal/rinaaddr"
)

func TestResolverCacheHitIsSynchronous(t *testing.T) {
	r := NewResolver(func(net.HardwareAddr, []byte) {}, nil, logging.Default(), nil, "t")
	gpa := rinaaddr.EncodeGPA(rinaaddr.Name{ProcessName: "alpha"})
	mac := mustMAC(t, "02:00:00:00:00:01")
	r.Add(gpa, mac)

	var got net.HardwareAddr
	var ok bool
	r.Resolve(gpa, func(gha net.HardwareAddr, resolved bool) { got, ok = gha, resolved })
	require.True(t, ok)
	require.Equal(t, mac, got)
}

func TestResolverMissBroadcastsAndCoalesces(t *testing.T) {
	var mu sync.Mutex
	var sent int
	r := NewResolver(func(dest net.HardwareAddr, payload []byte) {
		mu.Lock()
		sent++
		mu.Unlock()
	}, nil, logging.Default(), nil, "t")
	gpa := rinaaddr.EncodeGPA(rinaaddr.Name{ProcessName: "beta"})

	done := make(chan struct{}, 2)
	r.Resolve(gpa, func(net.HardwareAddr, bool) { done <- struct{}{} })
	r.Resolve(gpa, func(net.HardwareAddr, bool) { done <- struct{}{} })

	mu.Lock()
	require.Equal(t, 1, sent)
	mu.Unlock()

	mac := mustMAC(t, "02:00:00:00:00:02")
	r.Add(gpa, mac)
	<-done
	<-done
}

func TestResolverFindGPAReverseLookup(t *testing.T) {
	r := NewResolver(func(net.HardwareAddr, []byte) {}, nil, logging.Default(), nil, "t")
	name := rinaaddr.Name{ProcessName: "gamma"}
	gpa := rinaaddr.EncodeGPA(name)
	mac := mustMAC(t, "02:00:00:00:00:03")
	r.Add(gpa, mac)

	found, ok := r.FindGPA(mac)
	require.True(t, ok)
	decoded, err := rinaaddr.DecodeGPA(found)
	require.NoError(t, err)
	require.Equal(t, name, decoded)

	_, ok = r.FindGPA(mustMAC(t, "02:00:00:00:00:09"))
	require.False(t, ok)
}

func TestResolverTimeoutReturnsNotOK(t *testing.T) {
	r := NewResolver(func(net.HardwareAddr, []byte) {}, nil, logging.Default(), nil, "t")
	r.timeout = 10 * time.Millisecond
	r.retries = 1
	gpa := rinaaddr.EncodeGPA(rinaaddr.Name{ProcessName: "nobody"})

	done := make(chan bool, 1)
	r.Resolve(gpa, func(_ net.HardwareAddr, ok bool) { done <- ok })

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("resolve callback never fired")
	}
}

func TestHandleFrameRequestLearnsRequester(t *testing.T) {
	var mu sync.Mutex
	var replies int
	localName := rinaaddr.Name{ProcessName: "local-app"}
	r := NewResolver(func(dest net.HardwareAddr, payload []byte) {
		mu.Lock()
		replies++
		mu.Unlock()
	}, func(net.HardwareAddr) (rinaaddr.GPA, bool) {
		return rinaaddr.EncodeGPA(localName), true
	}, logging.Default(), nil, "t")

	requesterMAC := mustMAC(t, "02:00:00:00:00:04")
	requesterGPA := rinaaddr.EncodeGPA(rinaaddr.Name{ProcessName: "requester"})
	frame := encodeResolveMessage(msgResolveRequest, requesterGPA, nil)

	r.HandleFrame(requesterMAC, frame)

	var got net.HardwareAddr
	var ok bool
	r.Resolve(requesterGPA, func(gha net.HardwareAddr, resolved bool) { got, ok = gha, resolved })
	require.True(t, ok)
	require.Equal(t, requesterMAC, got)
}
