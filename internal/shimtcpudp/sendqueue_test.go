// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package shimtcpudp

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rina.dev/shim/internal/logging"
	"rina.dev/shim/internal/rerr"
)

// TestSendQueueBackpressure implements spec §8 scenario 6: once the
// process-wide send queue reaches SendWQMaxSize, Submit returns
// WouldBlock instead of growing without bound, and every registered
// drain callback fires once when depth drops back below that mark.
func TestSendQueueBackpressure(t *testing.T) {
	q := NewSendQueue(logging.Default(), nil)
	defer q.Close()

	unblock := make(chan struct{})
	var drained int32
	q.OnDrain(func() { atomic.AddInt32(&drained, 1) })

	// Occupy the worker so nothing drains while we fill the queue.
	started := make(chan struct{})
	require.NoError(t, q.Submit(func() error {
		close(started)
		<-unblock
		return nil
	}))
	<-started

	for i := 0; i < SendWQMaxSize; i++ {
		require.NoError(t, q.Submit(func() error { return nil }))
	}

	err := q.Submit(func() error { return nil })
	require.Error(t, err)
	require.Equal(t, rerr.KindWouldBlock, rerr.GetKind(err))

	close(unblock)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&drained) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSendQueueRejectsSubmitAfterClose(t *testing.T) {
	q := NewSendQueue(logging.Default(), nil)
	q.Close()
	err := q.Submit(func() error { return nil })
	require.Error(t, err)
	require.Equal(t, rerr.KindResource, rerr.GetKind(err))
}
