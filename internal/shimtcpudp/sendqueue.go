// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package shimtcpudp

import (
	"sync"

	"rina.dev/shim/internal/logging"
	"rina.dev/shim/internal/rerr"
	"rina.dev/shim/internal/shimmetrics"
)

// SendWQMaxSize is the bounded send work queue's high-water mark (spec
// §4.4 "Bounded send queue", SEND_WQ_MAX_SIZE).
const SendWQMaxSize = 1000

// sendJob is one queued egress write.
type sendJob struct {
	send func() error
	wake func()
}

// SendQueue is the process-wide bounded send work queue shared by
// every TCP/UDP shim instance (spec §4.6: "For TCP/UDP, two work
// queues are used: one for receive, one for send"). When depth reaches
// SendWQMaxSize, Submit returns WouldBlock immediately so the upstream
// applies back-pressure; when depth drains below the mark every
// registered wake callback fires once (spec §4.4 "re-enable write on
// all flows of all instances").
type SendQueue struct {
	mu      sync.Mutex
	jobs    []sendJob
	closed  bool
	cond    *sync.Cond
	done    chan struct{}
	logger  *logging.Logger
	metrics *shimmetrics.Metrics

	onDrain []func()
}

// NewSendQueue creates and starts a SendQueue's single worker goroutine.
func NewSendQueue(logger *logging.Logger, metrics *shimmetrics.Metrics) *SendQueue {
	q := &SendQueue{logger: logger.WithComponent("shimtcpudp-sendq"), metrics: metrics, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// OnDrain registers a callback invoked every time the queue depth
// drops from SendWQMaxSize to one below it.
func (q *SendQueue) OnDrain(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDrain = append(q.onDrain, fn)
}

// Submit enqueues send for execution, failing with WouldBlock if the
// queue is already at SendWQMaxSize.
func (q *SendQueue) Submit(send func() error) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return rerr.New(rerr.KindResource, "send queue closed")
	}
	if len(q.jobs) >= SendWQMaxSize {
		q.mu.Unlock()
		return rerr.New(rerr.KindWouldBlock, "send work queue saturated")
	}
	q.jobs = append(q.jobs, sendJob{send: send})
	depth := len(q.jobs)
	q.cond.Signal()
	q.mu.Unlock()
	if q.metrics != nil {
		q.metrics.SendQueueDepth.Set(float64(depth))
	}
	return nil
}

func (q *SendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
	<-q.done
}

func (q *SendQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.jobs) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.jobs) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		drained := len(q.jobs) == SendWQMaxSize-1
		callbacks := q.onDrain
		q.mu.Unlock()

		if err := job.send(); err != nil {
			q.logger.WithError(err).Warn("send work item failed")
		}
		if q.metrics != nil {
			q.metrics.SendQueueDepth.Set(float64(len(q.jobs)))
		}
		if drained {
			for _, cb := range callbacks {
				cb()
			}
		}
	}
}
