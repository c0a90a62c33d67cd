// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package dispatch provides the shared ingress/egress work-queue
// primitive of spec §4.6: a single-consumer task channel per shim
// family, preserving the concurrency-1 discipline the kernel source
// gets from one work_struct queue (spec §9 redesign note).
package dispatch

import (
	"sync"

	"rina.dev/shim/internal/logging"
)

// Task is one deferred unit of work: re-resolving the bound instance
// from a socket/netdev key, reserving a port-id, notifying the
// controller, or draining an SDU queue (spec §4.6).
type Task func()

// WorkQueue runs Tasks one at a time, in submission order, on a single
// background goroutine — the userspace equivalent of a kernel
// workqueue with concurrency 1 (spec §4.6, §9).
type WorkQueue struct {
	name   string
	logger *logging.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []Task
	closed bool
	done   chan struct{}
}

// New creates a WorkQueue and starts its single worker goroutine.
func New(name string, logger *logging.Logger) *WorkQueue {
	wq := &WorkQueue{
		name:   name,
		logger: logger.WithComponent(name),
		done:   make(chan struct{}),
	}
	wq.cond = sync.NewCond(&wq.mu)
	go wq.run()
	return wq
}

// Submit enqueues t for execution. Submitting to a closed queue is a
// no-op: the instance or socket the task referenced is assumed gone.
func (wq *WorkQueue) Submit(t Task) {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	if wq.closed {
		return
	}
	wq.tasks = append(wq.tasks, t)
	wq.cond.Signal()
}

// Close stops accepting new tasks and waits for the worker to drain
// whatever was already queued, then exit.
func (wq *WorkQueue) Close() {
	wq.mu.Lock()
	wq.closed = true
	wq.cond.Signal()
	wq.mu.Unlock()
	<-wq.done
}

func (wq *WorkQueue) run() {
	defer close(wq.done)
	for {
		wq.mu.Lock()
		for len(wq.tasks) == 0 && !wq.closed {
			wq.cond.Wait()
		}
		if len(wq.tasks) == 0 && wq.closed {
			wq.mu.Unlock()
			return
		}
		t := wq.tasks[0]
		wq.tasks = wq.tasks[1:]
		wq.mu.Unlock()

		wq.safeRun(t)
	}
}

func (wq *WorkQueue) safeRun(t Task) {
	defer func() {
		if r := recover(); r != nil {
			wq.logger.Error("work item panicked", "recovered", r)
		}
	}()
	t()
}
