// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package shimeth

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	"rina.dev/shim/internal/logging"
	"rina.dev/shim/internal/rinaaddr"
	"rina.dev/shim/internal/shimmetrics"
)

// Resolver wire message types, carried as the first byte of the
// EtherType-D1F0 payload (spec §4.3: "an ARP-like resolution
// protocol... mapping a GPA application name to a GHA MAC address").
const (
	msgResolveRequest byte = 1
	msgResolveReply   byte = 2
)

const (
	defaultResolveTimeout = 2 * time.Second
	defaultResolveRetries = 2
)

// pending tracks one in-flight resolution, queuing callers until the
// reply arrives or the request times out.
type pending struct {
	waiters []func(net.HardwareAddr, bool)
	timer   *time.Timer
	retries int
}

// Resolver maps RINA application names (GPAs) to GHA MAC addresses on
// one Ethernet segment, the way ARP maps IP addresses to MACs. It is
// engine-agnostic: transmission and local-name lookup are injected as
// callbacks, so it can run against a real packet socket or the
// in-memory Segment bus in tests.
type Resolver struct {
	mu      sync.Mutex
	table   map[string]net.HardwareAddr // GPA string -> GHA
	pending map[string]*pending

	transmit func(dest net.HardwareAddr, payload []byte)
	localGPA func(net.HardwareAddr) (rinaaddr.GPA, bool) // reverse lookup for replies

	logger  *logging.Logger
	metrics *shimmetrics.Metrics
	instKey string

	timeout time.Duration
	retries int
}

// NewResolver creates a Resolver. transmit sends a raw resolver payload
// to dest (broadcast for requests, unicast for replies); localGPA
// resolves a locally-registered app's GHA to its GPA, used to answer
// resolve requests addressed to us.
func NewResolver(transmit func(net.HardwareAddr, []byte), localGPA func(net.HardwareAddr) (rinaaddr.GPA, bool), logger *logging.Logger, metrics *shimmetrics.Metrics, instKey string) *Resolver {
	return &Resolver{
		table:    make(map[string]net.HardwareAddr),
		pending:  make(map[string]*pending),
		transmit: transmit,
		localGPA: localGPA,
		logger:   logger,
		metrics:  metrics,
		instKey:  instKey,
		timeout:  defaultResolveTimeout,
		retries:  defaultResolveRetries,
	}
}

// Add inserts or overwrites a static GPA->GHA mapping (learned from a
// request we observed, or a reply we received) and wakes any waiters.
func (r *Resolver) Add(gpa rinaaddr.GPA, gha net.HardwareAddr) {
	key := string(gpa)
	r.mu.Lock()
	r.table[key] = gha
	p := r.pending[key]
	delete(r.pending, key)
	r.mu.Unlock()

	if p != nil {
		p.timer.Stop()
		for _, w := range p.waiters {
			w(gha, true)
		}
	}
}

// Remove drops a mapping (called when a registered application is closed).
func (r *Resolver) Remove(gpa rinaaddr.GPA) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.table, string(gpa))
}

// FindGPA is the reverse lookup of spec §4.3's resolver interface: used
// when a remote flow arrives and the engine wants a name for the
// source GHA it only just learned of.
func (r *Resolver) FindGPA(gha net.HardwareAddr) (rinaaddr.GPA, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range r.table {
		if string(v) == string(gha) {
			return rinaaddr.GPA(k), true
		}
	}
	return nil, false
}

// Resolve returns the cached GHA for gpa immediately if known;
// otherwise it broadcasts a resolve request and invokes done
// asynchronously once a reply arrives or resolution times out
// (ok=false). Multiple concurrent Resolve calls for the same GPA are
// coalesced onto one in-flight request.
func (r *Resolver) Resolve(gpa rinaaddr.GPA, done func(net.HardwareAddr, bool)) {
	key := string(gpa)

	r.mu.Lock()
	if gha, ok := r.table[key]; ok {
		r.mu.Unlock()
		r.countQuery("hit")
		done(gha, true)
		return
	}
	if p, ok := r.pending[key]; ok {
		p.waiters = append(p.waiters, done)
		r.mu.Unlock()
		return
	}
	p := &pending{waiters: []func(net.HardwareAddr, bool){done}}
	r.pending[key] = p
	r.mu.Unlock()

	r.sendRequest(gpa)
	p.timer = time.AfterFunc(r.timeout, func() { r.onTimeout(key, gpa) })
}

func (r *Resolver) onTimeout(key string, gpa rinaaddr.GPA) {
	r.mu.Lock()
	p, ok := r.pending[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	if p.retries < r.retries {
		p.retries++
		r.mu.Unlock()
		r.sendRequest(gpa)
		p.timer = time.AfterFunc(r.timeout, func() { r.onTimeout(key, gpa) })
		return
	}
	delete(r.pending, key)
	waiters := p.waiters
	r.mu.Unlock()

	r.countQuery("miss")
	r.logger.WithComponent("shimeth-resolver").Warn("resolve request exhausted retries", "gpa", gpa.String())
	for _, w := range waiters {
		w(nil, false)
	}
}

func (r *Resolver) sendRequest(gpa rinaaddr.GPA) {
	payload := encodeResolveMessage(msgResolveRequest, gpa, nil)
	r.transmit(broadcastMAC(), payload)
}

// HandleFrame processes an inbound resolver-protocol frame: the
// message's GPA is cached against the sender's MAC (for a request only
// when localGPA is set), which also satisfies pending Resolve calls for
// that GPA. It sends nothing; the engine answers requests through
// AnswerIfLocal.
func (r *Resolver) HandleFrame(src net.HardwareAddr, payload []byte) {
	kind, gpa, ok := decodeResolveMessage(payload)
	if !ok {
		return
	}
	switch kind {
	case msgResolveRequest:
		if r.localGPA == nil {
			return
		}
		// We learn the requester's mapping opportunistically, the way
		// real ARP caches the sender's address on every request seen.
		r.Add(gpa, src)
	case msgResolveReply:
		r.Add(gpa, src)
		return
	default:
		return
	}
}

// AnswerIfLocal sends src a unicast reply naming requestedGPA; the
// receiver learns our GHA from the reply frame's source MAC, so ourGHA
// itself is not used. It does not check that requestedGPA is local: the
// engine calls it after HandleFrame only once it has found the name
// among its registered applications.
func (r *Resolver) AnswerIfLocal(src net.HardwareAddr, requestedGPA rinaaddr.GPA, ourGHA net.HardwareAddr) {
	payload := encodeResolveMessage(msgResolveReply, requestedGPA, nil)
	r.transmit(src, payload)
	_ = ourGHA
}

func (r *Resolver) countQuery(outcome string) {
	if r.metrics == nil {
		return
	}
	r.metrics.ResolverQueries.WithLabelValues(r.instKey, outcome).Inc()
}

func broadcastMAC() net.HardwareAddr {
	return net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
}

// encodeResolveMessage packs [kind(1)][gpaLen(2)][gpa bytes] into the
// EtherType-D1F0 resolver payload.
func encodeResolveMessage(kind byte, gpa rinaaddr.GPA, _ []byte) []byte {
	buf := make([]byte, 1+2+len(gpa))
	buf[0] = kind
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(gpa)))
	copy(buf[3:], gpa)
	return buf
}

func decodeResolveMessage(payload []byte) (byte, rinaaddr.GPA, bool) {
	if len(payload) < 3 {
		return 0, nil, false
	}
	kind := payload[0]
	n := binary.BigEndian.Uint16(payload[1:3])
	if int(n) > len(payload)-3 {
		return 0, nil, false
	}
	gpa := rinaaddr.GPA(payload[3 : 3+int(n)])
	return kind, gpa, true
}
