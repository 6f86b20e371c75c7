// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package sshagentd

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
)

// PendingOp represents a request accepted from a client whose reply has
// not yet been written. It is linked into exactly one list:
// its owning client's in-flight list, threaded intrusively through prev
// and next so that disconnect-time cancellation can unlink any op in
// O(1) without scanning.
//
// Exactly one of {the handler goroutine finishing normally, cancelAll}
// ever gets to decide the op's fate; tryResolve is the single point of
// arbitration between those two races so a handler "observes its client
// handle as null on resume" deterministically rather than by timing.
type PendingOp struct {
	slot *ResponseSlot

	mu       sync.Mutex
	resolved bool
	client   *ClientHandle // read by the handler goroutine at resume time

	prev, next *PendingOp // owning client's in-flight list; guarded by client.mu
}

// currentClient returns the client this op was submitted on, or nil if
// it has already been resolved (normally or by cancellation).
func (op *PendingOp) currentClient() *ClientHandle {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.client
}

// tryResolve claims the right to decide this op's outcome. Only the
// first caller (whichever of the handler goroutine or cancelAll gets
// there first) gets true; every other caller must produce no output.
func (op *PendingOp) tryResolve() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.resolved {
		return false
	}
	op.resolved = true
	op.client = nil
	return true
}

// ClientHandle is the registry's view of one live connection's client
// identity, independent of the ConnectionFSM that owns the socket. A
// handler that is resumed after its client has disconnected observes
// Alive() == false and must exit without producing output.
type ClientHandle struct {
	id uint64

	mu               sync.Mutex
	alive            bool
	suppressLogging  bool
	opsHead, opsTail *PendingOp
}

// ID returns the client's registry identifier, stable for its lifetime.
func (c *ClientHandle) ID() uint64 { return c.id }

// Alive reports whether the client is still connected.
func (c *ClientHandle) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// SetSuppressLogging toggles the per-client suppress_logging flag.
func (c *ClientHandle) SetSuppressLogging(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suppressLogging = v
}

// SuppressLogging reports the current suppress_logging flag.
func (c *ClientHandle) SuppressLogging() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suppressLogging
}

// track registers op on this client's in-flight list. It returns false,
// without registering, if the client is no longer alive (the caller
// must then discard its slot itself rather than try to complete it).
func (c *ClientHandle) track(op *PendingOp) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive {
		return false
	}
	op.prev = c.opsTail
	op.next = nil
	if c.opsTail != nil {
		c.opsTail.next = op
	} else {
		c.opsHead = op
	}
	c.opsTail = op
	return true
}

// untrack removes op from this client's in-flight list once its reply
// has been produced normally (not via cancellation).
func (c *ClientHandle) untrack(op *PendingOp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unlinkLocked(op)
}

func (c *ClientHandle) unlinkLocked(op *PendingOp) {
	if op.prev != nil {
		op.prev.next = op.next
	} else if c.opsHead == op {
		c.opsHead = op.next
	}
	if op.next != nil {
		op.next.prev = op.prev
	} else if c.opsTail == op {
		c.opsTail = op.prev
	}
	op.prev, op.next = nil, nil
}

// cancelAll marks the client dead and discards every PendingOp still
// linked to it that has not already resolved on its own: each is
// unlinked, its ResponseSlot is marked discarded (so the ResponseQueue
// never writes for it), and op.client is nulled. An op whose handler goroutine won the
// tryResolve race a moment earlier is left alone — it will produce its
// reply normally.
func (c *ClientHandle) cancelAll(queue *ResponseQueue) {
	c.mu.Lock()
	c.alive = false
	op := c.opsHead
	c.opsHead, c.opsTail = nil, nil
	var toDiscard []*ResponseSlot
	for op != nil {
		next := op.next
		op.prev, op.next = nil, nil
		if op.tryResolve() {
			toDiscard = append(toDiscard, op.slot)
		}
		op = next
	}
	c.mu.Unlock()

	for _, s := range toDiscard {
		queue.Discard(s)
	}
}

// ClientRegistry tracks every live client so in-flight operations can
// be cancelled when their connection closes.
type ClientRegistry struct {
	nextID atomic.Uint64

	mu      sync.Mutex
	clients map[uint64]*ClientHandle

	// recent is a purely diagnostic, bounded cache used to annotate log
	// lines about a request with a short label for its client even
	// after the client itself has been unregistered. It never
	// participates in cancellation or reply-ordering correctness: the
	// live set of record is the clients map above.
	recent *lru.Cache
}

// NewClientRegistry returns an empty ClientRegistry.
func NewClientRegistry() *ClientRegistry {
	c, err := lru.New(256)
	if err != nil {
		// Only returns an error for a non-positive size, which never
		// happens with the literal above.
		panic(err)
	}
	return &ClientRegistry{clients: make(map[uint64]*ClientHandle), recent: c}
}

// NewClient registers and returns a fresh, live ClientHandle.
func (r *ClientRegistry) NewClient(label string) *ClientHandle {
	c := &ClientHandle{id: r.nextID.Add(1), alive: true}
	r.mu.Lock()
	r.clients[c.id] = c
	r.mu.Unlock()
	r.recent.Add(c.id, label)
	return c
}

// Remove cancels every PendingOp still linked to c and forgets it.
func (r *ClientRegistry) Remove(c *ClientHandle, queue *ResponseQueue) {
	r.mu.Lock()
	delete(r.clients, c.id)
	r.mu.Unlock()
	c.cancelAll(queue)
}

// Describe returns the diagnostic label most recently associated with
// clientID, or "" if none is cached (including when r is nil, so a
// handler built without a registry degrades to unlabeled log lines).
func (r *ClientRegistry) Describe(clientID uint64) string {
	if r == nil {
		return ""
	}
	if v, ok := r.recent.Get(clientID); ok {
		return v.(string)
	}
	return ""
}
