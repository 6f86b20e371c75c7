// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package sshagentd

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/creachadair/taskgroup"
)

// fsmPhase is the ConnectionFSM's single resume point: exactly one of
// these three states is active between any two calls to Feed.
type fsmPhase int

const (
	phaseLength fsmPhase = iota
	phaseOverlongDrain
	phaseBody
)

// ConnectionFSM drives one byte-stream connection: it accumulates the
// 4-byte length prefix and payload of each framed request, submits
// complete requests to a RequestHandler, and relies on a ResponseQueue
// to preserve reply order. Its state survives arbitrary chunking of the
// underlying stream — Feed may be called with any number of bytes, any
// number of times, per request.
type ConnectionFSM struct {
	handler *RequestHandler
	queue   *ResponseQueue
	client  *ClientHandle
	work    taskgroup.Group // one goroutine per in-flight request

	phase    fsmPhase
	lenBuf   [4]byte
	lenFill  int
	needed   int
	body     []byte
	overlong int
}

// NewConnectionFSM returns an FSM that dispatches requests through
// handler, writes replies through queue, and attributes in-flight
// requests to client.
func NewConnectionFSM(handler *RequestHandler, queue *ResponseQueue, client *ClientHandle) *ConnectionFSM {
	return &ConnectionFSM{handler: handler, queue: queue, client: client, phase: phaseLength}
}

// Feed processes as much of data as represents complete or
// in-progress frames, dispatching any requests it completes, and
// returns once data is exhausted — the FSM's one suspension point,
// "need more bytes".
func (f *ConnectionFSM) Feed(data []byte) {
	for len(data) > 0 {
		switch f.phase {
		case phaseLength:
			n := copy(f.lenBuf[f.lenFill:], data)
			f.lenFill += n
			data = data[n:]
			if f.lenFill < 4 {
				return
			}
			length := binary.BigEndian.Uint32(f.lenBuf[:])
			f.lenFill = 0
			f.startFrame(int(length))

		case phaseOverlongDrain:
			n := f.overlong
			if n > len(data) {
				n = len(data)
			}
			data = data[n:]
			f.overlong -= n
			if f.overlong == 0 {
				f.phase = phaseLength
			} else {
				return
			}

		case phaseBody:
			need := f.needed - len(f.body)
			n := need
			if n > len(data) {
				n = len(data)
			}
			f.body = append(f.body, data[:n]...)
			data = data[n:]
			if len(f.body) < f.needed {
				return
			}
			body := f.body
			f.body = nil
			f.phase = phaseLength
			f.submit(body)
		}
	}
}

// startFrame begins processing a newly-read length prefix: either the
// overlong-frame fast-failure path or ordinary
// buffering (step 3).
func (f *ConnectionFSM) startFrame(length int) {
	if length >= agentMaxMsglen-4 {
		// Allocate the ResponseSlot and fail it *before* draining the
		// oversized payload, so a peer streaming a huge body still
		// gets prompt feedback.
		slot := f.queue.NewSlot()
		f.queue.Complete(slot, []byte{agentFailure})
		if length == 0 {
			f.phase = phaseLength
			return
		}
		f.phase = phaseOverlongDrain
		f.overlong = length
		return
	}
	f.needed = length
	f.body = make([]byte, 0, length)
	f.phase = phaseBody
	if length == 0 {
		f.body = nil
		f.phase = phaseLength
		f.submit(nil)
	}
}

// submit allocates a ResponseSlot for a fully-received request body and
// hands it to the RequestHandler on its own goroutine, so that one slow
// request cannot stall the framing of requests behind it on the same
// connection. Reply ordering is
// restored by the ResponseQueue, not by running handlers in order.
func (f *ConnectionFSM) submit(body []byte) {
	slot := f.queue.NewSlot()
	op := &PendingOp{client: f.client, slot: slot}
	if !f.client.track(op) {
		// The client vanished between frame arrival and dispatch.
		f.queue.Discard(slot)
		return
	}
	f.work.Go(func() error {
		client := op.currentClient()
		if client == nil {
			return nil // cancelled before the handler ever ran
		}
		reply := f.handler.Handle(client, body)
		// Resume point: if cancelAll claimed this op while the
		// handler was running, exit without producing output.
		if !op.tryResolve() {
			return nil
		}
		client.untrack(op)
		f.queue.Complete(slot, reply)
		return nil
	})
}

// Wait blocks until every request submitted on this connection has
// finished, for use during connection teardown.
func (f *ConnectionFSM) Wait() { f.work.Wait() }

// Run drives the FSM by reading r until EOF or error, feeding every
// chunk read to Feed. It is the ordinary way to attach a ConnectionFSM
// to a real socket; tests instead call Feed directly to control
// chunking precisely.
func (f *ConnectionFSM) Run(r io.Reader) error {
	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			f.Feed(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
