// Copyright 2020 The NATS Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

// sendBufferHighWater bounds how large a single inline write may be before
// the scheduler slices it into chunks and enqueues them instead of relying
// on the kernel/TLS layer to split it (spec.md §4.7).
const sendBufferHighWater = 64 * 1024

// flusherIdle is not referenced by the flusher: WaitForWriteReady waits on
// the condition variable with no timeout, waking only on a signal.
const flusherIdle = 2 * time.Second

// Send is the connection's single outbound entry point (spec.md §4.7): it
// attempts an inline write when the partial-residue and queue tiers are
// both empty; otherwise it enqueues and lets the flusher goroutine drain
// the queue in order. Ownership of p passes to the scheduler — callers
// must not mutate p afterward.
func (c *Conn) Send(kind OutboundKind, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State == StateClosing {
		return ErrConnClosed
	}

	// Tier 1 (partial residue) and tier 2 (queue) take priority over any
	// new inline send, per spec.md §4.7's strict ordering.
	if len(c.partial) > 0 || len(c.outboundQueue) > 0 {
		c.enqueueLocked(kind, p)
		return nil
	}

	if len(p) > sendBufferHighWater {
		c.sliceAndEnqueueLocked(kind, p)
		return nil
	}

	n, err := c.netConn.Write(p)
	if err != nil {
		if isWouldBlock(err) {
			c.partial = p
			c.armWriteLocked()
			return nil
		}
		c.transitionClosingLocked()
		return errors.Wrap(err, "send: write failed")
	}
	c.OutBytes += int64(n)
	c.LastOutbound = time.Now()
	if n < len(p) {
		// Short write: the remainder MUST be retried with the same
		// backing array (spec.md §9 "same-pointer-after-want-write").
		c.partial = p[n:]
		c.armWriteLocked()
	}
	return nil
}

func (c *Conn) enqueueLocked(kind OutboundKind, p []byte) {
	if len(p) > sendBufferHighWater {
		c.sliceAndEnqueueLocked(kind, p)
		return
	}
	c.outboundQueue = append(c.outboundQueue, OutboundItem{Kind: kind, Data: p})
	c.armWriteLocked()
}

// sliceAndEnqueueLocked splits an oversized payload into high-water-sized
// chunks and enqueues them in order, per spec.md §4.7: "the scheduler
// slices it into send-buffer-sized pieces and enqueues them in order
// rather than relying on TLS partial writes; ordering is preserved because
// the queue is FIFO."
func (c *Conn) sliceAndEnqueueLocked(kind OutboundKind, p []byte) {
	for len(p) > 0 {
		n := sendBufferHighWater
		if n > len(p) {
			n = len(p)
		}
		c.outboundQueue = append(c.outboundQueue, OutboundItem{Kind: kind, Data: p[:n]})
		p = p[n:]
	}
	c.armWriteLocked()
}

func (c *Conn) armWriteLocked() {
	if !c.writeArmed {
		c.writeArmed = true
		c.flush.Signal()
	}
}

// FlushOnce is invoked by the connection's flusher goroutine each time it
// wakes; it drains the partial-residue tier first, then the queue tier,
// stopping at the first would-block or when both are empty (at which
// point write-readiness is disarmed, per spec.md §4.7).
func (c *Conn) FlushOnce() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if len(c.partial) > 0 {
			n, err := c.netConn.Write(c.partial)
			if err != nil {
				if isWouldBlock(err) {
					return nil
				}
				c.transitionClosingLocked()
				return errors.Wrap(err, "flush: write failed")
			}
			c.OutBytes += int64(n)
			c.LastOutbound = time.Now()
			if n < len(c.partial) {
				c.partial = c.partial[n:]
				return nil
			}
			c.partial = nil
			continue
		}
		if len(c.outboundQueue) == 0 {
			c.writeArmed = false
			if c.CloseAfterSend {
				c.transitionClosingLocked()
			}
			return nil
		}
		item := c.outboundQueue[0]
		n, err := c.netConn.Write(item.Data)
		if err != nil {
			if isWouldBlock(err) {
				c.partial = item.Data
				c.outboundQueue = c.outboundQueue[1:]
				return nil
			}
			c.transitionClosingLocked()
			return errors.Wrap(err, "flush: write failed")
		}
		c.OutBytes += int64(n)
		c.LastOutbound = time.Now()
		if n < len(item.Data) {
			c.partial = item.Data[n:]
			c.outboundQueue = c.outboundQueue[1:]
			return nil
		}
		c.outboundQueue = c.outboundQueue[1:]
	}
}

// WaitForWriteReady blocks until a write has been armed or the connection
// starts closing, for the flusher goroutine to consume. It returns false
// once the connection is CLOSING and has nothing left to drain.
func (c *Conn) WaitForWriteReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.writeArmed && c.State != StateClosing {
		c.flush.Wait()
	}
	return c.writeArmed || len(c.partial) > 0 || len(c.outboundQueue) > 0
}

// isWouldBlock reports whether err represents a transient would-block
// condition (spec.md §4.7's TLS want-read/want-write outcome) as opposed
// to a fatal I/O error.
func isWouldBlock(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// transitionClosingLocked marks the connection CLOSING after a fatal write
// error. Unlike InitiateClose there is no well-formed close frame to send
// (the transport already failed), so this just tears down the socket; the
// close-notifier fan-out and embedder callback still run, once, through
// Server.finishClose when the engine next observes the state change.
// Called with c.mu already held, so the fd close runs inline through
// closeFDOnce rather than via closeTransport (which would re-lock).
func (c *Conn) transitionClosingLocked() {
	if c.State != StateClosing {
		c.State = StateClosing
		c.closeFDOnce.Do(func() {
			if c.netConn != nil {
				_ = c.netConn.Close()
			}
			c.transportClosed.Store(true)
		})
	}
	c.flush.Signal()
}
