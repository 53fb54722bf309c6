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
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nuid"
)

// Classification is spec.md §3's connection classification.
type Classification int

const (
	ClassUnknown Classification = iota
	ClassHTTP
	ClassWebSocket
	ClassError
)

// ConnState is spec.md §4.4's connection state machine.
type ConnState int

const (
	StateAccepted ConnState = iota
	StateTLSHandshake
	StateHTTPS
	StateWSS
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateTLSHandshake:
		return "tls-handshake"
	case StateHTTPS:
		return "https"
	case StateWSS:
		return "wss"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// OutboundKind distinguishes the three outbound queue item shapes of
// spec.md §3.
type OutboundKind int

const (
	OutRaw OutboundKind = iota
	OutHTTPMessage
	OutWSFrame
)

// OutboundItem is one entry in a connection's outbound queue.
type OutboundItem struct {
	Kind OutboundKind
	Data []byte
}

// CloseMeta is spec.md §3's close metadata: code, reason, and the
// send/recv/deadline bookkeeping the close procedure (spec.md §4.9) needs.
type CloseMeta struct {
	Code           int
	Reason         string
	SendFlag       bool
	RecvFlag       bool
	ResponseWaitBy time.Time
}

var connIDGen = nuid.New()

// nextConnID mints a connection identifier (a hash, so IDs carry no
// ordering). Go does not
// portably expose OS file descriptors across platforms the way the
// original C server indexes its connection array by fd, so connections are
// keyed by this generator instead (spec.md §3's "connection array indexed
// by fd" becomes a map keyed by ID — see server/engine.go).
func nextConnID() uint64 {
	// nuid.Next() returns a 22-character base62 string; fold it down to a
	// uint64 via FNV-1a so it can key a plain map without string overhead
	// on the hot path.
	s := connIDGen.Next()
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

// Conn is spec.md §3's per-socket Connection record.
type Conn struct {
	ID         uint64
	netConn    net.Conn
	remoteAddr net.Addr

	listenerAddr string

	mu    sync.Mutex
	flush *sync.Cond

	Class Classification
	State ConnState

	CloseAfterSend          bool
	ClientInitiatedShutdown bool

	Created         time.Time
	TLSHandshakeOK  bool
	Domain          *Domain

	// Inbound side: both httpMsg and wsFrame are nil until the connection
	// is classified; after that exactly one is non-nil, and its type
	// matches Class, per spec.md §3's invariant.
	inBuf   *byteBuffer
	httpMsg *HTTPMessage
	wsFrame *Frame

	// Outbound side.
	outboundQueue []OutboundItem
	partial       []byte // residue from a short write; same backing array is reused
	writeArmed    bool

	InBytes, OutBytes   int64
	LastInbound         time.Time
	LastOutbound        time.Time

	fragQueue    []*Frame
	lastFragment FragState
	maxFrames    int

	Close CloseMeta

	WSHandler *WSHandlerEntry
	WSURI     string

	limits HTTPLimits

	// closeOnce guards the close-notifier fan-out and the embedder's
	// CloseCallback so they fire exactly once regardless of which path
	// (read error, dispatch rejection, peer-initiated close frame, or a
	// fatal write) first drove the connection into CLOSING. See
	// Server.finishClose in engine.go.
	closeOnce sync.Once

	// closeFDOnce guards the underlying socket close itself, separately
	// from closeOnce: InitiateClose may defer the actual fd close to wait
	// for the peer's close response (see ResponseWaitBy in CloseMeta and
	// reapOnce in reaper.go), so more than one path can end up racing to
	// tear the transport down for real.
	closeFDOnce     sync.Once
	transportClosed atomic.Bool
}

// isClosing reports whether the connection has already entered CLOSING.
func (c *Conn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.State == StateClosing
}

// TransportClosed reports whether the underlying socket has actually been
// closed yet. A server-initiated close can leave this false for a while:
// InitiateClose defers the real fd close to wait for the peer's close
// response (ResponseWaitBy), so the connection is CLOSING without its
// transport being torn down yet. engine.go's removeIfTransportClosed uses
// this to decide whether a connection may leave the live connection map.
func (c *Conn) TransportClosed() bool { return c.transportClosed.Load() }

// closeTransport closes the underlying socket exactly once, however many
// call sites (a fatal write, the close-response deadline, or a belated
// peer echo) end up racing to finish tearing the connection down.
func (c *Conn) closeTransport() error {
	var err error
	c.closeFDOnce.Do(func() {
		c.mu.Lock()
		nc := c.netConn
		c.mu.Unlock()
		if nc != nil {
			err = nc.Close()
		}
		c.transportClosed.Store(true)
	})
	return err
}

// NewConn wraps an accepted net.Conn in the per-connection record, seeded
// with the HTTP parser it will use once classified HTTP.
func NewConn(nc net.Conn, limits HTTPLimits) *Conn {
	c := &Conn{
		ID:      nextConnID(),
		netConn: nc,
		Created: time.Now(),
		State:   StateAccepted,
		Class:   ClassUnknown,
		limits:  limits,
	}
	if nc != nil {
		c.remoteAddr = nc.RemoteAddr()
	}
	c.flush = sync.NewCond(&c.mu)
	return c
}

// NetConn returns the underlying connection (TLS-wrapped once the
// handshake completes).
func (c *Conn) NetConn() net.Conn { return c.netConn }

// SetNetConn replaces the underlying connection, used once the TLS
// handshake produces the *tls.Conn wrapping the raw socket.
func (c *Conn) SetNetConn(nc net.Conn) { c.netConn = nc }

// classifyHTTP switches the connection to HTTP classification and resets
// its inbound parse object, discarding any prior one — used on ACCEPTED
// -> HTTPS. Dropping the residual HTTP object on entry to WSS is
// classifyWS's job.
func (c *Conn) classifyHTTP(buf *byteBuffer) {
	c.Class = ClassHTTP
	c.inBuf = buf
	c.httpMsg = NewHTTPMessage(buf, true, c.limits)
	c.wsFrame = nil
}

// classifyWS switches the connection to WebSocket classification. Any
// residual HTTP parse object is discarded (spec.md §4.4).
func (c *Conn) classifyWS(buf *byteBuffer) {
	c.Class = ClassWebSocket
	c.inBuf = buf
	c.wsFrame = NewFrame(buf)
	c.httpMsg = nil
}

// Stats exposes the byte counters named in SPEC_FULL.md §12 as a metrics
// collaborator seam.
type Stats struct {
	InBytes, OutBytes int64
	Created           time.Time
	LastInbound       time.Time
	LastOutbound      time.Time
}

// Stats returns a snapshot of this connection's counters.
func (c *Conn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		InBytes:     c.InBytes,
		OutBytes:    c.OutBytes,
		Created:     c.Created,
		LastInbound: c.LastInbound,
		LastOutbound: c.LastOutbound,
	}
}
