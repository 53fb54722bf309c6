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
	"crypto/tls"
	"encoding/binary"
	"time"
)

// closeResponseTimeout bounds how long a server-initiated close waits for
// the peer's own close frame or FIN before reapOnce force-closes it
// (spec.md §4.10's third reaper condition). The teacher has no equivalent
// constant (its close procedure never waits), so this is sized the way
// RFC 6455 implementations commonly bound the close handshake.
const closeResponseTimeout = 5 * time.Second

// Close status codes the core emits, per spec.md §9 ("the core uses 1000,
// 1002, 1003; others are permitted for embedder use").
const (
	CloseNormal          = 1000
	CloseProtocolError   = 1002
	CloseUnsupportedData = 1003
)

// CreateCloseMessage builds a close frame's control payload: a 2-byte
// big-endian status code followed by an optional UTF-8 reason, truncated
// to fit within the control-frame payload cap (spec.md §6, §4.9).
func CreateCloseMessage(code int, reason string) []byte {
	if len(reason) > maxControlPayload-2 {
		reason = reason[:maxControlPayload-5] + "..."
	}
	buf := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(buf, uint16(code))
	copy(buf[2:], reason)
	return buf
}

// InitiateClose runs spec.md §4.9's server-side close procedure: build and
// send a close frame (defaulting to 1000 "normal close" if unset), then
// TLS-shutdown unless the peer already initiated the close. If the peer
// already said goodbye, or the close frame couldn't even be delivered,
// there is nothing left to wait for and the socket is closed immediately.
// Otherwise the connection entered CLOSING with a healthy transport, so
// spec.md §4.4's "may be waiting ... for the peer's FIN" applies: the
// socket is left open, ResponseWaitBy is armed, and reapOnce (§4.10's
// third condition) force-closes it if the peer never responds. The
// close-notifier fan-out and the embedder's teardown callback are the
// caller's responsibility (see Server.finishClose in engine.go) so they
// fire exactly once no matter which path drove the connection closed.
func (c *Conn) InitiateClose(code int, reason string) error {
	c.mu.Lock()
	if code == 0 {
		code = CloseNormal
		if reason == "" {
			reason = "normal close"
		}
	}
	c.Close.Code = code
	c.Close.Reason = reason
	alreadyClientClosed := c.ClientInitiatedShutdown
	nc := c.netConn
	c.State = StateClosing
	c.resetFragmentQueue()
	c.outboundQueue = nil
	c.partial = nil
	c.mu.Unlock()

	if nc == nil {
		return nil
	}

	payload := CreateCloseMessage(code, reason)
	frame := EncodeFrame(true, OpClose, payload)
	_, writeErr := nc.Write(frame)

	if !alreadyClientClosed {
		if tc, ok := nc.(*tls.Conn); ok {
			_ = tc.CloseWrite()
		}
	}

	if !alreadyClientClosed && writeErr == nil {
		c.mu.Lock()
		c.Close.ResponseWaitBy = time.Now().Add(closeResponseTimeout)
		c.mu.Unlock()
		return nil
	}

	closeErr := c.closeTransport()
	if writeErr != nil {
		return writeErr
	}
	return closeErr
}

// notifyClose invokes every close notifier registered on the connection's
// domain, per spec.md §4.9.
func (c *Conn) notifyClose() {
	if c.Domain == nil {
		return
	}
	for _, notify := range c.Domain.AllCloseNotifiers() {
		notify(c.ID)
	}
}

// RecordClientClose marks that the peer initiated the close (a Close frame
// was received), so InitiateClose skips the TLS-shutdown step per spec.md
// §4.9.
func (c *Conn) RecordClientClose() {
	c.mu.Lock()
	c.ClientInitiatedShutdown = true
	c.mu.Unlock()
}
