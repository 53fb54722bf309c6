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
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// HTTPSCallback is the embedder callback of spec.md §6: it takes ownership
// of msg (freeing or recycling it) and returns false to request the
// connection be closed.
type HTTPSCallback func(userdata interface{}, connID uint64, msg *HTTPMessage) bool

// AcceptVeto is spec.md §6's accept hook.
type AcceptVeto func(userdata interface{}, listenerID, acceptedID uint64) bool

// CloseCallback is spec.md §6's connection teardown notice.
type CloseCallback func(userdata interface{}, connID uint64)

// Dispatcher routes parsed HTTP messages and WebSocket frames to embedder
// callbacks, per spec.md §4.11 and §4.5's dispatch half. It owns no
// connection state itself; every method takes the Conn as an argument and
// reaches the Domain through it, so it stays a stateless router, matching the teacher's own
// free-function dispatch style (wsHandleControlFrame et al. hang off
// *client rather than a separate dispatcher object) while still giving
// embedders one seam to wire userdata and callbacks through.
type Dispatcher struct {
	Userdata interface{}
	HTTPS    HTTPSCallback
	Accept   AcceptVeto
	Close    CloseCallback
	Logger   Logger

	// EnforceHostSNIConsistency implements spec.md §9's preferred choice:
	// close the connection when the HTTP Host header disagrees with the
	// SNI-resolved domain.
	EnforceHostSNIConsistency bool
}

// DispatchHTTP handles a fully parsed HTTP request: if it is a WebSocket
// upgrade, it validates and completes the handshake and reclassifies the
// connection to WSS; otherwise it hands the message to the configured
// HTTPS callback. Returning an error means the caller should transition
// the connection to CLOSING (spec.md §7 "handler returned false").
func (d *Dispatcher) DispatchHTTP(c *Conn, msg *HTTPMessage) error {
	if d.EnforceHostSNIConsistency && c.Domain != nil {
		if host, ok := msg.HeaderGet("Host"); ok {
			if !hostMatchesDomain(host, c.Domain.Name) {
				return errors.Wrap(ErrMalformed, "Host header does not match SNI-resolved domain")
			}
		}
	}

	upgrade, err := UpgradeRequestFrom(msg)
	isUpgradeAttempt := err == nil && upgrade.IsUpgrade() == nil
	if isUpgradeAttempt {
		return d.completeUpgrade(c, upgrade, msg)
	}

	if d.HTTPS == nil {
		return errors.New("dispatch: no HTTPS callback configured")
	}
	if !d.HTTPS(d.Userdata, c.ID, msg) {
		return ErrHandlerRejected
	}
	return nil
}

// hostMatchesDomain compares a Host header (which may carry ":port") with
// a resolved domain name.
func hostMatchesDomain(host []byte, domain []byte) bool {
	h := host
	if i := indexByte(h, ':'); i >= 0 {
		h = h[:i]
	}
	return bytesEqual(h, domain)
}

// completeUpgrade checks the version and, when it is 13, sends the 101
// response and reclassifies the connection to WSS; on a version mismatch
// it sends 426 and returns the send result, so the connection stays open
// as HTTPS. It is only reached for requests that passed IsUpgrade: a
// request failing any other upgrade check is not treated as an error here
// or in DispatchHTTP, which hands it to the HTTPS callback as an ordinary
// request.
func (d *Dispatcher) completeUpgrade(c *Conn, u UpgradeRequest, msg *HTTPMessage) error {
	if !u.VersionOK() {
		return c.Send(OutRaw, Build426Response())
	}

	if err := c.Send(OutRaw, Build101Response(u.Key)); err != nil {
		return err
	}

	residue := msg.ShiftTrailing()
	uri := string(u.URI)

	c.mu.Lock()
	c.classifyWS(residue.Buffer())
	c.WSURI = uri
	if c.Domain != nil {
		c.WSHandler = c.Domain.WSHandlerFor(uri)
	}
	c.State = StateWSS
	c.mu.Unlock()
	return nil
}

// DispatchWSFrame handles one parsed WebSocket frame: control frames
// (ping/pong/close) are handled internally; text/binary frames are
// unmasked, tracked for fragmentation, and delivered to the connection's
// handler either frame-by-frame or as one assembled message, per spec.md
// §4.5 and §4.8.
func (d *Dispatcher) DispatchWSFrame(c *Conn, f *Frame) error {
	f.Unmask()

	if f.OpCode.IsControl() {
		return d.dispatchControlFrame(c, f)
	}

	res, op := c.trackFragment(f)
	switch res {
	case FragViolation:
		_ = c.InitiateClose(CloseProtocolError, "websocket protocol error")
		return ErrFragmentOrder
	case FragMaxExceeded:
		_ = c.InitiateClose(CloseProtocolError, "max frames reached")
		return ErrMaxFrames
	case FragBuffered:
		if c.WSHandler != nil && c.WSHandler.Fragmented != nil {
			isText := op == OpText
			if !d.callFragmented(c, f.Content, isText) {
				return ErrHandlerRejected
			}
		}
		return nil
	case FragDeliverNone:
		return d.deliverWS(c, f.Content, op == OpText)
	case FragDeliverAssembled:
		payload := c.assembledPayload()
		if c.WSHandler != nil && c.WSHandler.Fragmented != nil {
			// Fragmented-only handlers already saw every earlier frame as
			// it arrived (FragBuffered case above); only this last one is
			// still to be delivered.
			if !d.callFragmented(c, f.Content, op == OpText) {
				return ErrHandlerRejected
			}
			return nil
		}
		return d.deliverWS(c, payload, op == OpText)
	}
	return nil
}

func (d *Dispatcher) callFragmented(c *Conn, content []byte, isText bool) bool {
	if c.WSHandler == nil || c.WSHandler.Fragmented == nil {
		return true
	}
	domainName := []byte(nil)
	if c.Domain != nil {
		domainName = c.Domain.Name
	}
	return c.WSHandler.Fragmented(c.WSHandler.Userdata, c.ID, domainName, c.WSURI, content, isText)
}

// deliverWS sends one logical message to the connection's handler,
// preferring the assembled entry point, then the fragmented one used as a
// single-shot callback, then the JSON event layer if no raw handler is
// registered for the URI.
func (d *Dispatcher) deliverWS(c *Conn, content []byte, isText bool) error {
	if c.WSHandler != nil {
		domainName := []byte(nil)
		if c.Domain != nil {
			domainName = c.Domain.Name
		}
		ok := true
		switch {
		case c.WSHandler.Assembled != nil:
			ok = c.WSHandler.Assembled(c.WSHandler.Userdata, c.ID, domainName, c.WSURI, content, isText)
		case c.WSHandler.Fragmented != nil:
			ok = c.WSHandler.Fragmented(c.WSHandler.Userdata, c.ID, domainName, c.WSURI, content, isText)
		}
		if !ok {
			return ErrHandlerRejected
		}
		return nil
	}

	if c.Domain != nil {
		return d.deliverEvent(c, content, isText)
	}
	return nil
}

// deliverEvent implements the JSON event layer named in spec.md §6: each
// text frame is decoded as a JSON value and handed to the per-URI event
// handler along with a reply capability.
func (d *Dispatcher) deliverEvent(c *Conn, content []byte, isText bool) error {
	if !isText {
		return nil
	}
	if !utf8.Valid(content) {
		_ = c.InitiateClose(CloseUnsupportedData, "invalid utf8 on json uri")
		return ErrNotUTF8
	}
	var value interface{}
	if err := json.Unmarshal(content, &value); err != nil {
		_ = c.InitiateClose(CloseUnsupportedData, "invalid json payload")
		return errors.Wrap(ErrNotJSON, err.Error())
	}

	entry := c.Domain.EventHandlerFor(c.WSURI)
	if entry == nil || entry.Process == nil {
		return nil
	}
	reply := func(v interface{}) error {
		b, err := json.Marshal(v)
		if err != nil {
			return errors.Wrap(err, "event reply: marshal")
		}
		return c.Send(OutWSFrame, EncodeFrame(true, OpText, b))
	}
	if !entry.Process(entry.Userdata, c.ID, reply, value) {
		return ErrHandlerRejected
	}
	return nil
}

// dispatchControlFrame handles ping/pong/close internally, per spec.md
// §4.5: "pong on ping with same application data; close triggers a close
// response and CLOSING."
func (d *Dispatcher) dispatchControlFrame(c *Conn, f *Frame) error {
	switch f.OpCode {
	case OpPing:
		return c.Send(OutWSFrame, EncodeFrame(true, OpPong, f.Content))
	case OpPong:
		return nil
	case OpClose:
		code := CloseNormal
		reason := ""
		if len(f.Content) >= 2 {
			code = int(uint16(f.Content[0])<<8 | uint16(f.Content[1]))
			reason = string(f.Content[2:])
			if reason != "" && !utf8.ValidString(reason) {
				code = CloseUnsupportedData
				reason = "invalid utf8 body in close frame"
			}
		}
		c.RecordClientClose()
		if c.isClosing() {
			// The server already sent its own close frame and was
			// waiting (ResponseWaitBy) for exactly this: the peer's
			// echo. Nothing left to send, just finish tearing down.
			return c.closeTransport()
		}
		return c.InitiateClose(code, strings.TrimSpace(reason))
	}
	return nil
}
