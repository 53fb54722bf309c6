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

import "errors"

// Sentinel errors returned by the parsers and I/O engine. Callers compare
// with errors.Is; wrapped context is added at each call site with
// github.com/pkg/errors so the sentinel survives through errors.Cause.
var (
	// ErrNeedMoreData names the case where the grammar parsed so far is
	// consistent but the message is not yet complete. The parsers in this
	// package report that case as PSProgress with a nil error and do not
	// return this value.
	ErrNeedMoreData = errors.New("parser: need more data")

	// ErrMalformed is returned when bytes violate the expected grammar.
	ErrMalformed = errors.New("parser: malformed input")

	// ErrTooLarge is returned when a bounded field (method, URI, header
	// line, chunk) exceeds its configured limit.
	ErrTooLarge = errors.New("parser: field exceeds configured limit")

	// ErrNotUpgrade is returned by the handshake validator when a request
	// does not qualify as a WebSocket upgrade.
	ErrNotUpgrade = errors.New("handshake: not a websocket upgrade request")

	// ErrBadWSVersion names a Sec-WebSocket-Version other than "13". The
	// dispatcher answers that case with a 426 response (completeUpgrade)
	// and does not return this value.
	ErrBadWSVersion = errors.New("handshake: unsupported websocket version")

	// ErrNoSNIMatch is returned by the domain table when a ClientHello's
	// server name does not match any configured domain.
	ErrNoSNIMatch = errors.New("domain: no SNI match")

	// ErrDuplicateDefaultDomain and ErrEmptyDomainArray are returned by
	// NewDomainTable when more than one domain is marked default, or when
	// the domain array is empty; LoadDomainDescriptors also returns
	// ErrEmptyDomainArray for a directory holding no descriptors.
	ErrDuplicateDefaultDomain = errors.New("config: more than one domain marked default")
	ErrEmptyDomainArray       = errors.New("config: domain array must not be empty")

	// ErrFragmentOrder is the close-1002 condition for an invalid
	// fragmentation sequence.
	ErrFragmentOrder = errors.New("websocket: invalid fragmentation sequence")

	// ErrMaxFrames is the close-1002 condition for a fragmentation queue
	// that exceeds its configured bound.
	ErrMaxFrames = errors.New("websocket: max frames reached")

	// ErrNotJSON / ErrNotUTF8 back close-1003 on the JSON event layer.
	ErrNotUTF8 = errors.New("websocket: payload is not valid utf-8")
	ErrNotJSON = errors.New("websocket: payload is not a valid json value")

	// ErrConnClosed is returned by send paths once a connection has
	// entered CLOSING.
	ErrConnClosed = errors.New("conn: connection is closing")

	// ErrHandlerRejected is returned when an embedder callback returns
	// false, per spec.md §7 ("handler returned false").
	ErrHandlerRejected = errors.New("dispatch: handler rejected message")
)
