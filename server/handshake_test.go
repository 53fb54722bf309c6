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
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestAcceptKeyMatchesRFC6455Example is spec.md §8 scenario 3, the exact
// key/value pair from RFC 6455 §1.3.
func TestAcceptKeyMatchesRFC6455Example(t *testing.T) {
	got := AcceptKey([]byte("dGhlIHNhbXBsZSBub25jZQ=="))
	require.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", got)
}

func parseRequest(t *testing.T, raw string) *HTTPMessage {
	t.Helper()
	buf := newByteBuffer(len(raw))
	buf.extend([]byte(raw))
	m := NewHTTPMessage(buf, true, DefaultHTTPLimits())
	st, err := m.Parse()
	require.NoError(t, err)
	require.Equal(t, PSSuccess, st)
	return m
}

func TestUpgradeRequestHappyPath(t *testing.T) {
	m := parseRequest(t, "GET /chat HTTP/1.1\r\n"+
		"Host: example.com\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n"+
		"Sec-WebSocket-Version: 13\r\n\r\n")

	u, err := UpgradeRequestFrom(m)
	require.NoError(t, err)
	require.NoError(t, u.IsUpgrade())
	require.True(t, u.VersionOK())

	resp := Build101Response(u.Key)
	require.True(t, strings.Contains(string(resp), "101 Switching Protocols"))
	require.True(t, strings.Contains(string(resp), "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="))
}

func TestUpgradeRequestRejectsNonGET(t *testing.T) {
	m := parseRequest(t, "POST /chat HTTP/1.1\r\n"+
		"Host: example.com\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n"+
		"Sec-WebSocket-Version: 13\r\n\r\n")

	u, err := UpgradeRequestFrom(m)
	require.NoError(t, err)
	require.Error(t, u.IsUpgrade())
}

func TestUpgradeRequestVersionMismatchGets426(t *testing.T) {
	m := parseRequest(t, "GET /chat HTTP/1.1\r\n"+
		"Host: example.com\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n"+
		"Sec-WebSocket-Version: 8\r\n\r\n")

	u, err := UpgradeRequestFrom(m)
	require.NoError(t, err)
	require.NoError(t, u.IsUpgrade())
	require.False(t, u.VersionOK())

	resp := Build426Response()
	require.True(t, strings.Contains(string(resp), "426 Upgrade Required"))
	require.True(t, strings.Contains(string(resp), "Sec-WebSocket-Version: 13"))
}

func TestUpgradeRequestMissingHostIsRejected(t *testing.T) {
	m := parseRequest(t, "GET /chat HTTP/1.1\r\n"+
		"Upgrade: websocket\r\n"+
		"Connection: Upgrade\r\n"+
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n"+
		"Sec-WebSocket-Version: 13\r\n\r\n")

	_, err := UpgradeRequestFrom(m)
	require.Error(t, err)
}
