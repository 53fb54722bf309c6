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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func serverWithTimers(accept, io time.Duration) *Server {
	s := testServer(&Dispatcher{})
	s.opts.Timer.AcceptTimeoutUsec = int64(accept / time.Microsecond)
	s.opts.Timer.IOTimeoutUsec = int64(io / time.Microsecond)
	s.conns = make(map[uint64]*Conn)
	return s
}

func TestReapOnceClosesConnectionThatNeverSentBytes(t *testing.T) {
	s := serverWithTimers(10*time.Millisecond, 0)

	server, client := net.Pipe()
	defer client.Close()
	respCh := make(chan []byte, 1)
	drainInto(t, client, respCh)

	c := NewConn(server, DefaultHTTPLimits())
	c.Created = time.Now().Add(-time.Second)
	s.conns[c.ID] = c

	s.reapOnce()

	<-respCh
	require.Equal(t, StateClosing, c.State)
}

func TestReapOnceClosesIdleConnection(t *testing.T) {
	s := serverWithTimers(0, 10*time.Millisecond)

	server, client := net.Pipe()
	defer client.Close()
	respCh := make(chan []byte, 1)
	drainInto(t, client, respCh)

	c := NewConn(server, DefaultHTTPLimits())
	c.InBytes = 128
	c.LastInbound = time.Now().Add(-time.Second)
	s.conns[c.ID] = c

	s.reapOnce()

	<-respCh
	require.Equal(t, StateClosing, c.State)
}

func TestReapOnceSkipsConnectionsWithinTimers(t *testing.T) {
	s := serverWithTimers(time.Hour, time.Hour)

	c := NewConn(nil, DefaultHTTPLimits())
	s.conns[c.ID] = c

	s.reapOnce()

	require.NotEqual(t, StateClosing, c.State)
}

func TestReapOnceSkipsAlreadyClosingConnections(t *testing.T) {
	s := serverWithTimers(time.Microsecond, time.Microsecond)

	c := NewConn(nil, DefaultHTTPLimits())
	c.Created = time.Now().Add(-time.Hour)
	c.State = StateClosing
	s.conns[c.ID] = c

	// Must not panic or attempt to write a close frame on a connection
	// already torn down.
	require.NotPanics(t, s.reapOnce)
}

func TestReapOnceNoopsWhenNoTimersConfigured(t *testing.T) {
	s := serverWithTimers(0, 0)

	c := NewConn(nil, DefaultHTTPLimits())
	c.Created = time.Now().Add(-time.Hour)
	s.conns[c.ID] = c

	s.reapOnce()
	require.NotEqual(t, StateClosing, c.State)
}

func TestReapOnceForceClosesConnectionPastCloseResponseDeadline(t *testing.T) {
	s := serverWithTimers(0, 0)

	server, client := net.Pipe()
	defer client.Close()

	c := NewConn(server, DefaultHTTPLimits())
	c.State = StateClosing
	c.Close.ResponseWaitBy = time.Now().Add(-time.Second)
	s.conns[c.ID] = c

	s.reapOnce()

	require.True(t, c.TransportClosed())
	_, stillTracked := s.conns[c.ID]
	require.False(t, stillTracked)

	buf := make([]byte, 1)
	_, err := client.Read(buf)
	require.Error(t, err)
}

func TestReapOnceLeavesCloseResponseWaitUntouchedBeforeDeadline(t *testing.T) {
	s := serverWithTimers(0, 0)

	server, client := net.Pipe()
	defer client.Close()

	c := NewConn(server, DefaultHTTPLimits())
	c.State = StateClosing
	c.Close.ResponseWaitBy = time.Now().Add(time.Hour)
	s.conns[c.ID] = c

	s.reapOnce()

	require.False(t, c.TransportClosed())
	_, stillTracked := s.conns[c.ID]
	require.True(t, stillTracked)
}
