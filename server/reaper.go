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

import "time"

// reapTick is how often the idle/accept timer reaper sweeps the connection
// map. It is independent of the configured timeouts themselves — a short,
// fixed tick keeps reaping latency bounded without needing a timer per
// connection, matching the teacher's single sweep-goroutine approach to
// idle-client cleanup.
const reapTick = 1 * time.Second

// reapLoop implements spec.md §4.10: a connection that has sent no inbound
// bytes within accept_to_io_timeout_usec of being accepted, or has gone
// silent for io_timeout_usec since its last inbound byte, is closed with
// 1000 (normal close) — the server is enforcing a housekeeping bound, not
// reporting a protocol violation. A third condition reaps connections
// whose close-response deadline elapsed without the peer's close frame:
// InitiateClose (wsclose.go) leaves the transport open and arms
// CloseMeta.ResponseWaitBy when it hands the peer a chance to echo the
// close; reapOnce is what makes that wait bounded.
func (s *Server) reapLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(reapTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.reapOnce()
		}
	}
}

// reapOnce snapshots the live connection set and evaluates each one outside
// the map lock, so a slow close doesn't stall new accepts or other
// connections' I/O.
func (s *Server) reapOnce() {
	acceptTimeout := s.opts.Timer.acceptTimeout()
	ioTimeout := s.opts.Timer.ioTimeout()

	now := time.Now()
	victims := s.collectTimedOut(now, acceptTimeout, ioTimeout)
	for _, v := range victims {
		s.log.Debugf("reaping conn %d: %s", v.c.ID, v.reason)
		s.closeConn(v.c, CloseNormal, v.reason)
	}
}

type reapVictim struct {
	c      *Conn
	reason string
}

func (s *Server) collectTimedOut(now time.Time, acceptTimeout, ioTimeout time.Duration) []reapVictim {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var victims []reapVictim
	for _, c := range s.conns {
		c.mu.Lock()
		closing := c.State == StateClosing
		neverReceived := c.InBytes == 0
		age := now.Sub(c.Created)
		idle := now.Sub(c.LastInbound)
		responseWaitBy := c.Close.ResponseWaitBy
		c.mu.Unlock()

		if closing {
			// A connection lingers here, still open, only while its
			// own server-initiated close is waiting on the peer's
			// echo (InitiateClose armed ResponseWaitBy and left the
			// transport up). Anything else already tore the
			// transport down and was dropped from s.conns by
			// engine.go's removeIfTransportClosed.
			if !responseWaitBy.IsZero() && now.After(responseWaitBy) {
				victims = append(victims, reapVictim{c, "close response deadline exceeded"})
			}
			continue
		}
		switch {
		case neverReceived && acceptTimeout > 0 && age > acceptTimeout:
			victims = append(victims, reapVictim{c, "accept timeout: no bytes received"})
		case !neverReceived && ioTimeout > 0 && idle > ioTimeout:
			victims = append(victims, reapVictim{c, "io timeout: idle connection"})
		}
	}
	return victims
}
