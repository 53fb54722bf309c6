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

// FragmentResult is what a connection's fragmentation tracker decides to
// do with a newly parsed frame, per spec.md §4.8.
type FragmentResult int

const (
	// FragDeliverNone means the frame was standalone (Frag == FragNone);
	// the caller should dispatch it immediately.
	FragDeliverNone FragmentResult = iota
	// FragBuffered means the frame was queued; no delivery yet.
	FragBuffered
	// FragDeliverAssembled means the queue just completed and the
	// concatenated payload is ready for one logical delivery.
	FragDeliverAssembled
	// FragViolation means the sequence [none]|[start,(continue)*,last]
	// was violated; the caller must close 1002.
	FragViolation
	// FragMaxExceeded means the queue grew past MaxFrames; close 1002.
	FragMaxExceeded
)

// trackFragment implements spec.md §4.8's state machine: it validates the
// incoming frame's role against the frames already queued and decides
// whether to deliver immediately, buffer, deliver assembled, or fault.
// firstOpcode is the opcode recorded from the FragStart frame (continuation
// frames carry OpContinuation and inherit it).
func (c *Conn) trackFragment(f *Frame) (FragmentResult, OpCode) {
	switch f.Frag {
	case FragNone:
		if len(c.fragQueue) != 0 {
			return FragViolation, 0
		}
		return FragDeliverNone, f.OpCode

	case FragStart:
		if len(c.fragQueue) != 0 {
			return FragViolation, 0
		}
		c.fragQueue = append(c.fragQueue, f)
		if c.maxFrames > 0 && len(c.fragQueue) > c.maxFrames {
			c.fragQueue = nil
			return FragMaxExceeded, 0
		}
		return FragBuffered, f.OpCode

	case FragContinue:
		if len(c.fragQueue) == 0 {
			return FragViolation, 0
		}
		c.fragQueue = append(c.fragQueue, f)
		if c.maxFrames > 0 && len(c.fragQueue) > c.maxFrames {
			c.fragQueue = nil
			return FragMaxExceeded, 0
		}
		return FragBuffered, c.fragQueue[0].OpCode

	case FragLast:
		if len(c.fragQueue) == 0 {
			return FragViolation, 0
		}
		op := c.fragQueue[0].OpCode
		c.fragQueue = append(c.fragQueue, f)
		return FragDeliverAssembled, op

	default:
		return FragViolation, 0
	}
}

// assembledPayload concatenates the content of every queued frame (the
// FragStart..FragLast run) and clears the queue. Call only after
// trackFragment returns FragDeliverAssembled.
func (c *Conn) assembledPayload() []byte {
	total := 0
	for _, f := range c.fragQueue {
		total += len(f.Content)
	}
	out := make([]byte, 0, total)
	for _, f := range c.fragQueue {
		out = append(out, f.Content...)
	}
	c.fragQueue = nil
	return out
}

// resetFragmentQueue drops any in-progress fragmented message, used on
// connection close (spec.md §4.9: "release all queued items").
func (c *Conn) resetFragmentQueue() {
	c.fragQueue = nil
}
