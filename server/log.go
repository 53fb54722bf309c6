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
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
)

// Logger is the embedder-facing logging seam. Levels match the teacher's
// own server/log.go: Noticef for routine events, Warnf for recoverable
// problems, Errorf for failures, Debugf/Tracef for development-time detail
// gated behind the Debug/Trace flags, Fatalf for unrecoverable startup
// errors.
type Logger interface {
	Noticef(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	Debugf(format string, v ...interface{})
	Tracef(format string, v ...interface{})
	Fatalf(format string, v ...interface{})
}

// StdLogger is the default Logger, writing timestamped lines to an
// io.Writer (stderr by default). Debug/Trace output is dropped unless
// explicitly enabled, matching the teacher's opt-in verbosity switches.
type StdLogger struct {
	mu    sync.Mutex
	out   *log.Logger
	debug bool
	trace bool
}

// NewStdLogger builds a logger writing to w with the given verbosity.
func NewStdLogger(w io.Writer, debug, trace bool) *StdLogger {
	if w == nil {
		w = os.Stderr
	}
	return &StdLogger{
		out:   log.New(w, "", log.LstdFlags|log.Lmicroseconds),
		debug: debug,
		trace: trace,
	}
}

func (l *StdLogger) logf(prefix, format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Printf(prefix+" "+format, v...)
}

func (l *StdLogger) Noticef(format string, v ...interface{}) { l.logf("[NOT]", format, v...) }
func (l *StdLogger) Warnf(format string, v ...interface{})   { l.logf("[WRN]", format, v...) }
func (l *StdLogger) Errorf(format string, v ...interface{})  { l.logf("[ERR]", format, v...) }
func (l *StdLogger) Fatalf(format string, v ...interface{}) {
	l.logf("[FTL]", format, v...)
	os.Exit(1)
}

func (l *StdLogger) Debugf(format string, v ...interface{}) {
	if !l.debug {
		return
	}
	l.logf("[DBG]", format, v...)
}

func (l *StdLogger) Tracef(format string, v ...interface{}) {
	if !l.trace {
		return
	}
	l.logf("[TRC]", format, v...)
}

// NoopLogger discards everything; used as the zero-value default so a
// Server or Dispatcher built without an explicit Logger never nil-derefs.
type NoopLogger struct{}

func (NoopLogger) Noticef(string, ...interface{}) {}
func (NoopLogger) Warnf(string, ...interface{})   {}
func (NoopLogger) Errorf(string, ...interface{})  {}
func (NoopLogger) Debugf(string, ...interface{})  {}
func (NoopLogger) Tracef(string, ...interface{})  {}
func (NoopLogger) Fatalf(string, ...interface{})  {}

// dumpValue renders v via go-spew for Debugf call sites that need to log a
// structured value (e.g. a rejected HTTPMessage), matching the teacher's
// use of spew for connection/state dumps under -DV.
func dumpValue(v interface{}) string {
	return spew.Sdump(v)
}

// errCause unwraps a pkg/errors-wrapped error down to its root sentinel,
// for Errorf call sites that want to log both the context and the cause
// separately.
func errCause(err error) string {
	return errors.Cause(err).Error()
}

// httpServerLogWriter adapts this package's Logger to the io.Writer shape
// net/http.Server.ErrorLog expects, so the stdlib HTTP server (used by the
// plain-TCP redirect listener) logs through the same sink.
type httpServerLogWriter struct {
	log Logger
}

func (w httpServerLogWriter) Write(p []byte) (int, error) {
	w.log.Errorf("%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
