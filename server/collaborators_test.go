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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func reqFor(method, uri string) *HTTPMessage {
	return &HTTPMessage{Method: []byte(method), URI: []byte(uri)}
}

func TestDirFileServerServesExistingFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("hello"), 0o600))
	domain := NewDomain([]byte("a.example.com"), dir, nil, true)

	server, client := net.Pipe()
	defer client.Close()
	c := NewConn(server, DefaultHTTPLimits())

	respCh := make(chan []byte, 1)
	drainInto(t, client, respCh)

	var fs DirFileServer
	require.True(t, fs.Serve(c, domain, reqFor("GET", "/index.html")))
	resp := string(<-respCh)
	require.Contains(t, resp, "200 OK")
	require.Contains(t, resp, "hello")
}

func TestDirFileServerReturns404OnMissingFile(t *testing.T) {
	dir := t.TempDir()
	domain := NewDomain([]byte("a.example.com"), dir, nil, true)

	server, client := net.Pipe()
	defer client.Close()
	c := NewConn(server, DefaultHTTPLimits())

	respCh := make(chan []byte, 1)
	drainInto(t, client, respCh)

	var fs DirFileServer
	require.True(t, fs.Serve(c, domain, reqFor("GET", "/missing.html")))
	require.Contains(t, string(<-respCh), "404 Not Found")
}

func TestDirFileServerNormalizesDotSegmentsInsteadOfEscaping(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(dir), "secret.txt"), []byte("x"), 0o600))
	domain := NewDomain([]byte("a.example.com"), dir, nil, true)

	server, client := net.Pipe()
	defer client.Close()
	c := NewConn(server, DefaultHTTPLimits())

	respCh := make(chan []byte, 1)
	drainInto(t, client, respCh)

	var fs DirFileServer
	require.True(t, fs.Serve(c, domain, reqFor("GET", "/../secret.txt")))
	require.Contains(t, string(<-respCh), "404 Not Found")
}

func TestDirFileServerDeclinesUnsupportedMethod(t *testing.T) {
	dir := t.TempDir()
	domain := NewDomain([]byte("a.example.com"), dir, nil, true)
	c := NewConn(nil, DefaultHTTPLimits())

	var fs DirFileServer
	require.False(t, fs.Serve(c, domain, reqFor("POST", "/index.html")))
}

func TestDirFileServerHeadOmitsBody(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("hello"), 0o600))
	domain := NewDomain([]byte("a.example.com"), dir, nil, true)

	server, client := net.Pipe()
	defer client.Close()
	c := NewConn(server, DefaultHTTPLimits())

	respCh := make(chan []byte, 1)
	drainInto(t, client, respCh)

	var fs DirFileServer
	require.True(t, fs.Serve(c, domain, reqFor("HEAD", "/index.html")))
	resp := string(<-respCh)
	require.Contains(t, resp, "200 OK")
	require.Contains(t, resp, "Content-Length: 5")
}
