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
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// FileServer is the static-file collaborator contract of spec.md §4.11: it
// is out of core scope. Given a method, the request, and the resolved
// domain it may construct and send a response through the connection's
// send scheduler. Server holds a DirFileServer, but neither Server nor
// Dispatcher calls Serve; HTTPS requests reach only the HTTPSCallback.
type FileServer interface {
	// Serve answers req for domain's document root on c. It returns false
	// ("not handled", nothing sent) if the request falls outside
	// {GET, HEAD}; a request that escapes the root is answered with 404
	// and counts as handled.
	Serve(c *Conn, domain *Domain, req *HTTPMessage) bool
}

// DirFileServer is a minimal default FileServer: GET/HEAD only, dot-segment
// normalization against the domain's document root, 404 on escape, no MIME
// sniffing (spec.md §4.11 explicitly defers content-type detection to an
// out-of-core collaborator).
type DirFileServer struct{}

func (DirFileServer) Serve(c *Conn, domain *Domain, req *HTTPMessage) bool {
	method := string(req.Method)
	if method != "GET" && method != "HEAD" {
		return false
	}
	if domain == nil || domain.DocRoot == "" {
		return false
	}

	uri := string(req.URI)
	if q := strings.IndexByte(uri, '?'); q >= 0 {
		uri = uri[:q]
	}
	clean := filepath.Clean("/" + uri)
	full := filepath.Join(domain.DocRoot, clean)
	if !strings.HasPrefix(full, filepath.Clean(domain.DocRoot)+string(filepath.Separator)) &&
		full != filepath.Clean(domain.DocRoot) {
		_ = c.Send(OutRaw, notFoundResponse())
		return true
	}

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		_ = c.Send(OutRaw, notFoundResponse())
		return true
	}

	body, err := os.ReadFile(full)
	if err != nil {
		_ = c.Send(OutRaw, notFoundResponse())
		return true
	}
	if method == "HEAD" {
		body = nil
	}
	resp := fmt.Sprintf("HTTP/1.1 200 OK\r\nLast-Modified: %s\r\nContent-Length: %d\r\n\r\n",
		info.ModTime().UTC().Format(http.TimeFormat), len(body))
	_ = c.Send(OutRaw, append([]byte(resp), body...))
	return true
}

func notFoundResponse() []byte {
	return []byte("HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n")
}
