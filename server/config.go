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
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// HeaderLimits is spec.md §6's `http_message.header` sub-tree.
type HeaderLimits struct {
	Capacity int `json:"capacity"`
	Method   int `json:"method"`
	Lines    int `json:"lines"`
}

// BufferLimits is the `buffer` sub-tree shared by `http_message` and
// `websocket`.
type BufferLimits struct {
	Size     int `json:"size"`
	MaxCache int `json:"max_cache"`
}

// HTTPMessageOptions is spec.md §6's `http_message` sub-tree.
type HTTPMessageOptions struct {
	Header   HeaderLimits `json:"header"`
	Buffer   BufferLimits `json:"buffer"`
	Transfer struct {
		Max int64 `json:"max"`
	} `json:"transfer"`
	Chunk struct {
		Max int64 `json:"max"`
	} `json:"chunk"`
}

// WebSocketOptions is spec.md §6's `websocket` sub-tree.
type WebSocketOptions struct {
	Buffer    BufferLimits `json:"buffer"`
	MaxFrames int          `json:"max_frames"`
}

// SocketOptions is spec.md §6's `sockets` sub-tree.
type SocketOptions struct {
	HTTP  string   `json:"http"`
	HTTPS string   `json:"https"`
	STUN  []string `json:"stun"`
}

// TimerOptions is spec.md §6's `timer` sub-tree, in microseconds as named
// in spec.md §4.10 (`io_timeout_usec`, `accept_to_io_timeout_usec`).
type TimerOptions struct {
	IOTimeoutUsec     int64 `json:"io"`
	AcceptTimeoutUsec int64 `json:"accept"`
}

func (t TimerOptions) ioTimeout() time.Duration     { return time.Duration(t.IOTimeoutUsec) * time.Microsecond }
func (t TimerOptions) acceptTimeout() time.Duration {
	return time.Duration(t.AcceptTimeoutUsec) * time.Microsecond
}

// LimitOptions is spec.md §6's `limits` sub-tree.
type LimitOptions struct {
	Sockets   int `json:"sockets"`
	WebSocket int `json:"websocket"`
}

// Options is spec.md §6's full configuration tree.
type Options struct {
	Name    string `json:"name"`
	Debug   bool   `json:"debug"`
	IP4Only bool   `json:"ip4_only"`

	Sockets     SocketOptions      `json:"sockets"`
	Timer       TimerOptions       `json:"timer"`
	Limits      LimitOptions       `json:"limits"`
	HTTPMessage HTTPMessageOptions `json:"http_message"`
	WebSocket   WebSocketOptions   `json:"websocket"`

	// DomainsDir is a filesystem path to a directory of per-domain
	// descriptor files, per spec.md §6.
	DomainsDir string `json:"domains"`
}

// DomainDescriptor names one domain, its document root, its certificate/key
// pair, and whether it is the default, per spec.md §6.
type DomainDescriptor struct {
	Name     string `json:"name"`
	DocRoot  string `json:"doc_root"`
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
	Default  bool   `json:"default"`
}

// LoadOptions reads and decodes the top-level configuration tree from path,
// then validates it.
func LoadOptions(path string) (*Options, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: open")
	}
	defer f.Close()

	var o Options
	if err := json.NewDecoder(f).Decode(&o); err != nil {
		return nil, errors.Wrap(err, "config: decode")
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	return &o, nil
}

// validate checks the top-level tree (sockets.https and the domains
// directory present, limits.sockets not negative), returning the first
// violation encountered. The domain checks (non-empty, at most one
// default) run later, in LoadDomainDescriptors and NewDomainTable.
func (o *Options) validate() error {
	if strings.TrimSpace(o.Sockets.HTTPS) == "" {
		return errors.New("config: sockets.https is required")
	}
	if strings.TrimSpace(o.DomainsDir) == "" {
		return errors.New("config: domains directory is required")
	}
	if o.Limits.Sockets < 0 {
		return errors.New("config: limits.sockets must not be negative")
	}
	return nil
}

// HTTPLimits translates the configured http_message tree into the grammar
// bounds httpmsg.go's parser enforces.
func (o *Options) HTTPLimits() HTTPLimits {
	l := DefaultHTTPLimits()
	if o.HTTPMessage.Header.Method > 0 {
		l.MaxMethodLen = o.HTTPMessage.Header.Method
	}
	if o.HTTPMessage.Header.Capacity > 0 {
		l.MaxHeaderLine = o.HTTPMessage.Header.Capacity
	}
	if o.HTTPMessage.Header.Lines > 0 {
		l.MaxHeaders = o.HTTPMessage.Header.Lines
	}
	if o.HTTPMessage.Transfer.Max > 0 {
		l.MaxBody = o.HTTPMessage.Transfer.Max
	}
	return l
}

// LoadDomainDescriptors reads every `*.json` file in dir as one
// DomainDescriptor, per spec.md §6's "filesystem path to a directory of
// per-domain descriptors".
func LoadDomainDescriptors(dir string) ([]DomainDescriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "config: read domains directory")
	}
	var out []DomainDescriptor
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "config: read %s", path)
		}
		var d DomainDescriptor
		if err := json.Unmarshal(b, &d); err != nil {
			return nil, errors.Wrapf(err, "config: decode %s", path)
		}
		if strings.TrimSpace(d.Name) == "" {
			return nil, errors.Errorf("config: %s missing domain name", path)
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, ErrEmptyDomainArray
	}
	return out, nil
}

// BuildDomainTable loads each descriptor's certificate/key pair and builds
// the resolver the engine hands to crypto/tls.Config.GetConfigForClient.
func BuildDomainTable(descs []DomainDescriptor) (*DomainTable, error) {
	domains := make([]*Domain, 0, len(descs))
	for _, d := range descs {
		cert, err := tls.LoadX509KeyPair(d.CertFile, d.KeyFile)
		if err != nil {
			return nil, errors.Wrapf(err, "config: load certificate for domain %s", d.Name)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		domains = append(domains, NewDomain([]byte(d.Name), d.DocRoot, tlsCfg, d.Default))
	}
	return NewDomainTable(domains)
}
