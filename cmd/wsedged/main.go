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

// Command wsedged runs the TLS/WSS edge server as a standalone process,
// wiring its configuration and domain table straight through to
// server.Server. It has no HTTPS/WS business logic of its own — an embedder
// linking package server in-process registers its own callbacks instead of
// running this binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openvocs-go/wsedge/server"
)

func main() {
	configPath := flag.String("config", "", "path to the edge server's JSON configuration file")
	debug := flag.Bool("debug", false, "force debug-level logging regardless of the config file")
	trace := flag.Bool("trace", false, "force trace-level logging regardless of the config file")
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "wsedged: -config is required")
		os.Exit(2)
	}

	log := server.NewStdLogger(os.Stderr, *debug, *trace)

	opts, err := server.LoadOptions(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *debug {
		opts.Debug = true
	}

	descs, err := server.LoadDomainDescriptors(opts.DomainsDir)
	if err != nil {
		log.Fatalf("load domains: %v", err)
	}
	domains, err := server.BuildDomainTable(descs)
	if err != nil {
		log.Fatalf("build domain table: %v", err)
	}

	dispatch := &server.Dispatcher{
		EnforceHostSNIConsistency: true,
		Logger:                    log,
	}
	srv := server.NewServer(opts, domains, dispatch, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("serve: %v", err)
		}
	case <-ctx.Done():
		log.Noticef("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("shutdown: %v", err)
		}
	}
}
