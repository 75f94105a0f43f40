// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command flowmaster runs the job master: the partition manager (C3)
// and task-group state registry (C6's counterpart), reachable by
// workers over a control transport listening on the runtime-master
// listener id.
package main

import (
	"flag"
	"net"
	"net/http"

	"github.com/grailbio/base/log"

	"github.com/grailbio/flowmesh/master"
	"github.com/grailbio/flowmesh/transport"
)

var (
	addr      = flag.String("addr", ":5000", "address the control transport listens on")
	debugAddr = flag.String("debugaddr", "", "if set, serve a debug http mux on this address")
)

func main() {
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("flowmaster: ")
	flag.Parse()

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("listening on %s", ln.Addr())

	nt := transport.NewNetTransport(transport.NewRegistry())
	pm := master.New()
	tgr := master.NewTaskGroupRegistry()
	if _, err := master.Serve(pm, tgr, nt); err != nil {
		log.Fatal(err)
	}

	if *debugAddr != "" {
		mux := http.NewServeMux()
		go func() {
			log.Fatal(http.ListenAndServe(*debugAddr, mux))
		}()
	}

	log.Fatal(nt.Serve(ln))
}
