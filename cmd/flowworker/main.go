// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command flowworker runs a worker process: the task-group executor
// (C5), wrapped by the task-group state manager (C6), backed by the
// worker-side partition manager façade (C8) and a local block store.
//
// User transforms are resolved by name out of package transform's
// registry; a real deployment links its transform registrations in
// via a blank import of the package(s) that call transform.Register
// and transform.RegisterSource from their init functions.
package main

import (
	"flag"
	"net"

	"github.com/grailbio/base/log"

	"github.com/grailbio/flowmesh/channel"
	"github.com/grailbio/flowmesh/executor"
	"github.com/grailbio/flowmesh/plan"
	"github.com/grailbio/flowmesh/store"
	"github.com/grailbio/flowmesh/transport"
	"github.com/grailbio/flowmesh/worker"
)

var (
	addr             = flag.String("addr", ":0", "address the control transport listens on")
	masterAddr       = flag.String("master", "", "address of the master's control transport")
	executorID       = flag.String("id", "", "this worker's executor id (defaults to the listen address)")
	localDir         = flag.String("dir", "", "directory backing the LOCAL_FILE store")
	s3Bucket         = flag.String("s3bucket", "", "bucket backing the REMOTE_FILE store")
	s3Prefix         = flag.String("s3prefix", "", "key prefix backing the REMOTE_FILE store")
	executorCapacity = flag.Int("capacity", 4, "maximum number of task-groups this executor runs concurrently")
)

func main() {
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("flowworker: ")
	flag.Parse()
	if *masterAddr == "" {
		log.Fatal("flag -master is required")
	}

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatal(err)
	}
	id := plan.ExecutorID(*executorID)
	if id == "" {
		id = plan.ExecutorID(ln.Addr().String())
	}
	log.Printf("executor %s listening on %s", id, ln.Addr())

	nt := transport.NewNetTransport(transport.NewRegistry())
	nt.AddPeer(transport.RuntimeMaster, *masterAddr)

	stores := map[plan.DataStore]store.Store{
		plan.Memory:           store.NewMemoryStore(),
		plan.SerializedMemory: store.NewMemoryStore(),
	}
	if *localDir != "" {
		stores[plan.LocalFile] = store.NewLocalFileStore(*localDir)
	}
	if *s3Bucket != "" {
		rf, err := store.NewRemoteFileStore(*s3Bucket, *s3Prefix)
		if err != nil {
			log.Fatal(err)
		}
		stores[plan.RemoteFile] = rf
	}

	w, err := worker.New(id, nt, worker.Config{Stores: stores})
	if err != nil {
		log.Fatal(err)
	}

	factory := channel.NewFactory(w, w)
	exec := executor.New(id, factory)
	sm := executor.NewStateManager(exec, nt, *executorCapacity)
	w.Listener().Handle(executor.MethodScheduleTaskGroup, sm.Handle)

	log.Fatal(nt.Serve(ln))
}
