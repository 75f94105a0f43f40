// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package master

import (
	"bytes"
	"context"
	"encoding/gob"

	"github.com/grailbio/base/errors"

	"github.com/grailbio/flowmesh/partition"
	"github.com/grailbio/flowmesh/plan"
	"github.com/grailbio/flowmesh/transport"
)

func init() {
	gob.Register(requestBlockLocation{})
	gob.Register(blockLocationInfo{})
	gob.Register(commitBlocks{})
	gob.Register(taskGroupStateChanged{})
}

// Method names, mirrored from package worker/executor so all sides
// agree on the wire contract without importing one another.
const (
	methodRequestBlockLocation  = "Master.RequestBlockLocation"
	methodCommitBlocks          = "Master.CommitBlocks"
	methodTaskGroupStateChanged = "Master.TaskGroupStateChanged"
)

// taskGroupStateChanged mirrors executor.taskGroupStateChanged; kept
// as an independent type so package executor never needs to import
// package master just to report its outcome.
type taskGroupStateChanged struct {
	Executor     plan.ExecutorID
	TaskGroup    plan.TaskGroupID
	AttemptIndex int
	State        string
	TasksOnHold  []plan.TaskID
	Cause        string
}

type requestBlockLocation struct {
	Partition plan.PartitionID
}

type blockLocationInfo struct {
	Partition      plan.PartitionID
	Committed      bool
	OwnerExecutor  plan.ExecutorID
	OwnerDataStore plan.DataStore
}

type commitBlocks struct {
	Partition plan.PartitionID
	Blocks    []partition.BlockMetadata
}

// Server exposes a PartitionManager and TaskGroupRegistry over the
// control transport, registered under transport.RuntimeMaster.
type Server struct {
	pm  *PartitionManager
	tgr *TaskGroupRegistry
}

// Serve registers a Server wrapping pm and tgr on t, under the
// reserved runtime-master listener id.
func Serve(pm *PartitionManager, tgr *TaskGroupRegistry, t transport.Transport) (*Server, error) {
	s := &Server{pm: pm, tgr: tgr}
	l := transport.NewListener(transport.RuntimeMaster)
	l.Handle(methodRequestBlockLocation, s.handleRequestBlockLocation)
	l.Handle(methodCommitBlocks, s.handleCommitBlocks)
	l.Handle(methodTaskGroupStateChanged, s.handleTaskGroupStateChanged)
	if err := t.Register(l); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) handleRequestBlockLocation(ctx context.Context, msg transport.Message) ([]byte, error) {
	var req requestBlockLocation
	if err := gobDecode(msg.Body, &req); err != nil {
		return nil, err
	}
	future, err := s.pm.GetLocationFuture(req.Partition)
	if err != nil {
		return nil, err
	}
	loc, err := future.Get(ctx)
	if err != nil {
		return nil, err
	}
	return gobEncode(blockLocationInfo{
		Partition:      req.Partition,
		Committed:      true,
		OwnerExecutor:  loc.Executor,
		OwnerDataStore: loc.Store,
	})
}

func (s *Server) handleCommitBlocks(ctx context.Context, msg transport.Message) ([]byte, error) {
	var req commitBlocks
	if err := gobDecode(msg.Body, &req); err != nil {
		return nil, err
	}
	if err := s.pm.CommitBlocks(req.Partition, req.Blocks); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Server) handleTaskGroupStateChanged(ctx context.Context, msg transport.Message) ([]byte, error) {
	var req taskGroupStateChanged
	if err := gobDecode(msg.Body, &req); err != nil {
		return nil, err
	}
	s.tgr.Apply(req.TaskGroup, TaskGroupStatus{
		Executor:     req.Executor,
		AttemptIndex: req.AttemptIndex,
		State:        req.State,
		TasksOnHold:  req.TasksOnHold,
		Cause:        req.Cause,
	})
	if req.State == "FAILED_RECOVERABLE" || req.State == "FAILED_UNRECOVERABLE" {
		s.pm.OnProducerTaskGroupFailed(req.TaskGroup)
	}
	return nil, nil
}

func gobEncode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, errors.E(errors.Fatal, err)
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
