// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package master

import (
	"context"
	"testing"

	"github.com/grailbio/flowmesh/partition"
	"github.com/grailbio/flowmesh/plan"
)

func TestScheduleCommitLifecycle(t *testing.T) {
	pm := New()
	id := plan.PartitionID("e1#0")
	pm.InitializeState("tg1", "e1", []plan.PartitionID{id})

	if err := pm.OnProducerTaskGroupScheduled("tg1", "exec1", plan.Memory); err != nil {
		t.Fatal(err)
	}
	if err := pm.CommitBlocks(id, []partition.BlockMetadata{{Index: 0, Length: 10}}); err != nil {
		t.Fatal(err)
	}

	future, err := pm.GetLocationFuture(id)
	if err != nil {
		t.Fatal(err)
	}
	loc, err := future.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if loc.Executor != "exec1" {
		t.Errorf("got %v, want exec1", loc.Executor)
	}
}

func TestInitializeStateIsIdempotent(t *testing.T) {
	pm := New()
	id := plan.PartitionID("e1#0")
	pm.InitializeState("tg1", "e1", []plan.PartitionID{id})
	pm.InitializeState("tg1", "e1", []plan.PartitionID{id})
	if err := pm.OnProducerTaskGroupScheduled("tg1", "exec1", plan.Memory); err != nil {
		t.Fatal(err)
	}
	// Re-initializing must not reset an already-scheduled partition
	// back to Ready.
	pm.InitializeState("tg1", "e1", []plan.PartitionID{id})
	future, err := pm.GetLocationFuture(id)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := future.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestRemoveWorkerFailsHeldPartitions(t *testing.T) {
	pm := New()
	a, b := plan.PartitionID("e1#0"), plan.PartitionID("e1#1")
	pm.InitializeState("tg1", "e1", []plan.PartitionID{a})
	pm.InitializeState("tg2", "e1", []plan.PartitionID{b})
	if err := pm.OnProducerTaskGroupScheduled("tg1", "exec1", plan.Memory); err != nil {
		t.Fatal(err)
	}
	if err := pm.OnProducerTaskGroupScheduled("tg2", "exec1", plan.Memory); err != nil {
		t.Fatal(err)
	}
	if err := pm.CommitBlocks(a, []partition.BlockMetadata{{Index: 0}}); err != nil {
		t.Fatal(err)
	}

	producers := pm.RemoveWorker(context.Background(), "exec1")

	// b was only Scheduled, never Committed, at the lost executor: per
	// the tie-break, it is left alone for its own producer (tg2) to
	// separately report failure, and tg2 must not appear in the
	// returned set.
	if _, ok := producers["tg1"]; !ok {
		t.Errorf("got producers %v, want tg1 present (its partition was committed)", producers)
	}
	if _, ok := producers["tg2"]; ok {
		t.Errorf("got producers %v, want tg2 absent (its partition was only scheduled)", producers)
	}

	futureA, err := pm.GetLocationFuture(a)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	if _, err := futureA.Get(ctx); err == nil {
		t.Error("expected a committed-then-lost partition to no longer have an assigned location")
	}

	if got := pm.partitions[b].State(); got != partition.Scheduled {
		t.Errorf("got partition b state %v, want Scheduled (left alone by RemoveWorker)", got)
	}
}

func TestCommitBlocksUnknownPartition(t *testing.T) {
	pm := New()
	err := pm.CommitBlocks("no-such-partition", nil)
	if err == nil {
		t.Error("expected error committing an unregistered partition")
	}
}

func TestRemovePartitionMetadata(t *testing.T) {
	pm := New()
	id := plan.PartitionID("e1#0")
	pm.InitializeState("tg1", "e1", []plan.PartitionID{id})
	pm.RemovePartitionMetadata(id)
	if _, err := pm.GetLocationFuture(id); err == nil {
		t.Error("expected error after partition metadata was removed")
	}
}

func TestTaskGroupRegistryAppliesIdempotently(t *testing.T) {
	r := NewTaskGroupRegistry()
	changed := r.Apply("tg1", TaskGroupStatus{AttemptIndex: 0, State: "EXECUTING"})
	if !changed {
		t.Error("expected first Apply to report a change")
	}
	changed = r.Apply("tg1", TaskGroupStatus{AttemptIndex: 0, State: "EXECUTING"})
	if changed {
		t.Error("expected repeat Apply of the same state to be a no-op")
	}
	changed = r.Apply("tg1", TaskGroupStatus{AttemptIndex: 0, State: "COMPLETE"})
	if !changed {
		t.Error("expected a distinct state to report a change")
	}
	status, ok := r.Status("tg1")
	if !ok || status.State != "COMPLETE" {
		t.Errorf("got %v, %v, want COMPLETE, true", status, ok)
	}
}
