// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package master implements the partition manager that runs inside
// the job's master process: the authoritative registry of every
// partition's metadata, plus the reverse index from a producer
// task-group to the partitions it is responsible for, used to fail
// those partitions in bulk when a worker is lost.
package master

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/grailbio/flowmesh/partition"
	"github.com/grailbio/flowmesh/plan"
)

// PartitionManager is the master's single source of truth for
// partition state. Single-partition operations (CommitBlocks,
// GetLocationFuture) only need a read lock, since each Partition
// serializes its own state with its own mutex; operations that touch
// the producer reverse index or add/remove partitions entirely
// require the write lock.
type PartitionManager struct {
	mu sync.RWMutex

	partitions map[plan.PartitionID]*partition.Partition
	// byProducer indexes partitions by the task-group that produces
	// them, so a worker-loss event can be translated into a bounded
	// set of partition failures without scanning the whole registry.
	byProducer map[plan.TaskGroupID]map[plan.PartitionID]struct{}
	// byExecutor indexes partitions by every executor their producer
	// has been scheduled onto (entries are added on scheduling and not
	// dropped on reschedule), used by RemoveWorker.
	byExecutor map[plan.ExecutorID]map[plan.PartitionID]struct{}
}

// New returns an empty PartitionManager.
func New() *PartitionManager {
	return &PartitionManager{
		partitions: make(map[plan.PartitionID]*partition.Partition),
		byProducer: make(map[plan.TaskGroupID]map[plan.PartitionID]struct{}),
		byExecutor: make(map[plan.ExecutorID]map[plan.PartitionID]struct{}),
	}
}

// InitializeState registers the partitions a newly-scheduled stage
// will produce. It is called once per task-group, before the
// task-group is dispatched to a worker, and is idempotent: calling it
// again for an already-registered partition id is a no-op, which
// accommodates a task-group being resubmitted after a failed
// schedule attempt.
func (m *PartitionManager) InitializeState(producer plan.TaskGroupID, edge plan.EdgeID, ids []plan.PartitionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if _, ok := m.partitions[id]; ok {
			continue
		}
		p := partition.New(id, edge, producer)
		m.partitions[id] = p
		if m.byProducer[producer] == nil {
			m.byProducer[producer] = make(map[plan.PartitionID]struct{})
		}
		m.byProducer[producer][id] = struct{}{}
	}
}

// OnProducerTaskGroupScheduled records that producer has been
// scheduled onto executor, and transitions each of its partitions
// from Ready/Lost/LostBeforeCommit to Scheduled.
func (m *PartitionManager) OnProducerTaskGroupScheduled(producer plan.TaskGroupID, executor plan.ExecutorID, store plan.DataStore) error {
	m.mu.Lock()
	ids := m.byProducer[producer]
	parts := make([]*partition.Partition, 0, len(ids))
	for id := range ids {
		parts = append(parts, m.partitions[id])
		if m.byExecutor[executor] == nil {
			m.byExecutor[executor] = make(map[plan.PartitionID]struct{})
		}
		m.byExecutor[executor][id] = struct{}{}
	}
	m.mu.Unlock()

	var firstErr error
	for _, p := range parts {
		if err := p.SetScheduled(executor, store); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OnProducerTaskGroupFailed marks every partition produced by
// producer as lost (or lost-before-commit, if not yet committed).
// Per the decision recorded for this package, this does not cancel
// outstanding location futures with an error; GetLocationFuture
// callers simply continue waiting until the task-group is
// rescheduled and recommits.
func (m *PartitionManager) OnProducerTaskGroupFailed(producer plan.TaskGroupID) {
	m.mu.RLock()
	ids := m.byProducer[producer]
	parts := make([]*partition.Partition, 0, len(ids))
	for id := range ids {
		parts = append(parts, m.partitions[id])
	}
	m.mu.RUnlock()

	for _, p := range parts {
		switch p.State() {
		case partition.Committed:
			if err := p.SetLost(); err != nil {
				log.Error.Printf("master: partition %s: %v", p.ID, err)
			}
		default:
			if err := p.SetLostBeforeCommit(); err != nil {
				log.Error.Printf("master: partition %s: %v", p.ID, err)
			}
		}
	}
}

// CommitBlocks appends block metadata to an already-scheduled
// partition, committing it.
func (m *PartitionManager) CommitBlocks(id plan.PartitionID, blocks []partition.BlockMetadata) error {
	m.mu.RLock()
	p, ok := m.partitions[id]
	m.mu.RUnlock()
	if !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("master: no such partition %s", id))
	}
	return p.CommitBlocks(blocks)
}

// GetLocationFuture returns a future for the location of the given
// partition. It is satisfied as soon as the partition's producer has
// been scheduled (not necessarily committed): callers that need
// committed data should additionally poll partition state through
// the worker-side retrieval path, which blocks on commit.
func (m *PartitionManager) GetLocationFuture(id plan.PartitionID) (partition.LocationFuture, error) {
	m.mu.RLock()
	p, ok := m.partitions[id]
	m.mu.RUnlock()
	if !ok {
		return partition.LocationFuture{}, errors.E(errors.NotExist, fmt.Sprintf("master: no such partition %s", id))
	}
	return p.Future(), nil
}

// RemoveWorker handles the loss of an executor. Only partitions it
// held that were already Committed are failed, as if their producer
// task-group had failed; a partition merely Scheduled at the lost
// executor is left alone, since its own producer task-group will
// separately report failure once its executor drops out from under
// it. The executor's entry is retired from the reverse index, and the
// set of producer task-groups that must be recomputed as a result is
// returned for the caller to reschedule.
func (m *PartitionManager) RemoveWorker(ctx context.Context, executor plan.ExecutorID) map[plan.TaskGroupID]struct{} {
	m.mu.Lock()
	ids := m.byExecutor[executor]
	producers := make(map[plan.TaskGroupID]struct{})
	for id := range ids {
		p, ok := m.partitions[id]
		if !ok || p.State() != partition.Committed {
			continue
		}
		// byExecutor keeps entries from earlier schedules, so skip a
		// partition that has since been recommitted elsewhere.
		if loc, _ := p.Location(); loc.Executor != executor {
			continue
		}
		producers[p.ProducerTaskGroup] = struct{}{}
	}
	delete(m.byExecutor, executor)
	m.mu.Unlock()

	for producer := range producers {
		m.OnProducerTaskGroupFailed(producer)
	}
	return producers
}

// RemovePartitionMetadata permanently discards a partition's
// metadata, e.g. once its consuming stage has finished reading it and
// the job no longer needs to recompute it on failure.
func (m *PartitionManager) RemovePartitionMetadata(id plan.PartitionID) {
	m.mu.Lock()
	p, ok := m.partitions[id]
	if ok {
		delete(m.partitions, id)
		delete(m.byProducer[p.ProducerTaskGroup], id)
	}
	m.mu.Unlock()
	if ok {
		p.SetRemoved()
	}
}
