// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package partition tracks the metadata and lifecycle of a single
// partition of intermediate data: its state machine, the executor
// that currently (or will) hold it, and the block-level index of the
// data it contains once committed.
package partition

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/sync/ctxsync"

	"github.com/grailbio/flowmesh/plan"
)

// State is the lifecycle state of a partition, values ordered so
// that state transitions generally move to a larger value; see the
// Partition Set* methods and CommitBlocks for the allowed transitions.
type State int

const (
	// Ready is the initial state: the partition has been registered,
	// but its producer task-group has not yet been scheduled.
	Ready State = iota
	// Scheduled indicates that the producer task-group that will
	// (re)produce this partition has been scheduled.
	Scheduled
	// Committed indicates that all of the partition's blocks have
	// been durably written and are available for retrieval.
	Committed
	// LostBeforeCommit indicates that the partition's executor was
	// lost before the partition reached Committed.
	LostBeforeCommit
	// Lost indicates that a previously committed partition's executor
	// was lost, and the partition must be reproduced.
	Lost
	// Removed indicates that the partition's metadata has been
	// permanently discarded; no further transitions are possible.
	Removed
)

func (s State) String() string {
	switch s {
	case Ready:
		return "READY"
	case Scheduled:
		return "SCHEDULED"
	case Committed:
		return "COMMITTED"
	case LostBeforeCommit:
		return "LOST_BEFORE_COMMIT"
	case Lost:
		return "LOST"
	case Removed:
		return "REMOVED"
	default:
		return "UNKNOWN_STATE"
	}
}

// BlockMetadata describes one contiguous block of a committed
// partition: its position in the partition's element ordering (used
// to support idempotent re-commit of the same index) and its size in
// bytes as stored.
type BlockMetadata struct {
	Index  int
	Offset int64
	Length int64
	// HashKey is the murmur3 hash of the block's shuffle key, used to
	// place the block within the btree index ordered for hash-range
	// scans on shuffle reads. Zero for non-shuffle edges.
	HashKey uint32
}

// btreeItem adapts BlockMetadata for ordering inside a google/btree
// tree keyed first by hash, then by index, so that a shuffle read can
// scan a contiguous hash sub-range with btree.AscendRange.
type btreeItem BlockMetadata

func (a btreeItem) Less(than btree.Item) bool {
	b := than.(btreeItem)
	if a.HashKey != b.HashKey {
		return a.HashKey < b.HashKey
	}
	return a.Index < b.Index
}

// Location identifies the executor currently responsible for a
// partition, along with the worker-local store backing it.
type Location struct {
	Executor plan.ExecutorID
	Store    plan.DataStore
}

// Partition holds the master's view of a single partition's state,
// location, and (once committed) block index. Its cond provides a
// context-aware Wait, following the same pattern as task state
// tracking elsewhere in this codebase.
type Partition struct {
	ID        plan.PartitionID
	Edge      plan.EdgeID
	ProducerTaskGroup plan.TaskGroupID

	mu   sync.Mutex
	cond *ctxsync.Cond

	state State
	loc   Location
	// locSet is true once a location has been assigned for the
	// current Scheduled/Committed epoch; it is cleared when the
	// partition transitions to Lost so that a fresh location future
	// can form around the next producer run.
	locSet bool

	blocks *btree.BTree
}

// New constructs a Partition in state Ready, produced by the given
// task-group on the given edge.
func New(id plan.PartitionID, edge plan.EdgeID, producer plan.TaskGroupID) *Partition {
	p := &Partition{
		ID:                id,
		Edge:              edge,
		ProducerTaskGroup: producer,
		state:             Ready,
		blocks:            btree.New(8),
	}
	p.cond = ctxsync.NewCond(&p.mu)
	return p
}

// State returns the partition's current state.
func (p *Partition) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetScheduled transitions the partition to Scheduled, recording the
// executor the producer task-group was scheduled onto. Valid from
// Ready, Lost, LostBeforeCommit, and (idempotently) Scheduled itself.
func (p *Partition) SetScheduled(executor plan.ExecutorID, store plan.DataStore) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case Ready, Lost, LostBeforeCommit, Scheduled:
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("partition %s: cannot schedule from state %s", p.ID, p.state))
	}
	p.state = Scheduled
	p.loc = Location{Executor: executor, Store: store}
	p.locSet = true
	p.blocks = btree.New(8)
	p.cond.Broadcast()
	return nil
}

// CommitBlocks transitions the partition to Committed (if it is not
// already) and merges the given blocks into its index. Re-committing
// an index already present with identical metadata is a no-op;
// re-committing an index with different metadata is a protocol error,
// per the decision recorded for this package.
func (p *Partition) CommitBlocks(blocks []BlockMetadata) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case Scheduled, Committed:
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("partition %s: cannot commit from state %s", p.ID, p.state))
	}
	for _, b := range blocks {
		existing := p.findByIndex(b.Index)
		if existing != nil {
			if *existing != b {
				return errors.E(errors.Invalid, fmt.Sprintf("partition %s: block %d re-committed with different metadata", p.ID, b.Index))
			}
			continue
		}
		p.blocks.ReplaceOrInsert(btreeItem(b))
	}
	p.state = Committed
	p.cond.Broadcast()
	return nil
}

func (p *Partition) findByIndex(index int) *BlockMetadata {
	var found *BlockMetadata
	p.blocks.Ascend(func(item btree.Item) bool {
		b := BlockMetadata(item.(btreeItem))
		if b.Index == index {
			found = &b
			return false
		}
		return true
	})
	return found
}

// Blocks returns a snapshot of the partition's committed block index,
// ordered by hash key then index.
func (p *Partition) Blocks() []BlockMetadata {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]BlockMetadata, 0, p.blocks.Len())
	p.blocks.Ascend(func(item btree.Item) bool {
		out = append(out, BlockMetadata(item.(btreeItem)))
		return true
	})
	return out
}

// BlocksInHashRange returns the committed blocks whose HashKey falls
// within r, ordered by hash key then index. Used by shuffle reads to
// fetch only the blocks assigned to a destination task-group.
func (p *Partition) BlocksInHashRange(r plan.HashRange) []BlockMetadata {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []BlockMetadata
	p.blocks.AscendRange(
		btreeItem(BlockMetadata{HashKey: r.Lo}),
		btreeItem(BlockMetadata{HashKey: r.Hi}),
		func(item btree.Item) bool {
			out = append(out, BlockMetadata(item.(btreeItem)))
			return true
		},
	)
	return out
}

// RemoveBlockMetadata discards the partition's entire block index
// without changing its state; used when an executor reports a block
// write failure after having already committed some blocks in the
// same attempt.
func (p *Partition) RemoveBlockMetadata() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocks = btree.New(8)
}

// SetLostBeforeCommit transitions the partition to LostBeforeCommit.
// Valid from Ready or Scheduled.
func (p *Partition) SetLostBeforeCommit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case Ready, Scheduled:
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("partition %s: cannot lose-before-commit from state %s", p.ID, p.state))
	}
	p.state = LostBeforeCommit
	p.cond.Broadcast()
	return nil
}

// SetLost transitions a Committed partition to Lost, clearing its
// location and block index so it can be rescheduled and recommitted
// from scratch. Per the decision recorded for this package, a
// partition may re-enter Committed with a different location via a
// clean Lost -> Scheduled -> Committed path; there is no distinct
// "rebuild" message.
func (p *Partition) SetLost() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Committed {
		return errors.E(errors.Invalid, fmt.Sprintf("partition %s: cannot lose from state %s", p.ID, p.state))
	}
	p.state = Lost
	p.locSet = false
	p.blocks = btree.New(8)
	p.cond.Broadcast()
	return nil
}

// SetRemoved permanently retires the partition.
func (p *Partition) SetRemoved() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = Removed
	p.locSet = false
	p.cond.Broadcast()
}

// Location returns the partition's current location and whether one
// has been assigned.
func (p *Partition) Location() (Location, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loc, p.locSet
}

// WaitLocation blocks until a location has been assigned or the
// partition is Removed, or until ctx is done. This is the basis for
// the master's partition-location future: callers that want a
// non-blocking future should run WaitLocation in its own goroutine
// and communicate the result back over a channel.
func (p *Partition) WaitLocation(ctx context.Context) (Location, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.locSet {
		if p.state == Removed {
			return Location{}, errors.E(errors.NotExist, fmt.Sprintf("partition %s: removed", p.ID))
		}
		if err := p.cond.Wait(ctx); err != nil {
			return Location{}, err
		}
	}
	return p.loc, nil
}
