// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package channel builds the reader/writer pair a task uses to
// consume or produce one edge's data, choosing which partitions to
// read from the edge's comm pattern and the store from its data
// store. Every edge, within a task-group or across stages, is written
// and read through the partition manager worker's store-backed
// Committer/Retriever; there is no separate in-process queue.
package channel

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/spaolacci/murmur3"

	"github.com/grailbio/flowmesh/dataio"
	"github.com/grailbio/flowmesh/plan"
)

// Retriever is the subset of the partition manager worker (C8) that
// the channel factory needs: fetching a committed partition's bytes,
// optionally restricted to a hash range for shuffle reads.
type Retriever interface {
	Retrieve(ctx context.Context, id plan.PartitionID, hashRange *plan.HashRange) (dataio.Reader, error)
}

// Committer is the subset of the partition manager worker the
// channel factory needs on the write side: committing a produced
// partition's blocks.
type Committer interface {
	Create(ctx context.Context, id plan.PartitionID, store plan.DataStore) (dataio.Writer, error)
	Commit(ctx context.Context, id plan.PartitionID) error
}

// Factory constructs readers and writers for task-group edges.
type Factory struct {
	Retriever Retriever
	Committer Committer
}

// NewFactory returns a Factory backed by the given worker-side
// retrieve/commit implementation.
func NewFactory(r Retriever, c Committer) *Factory {
	return &Factory{Retriever: r, Committer: c}
}

// Writer returns the Writer a producer task at producerIndex should
// use for edge, on behalf of the given task-group. For Shuffle edges
// the returned Writer also implements dataio.HashedWriter; callers
// that have grouped a batch by shuffle key should use WriteHashed so
// that consumers can later select just their assigned hash range.
func (f *Factory) Writer(ctx context.Context, edge plan.EdgeSpec, producerIndex int) (dataio.Writer, error) {
	switch edge.CommPattern {
	case plan.OneToOne, plan.Broadcast, plan.Shuffle:
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("channel: unsupported comm pattern %s", edge.CommPattern))
	}
	id := plan.FormatPartitionID(edge.ID, producerIndex)
	return f.Committer.Create(ctx, id, edge.DataStore)
}

// Reader returns the Reader a consumer task-group at destIndex should
// use to read edge, fanned in across all of the edge's producer
// partitions. Callers that need to distinguish which source partition
// each record came from (the task-group executor's operator tasks)
// should use SourceReaders instead.
func (f *Factory) Reader(ctx context.Context, edge plan.EdgeSpec, destIndex int) (dataio.Reader, error) {
	parts, err := f.SourceReaders(ctx, edge, destIndex)
	if err != nil {
		return nil, err
	}
	readers := make([]dataio.Reader, len(parts))
	for i, p := range parts {
		readers[i] = p.Reader
	}
	return dataio.MultiReader(readers...), nil
}

// SourcePartition pairs one source partition's Reader with the vertex
// id of the task that produced it, so a caller driving one future per
// source (the task-group executor's operator tasks) can tell its
// transform which source a completed read came from.
type SourcePartition struct {
	SrcVertexID string
	Reader      dataio.Reader
}

// SourceReaders returns one Reader per producer partition feeding
// edge's destIndex, preserving the producer's identity on each. For
// Broadcast it is one reader per source-side parallelism index
// (edge#0..edge#(N-1)), each carrying the full hash range; for
// OneToOne it is the single partition at destIndex; for Shuffle it is
// one reader per source partition, each restricted to destIndex's
// hash range.
func (f *Factory) SourceReaders(ctx context.Context, edge plan.EdgeSpec, destIndex int) ([]SourcePartition, error) {
	switch edge.CommPattern {
	case plan.Broadcast:
		parts := make([]SourcePartition, edge.SourceParallelism)
		for i := 0; i < edge.SourceParallelism; i++ {
			id := plan.FormatPartitionID(edge.ID, i)
			rd, err := f.readPartition(ctx, id, nil)
			if err != nil {
				return nil, err
			}
			parts[i] = SourcePartition{SrcVertexID: string(id), Reader: rd}
		}
		return parts, nil
	case plan.OneToOne:
		id := plan.FormatPartitionID(edge.ID, destIndex)
		rd, err := f.readPartition(ctx, id, nil)
		if err != nil {
			return nil, err
		}
		return []SourcePartition{{SrcVertexID: string(id), Reader: rd}}, nil
	case plan.Shuffle:
		r, ok := edge.HashRanges[destIndex]
		if !ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("channel: edge %s has no hash range for destination %d", edge.ID, destIndex))
		}
		parts := make([]SourcePartition, edge.SourceParallelism)
		for i := 0; i < edge.SourceParallelism; i++ {
			id := plan.FormatPartitionID(edge.ID, i)
			rd, err := f.readPartition(ctx, id, &r)
			if err != nil {
				return nil, err
			}
			parts[i] = SourcePartition{SrcVertexID: string(id), Reader: rd}
		}
		return parts, nil
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("channel: unsupported comm pattern %s", edge.CommPattern))
	}
}

func (f *Factory) readPartition(ctx context.Context, id plan.PartitionID, hashRange *plan.HashRange) (dataio.Reader, error) {
	return f.Retriever.Retrieve(ctx, id, hashRange)
}

// HashKey returns the murmur3 hash used to place a shuffle key within
// an edge's hash ranges.
func HashKey(key []byte) uint32 {
	return murmur3.Sum32(key)
}

// DestinationForKey returns the index of the destination task-group
// whose hash range in edge contains key's hash.
func DestinationForKey(edge plan.EdgeSpec, key []byte) (int, error) {
	h := HashKey(key)
	for dest, r := range edge.HashRanges {
		if r.Contains(h) {
			return dest, nil
		}
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("channel: no destination for hash %d on edge %s", h, edge.ID))
}
