// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package store implements the block storage backends that a worker
// writes committed partition data into and reads it back from. These
// are reference implementations: they are sufficient for a single
// job's lifetime but make no attempt at the durability, garbage
// collection, or multi-tenant layout a production-grade persistent
// store would need.
package store

import (
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"

	"github.com/grailbio/flowmesh/plan"
)

// Info describes the metadata of a stored partition.
type Info struct {
	// Size is the encoded byte length of the stored partition.
	Size int64
	// Blocks is the number of blocks written.
	Blocks int64
}

// WriteCommitter is a committable write stream into a Store. A
// partition's bytes are not visible to Open until Commit returns.
type WriteCommitter interface {
	io.Writer
	// Commit finalizes the write, recording blocks as the number of
	// blocks it contains.
	Commit(ctx context.Context, blocks int64) error
	// Discard abandons the write; the partition is not created.
	Discard(ctx context.Context) error
}

// Store is the interface implemented by each backing data store
// named in plan.DataStore.
type Store interface {
	// Create returns a writer for the given partition. It is an error
	// to Create a partition that has already been committed.
	Create(ctx context.Context, id plan.PartitionID) (WriteCommitter, error)

	// Open returns a reader over the committed bytes of id, starting
	// at offset. It returns an error with kind errors.NotExist if id
	// has not been committed.
	Open(ctx context.Context, id plan.PartitionID, offset int64) (io.ReadCloser, error)

	// Stat returns metadata about a committed partition.
	Stat(ctx context.Context, id plan.PartitionID) (Info, error)
}

// ForDataStore returns the Store implementation a worker should use
// for partitions assigned to the given plan.DataStore, rooted at dir
// for the file-backed stores and bucket/prefix for the remote store.
// Memory and SerializedMemory share the same backing store: the
// serialization distinction is a property of the coder an edge uses,
// not of where bytes are kept once encoded.
func ForDataStore(kind plan.DataStore, dir, s3Bucket, s3Prefix string) (Store, error) {
	switch kind {
	case plan.Memory, plan.SerializedMemory:
		return NewMemoryStore(), nil
	case plan.LocalFile:
		return NewLocalFileStore(dir), nil
	case plan.RemoteFile:
		return NewRemoteFileStore(s3Bucket, s3Prefix)
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("store: unsupported data store %s", kind))
	}
}
