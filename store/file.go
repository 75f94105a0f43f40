// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"

	"github.com/grailbio/flowmesh/plan"
)

// pathStore stores each partition as a single object, named by
// joining Prefix with the partition id, using grailbio/base/file so
// that the same code serves both a local directory prefix and an S3
// ("s3://bucket/prefix") prefix: the scheme in Prefix decides which
// backend file resolves to. A partition's trailing 8 bytes hold its
// block count, little-endian, written by Commit and read back by
// Stat; this mirrors how the number of records is recorded for a
// bigslice task's stored output.
type pathStore struct {
	Prefix string
}

// NewLocalFileStore returns a Store that writes each partition under
// dir as a plain file.
func NewLocalFileStore(dir string) Store {
	return &pathStore{Prefix: dir}
}

// NewRemoteFileStore returns a Store that writes each partition as an
// S3 object under bucket/prefix.
func NewRemoteFileStore(bucket, prefix string) (Store, error) {
	if bucket == "" {
		return nil, errors.E(errors.Invalid, "store: remote file store requires a bucket")
	}
	return &pathStore{Prefix: fmt.Sprintf("s3://%s/%s", bucket, prefix)}, nil
}

func (s *pathStore) path(id plan.PartitionID) string {
	return file.Join(s.Prefix, string(id))
}

type fileWriter struct {
	file.File
	w io.Writer
}

func (w *fileWriter) Write(p []byte) (int, error) { return w.w.Write(p) }

func (w *fileWriter) Discard(ctx context.Context) error {
	w.File.Discard(ctx)
	return nil
}

func (w *fileWriter) Commit(ctx context.Context, blocks int64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(blocks))
	if _, err := w.w.Write(b[:]); err != nil {
		return err
	}
	return w.File.Close(ctx)
}

func (s *pathStore) Create(ctx context.Context, id plan.PartitionID) (WriteCommitter, error) {
	f, err := file.Create(ctx, s.path(id))
	if err != nil {
		return nil, err
	}
	return &fileWriter{File: f, w: f.Writer(ctx)}, nil
}

type limitedReadCloser struct {
	io.Reader
	f file.File
}

func (l *limitedReadCloser) Close() error {
	return l.f.Close(context.Background())
}

func (s *pathStore) Open(ctx context.Context, id plan.PartitionID, offset int64) (io.ReadCloser, error) {
	f, err := file.Open(ctx, s.path(id))
	if err != nil {
		return nil, errors.E(errors.NotExist, err)
	}
	info, err := f.Stat(ctx)
	if err != nil {
		return nil, err
	}
	r := f.Reader(ctx)
	if n, err := r.Seek(offset, io.SeekStart); err != nil || n != offset {
		if err == nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("store: seeked to %d, got %d", offset, n))
		}
		return nil, err
	}
	return &limitedReadCloser{Reader: io.LimitReader(r, info.Size()-8-offset), f: f}, nil
}

func (s *pathStore) Stat(ctx context.Context, id plan.PartitionID) (Info, error) {
	f, err := file.Open(ctx, s.path(id))
	if err != nil {
		return Info{}, errors.E(errors.NotExist, err)
	}
	info, err := f.Stat(ctx)
	if err != nil {
		return Info{}, err
	}
	r := f.Reader(ctx)
	if _, err := r.Seek(-8, io.SeekEnd); err != nil {
		return Info{}, err
	}
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Info{}, err
	}
	return Info{Size: info.Size() - 8, Blocks: int64(binary.LittleEndian.Uint64(b[:]))}, nil
}
