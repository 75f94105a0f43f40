// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"sync"

	"github.com/grailbio/base/errors"

	"github.com/grailbio/flowmesh/plan"
)

// memoryStore keeps committed partitions as in-memory byte slices.
// It is the default store for jobs small enough that spilling to
// disk or remote storage is unnecessary.
type memoryStore struct {
	mu    sync.Mutex
	data  map[plan.PartitionID][]byte
	infos map[plan.PartitionID]Info
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() Store {
	return &memoryStore{
		data:  make(map[plan.PartitionID][]byte),
		infos: make(map[plan.PartitionID]Info),
	}
}

func (m *memoryStore) get(id plan.PartitionID) ([]byte, Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[id]
	return b, m.infos[id], ok
}

func (m *memoryStore) put(id plan.PartitionID, b []byte, blocks int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[id]; ok {
		return errors.E(errors.Exists, fmt.Sprintf("store: partition %s already stored", id))
	}
	if b == nil {
		b = []byte{}
	}
	m.data[id] = b
	m.infos[id] = Info{Size: int64(len(b)), Blocks: blocks}
	return nil
}

type memoryWriter struct {
	bytes.Buffer
	id    plan.PartitionID
	store *memoryStore
}

func (w *memoryWriter) Discard(context.Context) error { return nil }

func (w *memoryWriter) Commit(ctx context.Context, blocks int64) error {
	return w.store.put(w.id, w.Buffer.Bytes(), blocks)
}

func (m *memoryStore) Create(ctx context.Context, id plan.PartitionID) (WriteCommitter, error) {
	if _, _, ok := m.get(id); ok {
		return nil, errors.E(errors.Exists, fmt.Sprintf("store: create %s", id))
	}
	return &memoryWriter{id: id, store: m}, nil
}

func (m *memoryStore) Open(ctx context.Context, id plan.PartitionID, offset int64) (io.ReadCloser, error) {
	b, _, ok := m.get(id)
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("store: open %s", id))
	}
	if int64(len(b)) < offset {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("store: open %s: seeked to %d, size %d", id, offset, len(b)))
	}
	return ioutil.NopCloser(bytes.NewReader(b[offset:])), nil
}

func (m *memoryStore) Stat(ctx context.Context, id plan.PartitionID) (Info, error) {
	_, info, ok := m.get(id)
	if !ok {
		return Info{}, errors.E(errors.NotExist, fmt.Sprintf("store: stat %s", id))
	}
	return info, nil
}
