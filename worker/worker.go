// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package worker implements the partition manager worker: the
// worker-side façade that the task-group executor uses to retrieve a
// partition's bytes (consulting the master over the control
// transport on a local cache miss) and to commit newly produced
// partitions (writing to the local store, then reporting the commit
// to the master).
package worker

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/grailbio/flowmesh/dataio"
	"github.com/grailbio/flowmesh/partition"
	"github.com/grailbio/flowmesh/plan"
	"github.com/grailbio/flowmesh/store"
	"github.com/grailbio/flowmesh/transport"
)

func init() {
	gob.Register(requestBlockLocation{})
	gob.Register(blockLocationInfo{})
	gob.Register(commitBlocks{})
	gob.Register(fetchBlocksRequest{})
}

// ListenerID returns the listener id a worker for executor should
// register itself under.
func ListenerID(executor plan.ExecutorID) transport.ListenerID {
	return transport.ListenerID(fmt.Sprintf("%s/%s", transport.Executor, executor))
}

// Message method names exchanged between a worker and the master,
// per the control wire format.
const (
	methodRequestBlockLocation = "Master.RequestBlockLocation"
	methodCommitBlocks         = "Master.CommitBlocks"
	methodFetchBlocks          = "Worker.FetchBlocks"
)

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

type fetchBlocksRequest struct {
	Partition plan.PartitionID
	HashLo    uint32
	HashHi    uint32
	HasRange  bool
}

// Worker is the per-executor partition manager façade.
type Worker struct {
	ID        plan.ExecutorID
	Transport transport.Transport

	stores map[plan.DataStore]store.Store

	mu       sync.Mutex
	locCache map[plan.PartitionID]blockLocationInfo
	pending  map[plan.PartitionID]*committingWriter

	listener *transport.Listener
}

// Config supplies the backing stores a Worker uses, one per
// plan.DataStore kind it may be asked to create or open.
type Config struct {
	Stores map[plan.DataStore]store.Store
}

// New constructs a Worker for executor id and registers its listener
// on t.
func New(id plan.ExecutorID, t transport.Transport, cfg Config) (*Worker, error) {
	w := &Worker{
		ID:       id,
		Transport: t,
		stores:   cfg.Stores,
		locCache: make(map[plan.PartitionID]blockLocationInfo),
		pending:  make(map[plan.PartitionID]*committingWriter),
	}
	w.listener = transport.NewListener(ListenerID(id))
	w.listener.Handle(methodFetchBlocks, w.handleFetchBlocks)
	if err := t.Register(w.listener); err != nil {
		return nil, err
	}
	return w, nil
}

// Listener returns the transport.Listener registered for this
// worker's executor id, so callers can attach additional method
// handlers (such as the task-group executor's ScheduleTaskGroup) to
// the same listener identity the worker's own methods are served on.
func (w *Worker) Listener() *transport.Listener { return w.listener }

// countingWriter wraps an io.Writer, tracking the number of bytes
// written through it so committingWriter can record block offsets.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// committingWriter accumulates blocks for one partition's write,
// recording per-block offset/length/hash-key metadata as it goes so
// that Worker.Commit can hand the full index to the master in one
// call.
type committingWriter struct {
	id   plan.PartitionID
	kind plan.DataStore
	cw   *countingWriter
	enc  *dataio.Encoder
	wc   store.WriteCommitter

	mu     sync.Mutex
	blocks []partition.BlockMetadata
}

// Write implements dataio.Writer for non-shuffle edges: the block
// carries no hash key, so it is always visible regardless of hash
// range.
func (c *committingWriter) Write(ctx context.Context, batch []interface{}) error {
	return c.writeHashed(batch, 0)
}

// WriteHashed writes batch as one block tagged with hashKey, the
// murmur3 hash of its shuffle key, so that a later BlocksInHashRange
// scan can select only the blocks a given consumer needs.
func (c *committingWriter) WriteHashed(ctx context.Context, batch []interface{}, hashKey uint32) error {
	return c.writeHashed(batch, hashKey)
}

func (c *committingWriter) writeHashed(batch []interface{}, hashKey uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	offset := c.cw.n
	if err := c.enc.Encode(batch); err != nil {
		return errors.E(errors.Temporary, err)
	}
	c.blocks = append(c.blocks, partition.BlockMetadata{
		Index:   len(c.blocks),
		Offset:  offset,
		Length:  c.cw.n - offset,
		HashKey: hashKey,
	})
	return nil
}

// Create returns a Writer a task should use to produce partition id
// on the given data store.
func (w *Worker) Create(ctx context.Context, id plan.PartitionID, kind plan.DataStore) (dataio.Writer, error) {
	s, ok := w.stores[kind]
	if !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("worker: no store configured for %s", kind))
	}
	wc, err := s.Create(ctx, id)
	if err != nil {
		return nil, err
	}
	cw := &countingWriter{w: wc}
	committing := &committingWriter{id: id, kind: kind, cw: cw, enc: dataio.NewEncoder(cw), wc: wc}
	w.mu.Lock()
	w.pending[id] = committing
	w.mu.Unlock()
	return committing, nil
}

// Commit finalizes the pending write for id (as created by Create)
// and reports its committed block metadata to the master.
func (w *Worker) Commit(ctx context.Context, id plan.PartitionID) error {
	w.mu.Lock()
	cw, ok := w.pending[id]
	if ok {
		delete(w.pending, id)
	}
	w.mu.Unlock()
	if !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("worker: no pending write for partition %s", id))
	}

	cw.mu.Lock()
	blocks := cw.blocks
	numBlocks := int64(len(blocks))
	cw.mu.Unlock()

	if err := cw.wc.Commit(ctx, numBlocks); err != nil {
		return errors.E(errors.Temporary, err)
	}
	body, err := gobEncode(commitBlocks{Partition: id, Blocks: blocks})
	if err != nil {
		return err
	}
	if _, err := w.Transport.Call(ctx, transport.Message{
		ID:     transport.NewMessageID(),
		From:   ListenerID(w.ID),
		To:     transport.RuntimeMaster,
		Method: methodCommitBlocks,
		Body:   body,
	}); err != nil {
		return err
	}
	w.mu.Lock()
	w.locCache[id] = blockLocationInfo{Partition: id, Committed: true, OwnerExecutor: w.ID, OwnerDataStore: cw.kind}
	w.mu.Unlock()
	return nil
}

// Retrieve returns a Reader over partition id's committed bytes,
// restricted to hashRange if non-nil. It consults the local cache
// first; on a miss it asks the master for the partition's location,
// then either reads the local store directly (if this worker owns
// the partition, or the store is globally addressable such as a
// remote file store) or fetches the bytes from the owning worker.
func (w *Worker) Retrieve(ctx context.Context, id plan.PartitionID, hashRange *plan.HashRange) (dataio.Reader, error) {
	loc, err := w.locationOf(ctx, id)
	if err != nil {
		return nil, err
	}
	if loc.OwnerDataStore == plan.RemoteFile || loc.OwnerExecutor == w.ID {
		s, ok := w.stores[loc.OwnerDataStore]
		if !ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("worker: no store configured for %s", loc.OwnerDataStore))
		}
		rc, err := s.Open(ctx, id, 0)
		if err != nil {
			return nil, err
		}
		return dataio.NewDecodingReader(rc), nil
	}
	return w.fetchRemote(ctx, loc.OwnerExecutor, id, hashRange)
}

func (w *Worker) locationOf(ctx context.Context, id plan.PartitionID) (blockLocationInfo, error) {
	w.mu.Lock()
	loc, ok := w.locCache[id]
	w.mu.Unlock()
	if ok && loc.Committed {
		return loc, nil
	}
	body, err := gobEncode(requestBlockLocation{Partition: id})
	if err != nil {
		return blockLocationInfo{}, err
	}
	reply, err := transport.CallWithRetry(ctx, w.Transport, transport.Message{
		ID:     transport.NewMessageID(),
		From:   ListenerID(w.ID),
		To:     transport.RuntimeMaster,
		Method: methodRequestBlockLocation,
		Body:   body,
	})
	if err != nil {
		return blockLocationInfo{}, err
	}
	var info blockLocationInfo
	if err := gobDecode(reply, &info); err != nil {
		return blockLocationInfo{}, err
	}
	w.mu.Lock()
	w.locCache[id] = info
	w.mu.Unlock()
	return info, nil
}

// InvalidateLocation drops a cached location, e.g. after a fetch from
// the previously-known owner fails and the partition must be
// relocated following a worker loss.
func (w *Worker) InvalidateLocation(id plan.PartitionID) {
	w.mu.Lock()
	delete(w.locCache, id)
	w.mu.Unlock()
}

func (w *Worker) fetchRemote(ctx context.Context, owner plan.ExecutorID, id plan.PartitionID, hashRange *plan.HashRange) (dataio.Reader, error) {
	req := fetchBlocksRequest{Partition: id}
	if hashRange != nil {
		req.HasRange = true
		req.HashLo, req.HashHi = hashRange.Lo, hashRange.Hi
	}
	body, err := gobEncode(req)
	if err != nil {
		return nil, err
	}
	reply, err := w.Transport.Call(ctx, transport.Message{
		ID:     transport.NewMessageID(),
		From:   ListenerID(w.ID),
		To:     ListenerID(owner),
		Method: methodFetchBlocks,
		Body:   body,
	})
	if err != nil {
		log.Error.Printf("worker: fetch %s from %s: %v", id, owner, err)
		return nil, err
	}
	return dataio.NewDecodingReader(newByteReader(reply)), nil
}

func (w *Worker) handleFetchBlocks(ctx context.Context, msg transport.Message) ([]byte, error) {
	var req fetchBlocksRequest
	if err := gobDecode(msg.Body, &req); err != nil {
		return nil, err
	}
	w.mu.Lock()
	loc, ok := w.locCache[req.Partition]
	w.mu.Unlock()
	if !ok || !loc.Committed {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("worker: partition %s not held here", req.Partition))
	}
	s, ok := w.stores[loc.OwnerDataStore]
	if !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("worker: no store configured for %s", loc.OwnerDataStore))
	}
	rc, err := s.Open(ctx, req.Partition, 0)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return readAll(rc)
}
