// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package executor implements the task-group executor: given a
// compiled plan.TaskGroupPlan, it walks the group's micro-DAG in
// topological order, dispatching each task according to its variant
// and wiring its readers/writers through a channel.Factory.
package executor

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"

	"github.com/grailbio/flowmesh/channel"
	"github.com/grailbio/flowmesh/dataio"
	"github.com/grailbio/flowmesh/plan"
	"github.com/grailbio/flowmesh/transform"
)

// Cause classifies why a task-group execution failed, determining
// whether the group is recoverable by rescheduling.
type Cause int

const (
	// NoCause is the zero value, used when execution did not fail.
	NoCause Cause = iota
	// InputReadFailure indicates a task could not read one of its
	// input edges.
	InputReadFailure
	// OutputWriteFailure indicates a task could not write one of its
	// output edges.
	OutputWriteFailure
	// Other indicates any other failure, treated as unrecoverable.
	Other
)

func (c Cause) String() string {
	switch c {
	case NoCause:
		return "NONE"
	case InputReadFailure:
		return "INPUT_READ_FAILURE"
	case OutputWriteFailure:
		return "OUTPUT_WRITE_FAILURE"
	default:
		return "OTHER"
	}
}

// Recoverable reports whether a failure with this cause should be
// retried by rescheduling the task-group, rather than failing the
// job outright.
func (c Cause) Recoverable() bool {
	return c == InputReadFailure || c == OutputWriteFailure
}

// Result is the outcome of running one task-group.
type Result struct {
	// OnHold lists the ids of tasks that ended in ON_HOLD, i.e. metric
	// collection barriers awaiting release.
	OnHold []plan.TaskID
	// Cause is set if execution failed.
	Cause Cause
	// Err is the underlying error, set alongside Cause.
	Err error
}

// Failed reports whether the task-group did not complete.
func (r Result) Failed() bool { return r.Cause != NoCause }

// Executor runs task-groups on behalf of one executor process.
type Executor struct {
	ID      plan.ExecutorID
	Factory *channel.Factory
	Status  *status.Group
}

// New returns an Executor that builds task readers/writers via
// factory.
func New(id plan.ExecutorID, factory *channel.Factory) *Executor {
	return &Executor{ID: id, Factory: factory}
}

// Run executes every task in tg, in topological order, committing each
// task's output partitions once the task has finished, and returns the
// aggregate result.
func (e *Executor) Run(ctx context.Context, tg plan.TaskGroupPlan) Result {
	order, err := topoSort(tg)
	if err != nil {
		return Result{Cause: Other, Err: err}
	}

	var onHold []plan.TaskID
	for _, task := range order {
		var t *status.Task
		if e.Status != nil {
			t = e.Status.Start(fmt.Sprintf("%s/%s", tg.ID, task.ID))
		}
		held, err := e.runTask(ctx, tg, task)
		for _, edgeID := range task.OutEdges {
			if err != nil {
				break
			}
			if cerr := e.Factory.Committer.Commit(ctx, plan.FormatPartitionID(edgeID, tg.Index)); cerr != nil {
				err = writeErr{cerr}
			}
		}
		if t != nil {
			t.Done()
		}
		if err != nil {
			cause := classify(err)
			log.Error.Printf("executor: task-group %s task %s failed (%s): %v", tg.ID, task.ID, cause, err)
			return Result{Cause: cause, Err: err}
		}
		if held {
			onHold = append(onHold, task.ID)
		}
	}
	return Result{OnHold: onHold}
}

// readErr/writeErr tag an error with the cause it maps to, so
// classify can recover the distinction after it has propagated up
// through task-specific code.
type readErr struct{ error }
type writeErr struct{ error }

func classify(err error) Cause {
	switch err.(type) {
	case readErr:
		return InputReadFailure
	case writeErr:
		return OutputWriteFailure
	default:
		return Other
	}
}

func (e *Executor) runTask(ctx context.Context, tg plan.TaskGroupPlan, task plan.TaskPlan) (onHold bool, err error) {
	switch task.Variant {
	case plan.BoundedSource:
		return false, e.runSource(ctx, tg, task)
	case plan.Operator:
		return false, e.runOperator(ctx, tg, task)
	case plan.MetricBarrier:
		return e.runMetricBarrier(ctx, tg, task)
	default:
		return false, errors.E(errors.Invalid, fmt.Sprintf("executor: unknown task variant for %s", task.ID))
	}
}

func (e *Executor) runSource(ctx context.Context, tg plan.TaskGroupPlan, task plan.TaskPlan) error {
	fn, err := transform.LookupSource(task.TransformName)
	if err != nil {
		return err
	}
	writers, err := e.openWriters(ctx, tg, task)
	if err != nil {
		return writeErr{err}
	}
	tctx := &transform.Context{
		Name: task.TransformName,
		Emit: func(v interface{}) {
			for _, w := range writers {
				if werr := w.Write(ctx, []interface{}{v}); werr != nil {
					err = writeErr{werr}
				}
			}
		},
	}
	if serr := fn(tctx); serr != nil {
		return serr
	}
	return err
}

// sourceResult is the outcome of one source-future: the full iterable
// read from one source partition, tagged with the vertex id that
// produced it.
type sourceResult struct {
	srcVertexID string
	records     []interface{}
	err         error
}

// runOperator drives one operator task's data queue: it opens one
// future per source partition across all of the task's non-side input
// edges, each future reading its partition to exhaustion and posting
// the full iterable to a shared, bounded queue sized to the number of
// outstanding futures. The task-group thread is the queue's single
// consumer: it takes exactly sum(sourceParallelism) results, invoking
// the transform once per result with that source's full iterable and
// vertex id, then calls the transform's Close hook (if registered)
// before returning.
func (e *Executor) runOperator(ctx context.Context, tg plan.TaskGroupPlan, task plan.TaskPlan) error {
	fn, err := transform.Lookup(task.TransformName)
	if err != nil {
		return err
	}
	closeFn, hasClose := transform.LookupClose(task.TransformName)

	side, err := e.materializeSideInputs(ctx, tg, task)
	if err != nil {
		return readErr{err}
	}
	sources, err := e.openSources(ctx, tg, task)
	if err != nil {
		return readErr{err}
	}
	writers, err := e.openWriters(ctx, tg, task)
	if err != nil {
		return writeErr{err}
	}

	var writeFailure error
	tctx := &transform.Context{
		Name: task.TransformName,
		Side: side,
		Emit: func(v interface{}) {
			for _, w := range writers {
				if werr := w.Write(ctx, []interface{}{v}); werr != nil {
					writeFailure = werr
				}
			}
		},
	}

	queue := make(chan sourceResult, len(sources))
	for _, src := range sources {
		src := src
		go func() {
			records, rerr := readAll(ctx, src.Reader)
			queue <- sourceResult{srcVertexID: src.SrcVertexID, records: records, err: rerr}
		}()
	}

	for range sources {
		res := <-queue
		if res.err != nil {
			return readErr{res.err}
		}
		if ferr := fn(tctx, res.records, res.srcVertexID); ferr != nil {
			return ferr
		}
		if writeFailure != nil {
			return writeErr{writeFailure}
		}
	}

	if hasClose {
		if cerr := closeFn(tctx); cerr != nil {
			return cerr
		}
		if writeFailure != nil {
			return writeErr{writeFailure}
		}
	}
	return nil
}

// runMetricBarrier drains its inputs, forwarding every record
// unchanged, and reports ON_HOLD rather than completing: the
// task-group state manager is responsible for releasing it once the
// metrics it collected have been consumed upstream.
func (e *Executor) runMetricBarrier(ctx context.Context, tg plan.TaskGroupPlan, task plan.TaskPlan) (bool, error) {
	readers, err := e.openReaders(ctx, tg, task)
	if err != nil {
		return false, readErr{err}
	}
	writers, err := e.openWriters(ctx, tg, task)
	if err != nil {
		return false, writeErr{err}
	}
	var records int64
	for _, r := range readers {
		for {
			batch, rerr := r.Read(ctx)
			if rerr != nil {
				if isEOF(rerr) {
					break
				}
				return false, readErr{rerr}
			}
			records += int64(len(batch))
			for _, w := range writers {
				if werr := w.Write(ctx, batch); werr != nil {
					return false, writeErr{werr}
				}
			}
		}
	}
	return true, nil
}

func (e *Executor) openReaders(ctx context.Context, tg plan.TaskGroupPlan, task plan.TaskPlan) ([]dataio.Reader, error) {
	var readers []dataio.Reader
	for _, edgeID := range task.InEdges {
		edge, ok := tg.Edges[edgeID]
		if !ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("executor: task %s: no such edge %s", task.ID, edgeID))
		}
		r, err := e.Factory.Reader(ctx, edge, tg.Index)
		if err != nil {
			return nil, err
		}
		readers = append(readers, r)
	}
	return readers, nil
}

// openSources returns one SourcePartition per producer partition
// across all of task's non-side input edges, each tagged with its
// source vertex id, for runOperator to drive as an independent future.
func (e *Executor) openSources(ctx context.Context, tg plan.TaskGroupPlan, task plan.TaskPlan) ([]channel.SourcePartition, error) {
	var sources []channel.SourcePartition
	for _, edgeID := range task.InEdges {
		edge, ok := tg.Edges[edgeID]
		if !ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("executor: task %s: no such edge %s", task.ID, edgeID))
		}
		parts, err := e.Factory.SourceReaders(ctx, edge, tg.Index)
		if err != nil {
			return nil, err
		}
		sources = append(sources, parts...)
	}
	return sources, nil
}

func (e *Executor) materializeSideInputs(ctx context.Context, tg plan.TaskGroupPlan, task plan.TaskPlan) ([]interface{}, error) {
	var side []interface{}
	for _, edgeID := range task.SideInEdges {
		edge, ok := tg.Edges[edgeID]
		if !ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("executor: task %s: no such side edge %s", task.ID, edgeID))
		}
		r, err := e.Factory.Reader(ctx, edge, tg.Index)
		if err != nil {
			return nil, err
		}
		values, err := readAll(ctx, r)
		if err != nil {
			return nil, err
		}
		side = append(side, values)
	}
	return side, nil
}

// readAll drains r to exhaustion and returns every record read.
func readAll(ctx context.Context, r dataio.Reader) ([]interface{}, error) {
	var values []interface{}
	for {
		batch, err := r.Read(ctx)
		if err != nil {
			if isEOF(err) {
				return values, nil
			}
			return nil, err
		}
		values = append(values, batch...)
	}
}

func (e *Executor) openWriters(ctx context.Context, tg plan.TaskGroupPlan, task plan.TaskPlan) ([]dataio.Writer, error) {
	var writers []dataio.Writer
	for _, edgeID := range task.OutEdges {
		edge, ok := tg.Edges[edgeID]
		if !ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("executor: task %s: no such edge %s", task.ID, edgeID))
		}
		w, err := e.Factory.Writer(ctx, edge, tg.Index)
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
	}
	return writers, nil
}

func isEOF(err error) bool {
	return err == dataio.EOF
}
