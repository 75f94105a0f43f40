// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package plan defines the wire representation of a compiled physical
// plan: the DAG of stages, task groups, tasks, and edges that a job
// submits for execution. Producing a plan (the compiler/optimizer) is
// out of scope here; plan only describes the contract that a
// scheduler hands to a worker inside ScheduleTaskGroup.
package plan

// JobID, StageID, TaskGroupID, TaskID, EdgeID and PartitionID are
// opaque, dense, job-unique identifiers assigned by the compiler.
// They are never reused within a job.
type (
	JobID       string
	StageID     string
	TaskGroupID string
	TaskID      string
	EdgeID      string
	ExecutorID  string
)

// PartitionID names one shard of intermediate data produced by
// exactly one producer task. By convention it is formatted as
// "<edgeId>#<producerTaskIndex>"; FormatPartitionID keeps that
// convention in one place.
type PartitionID string

// FormatPartitionID builds the canonical partition id for the given
// edge and producer task index.
func FormatPartitionID(edge EdgeID, producerIndex int) PartitionID {
	return PartitionID(string(edge) + "#" + itoa(producerIndex))
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// CommPattern describes how a source task-group's outputs are
// consumed by a destination task-group.
type CommPattern int

const (
	OneToOne CommPattern = iota
	Broadcast
	Shuffle
)

func (c CommPattern) String() string {
	switch c {
	case OneToOne:
		return "ONE_TO_ONE"
	case Broadcast:
		return "BROADCAST"
	case Shuffle:
		return "SHUFFLE"
	default:
		return "UNKNOWN_COMM_PATTERN"
	}
}

// DataStore names the backing store used for an edge's partitions.
type DataStore int

const (
	Memory DataStore = iota
	SerializedMemory
	LocalFile
	RemoteFile
)

func (d DataStore) String() string {
	switch d {
	case Memory:
		return "MEMORY"
	case SerializedMemory:
		return "SER_MEMORY"
	case LocalFile:
		return "LOCAL_FILE"
	case RemoteFile:
		return "REMOTE_FILE"
	default:
		return "UNKNOWN_DATA_STORE"
	}
}

// HashRange is a half-open sub-interval [Lo, Hi) of a uint32 hash
// space, assigned to one destination task-group of a shuffle edge.
type HashRange struct {
	Lo, Hi uint32
}

// Contains reports whether h is within the range.
func (r HashRange) Contains(h uint32) bool {
	return h >= r.Lo && h < r.Hi
}

// EdgeSpec describes one edge of the task-group micro-DAG.
type EdgeSpec struct {
	ID EdgeID

	CommPattern CommPattern
	DataStore   DataStore

	// SideInput marks this edge as a fully materialized side input
	// that must be available before per-element processing begins.
	SideInput bool

	// CoderID names the coder used to (de)serialize elements carried
	// by this edge.
	CoderID string

	// HashRanges maps destination task-group index to the hash range
	// assigned to it. Only set for Shuffle edges.
	HashRanges map[int]HashRange

	// SourceParallelism is the number of source-side task indices
	// (0..SourceParallelism-1) that produce partitions on this edge.
	SourceParallelism int
}

// TaskVariant tags the three kinds of task a task-group may run.
type TaskVariant int

const (
	BoundedSource TaskVariant = iota
	Operator
	MetricBarrier
)

// TaskPlan describes one task inside a task-group's micro-DAG.
type TaskPlan struct {
	ID      TaskID
	Variant TaskVariant

	// TransformName names the registered user transform (or, for a
	// BoundedSource, the registered source) this task wraps; empty for
	// MetricBarrier tasks, which do not require one.
	TransformName string

	// InEdges are the edge ids this task reads from (excluding side
	// inputs); SideInEdges are side-input edges awaited before
	// processing begins.
	InEdges     []EdgeID
	SideInEdges []EdgeID
	// OutEdges are the edge ids this task writes to.
	OutEdges []EdgeID
}

// TaskGroupPlan is the unit of scheduling: a small DAG of tasks that
// run together inside one worker thread, topologically ordered.
type TaskGroupPlan struct {
	Job   JobID
	Stage StageID
	ID    TaskGroupID

	// Index is this task-group's position among its stage's sibling
	// task-groups (its "destination index" for shuffle hash-range
	// assignment, and its producer-task-index for the partitions it
	// produces).
	Index int

	Tasks []TaskPlan
	Edges map[EdgeID]EdgeSpec

	// AttemptIndex counts reschedules of this task-group after
	// failure; incremented by the scheduler on each resubmission.
	AttemptIndex int
}
