// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package master

import (
	"sync"

	"github.com/grailbio/flowmesh/plan"
)

// TaskGroupStatus is the master's last-known view of one task-group
// attempt, updated as TaskGroupStateChanged reports arrive from
// executors.
type TaskGroupStatus struct {
	Executor     plan.ExecutorID
	AttemptIndex int
	State        string
	TasksOnHold  []plan.TaskID
	Cause        string
}

// TaskGroupRegistry tracks the latest reported status of every
// task-group known to the master. It applies reports idempotently: a
// report that repeats the last recorded (AttemptIndex, State) for a
// group is a no-op, which is what lets StateManager retry its report
// over an at-least-once transport without double-counting.
type TaskGroupRegistry struct {
	mu     sync.Mutex
	status map[plan.TaskGroupID]TaskGroupStatus
}

// NewTaskGroupRegistry returns an empty TaskGroupRegistry.
func NewTaskGroupRegistry() *TaskGroupRegistry {
	return &TaskGroupRegistry{status: make(map[plan.TaskGroupID]TaskGroupStatus)}
}

// Apply records a status report for tg, returning true if it changed
// the registry's view (i.e. this was not a redelivered duplicate).
func (r *TaskGroupRegistry) Apply(tg plan.TaskGroupID, status TaskGroupStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.status[tg]
	if ok && prev.AttemptIndex == status.AttemptIndex && prev.State == status.State {
		return false
	}
	r.status[tg] = status
	return true
}

// Status returns the last-known status of tg.
func (r *TaskGroupRegistry) Status(tg plan.TaskGroupID) (TaskGroupStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.status[tg]
	return s, ok
}
