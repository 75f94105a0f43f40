// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package executor

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"golang.org/x/sync/semaphore"

	"github.com/grailbio/flowmesh/plan"
	"github.com/grailbio/flowmesh/transport"
)

// State is a task-group's lifecycle state as reported to the master.
type State int

const (
	Ready State = iota
	Executing
	Complete
	OnHold
	FailedRecoverable
	FailedUnrecoverable
)

func (s State) String() string {
	switch s {
	case Ready:
		return "READY"
	case Executing:
		return "EXECUTING"
	case Complete:
		return "COMPLETE"
	case OnHold:
		return "ON_HOLD"
	case FailedRecoverable:
		return "FAILED_RECOVERABLE"
	case FailedUnrecoverable:
		return "FAILED_UNRECOVERABLE"
	default:
		return "UNKNOWN"
	}
}

func init() {
	gob.Register(taskGroupStateChanged{})
}

const methodTaskGroupStateChanged = "Master.TaskGroupStateChanged"

// taskGroupStateChanged is the wire report sent to the master when a
// task-group attempt starts EXECUTING and again when it settles into a
// terminal or on-hold state.
// It is idempotent on (TaskGroup, AttemptIndex, State): a master that
// has already recorded this exact transition discards the repeat,
// which is what lets StateManager retry the call at-least-once over
// an unreliable transport.
type taskGroupStateChanged struct {
	Executor     plan.ExecutorID
	TaskGroup    plan.TaskGroupID
	AttemptIndex int
	State        string
	TasksOnHold  []plan.TaskID
	Cause        string
}

// attemptKey identifies one attempt of one task-group, the unit at
// which StateManager deduplicates concurrent or repeat Run calls.
type attemptKey struct {
	TaskGroup plan.TaskGroupID
	Attempt   int
}

// StateManager wraps an Executor, turning the plain Result it returns
// into a reported TaskGroupStateChanged transition on the control
// transport, and ensures a given (task-group, attempt) pair runs at
// most once even if the master's schedule message is redelivered. A
// weighted semaphore bounds how many task-groups it runs at once, so
// that a burst of ScheduleTaskGroup messages cannot spawn unbounded
// concurrent work on one executor.
type StateManager struct {
	exec      *Executor
	transport transport.Transport
	once      attemptOnce
	sem       *semaphore.Weighted
}

// NewStateManager returns a StateManager that executes task-groups via
// exec and reports their outcome to the master over t, running at most
// capacity task-groups concurrently. capacity <= 0 is treated as 1.
func NewStateManager(exec *Executor, t transport.Transport, capacity int) *StateManager {
	if capacity <= 0 {
		capacity = 1
	}
	return &StateManager{exec: exec, transport: t, sem: semaphore.NewWeighted(int64(capacity))}
}

// Run executes tg's attempt attemptIndex at most once, reporting its
// resulting state to the master. Repeat calls with the same
// (tg.ID, attemptIndex) return the first call's error without
// re-running the task-group or re-reporting its state.
func (m *StateManager) Run(ctx context.Context, tg plan.TaskGroupPlan, attemptIndex int) error {
	key := attemptKey{TaskGroup: tg.ID, Attempt: attemptIndex}
	return m.once.Do(key, func() error {
		if err := m.report(ctx, tg.ID, attemptIndex, Executing, nil, NoCause); err != nil {
			log.Error.Printf("executor: task-group %s: failed to report EXECUTING: %v", tg.ID, err)
		}

		result := m.exec.Run(ctx, tg)

		state, cause := stateFor(result)
		if err := m.report(ctx, tg.ID, attemptIndex, state, result.OnHold, cause); err != nil {
			return err
		}
		if result.Failed() {
			return result.Err
		}
		return nil
	})
}

// Forget discards the remembered outcome of (taskGroup, attemptIndex),
// allowing a later reschedule under a new attempt index to run
// independently. Call it once the master has acknowledged the
// attempt's terminal state and moved the task-group past it.
func (m *StateManager) Forget(taskGroup plan.TaskGroupID, attemptIndex int) {
	m.once.Forget(attemptKey{TaskGroup: taskGroup, Attempt: attemptIndex})
}

func stateFor(r Result) (State, Cause) {
	switch {
	case !r.Failed() && len(r.OnHold) > 0:
		return OnHold, NoCause
	case !r.Failed():
		return Complete, NoCause
	case r.Cause.Recoverable():
		return FailedRecoverable, r.Cause
	default:
		return FailedUnrecoverable, r.Cause
	}
}

func (m *StateManager) report(ctx context.Context, tgID plan.TaskGroupID, attempt int, state State, onHold []plan.TaskID, cause Cause) error {
	body, err := gobEncode(taskGroupStateChanged{
		Executor:     m.exec.ID,
		TaskGroup:    tgID,
		AttemptIndex: attempt,
		State:        state.String(),
		TasksOnHold:  onHold,
		Cause:        cause.String(),
	})
	if err != nil {
		return err
	}
	msg := transport.Message{
		ID:     transport.NewMessageID(),
		From:   executorListenerID(m.exec.ID),
		To:     transport.RuntimeMaster,
		Method: methodTaskGroupStateChanged,
		Body:   body,
	}
	_, err = transport.CallWithRetry(ctx, m.transport, msg)
	return err
}

func executorListenerID(id plan.ExecutorID) transport.ListenerID {
	return transport.ListenerID(fmt.Sprintf("executor/%s", id))
}

// MethodScheduleTaskGroup is the method a worker process's executor
// listener registers Handle under, so the master (or whatever drives
// scheduling decisions upstream of it) can dispatch a task-group
// attempt with a single Send.
const MethodScheduleTaskGroup = "Executor.ScheduleTaskGroup"

func init() { gob.Register(scheduleTaskGroup{}) }

// scheduleTaskGroup is the wire payload for MethodScheduleTaskGroup.
type scheduleTaskGroup struct {
	TaskGroup    plan.TaskGroupPlan
	AttemptIndex int
}

// EncodeSchedule gob-encodes a ScheduleTaskGroup request body for tg's
// attemptIndex, for use by whatever dispatches task-groups to workers.
func EncodeSchedule(tg plan.TaskGroupPlan, attemptIndex int) ([]byte, error) {
	return gobEncode(scheduleTaskGroup{TaskGroup: tg, AttemptIndex: attemptIndex})
}

// Handle is the transport.Handler a worker process registers for
// MethodScheduleTaskGroup. It acknowledges receipt immediately and
// starts the task-group running asynchronously, gated by the
// StateManager's bounded pool: if the pool is already at capacity, the
// goroutine blocks on the semaphore rather than running the task-group
// right away. The actual outcome is reported back to the master
// separately, via TaskGroupStateChanged, once the attempt settles.
func (m *StateManager) Handle(ctx context.Context, msg transport.Message) ([]byte, error) {
	var req scheduleTaskGroup
	if err := gobDecode(msg.Body, &req); err != nil {
		return nil, err
	}
	go func() {
		runCtx := context.Background()
		if err := m.sem.Acquire(runCtx, 1); err != nil {
			log.Error.Printf("executor: task-group %s attempt %d: failed to acquire pool slot: %v", req.TaskGroup.ID, req.AttemptIndex, err)
			return
		}
		defer m.sem.Release(1)
		if err := m.Run(runCtx, req.TaskGroup, req.AttemptIndex); err != nil {
			log.Error.Printf("executor: task-group %s attempt %d: %v", req.TaskGroup.ID, req.AttemptIndex, err)
		}
	}()
	return nil, nil
}

func gobEncode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, errors.E(errors.Fatal, err)
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
