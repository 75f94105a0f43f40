// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package executor

import (
	"bytes"
	"context"
	"encoding/gob"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/flowmesh/channel"
	"github.com/grailbio/flowmesh/plan"
	"github.com/grailbio/flowmesh/transform"
	"github.com/grailbio/flowmesh/transport"
)

// captureMaster is a minimal transport.Listener standing in for the
// master's TaskGroupStateChanged handler, recording every report it
// receives.
func newCaptureMaster(t *testing.T, reg *transport.Registry) *[]taskGroupStateChanged {
	t.Helper()
	var mu sync.Mutex
	var reports []taskGroupStateChanged
	l := transport.NewListener(transport.RuntimeMaster)
	l.Handle(methodTaskGroupStateChanged, func(ctx context.Context, msg transport.Message) ([]byte, error) {
		var req taskGroupStateChanged
		if err := gob.NewDecoder(bytes.NewReader(msg.Body)).Decode(&req); err != nil {
			return nil, err
		}
		mu.Lock()
		reports = append(reports, req)
		mu.Unlock()
		return nil, nil
	})
	if err := reg.Register(l); err != nil {
		t.Fatal(err)
	}
	return &reports
}

func TestStateManagerReportsCompleteOnSuccess(t *testing.T) {
	transform.RegisterSource("statemanager_test.source", func(ctx *transform.Context) error {
		ctx.Emit("x")
		return nil
	})

	reg := transport.NewRegistry()
	reports := newCaptureMaster(t, reg)

	fc := newFakeChannels()
	factory := channel.NewFactory(fc, fc)
	exec := New("exec1", factory)
	sm := NewStateManager(exec, reg, 4)

	tg := plan.TaskGroupPlan{
		ID:    "tg1",
		Index: 0,
		Tasks: []plan.TaskPlan{
			{ID: "src", Variant: plan.BoundedSource, TransformName: "statemanager_test.source", OutEdges: []plan.EdgeID{"e1"}},
		},
		Edges: map[plan.EdgeID]plan.EdgeSpec{
			"e1": {ID: "e1", CommPattern: plan.OneToOne},
		},
	}

	if err := sm.Run(context.Background(), tg, 0); err != nil {
		t.Fatal(err)
	}
	if len(*reports) != 2 {
		t.Fatalf("got %d reports, want 2 (EXECUTING, COMPLETE)", len(*reports))
	}
	if (*reports)[0].State != "EXECUTING" {
		t.Errorf("first report: got %q, want EXECUTING", (*reports)[0].State)
	}
	if (*reports)[1].State != "COMPLETE" {
		t.Errorf("second report: got %q, want COMPLETE", (*reports)[1].State)
	}
}

func TestStateManagerRunsAttemptAtMostOnce(t *testing.T) {
	var runs int
	transform.RegisterSource("statemanager_test.counting_source", func(ctx *transform.Context) error {
		runs++
		return nil
	})

	reg := transport.NewRegistry()
	newCaptureMaster(t, reg)

	fc := newFakeChannels()
	factory := channel.NewFactory(fc, fc)
	exec := New("exec1", factory)
	sm := NewStateManager(exec, reg, 4)

	tg := plan.TaskGroupPlan{
		ID:    "tg2",
		Index: 0,
		Tasks: []plan.TaskPlan{
			{ID: "src", Variant: plan.BoundedSource, TransformName: "statemanager_test.counting_source", OutEdges: []plan.EdgeID{"e1"}},
		},
		Edges: map[plan.EdgeID]plan.EdgeSpec{
			"e1": {ID: "e1", CommPattern: plan.OneToOne},
		},
	}

	ctx := context.Background()
	if err := sm.Run(ctx, tg, 0); err != nil {
		t.Fatal(err)
	}
	if err := sm.Run(ctx, tg, 0); err != nil {
		t.Fatal(err)
	}
	if runs != 1 {
		t.Errorf("got %d runs, want 1 (second Run with same attempt must be a no-op)", runs)
	}

	sm.Forget(tg.ID, 0)
	if err := sm.Run(ctx, tg, 0); err != nil {
		t.Fatal(err)
	}
	if runs != 2 {
		t.Errorf("got %d runs after Forget, want 2", runs)
	}
}

// TestStateManagerHandleBoundsConcurrency verifies that Handle's pool
// caps the number of task-groups running at once: with capacity 1,
// two concurrently-dispatched ScheduleTaskGroup messages must never
// observe more than one source transform executing simultaneously.
func TestStateManagerHandleBoundsConcurrency(t *testing.T) {
	var mu sync.Mutex
	var inFlight, maxInFlight int
	release := make(chan struct{})
	transform.RegisterSource("statemanager_test.pool_source", func(ctx *transform.Context) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		<-release
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	})

	reg := transport.NewRegistry()
	newCaptureMaster(t, reg)

	fc := newFakeChannels()
	factory := channel.NewFactory(fc, fc)
	exec := New("exec1", factory)
	sm := NewStateManager(exec, reg, 1)

	tgFor := func(id plan.TaskGroupID) plan.TaskGroupPlan {
		return plan.TaskGroupPlan{
			ID:    id,
			Index: 0,
			Tasks: []plan.TaskPlan{
				{ID: "src", Variant: plan.BoundedSource, TransformName: "statemanager_test.pool_source", OutEdges: []plan.EdgeID{"e1"}},
			},
			Edges: map[plan.EdgeID]plan.EdgeSpec{
				"e1": {ID: "e1", CommPattern: plan.OneToOne},
			},
		}
	}

	for _, id := range []plan.TaskGroupID{"tgp1", "tgp2"} {
		body, err := EncodeSchedule(tgFor(id), 0)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := sm.Handle(context.Background(), transport.Message{Body: body}); err != nil {
			t.Fatal(err)
		}
	}

	// Give both Handle goroutines a chance to start (or block on the
	// pool's semaphore) before releasing the first task-group; with
	// capacity 1 only one of them should have entered the transform.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	started := inFlight
	mu.Unlock()
	if started != 1 {
		t.Errorf("got %d task-groups running before release, want 1 (second must block on the pool)", started)
	}

	close(release)

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		done := inFlight == 0
		mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for both task-groups to finish")
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != 1 {
		t.Errorf("got max concurrent task-groups %d, want 1 (pool capacity)", maxInFlight)
	}
}

func TestStateManagerReportsFailedRecoverable(t *testing.T) {
	transform.Register("statemanager_test.failing_op", func(ctx *transform.Context, records []interface{}, srcVertexID string) error { return nil })

	reg := transport.NewRegistry()
	reports := newCaptureMaster(t, reg)

	fc := newFakeChannels()
	factory := channel.NewFactory(fc, fc)
	exec := New("exec1", factory)
	sm := NewStateManager(exec, reg, 4)

	tg := plan.TaskGroupPlan{
		ID:    "tg3",
		Index: 0,
		Tasks: []plan.TaskPlan{
			{ID: "op", Variant: plan.Operator, TransformName: "statemanager_test.failing_op", InEdges: []plan.EdgeID{"missing"}},
		},
		Edges: map[plan.EdgeID]plan.EdgeSpec{},
	}

	if err := sm.Run(context.Background(), tg, 0); err == nil {
		t.Fatal("expected Run to return the underlying failure")
	}
	if len(*reports) != 2 {
		t.Fatalf("got %d reports, want 2", len(*reports))
	}
	if (*reports)[1].State != "FAILED_RECOVERABLE" {
		t.Errorf("got %q, want FAILED_RECOVERABLE", (*reports)[1].State)
	}
}
