// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package executor

import (
	"testing"

	"github.com/grailbio/base/errors"

	"github.com/grailbio/flowmesh/plan"
)

func TestTopoSortOrdersByDependency(t *testing.T) {
	tg := plan.TaskGroupPlan{
		ID: "tg1",
		Tasks: []plan.TaskPlan{
			{ID: "sink", InEdges: []plan.EdgeID{"e2"}},
			{ID: "source", OutEdges: []plan.EdgeID{"e1"}},
			{ID: "middle", InEdges: []plan.EdgeID{"e1"}, OutEdges: []plan.EdgeID{"e2"}},
		},
	}
	order, err := topoSort(tg)
	if err != nil {
		t.Fatal(err)
	}
	pos := make(map[plan.TaskID]int, len(order))
	for i, task := range order {
		pos[task.ID] = i
	}
	if pos["source"] > pos["middle"] {
		t.Errorf("source (%d) must come before middle (%d)", pos["source"], pos["middle"])
	}
	if pos["middle"] > pos["sink"] {
		t.Errorf("middle (%d) must come before sink (%d)", pos["middle"], pos["sink"])
	}
}

func TestTopoSortOrdersSideInputProducerFirst(t *testing.T) {
	tg := plan.TaskGroupPlan{
		ID: "tg1",
		Tasks: []plan.TaskPlan{
			{ID: "main", SideInEdges: []plan.EdgeID{"side"}},
			{ID: "sideProducer", OutEdges: []plan.EdgeID{"side"}},
		},
	}
	order, err := topoSort(tg)
	if err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 {
		t.Fatalf("got %d tasks, want 2", len(order))
	}
	if order[0].ID != "sideProducer" {
		t.Errorf("got %s first, want sideProducer before its side-input consumer", order[0].ID)
	}
}

func TestTopoSortDetectsCycle(t *testing.T) {
	tg := plan.TaskGroupPlan{
		ID: "tg1",
		Tasks: []plan.TaskPlan{
			{ID: "a", InEdges: []plan.EdgeID{"e2"}, OutEdges: []plan.EdgeID{"e1"}},
			{ID: "b", InEdges: []plan.EdgeID{"e1"}, OutEdges: []plan.EdgeID{"e2"}},
		},
	}
	_, err := topoSort(tg)
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid (cyclic)", err)
	}
}
