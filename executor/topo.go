// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package executor

import (
	"fmt"

	"github.com/grailbio/base/errors"

	"github.com/grailbio/flowmesh/plan"
)

// topoSort orders tg's tasks so that every task runs after every
// task that produces one of its input edges, side-input edges
// included, using Kahn's algorithm. Tasks run one after another, and
// runOperator materializes side inputs in full before processing its
// primary input, so a side-input producer must already have run.
func topoSort(tg plan.TaskGroupPlan) ([]plan.TaskPlan, error) {
	producedBy := make(map[plan.EdgeID]plan.TaskID, len(tg.Edges))
	byID := make(map[plan.TaskID]plan.TaskPlan, len(tg.Tasks))
	for _, t := range tg.Tasks {
		byID[t.ID] = t
		for _, e := range t.OutEdges {
			producedBy[e] = t.ID
		}
	}

	indegree := make(map[plan.TaskID]int, len(tg.Tasks))
	dependents := make(map[plan.TaskID][]plan.TaskID, len(tg.Tasks))
	for _, t := range tg.Tasks {
		seen := make(map[plan.TaskID]bool)
		for _, e := range append(append([]plan.EdgeID(nil), t.InEdges...), t.SideInEdges...) {
			producer, ok := producedBy[e]
			if !ok || seen[producer] {
				continue
			}
			seen[producer] = true
			indegree[t.ID]++
			dependents[producer] = append(dependents[producer], t.ID)
		}
	}

	var ready []plan.TaskID
	for _, t := range tg.Tasks {
		if indegree[t.ID] == 0 {
			ready = append(ready, t.ID)
		}
	}

	var order []plan.TaskPlan
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, byID[id])
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(tg.Tasks) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("executor: task-group %s: cyclic task dependency", tg.ID))
	}
	return order, nil
}
