// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package executor

import (
	"sync"
	"sync/atomic"
)

// onceAttempt manages a computation that must run at most once,
// remembering its result for repeat callers. It differs from
// sync.Once in that it also captures and replays the error.
type onceAttempt struct {
	mu   sync.Mutex
	done uint32
	err  error
}

func (o *onceAttempt) Do(do func() error) error {
	if atomic.LoadUint32(&o.done) == 1 {
		return o.err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if atomic.LoadUint32(&o.done) == 0 {
		o.err = do()
		atomic.StoreUint32(&o.done, 1)
	}
	return o.err
}

// attemptOnce coordinates at-most-once execution per attempt key, so
// that a control message delivered more than once (the transport's
// at-least-once guarantee) does not re-run a task-group attempt that
// already completed or is in flight.
type attemptOnce sync.Map

func (t *attemptOnce) Do(key interface{}, do func() error) error {
	v, _ := (*sync.Map)(t).LoadOrStore(key, new(onceAttempt))
	return v.(*onceAttempt).Do(do)
}

// Forget discards a remembered attempt, e.g. once the task-group has
// moved on to a new attempt index after rescheduling.
func (t *attemptOnce) Forget(key interface{}) {
	(*sync.Map)(t).Delete(key)
}
