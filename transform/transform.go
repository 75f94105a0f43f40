// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package transform holds the process-wide registry of user-defined
// transforms. A compiled plan.TaskPlan names its transform by string;
// the executor looks the function up by that name at run time rather
// than serializing the function value itself, so registration must
// happen identically (same name, same order) on master and worker.
package transform

import (
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
)

// Context is passed to a registered Func on every invocation. Side
// and Emit give the task access to its side inputs and its output
// without the func needing to know the surrounding task-group wiring.
type Context struct {
	// Name is the transform name this invocation was registered
	// under.
	Name string

	// Side holds fully materialized side-input values: one entry per
	// side-input edge, in the task's SideInEdges order, each entry
	// the []interface{} of every record read from that edge.
	Side []interface{}

	// Emit is called once per output record produced by the
	// transform. It is safe to call Emit any number of times,
	// including zero.
	Emit func(interface{})
}

// Func is a user-defined transform. It is invoked once per completed
// input future: records is the full iterable read from one source
// edge (or, for a shuffle/broadcast edge, one source partition of
// it), and srcVertexID identifies which source produced it. It may
// call ctx.Emit any number of times.
type Func func(ctx *Context, records []interface{}, srcVertexID string) error

// CloseFunc finalizes a transform once every input future it was
// invoked for has been consumed, flushing any buffered output via
// ctx.Emit. Registering one is optional: a transform with no teardown
// work need not register a CloseFunc.
type CloseFunc func(ctx *Context) error

// SourceFunc produces a bounded stream of records. It is called once
// per task invocation and should call ctx.Emit for every record the
// source produces, returning once the source is exhausted.
type SourceFunc func(ctx *Context) error

var (
	mu      sync.Mutex
	funcs   = make(map[string]Func)
	closes  = make(map[string]CloseFunc)
	sources = make(map[string]SourceFunc)
)

// Register associates fn with name. It panics if name is already
// registered, mirroring the package-init-time registration pattern
// used throughout this codebase: collisions are a programming error
// caught at startup, not a runtime condition to recover from.
func Register(name string, fn Func) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := funcs[name]; ok {
		panic(fmt.Sprintf("transform: %s already registered", name))
	}
	funcs[name] = fn
}

// RegisterSource associates fn with name in the source registry.
// Source and operator transform names are independent: a name may
// appear in both registries without conflict, since a plan.TaskPlan's
// Variant already determines which one is consulted.
func RegisterSource(name string, fn SourceFunc) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := sources[name]; ok {
		panic(fmt.Sprintf("transform: source %s already registered", name))
	}
	sources[name] = fn
}

// RegisterClose associates fn with name in the close registry. A
// transform name need not have a registered CloseFunc; Register and
// RegisterClose are independent so a transform with no teardown work
// can skip this call.
func RegisterClose(name string, fn CloseFunc) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := closes[name]; ok {
		panic(fmt.Sprintf("transform: close %s already registered", name))
	}
	closes[name] = fn
}

// Lookup returns the Func registered under name.
func Lookup(name string) (Func, error) {
	mu.Lock()
	fn, ok := funcs[name]
	mu.Unlock()
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("transform: no such transform %q", name))
	}
	return fn, nil
}

// LookupSource returns the SourceFunc registered under name.
func LookupSource(name string) (SourceFunc, error) {
	mu.Lock()
	fn, ok := sources[name]
	mu.Unlock()
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("transform: no such source %q", name))
	}
	return fn, nil
}

// LookupClose returns the CloseFunc registered under name, if any. Its
// absence is not an error: ok is false for a transform that never
// called RegisterClose.
func LookupClose(name string) (fn CloseFunc, ok bool) {
	mu.Lock()
	fn, ok = closes[name]
	mu.Unlock()
	return fn, ok
}
