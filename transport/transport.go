// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package transport implements the control-message transport that
// master and executors use to exchange requests: a registry of
// logical listeners, each reachable by a stable id, supporting both
// fire-and-forget sends and request/reply calls backed by futures.
//
// Delivery is at-least-once: a Send or Call may be retried by the
// caller (or by the transport itself, via RetryPolicy) after a
// transient failure even though the peer received and processed the
// original attempt. Handlers are expected to be idempotent per
// message id.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
)

// ListenerID names one logical endpoint reachable through a
// Transport. Two ids are reserved by convention for the processes
// that always exist in a running job.
type ListenerID string

const (
	// RuntimeMaster is the listener id of the job's single master
	// process.
	RuntimeMaster ListenerID = "runtime-master"
	// Executor is the listener id prefix used by worker processes;
	// a concrete executor's id is Executor plus its plan.ExecutorID,
	// e.g. "executor/e3".
	Executor ListenerID = "executor"
)

// RetryPolicy is the default backoff used when Call's caller opts
// into automatic retry via CallWithRetry.
var RetryPolicy = retry.Backoff(100*time.Millisecond, 5*time.Second, 1.5)

// Message is the envelope carried between listeners. Body holds the
// gob encoding of the method-specific payload; handlers decode it
// according to Method.
type Message struct {
	ID     string
	From   ListenerID
	To     ListenerID
	Method string
	Body   []byte
}

// Handler processes an incoming Message and returns the gob-encoded
// reply body, or an error. Returning an error from a Call handler
// causes the error to be delivered back to the caller; Send ignores
// the returned body.
type Handler func(ctx context.Context, msg Message) ([]byte, error)

// Listener is a named, addressable endpoint that processes incoming
// messages via a Handler registered per method.
type Listener struct {
	id ListenerID

	mu       sync.Mutex
	handlers map[string]Handler
}

// NewListener constructs an unattached Listener with the given id.
// It must be registered with a Transport via Transport.Register
// before it can receive messages.
func NewListener(id ListenerID) *Listener {
	return &Listener{id: id, handlers: make(map[string]Handler)}
}

// ID returns the listener's id.
func (l *Listener) ID() ListenerID { return l.id }

// Handle registers fn as the handler for the given method name. It
// panics if method is already registered, matching this codebase's
// convention that handler tables are assembled once, at
// construction, rather than mutated races included.
func (l *Listener) Handle(method string, fn Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handlers[method]; ok {
		panic(fmt.Sprintf("transport: listener %s: method %s already registered", l.id, method))
	}
	l.handlers[method] = fn
}

func (l *Listener) dispatch(ctx context.Context, msg Message) ([]byte, error) {
	l.mu.Lock()
	fn, ok := l.handlers[msg.Method]
	l.mu.Unlock()
	if !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("transport: listener %s: no handler for method %s", l.id, msg.Method))
	}
	return fn(ctx, msg)
}

// Transport is the interface used by callers to reach listeners,
// whether they are registered in the same process or reachable only
// over the network. See Registry for the in-process implementation
// and the net subpackage-equivalent NetTransport for the
// cross-process one.
type Transport interface {
	// Register makes l reachable under its id. It returns an error if
	// the id is already registered.
	Register(l *Listener) error

	// Deregister removes a previously registered listener, e.g. when
	// an executor is declared lost and its in-flight requests should
	// fail fast rather than hang.
	Deregister(id ListenerID)

	// Send delivers msg to msg.To without waiting for the handler to
	// run to completion; it only waits for the message to be
	// accepted for delivery. Errors indicate the destination could
	// not be reached at all (unknown listener, connection failure).
	Send(ctx context.Context, msg Message) error

	// Call delivers msg to msg.To, waits for its handler to return,
	// and returns the handler's reply body (or error).
	Call(ctx context.Context, msg Message) ([]byte, error)
}

// NewMessageID returns a fresh, globally unique message id suitable
// for Message.ID.
func NewMessageID() string {
	return uuid.NewString()
}

// CallWithRetry calls t.Call, retrying on errors.IsTemporary errors
// according to RetryPolicy until ctx is done.
func CallWithRetry(ctx context.Context, t Transport, msg Message) ([]byte, error) {
	var retries int
	for {
		reply, err := t.Call(ctx, msg)
		if err == nil || !errors.IsTemporary(err) {
			return reply, err
		}
		log.Error.Printf("transport: call %s to %s failed, retrying(%d): %v", msg.Method, msg.To, retries, err)
		retries++
		if werr := retry.Wait(ctx, RetryPolicy, retries); werr != nil {
			return nil, err
		}
	}
}
