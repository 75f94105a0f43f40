// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
)

// Registry is a Transport that dispatches directly to listeners
// registered in the same process. It is used both as the transport
// for single-process tests and simulations, and as the local
// dispatch table that a networked transport falls back to once a
// message has reached the process that owns its destination
// listener.
type Registry struct {
	mu        sync.RWMutex
	listeners map[ListenerID]*Listener
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{listeners: make(map[ListenerID]*Listener)}
}

func (r *Registry) Register(l *Listener) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.listeners[l.id]; ok {
		return errors.E(errors.Exists, fmt.Sprintf("transport: listener %s already registered", l.id))
	}
	r.listeners[l.id] = l
	return nil
}

func (r *Registry) Deregister(id ListenerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners, id)
}

func (r *Registry) lookup(id ListenerID) (*Listener, error) {
	r.mu.RLock()
	l, ok := r.listeners[id]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("transport: no listener %s", id))
	}
	return l, nil
}

func (r *Registry) Send(ctx context.Context, msg Message) error {
	l, err := r.lookup(msg.To)
	if err != nil {
		return err
	}
	go func() {
		// Send is fire-and-forget: the handler still runs to
		// completion, but the caller does not wait for it, matching
		// at-least-once/no-reply delivery semantics.
		_, _ = l.dispatch(context.Background(), msg)
	}()
	return nil
}

func (r *Registry) Call(ctx context.Context, msg Message) ([]byte, error) {
	l, err := r.lookup(msg.To)
	if err != nil {
		return nil, err
	}
	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, err := l.dispatch(ctx, msg)
		done <- result{body, err}
	}()
	select {
	case res := <-done:
		return res.body, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
