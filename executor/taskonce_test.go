// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package executor

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestAttemptOnceRunsOncePerKey(t *testing.T) {
	const N = 10
	var (
		once        attemptOnce
		start, done sync.WaitGroup
		count       uint32
	)
	start.Add(N)
	done.Add(N)
	for i := 0; i < N; i++ {
		go func() {
			start.Done()
			start.Wait()
			err := once.Do("key", func() error {
				atomic.AddUint32(&count, 1)
				return nil
			})
			if err != nil {
				t.Error(err)
			}
			done.Done()
		}()
	}
	done.Wait()
	if got, want := count, uint32(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestAttemptOnceRemembersError(t *testing.T) {
	var (
		once     attemptOnce
		expected = errors.New("expected error")
	)
	err := once.Do("key", func() error { return expected })
	if err != expected {
		t.Errorf("got %v, want %v", err, expected)
	}
	err = once.Do("key", func() error {
		t.Fatal("should not be called")
		return nil
	})
	if err != expected {
		t.Errorf("got %v, want %v", err, expected)
	}
}

func TestAttemptOnceForget(t *testing.T) {
	var once attemptOnce
	var calls int
	do := func() error {
		calls++
		return nil
	}
	if err := once.Do("key", do); err != nil {
		t.Fatal(err)
	}
	if err := once.Do("key", do); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("got %d calls, want 1", calls)
	}
	once.Forget("key")
	if err := once.Do("key", do); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("got %d calls after Forget, want 2", calls)
	}
}

func TestAttemptOnceIndependentKeys(t *testing.T) {
	var once attemptOnce
	if err := once.Do("a", func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	called := false
	if err := once.Do("b", func() error { called = true; return nil }); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Error("expected distinct key to run independently")
	}
}
