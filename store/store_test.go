// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package store

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"testing"

	"github.com/google/go-cmp/cmp"
	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"

	"github.com/grailbio/flowmesh/plan"
)

func testStore(t *testing.T, s Store) {
	t.Helper()
	fz := fuzz.New()
	fz.NumElements(1e2, 1e4)
	var data []byte
	fz.Fuzz(&data)

	ctx := context.Background()
	id := plan.PartitionID("e1#0")

	wc, err := s.Create(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.Copy(wc, bytes.NewReader(data)); err != nil {
		t.Fatal(err)
	}
	// The partition must not be visible until committed.
	if _, err := s.Open(ctx, id, 0); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want NotExist", err)
	}
	if err := wc.Commit(ctx, 7); err != nil {
		t.Fatal(err)
	}

	info, err := s.Stat(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := info.Size, int64(len(data)); got != want {
		t.Errorf("got size %v, want %v", got, want)
	}
	if got, want := info.Blocks, int64(7); got != want {
		t.Errorf("got blocks %v, want %v", got, want)
	}

	rc, err := s.Open(ctx, id, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	got, err := ioutil.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(data, got); diff != "" {
		t.Errorf("data does not match (-want +got):\n%s", diff)
	}

	// A second Create for the same (already committed) id is an error.
	if _, err := s.Create(ctx, id); !errors.Is(errors.Exists, err) {
		t.Errorf("got %v, want Exists", err)
	}
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestForDataStoreRejectsUnknownKind(t *testing.T) {
	if _, err := ForDataStore(plan.DataStore(99), "", "", ""); err == nil {
		t.Error("expected error for unsupported data store")
	}
}

func TestForDataStoreMemoryVariants(t *testing.T) {
	for _, kind := range []plan.DataStore{plan.Memory, plan.SerializedMemory} {
		s, err := ForDataStore(kind, "", "", "")
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := s.(*memoryStore); !ok {
			t.Errorf("ForDataStore(%v) returned %T, want *memoryStore", kind, s)
		}
	}
}

func TestRemoteFileStoreRequiresBucket(t *testing.T) {
	if _, err := NewRemoteFileStore("", "prefix"); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
}
