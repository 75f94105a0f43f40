// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package plan

import "testing"

func TestFormatPartitionID(t *testing.T) {
	id := FormatPartitionID("e1", 3)
	if got, want := id, PartitionID("e1#3"); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestHashRangeContains(t *testing.T) {
	r := HashRange{Lo: 10, Hi: 20}
	cases := []struct {
		h    uint32
		want bool
	}{
		{9, false},
		{10, true},
		{15, true},
		{19, true},
		{20, false},
	}
	for _, c := range cases {
		if got := r.Contains(c.h); got != c.want {
			t.Errorf("Contains(%d) = %v, want %v", c.h, got, c.want)
		}
	}
}

func TestCommPatternString(t *testing.T) {
	cases := []struct {
		p    CommPattern
		want string
	}{
		{OneToOne, "ONE_TO_ONE"},
		{Broadcast, "BROADCAST"},
		{Shuffle, "SHUFFLE"},
	}
	for _, c := range cases {
		if got := c.p.String(); got != c.want {
			t.Errorf("String() = %q, want %q", got, c.want)
		}
	}
}

func TestDataStoreString(t *testing.T) {
	cases := []struct {
		d    DataStore
		want string
	}{
		{Memory, "MEMORY"},
		{SerializedMemory, "SER_MEMORY"},
		{LocalFile, "LOCAL_FILE"},
		{RemoteFile, "REMOTE_FILE"},
	}
	for _, c := range cases {
		if got := c.d.String(); got != c.want {
			t.Errorf("String() = %q, want %q", got, c.want)
		}
	}
}
