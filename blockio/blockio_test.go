// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package blockio

import (
	"bytes"
	"testing"

	"github.com/grailbio/base/errors"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := Frame{Type: PushIntermediate, TransferID: 7, Body: []byte("hello")}
	if err := WriteFrame(&buf, f); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != f.Type || got.TransferID != f.TransferID || !bytes.Equal(got.Body, f.Body) {
		t.Errorf("got %+v, want %+v", got, f)
	}
}

func TestWriteReadEmptyBody(t *testing.T) {
	var buf bytes.Buffer
	f := Frame{Type: PullLast, TransferID: 1}
	if err := WriteFrame(&buf, f); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Body) != 0 {
		t.Errorf("got body %v, want empty", got.Body)
	}
}

func TestIsLast(t *testing.T) {
	cases := []struct {
		typ  Type
		want bool
	}{
		{PullIntermediate, false},
		{PullLast, true},
		{PushIntermediate, false},
		{PushLast, true},
	}
	for _, c := range cases {
		if got := c.typ.IsLast(); got != c.want {
			t.Errorf("%v.IsLast() = %v, want %v", c.typ, got, c.want)
		}
	}
}

func TestMultiplexerDispatchesByTransferID(t *testing.T) {
	var buf bytes.Buffer
	frames := []Frame{
		{Type: PushIntermediate, TransferID: 1, Body: []byte("a")},
		{Type: PushIntermediate, TransferID: 2, Body: []byte("x")},
		{Type: PushLast, TransferID: 1, Body: []byte("b")},
		{Type: PushLast, TransferID: 2, Body: []byte("y")},
	}
	for _, f := range frames {
		if err := WriteFrame(&buf, f); err != nil {
			t.Fatal(err)
		}
	}

	m := NewMultiplexer(&buf)
	var got1, got2 []byte
	m.Expect(1, func(f Frame) error {
		got1 = append(got1, f.Body...)
		return nil
	})
	m.Expect(2, func(f Frame) error {
		got2 = append(got2, f.Body...)
		return nil
	})
	err := m.Run()
	if err == nil {
		t.Fatal("expected Run to return an error once the stream is exhausted")
	}
	if string(got1) != "ab" {
		t.Errorf("transfer 1: got %q, want ab", got1)
	}
	if string(got2) != "xy" {
		t.Errorf("transfer 2: got %q, want xy", got2)
	}
}

func TestMultiplexerUnregisteredTransferIsProtocolError(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{Type: PushLast, TransferID: 99}); err != nil {
		t.Fatal(err)
	}
	m := NewMultiplexer(&buf)
	err := m.Run()
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
}
