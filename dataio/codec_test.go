// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dataio

import (
	"bytes"
	"context"
	"encoding/gob"
	"testing"

	"github.com/grailbio/base/errors"
)

type codecTestRecord struct {
	Key   string
	Value int
}

func init() {
	gob.Register(codecTestRecord{})
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	batches := [][]interface{}{
		{codecTestRecord{"a", 1}, codecTestRecord{"b", 2}},
		{codecTestRecord{"c", 3}},
	}
	for _, b := range batches {
		if err := enc.Encode(b); err != nil {
			t.Fatal(err)
		}
	}

	ctx := context.Background()
	dec := NewDecodingReader(&buf)
	for i, want := range batches {
		got, err := dec.Read(ctx)
		if err != nil {
			t.Fatalf("batch %d: %v", i, err)
		}
		if len(got) != len(want) {
			t.Fatalf("batch %d: got %d records, want %d", i, len(got), len(want))
		}
		for j := range want {
			if got[j].(codecTestRecord) != want[j].(codecTestRecord) {
				t.Errorf("batch %d record %d: got %v, want %v", i, j, got[j], want[j])
			}
		}
	}
	if _, err := dec.Read(ctx); err != EOF {
		t.Errorf("got %v, want EOF", err)
	}
}

func TestDecodeDetectsCorruption(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.Encode([]interface{}{codecTestRecord{"a", 1}}); err != nil {
		t.Fatal(err)
	}
	corrupted := buf.Bytes()
	// Flip a byte inside the encoded record, leaving the length prefix
	// and checksum trailer untouched, so the checksum no longer
	// matches the corrupted payload.
	corrupted[len(corrupted)/2] ^= 0xFF

	dec := NewDecodingReader(bytes.NewReader(corrupted))
	_, err := dec.Read(context.Background())
	if err == nil {
		t.Fatal("expected an error decoding corrupted data")
	}
	if !errors.Is(errors.Integrity, err) && errors.Recover(err).Severity != errors.Fatal {
		t.Errorf("got %v, want Integrity or Fatal", err)
	}
}
