// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dataio provides the record-batch stream abstraction used
// to move data between tasks: a Reader/Writer pair backed by a
// gob-encoded, CRC32-checksummed wire format.
package dataio

import (
	"context"

	"github.com/grailbio/base/errors"
)

// EOF is returned by Reader.Read when no more batches are available.
// It is a sentinel, not a failure: callers should treat it exactly
// like io.EOF.
var EOF = errors.New("EOF")

// Reader is a stateful stream of record batches.
type Reader interface {
	// Read returns the next batch of records, or EOF once the stream
	// is exhausted. Read must not be called concurrently.
	Read(ctx context.Context) ([]interface{}, error)
}

// Writer accepts batches of records, in order.
type Writer interface {
	// Write appends a batch of records to the stream.
	Write(ctx context.Context, batch []interface{}) error
}

// HashedWriter is implemented by writers for shuffle edges. A caller
// that has already grouped a batch by shuffle key should call
// WriteHashed, tagging the batch with the murmur3 hash of that key,
// so that a downstream consumer can later fetch only the blocks that
// fall within its assigned hash range.
type HashedWriter interface {
	Writer
	WriteHashed(ctx context.Context, batch []interface{}, hashKey uint32) error
}

// ReaderFunc adapts a plain function to a Reader.
type ReaderFunc func(ctx context.Context) ([]interface{}, error)

// Read implements Reader.
func (f ReaderFunc) Read(ctx context.Context) ([]interface{}, error) { return f(ctx) }

// multiReader is the logical concatenation of a sequence of readers.
type multiReader struct {
	q   []Reader
	err error
}

// MultiReader returns a Reader that is the logical concatenation of
// readers: it exhausts each in turn, returning EOF only once all of
// them have.
func MultiReader(readers ...Reader) Reader {
	return &multiReader{q: readers}
}

func (m *multiReader) Read(ctx context.Context) ([]interface{}, error) {
	for m.err == nil {
		if len(m.q) == 0 {
			m.err = EOF
			break
		}
		batch, err := m.q[0].Read(ctx)
		switch {
		case err == nil:
			return batch, nil
		case err == EOF:
			m.q = m.q[1:]
		default:
			m.err = err
		}
	}
	return nil, m.err
}

// copyWriter fans writes out to multiple Writers.
type copyWriter struct {
	writers []Writer
}

// CopyWriter returns a Writer that writes each batch to every
// writer in writers, in order, stopping at the first error.
func CopyWriter(writers ...Writer) Writer {
	return &copyWriter{writers}
}

func (c *copyWriter) Write(ctx context.Context, batch []interface{}) error {
	for _, w := range c.writers {
		if err := w.Write(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}
