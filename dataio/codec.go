// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dataio

import (
	"bufio"
	"context"
	"encoding/gob"
	"hash"
	"hash/crc32"
	"io"
	"strings"

	"github.com/grailbio/base/errors"
)

// Encoder writes a stream of record batches to an underlying
// io.Writer, gob-encoding each batch and following it with a CRC32
// checksum of its encoded bytes so a Decoder can detect truncation or
// corruption.
type Encoder struct {
	enc *gob.Encoder
	crc hash.Hash32
}

// NewEncoder returns an Encoder that writes into w.
func NewEncoder(w io.Writer) *Encoder {
	crc := crc32.NewIEEE()
	return &Encoder{enc: gob.NewEncoder(io.MultiWriter(w, crc)), crc: crc}
}

// Encode writes one batch.
func (e *Encoder) Encode(batch []interface{}) error {
	e.crc.Reset()
	if err := e.enc.Encode(len(batch)); err != nil {
		return err
	}
	for _, rec := range batch {
		// Encode through a pointer so gob sends rec as an interface
		// value, which the decoder's *interface{} target requires.
		if err := e.enc.Encode(&rec); err != nil {
			if strings.HasPrefix(err.Error(), "gob: ") {
				err = errors.E(errors.Fatal, err)
			}
			return err
		}
	}
	return e.enc.Encode(e.crc.Sum32())
}

// decodingReader adapts a Decoder to the Reader interface.
type decodingReader struct {
	dec *gob.Decoder
	r   *bufio.Reader
	crc hash.Hash32
}

// NewDecodingReader returns a Reader that decodes batches encoded by
// an Encoder from r.
func NewDecodingReader(r io.Reader) Reader {
	crc := crc32.NewIEEE()
	br := bufio.NewReader(r)
	// The checksum is fed from above the buffer, so it covers exactly
	// the bytes gob consumes rather than whatever bufio reads ahead;
	// the ByteReader keeps gob from adding a buffer of its own.
	src := struct {
		io.Reader
		io.ByteReader
	}{io.TeeReader(br, crc), br}
	return &decodingReader{dec: gob.NewDecoder(src), r: br, crc: crc}
}

func (d *decodingReader) Read(ctx context.Context) ([]interface{}, error) {
	d.crc.Reset()
	var n int
	if err := d.dec.Decode(&n); err != nil {
		if err == io.EOF {
			return nil, EOF
		}
		return nil, err
	}
	batch := make([]interface{}, n)
	for i := range batch {
		if err := d.dec.Decode(&batch[i]); err != nil {
			return nil, errors.E(errors.Integrity, err)
		}
	}
	got := d.crc.Sum32()
	var want uint32
	if err := d.dec.Decode(&want); err != nil {
		return nil, errors.E(errors.Integrity, err)
	}
	if got != want {
		return nil, errors.E(errors.Integrity, "dataio: checksum mismatch")
	}
	return batch, nil
}
