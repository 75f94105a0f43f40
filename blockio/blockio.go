// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package blockio implements the wire framing used to stream
// partition blocks directly between worker processes, outside the
// control transport: an 8-byte header (2-byte type tag, 2-byte
// transfer id, 4-byte body length) followed by the body bytes
// themselves, passed through without further interpretation.
package blockio

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
)

// Type tags the kind of transfer a frame belongs to.
type Type uint16

const (
	PullIntermediate Type = iota
	PullLast
	PushIntermediate
	PushLast
)

func (t Type) String() string {
	switch t {
	case PullIntermediate:
		return "PULL_INTERMEDIATE"
	case PullLast:
		return "PULL_LAST"
	case PushIntermediate:
		return "PUSH_INTERMEDIATE"
	case PushLast:
		return "PUSH_LAST"
	default:
		return "UNKNOWN_FRAME_TYPE"
	}
}

// IsLast reports whether t marks the final frame of a transfer.
func (t Type) IsLast() bool {
	return t == PullLast || t == PushLast
}

// TransferID identifies one block transfer, scoped to the connection
// it runs over; it lets pull and push transfers interleave on a
// single stream.
type TransferID uint16

// headerSize is the on-wire size of a frame header: 2 bytes of type
// tag, 2 bytes of transfer id, 4 bytes of body length, all
// big-endian.
const headerSize = 8

// Frame is one unit of a block transfer.
type Frame struct {
	Type       Type
	TransferID TransferID
	Body       []byte
}

// WriteFrame writes f to w as a header followed by its body.
func WriteFrame(w io.Writer, f Frame) error {
	var hdr [headerSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(f.Type))
	binary.BigEndian.PutUint16(hdr[2:4], uint16(f.TransferID))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(f.Body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(f.Body) == 0 {
		return nil
	}
	_, err := w.Write(f.Body)
	return err
}

// ReadFrame reads one frame from r, allocating a fresh Body buffer.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	f := Frame{
		Type:       Type(binary.BigEndian.Uint16(hdr[0:2])),
		TransferID: TransferID(binary.BigEndian.Uint16(hdr[2:4])),
	}
	n := binary.BigEndian.Uint32(hdr[4:8])
	if n > 0 {
		f.Body = make([]byte, n)
		if _, err := io.ReadFull(r, f.Body); err != nil {
			return Frame{}, err
		}
	}
	return f, nil
}

// Multiplexer demultiplexes frames read from a single connection by
// transfer id, so that several block transfers can share one
// underlying stream. Each transfer id must be registered with Expect
// before frames bearing it arrive.
type Multiplexer struct {
	r        io.Reader
	handlers map[TransferID]func(Frame) error
}

// NewMultiplexer returns a Multiplexer reading frames from r.
func NewMultiplexer(r io.Reader) *Multiplexer {
	return &Multiplexer{r: r, handlers: make(map[TransferID]func(Frame) error)}
}

// Expect registers fn to be called with every frame bearing id, until
// a frame whose Type.IsLast is true is delivered, at which point the
// registration is removed.
func (m *Multiplexer) Expect(id TransferID, fn func(Frame) error) {
	m.handlers[id] = fn
}

// Run reads frames from the underlying reader until it returns an
// error (including io.EOF), dispatching each to its registered
// handler. A frame for an id with no registered handler is a protocol
// error.
func (m *Multiplexer) Run() error {
	for {
		f, err := ReadFrame(m.r)
		if err != nil {
			return err
		}
		fn, ok := m.handlers[f.TransferID]
		if !ok {
			return errors.E(errors.Invalid, fmt.Sprintf("blockio: frame for unregistered transfer %d", f.TransferID))
		}
		if f.Type.IsLast() {
			delete(m.handlers, f.TransferID)
		}
		if err := fn(f); err != nil {
			return err
		}
	}
}
