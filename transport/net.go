// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// wireMessage is the framing unit exchanged between processes. IsReply
// and ReplyErr are set only on response frames. Every request gets a
// response frame, Send included; a response no Call is waiting for is
// dropped by readPeer.
type wireMessage struct {
	Message
	IsReply  bool
	ReplyErr string
}

// NetTransport is a Transport that delivers to listeners in the
// local Registry directly, and to listeners known to live on remote
// processes over a single long-lived connection per peer address,
// framed with gob. It is the transport cmd/flowmaster and
// cmd/flowworker use to talk across the network; Registry alone is
// sufficient for in-process tests.
type NetTransport struct {
	local *Registry

	mu    sync.Mutex
	peers map[ListenerID]*peerConn
	addrs map[ListenerID]string

	pendingMu sync.Mutex
	pending   map[string]chan wireMessage
}

// NewNetTransport returns a NetTransport whose local listeners are
// dispatched via reg.
func NewNetTransport(reg *Registry) *NetTransport {
	return &NetTransport{
		local:   reg,
		peers:   make(map[ListenerID]*peerConn),
		pending: make(map[string]chan wireMessage),
	}
}

// peerConn is a single persistent connection to a remote process
// along with the gob encoder/decoder framing it, serialized by its
// own mutex so that concurrent Sends/Calls can share one socket.
type peerConn struct {
	mu  sync.Mutex
	enc *gob.Encoder
	dec *gob.Decoder
	c   net.Conn
}

// AddPeer registers addr as the destination for messages sent to
// listener id. AddPeer dials lazily; the connection is established
// on first use.
func (t *NetTransport) AddPeer(id ListenerID, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[id]; ok {
		return
	}
	t.peers[id] = &peerConn{}
	t.peerAddr(id, addr)
}

// peerAddr records the dial address for a listener id that has not
// yet been connected.
func (t *NetTransport) peerAddr(id ListenerID, addr string) {
	if t.addrs == nil {
		t.addrs = make(map[ListenerID]string)
	}
	t.addrs[id] = addr
}

func (t *NetTransport) dial(id ListenerID) (*peerConn, error) {
	t.mu.Lock()
	pc, ok := t.peers[id]
	addr := t.addrs[id]
	t.mu.Unlock()
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("transport: no peer address for %s", id))
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.c != nil {
		return pc, nil
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.E(errors.Temporary, fmt.Sprintf("transport: dial %s: %v", addr, err))
	}
	pc.c = conn
	pc.enc = gob.NewEncoder(conn)
	pc.dec = gob.NewDecoder(conn)
	go t.readPeer(id, pc)
	return pc, nil
}

// readPeer continuously decodes frames from pc, dispatching requests
// locally and routing replies to their waiting Call.
func (t *NetTransport) readPeer(id ListenerID, pc *peerConn) {
	for {
		var wm wireMessage
		if err := pc.dec.Decode(&wm); err != nil {
			log.Error.Printf("transport: peer %s: connection closed: %v", id, err)
			pc.mu.Lock()
			pc.c.Close()
			pc.c = nil
			pc.mu.Unlock()
			return
		}
		if wm.IsReply {
			t.pendingMu.Lock()
			ch, ok := t.pending[wm.ID]
			t.pendingMu.Unlock()
			if ok {
				ch <- wm
			}
			continue
		}
		go t.serveRemote(pc, wm.Message)
	}
}

// serveRemote dispatches an incoming request to the local registry
// and writes a reply frame back to pc. The frame does not record
// whether the request came from Send or Call, so every request is
// answered.
func (t *NetTransport) serveRemote(pc *peerConn, msg Message) {
	l, err := t.local.lookup(msg.To)
	var body []byte
	if err == nil {
		body, err = l.dispatch(context.Background(), msg)
	}
	reply := wireMessage{Message: Message{ID: msg.ID, From: msg.To, To: msg.From}, IsReply: true}
	reply.Body = body
	if err != nil {
		reply.ReplyErr = err.Error()
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.enc != nil {
		_ = pc.enc.Encode(reply)
	}
}

func (t *NetTransport) isLocal(id ListenerID) bool {
	_, err := t.local.lookup(id)
	return err == nil
}

func (t *NetTransport) Register(l *Listener) error { return t.local.Register(l) }
func (t *NetTransport) Deregister(id ListenerID)   { t.local.Deregister(id) }

func (t *NetTransport) Send(ctx context.Context, msg Message) error {
	if t.isLocal(msg.To) {
		return t.local.Send(ctx, msg)
	}
	pc, err := t.dial(msg.To)
	if err != nil {
		return err
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.enc.Encode(wireMessage{Message: msg})
}

func (t *NetTransport) Call(ctx context.Context, msg Message) ([]byte, error) {
	if t.isLocal(msg.To) {
		return t.local.Call(ctx, msg)
	}
	pc, err := t.dial(msg.To)
	if err != nil {
		return nil, err
	}
	ch := make(chan wireMessage, 1)
	t.pendingMu.Lock()
	t.pending[msg.ID] = ch
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, msg.ID)
		t.pendingMu.Unlock()
	}()

	pc.mu.Lock()
	werr := pc.enc.Encode(wireMessage{Message: msg})
	pc.mu.Unlock()
	if werr != nil {
		return nil, errors.E(errors.Temporary, werr)
	}
	select {
	case wm := <-ch:
		if wm.ReplyErr != "" {
			return nil, errors.E(errors.Other, wm.ReplyErr)
		}
		return wm.Body, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Serve accepts connections on ln forever, registering each as a
// source of incoming requests for the local registry. Serve blocks
// until ln is closed.
func (t *NetTransport) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		pc := &peerConn{c: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}
		go t.readPeer(ListenerID(conn.RemoteAddr().String()), pc)
	}
}
