// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
)

func TestNetTransportCallAcrossProcesses(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	serverReg := NewRegistry()
	l := NewListener(RuntimeMaster)
	l.Handle("Echo", func(ctx context.Context, msg Message) ([]byte, error) {
		out := make([]byte, len(msg.Body))
		for i, b := range msg.Body {
			out[i] = b + 1
		}
		return out, nil
	})
	if err := serverReg.Register(l); err != nil {
		t.Fatal(err)
	}
	serverT := NewNetTransport(serverReg)
	go serverT.Serve(ln)

	clientReg := NewRegistry()
	clientT := NewNetTransport(clientReg)
	clientT.AddPeer(RuntimeMaster, ln.Addr().String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := clientT.Call(ctx, Message{ID: NewMessageID(), To: RuntimeMaster, Method: "Echo", Body: []byte{1, 2, 3}})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{2, 3, 4}
	for i := range want {
		if reply[i] != want[i] {
			t.Fatalf("got %v, want %v", reply, want)
		}
	}
}

func TestNetTransportCallUnknownPeer(t *testing.T) {
	clientT := NewNetTransport(NewRegistry())
	_, err := clientT.Call(context.Background(), Message{To: "nobody", Method: "X"})
	if !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want NotExist", err)
	}
}

func TestNetTransportLocalFastPath(t *testing.T) {
	reg := NewRegistry()
	l := NewListener("local")
	l.Handle("M", func(ctx context.Context, msg Message) ([]byte, error) { return []byte("ok"), nil })
	if err := reg.Register(l); err != nil {
		t.Fatal(err)
	}
	nt := NewNetTransport(reg)
	reply, err := nt.Call(context.Background(), Message{To: "local", Method: "M"})
	if err != nil {
		t.Fatal(err)
	}
	if string(reply) != "ok" {
		t.Errorf("got %q, want ok", reply)
	}
}
