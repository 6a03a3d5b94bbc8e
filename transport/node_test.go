package transport

import (
	"context"
	"testing"
	"time"

	"github.com/unifycr/unifycr/rpc"
)

func echoHandler(req rpc.Envelope) rpc.Envelope {
	return rpc.Envelope{Kind: rpc.KindFsyncReply, Payload: append([]byte(nil), req.Payload...)}
}

func TestCallRoundTrip(t *testing.T) {
	a, err := NewNode(0, "127.0.0.1:0", nil, echoHandler)
	if err != nil {
		t.Fatalf("NewNode a: %v", err)
	}
	defer a.Close()

	b, err := NewNode(1, "127.0.0.1:0", map[int]string{0: a.Addr()}, echoHandler)
	if err != nil {
		t.Fatalf("NewNode b: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := b.Call(ctx, 0, rpc.KindFsync, []byte("hello"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(reply.Payload) != "hello" {
		t.Fatalf("reply payload = %q, want %q", reply.Payload, "hello")
	}
}

func TestCallUnknownPeer(t *testing.T) {
	a, err := NewNode(0, "127.0.0.1:0", nil, echoHandler)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := a.Call(ctx, 42, rpc.KindFsync, nil); err == nil {
		t.Fatal("Call to an unregistered peer rank should fail")
	}
}

func TestCallContextTimeout(t *testing.T) {
	block := func(rpc.Envelope) rpc.Envelope {
		select {}
	}

	a, err := NewNode(0, "127.0.0.1:0", nil, block)
	if err != nil {
		t.Fatalf("NewNode a: %v", err)
	}
	defer a.Close()

	b, err := NewNode(1, "127.0.0.1:0", map[int]string{0: a.Addr()}, echoHandler)
	if err != nil {
		t.Fatalf("NewNode b: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := b.Call(ctx, 0, rpc.KindFsync, nil); err == nil {
		t.Fatal("Call should time out against a handler that never replies")
	}
}
