package client_test

import (
	"path/filepath"
	"testing"

	"github.com/unifycr/unifycr/appconfig"
	"github.com/unifycr/unifycr/client"
	"github.com/unifycr/unifycr/index"
	"github.com/unifycr/unifycr/rpc"
	"github.com/unifycr/unifycr/server"
	"github.com/unifycr/unifycr/transport"
)

// box lets the delegator's transport.Node forward to its ServiceManager,
// built just after the node so each can reference the other.
type box struct{ mgr *server.ServiceManager }

func (b *box) handle(req rpc.Envelope) rpc.Envelope { return b.mgr.Dispatch(req) }

func startDelegator(t *testing.T) (*server.Context, *transport.Node) {
	t.Helper()

	b := &box{}
	node, err := transport.NewNode(0, "127.0.0.1:0", nil, b.handle)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	t.Cleanup(func() { node.Close() })

	store, err := index.Open(filepath.Join(t.TempDir(), "shard.db"))
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := server.NewContext(0, 1, 1, index.SliceWidth(4096), store, &appconfig.Registry{}, node)
	b.mgr = server.NewServiceManager(ctx)

	return ctx, node
}

func mountClient(t *testing.T, ctx *server.Context, node *transport.Node) *client.Client {
	t.Helper()

	cl, err := client.Mount(client.Options{
		AppID:                   1,
		ClientRank:              0,
		NumRanks:                1,
		LocalDelegatorAddr:      node.Addr(),
		SuperblockDataLogSize:   4096,
		SuperblockIndexCapacity: 64,
		SuperblockReplyCapacity: 4096,
		SpillPath:               filepath.Join(t.TempDir(), "spill.bin"),
	})
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	t.Cleanup(func() { cl.Unmount() })

	// stand in for the OS-level shm handoff a real deployment performs
	// between a client and its co-located delegator
	ctx.RegisterSuperblock(1, 0, cl.Superblock())

	return cl
}

func TestWriteFsyncReadRoundTrip(t *testing.T) {
	ctx, node := startDelegator(t)
	cl := mountClient(t, ctx, node)

	if err := cl.Write(42, 0, []byte("hello world")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := cl.Fsync(42, 11); err != nil {
		t.Fatalf("Fsync: %v", err)
	}

	got, err := cl.Read(42, 0, 11)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("Read = %q, want %q", got, "hello world")
	}
}

func TestWriteCoalescesBeforeFsync(t *testing.T) {
	ctx, node := startDelegator(t)
	cl := mountClient(t, ctx, node)

	if err := cl.Write(7, 0, []byte("0123456789")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := cl.Write(7, 3, []byte("XYZ")); err != nil {
		t.Fatalf("Write (overwrite): %v", err)
	}
	if err := cl.Fsync(7, 10); err != nil {
		t.Fatalf("Fsync: %v", err)
	}

	got, err := cl.Read(7, 0, 10)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "012XYZ6789" {
		t.Fatalf("Read = %q, want %q", got, "012XYZ6789")
	}
}

func TestReadBeforeFsyncIsShort(t *testing.T) {
	ctx, node := startDelegator(t)
	cl := mountClient(t, ctx, node)

	if err := cl.Write(99, 0, []byte("unsynced")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := cl.Read(99, 0, 8)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Read before fsync returned %q, want nothing", got)
	}
}
