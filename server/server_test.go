package server_test

import (
	"path/filepath"
	"testing"

	"github.com/unifycr/unifycr/appconfig"
	"github.com/unifycr/unifycr/index"
	"github.com/unifycr/unifycr/rpc"
	"github.com/unifycr/unifycr/server"
	"github.com/unifycr/unifycr/superblock"
	"github.com/unifycr/unifycr/transport"
)

// dispatchBox breaks the construction cycle between a transport.Node
// (which needs a Handler at construction time) and the ServiceManager
// it will eventually dispatch to (which needs the Node to forward
// cross-delegator RPCs).
type dispatchBox struct {
	mgr *server.ServiceManager
}

func (d *dispatchBox) handle(req rpc.Envelope) rpc.Envelope { return d.mgr.Dispatch(req) }

type cluster struct {
	ctxs  []*server.Context
	mgrs  []*server.ServiceManager
	nodes []*transport.Node
}

func (c *cluster) close() {
	for _, n := range c.nodes {
		n.Close()
	}
}

func buildCluster(t *testing.T, n, numKV int, sliceWidth index.SliceWidth) *cluster {
	t.Helper()

	peers := make(map[int]string)
	boxes := make([]*dispatchBox, n)
	nodes := make([]*transport.Node, n)

	for i := 0; i < n; i++ {
		boxes[i] = &dispatchBox{}
		node, err := transport.NewNode(i, "127.0.0.1:0", peers, boxes[i].handle)
		if err != nil {
			t.Fatalf("NewNode(%d): %v", i, err)
		}
		nodes[i] = node
		peers[i] = node.Addr()
	}

	c := &cluster{nodes: nodes}
	for i := 0; i < n; i++ {
		store, err := index.Open(filepath.Join(t.TempDir(), "shard.db"))
		if err != nil {
			t.Fatalf("index.Open(%d): %v", i, err)
		}
		t.Cleanup(func() { store.Close() })

		ctx := server.NewContext(i, n, numKV, sliceWidth, store, &appconfig.Registry{}, nodes[i])
		mgr := server.NewServiceManager(ctx)
		boxes[i].mgr = mgr

		c.ctxs = append(c.ctxs, ctx)
		c.mgrs = append(c.mgrs, mgr)
	}

	t.Cleanup(c.close)
	return c
}

func dispatchFsync(t *testing.T, c *cluster, rank int, req rpc.FsyncRequest) rpc.FsyncReply {
	t.Helper()
	payload, err := rpc.Encode(req)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	env := c.mgrs[rank].Dispatch(rpc.Envelope{Kind: rpc.KindFsync, Payload: payload})
	var reply rpc.FsyncReply
	if err := rpc.Decode(env.Payload, &reply); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return reply
}

func dispatchRead(t *testing.T, c *cluster, rank int, req rpc.ReadRequest) rpc.ReadReply {
	t.Helper()
	payload, err := rpc.Encode(req)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	env := c.mgrs[rank].Dispatch(rpc.Envelope{Kind: rpc.KindRead, Payload: payload})
	var reply rpc.ReadReply
	if err := rpc.Decode(env.Payload, &reply); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return reply
}

// findCrossRankOffsets returns two offsets within the first two slices
// of fid that route to different KV server ranks, so the read test
// below genuinely exercises the inter-delegator RangeGet RPC rather
// than only ever hitting the locally-owned shard.
func findCrossRankOffsets(fid uint64, width index.SliceWidth, numKV int) (a, b uint64, ok bool) {
	for s := uint64(0); s < 64; s++ {
		off := s * uint64(width)
		rank := index.ServerOf(fid, off, width, numKV)
		if s == 0 {
			a = off
			continue
		}
		if rank != index.ServerOf(fid, a, width, numKV) {
			return a, off, true
		}
	}
	return 0, 0, false
}

func TestFsyncThenReadRoundTrip(t *testing.T) {
	const numKV = 3
	const width = index.SliceWidth(16)

	c := buildCluster(t, numKV, numKV, width)

	offA, offB, ok := findCrossRankOffsets(1, width, numKV)
	if !ok {
		t.Skip("could not find cross-rank offsets for this hash/width combination")
	}

	c.ctxs[0].Apps.Register(appconfig.AppConfig{AppID: 1, NumRanks: 1})

	reply := dispatchFsync(t, c, 0, rpc.FsyncRequest{
		AppID: 1, ClientRank: 0, Gfid: 1,
		Extents: []index.Extent{
			{Key: index.ExtentKey{Fid: 1, Offset: offA}, Value: index.ExtentValue{Addr: 0, Len: 16, Delegator: 0}},
			{Key: index.ExtentKey{Fid: 1, Offset: offB}, Value: index.ExtentValue{Addr: 16, Len: 16, Delegator: 0}},
		},
		Attr: index.FileAttr{Gfid: 1, FileSize: offB + 16},
	})
	if reply.Err != "" {
		t.Fatalf("fsync failed: %s", reply.Err)
	}

	hi := offB + 16
	read := dispatchRead(t, c, 0, rpc.ReadRequest{AppID: 1, ClientRank: 0, Gfid: 1, Start: offA, End: hi})
	if read.Err != "" {
		t.Fatalf("read failed: %s", read.Err)
	}
	if len(read.Chunks) != 2 {
		t.Fatalf("got %d chunks, want 2: %+v", len(read.Chunks), read.Chunks)
	}
	if read.ShortRead {
		t.Fatalf("expected full coverage, got a short read: %+v", read.Chunks)
	}
}

func TestReadReportsShortReadOnGap(t *testing.T) {
	const numKV = 2
	const width = index.SliceWidth(1024)

	c := buildCluster(t, numKV, numKV, width)

	dispatchFsync(t, c, 0, rpc.FsyncRequest{
		Gfid: 5,
		Extents: []index.Extent{
			{Key: index.ExtentKey{Fid: 5, Offset: 0}, Value: index.ExtentValue{Addr: 0, Len: 10}},
			// gap between 10 and 20
			{Key: index.ExtentKey{Fid: 5, Offset: 20}, Value: index.ExtentValue{Addr: 20, Len: 10}},
		},
	})

	read := dispatchRead(t, c, 0, rpc.ReadRequest{Gfid: 5, Start: 0, End: 30})
	if read.Err != "" {
		t.Fatalf("read failed: %s", read.Err)
	}
	if !read.ShortRead {
		t.Fatal("expected ShortRead=true for a range with a gap")
	}
}

func TestUnlinkRemovesAcrossAllRanks(t *testing.T) {
	const numKV = 3
	const width = index.SliceWidth(16)

	c := buildCluster(t, numKV, numKV, width)

	offA, offB, ok := findCrossRankOffsets(9, width, numKV)
	if !ok {
		t.Skip("could not find cross-rank offsets")
	}

	dispatchFsync(t, c, 0, rpc.FsyncRequest{
		Gfid: 9,
		Extents: []index.Extent{
			{Key: index.ExtentKey{Fid: 9, Offset: offA}, Value: index.ExtentValue{Len: 16}},
			{Key: index.ExtentKey{Fid: 9, Offset: offB}, Value: index.ExtentValue{Len: 16}},
		},
		Attr: index.FileAttr{Gfid: 9, FileSize: offB + 16},
	})

	payload, _ := rpc.Encode(rpc.UnlinkRequest{Gfid: 9})
	env := c.mgrs[0].Dispatch(rpc.Envelope{Kind: rpc.KindUnlink, Payload: payload})
	var ureply rpc.UnlinkReply
	if err := rpc.Decode(env.Payload, &ureply); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ureply.Err != "" {
		t.Fatalf("unlink failed: %s", ureply.Err)
	}

	read := dispatchRead(t, c, 0, rpc.ReadRequest{Gfid: 9, Start: offA, End: offB + 16})
	if len(read.Chunks) != 0 {
		t.Fatalf("expected no chunks after unlink, got %+v", read.Chunks)
	}
}

func TestFetchServesBytesFromRegisteredSuperblock(t *testing.T) {
	c := buildCluster(t, 1, 1, index.SliceWidth(4096))

	layout := superblock.NewLayout(256, 4, 256)
	sb, err := superblock.Create("test", layout, filepath.Join(t.TempDir(), "spill.bin"))
	if err != nil {
		t.Fatalf("superblock.Create: %v", err)
	}
	t.Cleanup(func() { sb.Close() })

	addr, err := sb.AppendData([]byte("payload-bytes"))
	if err != nil {
		t.Fatalf("AppendData: %v", err)
	}
	c.ctxs[0].RegisterSuperblock(1, 0, sb)

	payload, _ := rpc.Encode(rpc.FetchRequest{AppID: 1, ClientRank: 0, Addr: addr, Len: 13})
	env := c.mgrs[0].Dispatch(rpc.Envelope{Kind: rpc.KindFetch, Payload: payload})

	var reply rpc.FetchReply
	if err := rpc.Decode(env.Payload, &reply); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if reply.Err != "" {
		t.Fatalf("fetch failed: %s", reply.Err)
	}
	if string(reply.Data) != "payload-bytes" {
		t.Fatalf("fetch returned %q, want %q", reply.Data, "payload-bytes")
	}
}

func TestUnmountClosesRequestQueue(t *testing.T) {
	c := buildCluster(t, 1, 1, index.SliceWidth(4096))

	// prime the client's TCB with one read so it exists before unmount
	dispatchRead(t, c, 0, rpc.ReadRequest{AppID: 7, ClientRank: 3, Gfid: 1, Start: 0, End: 10})

	payload, _ := rpc.Encode(rpc.UnmountRequest{AppID: 7, ClientRank: 3})
	c.mgrs[0].Dispatch(rpc.Envelope{Kind: rpc.KindUnmount, Payload: payload})

	// a later read for the same client gets a fresh TCB and should still
	// succeed; this mainly guards against a panic from sending on the
	// now-closed, since-deleted channel.
	read := dispatchRead(t, c, 0, rpc.ReadRequest{AppID: 7, ClientRank: 3, Gfid: 1, Start: 0, End: 10})
	if read.Err != "" {
		t.Fatalf("read after unmount+remount failed: %s", read.Err)
	}
}
