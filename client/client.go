// Package client is the per-process library UnifyCR-linked applications
// use: buffer writes into a shared-memory superblock, coalesce them in a
// per-file segment tree, and exchange mount/fsync/read/fetch RPCs with
// the local delegator over the transport package.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unifycr/unifycr/errs"
	"github.com/unifycr/unifycr/index"
	"github.com/unifycr/unifycr/internal/minilog"
	"github.com/unifycr/unifycr/rpc"
	"github.com/unifycr/unifycr/segtree"
	"github.com/unifycr/unifycr/superblock"
	"github.com/unifycr/unifycr/transport"
)

var log = minilog.Component("client")

// Client is one mounted process's UnifyCR handle.
type Client struct {
	appID      uint32
	clientRank uint32
	mountID    string // uuid, for log correlation across a job's clients

	node          *transport.Node
	localRank     int
	numDelegators int
	numKVServers  int
	sliceWidth    index.SliceWidth

	sb *superblock.Superblock

	treesMu sync.Mutex
	trees   map[uint64]*segtree.Tree

	namesMu sync.Mutex
	names   map[uint64]string // gfid -> filename, populated by Create
}

// Options configures Mount.
type Options struct {
	AppID      uint32
	ClientRank uint32
	NumRanks   uint32

	LocalDelegatorAddr string

	SuperblockDataLogSize   uint64
	SuperblockIndexCapacity int
	SuperblockReplyCapacity uint64
	SpillPath               string
}

// Mount registers this client with its local delegator and returns a
// ready-to-use Client. The superblock (spec.md §6's shared-memory
// region) is created here, as a client always owns its own.
func Mount(opts Options) (*Client, error) {
	layout := superblock.NewLayout(opts.SuperblockDataLogSize, opts.SuperblockIndexCapacity, opts.SuperblockReplyCapacity)
	sb, err := superblock.Create(fmt.Sprintf("unifycr-%d-%d", opts.AppID, opts.ClientRank), layout, opts.SpillPath)
	if err != nil {
		return nil, fmt.Errorf("client: create superblock: %w", err)
	}

	node, err := transport.NewNode(-1, "127.0.0.1:0", map[int]string{0: opts.LocalDelegatorAddr}, noopHandler)
	if err != nil {
		sb.Close()
		return nil, fmt.Errorf("client: start transport: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload, err := rpc.Encode(rpc.MountRequest{AppID: opts.AppID, ClientRank: opts.ClientRank, NumRanks: opts.NumRanks})
	if err != nil {
		return nil, err
	}
	env, err := node.Call(ctx, 0, rpc.KindMount, payload)
	if err != nil {
		node.Close()
		sb.Close()
		return nil, errs.ErrTransport
	}

	var reply rpc.MountReply
	if err := rpc.Decode(env.Payload, &reply); err != nil {
		node.Close()
		sb.Close()
		return nil, err
	}
	if reply.Err != "" {
		node.Close()
		sb.Close()
		return nil, fmt.Errorf("client: mount rejected: %s", reply.Err)
	}

	for rank, addr := range reply.Delegators {
		node.LearnPeer(rank, addr)
	}

	c := &Client{
		appID:         opts.AppID,
		clientRank:    opts.ClientRank,
		mountID:       uuid.NewString(),
		node:          node,
		localRank:     reply.DelegatorRank,
		numDelegators: reply.NumDelegators,
		numKVServers:  reply.NumKVServers,
		sliceWidth:    index.SliceWidth(reply.SliceWidth),
		sb:            sb,
		trees:         make(map[uint64]*segtree.Tree),
		names:         make(map[uint64]string),
	}

	log.Info("mounted app=%d rank=%d mount_id=%s local_delegator=%d", opts.AppID, opts.ClientRank, c.mountID, c.localRank)
	return c, nil
}

func noopHandler(req rpc.Envelope) rpc.Envelope { return rpc.Envelope{} }

// Superblock returns the client's shared-memory region handle, so the
// process embedding this client can hand it to its local delegator's
// server.Context.RegisterSuperblock. A real multi-process deployment
// would pass the region's memfd across a local control socket instead;
// that OS-level handoff is outside this package's scope (see
// DESIGN.md), so the handle is exposed directly here for an in-process
// wiring harness and for tests.
func (c *Client) Superblock() *superblock.Superblock { return c.sb }

// Unmount tears the client's state down, both locally and on its
// delegator.
func (c *Client) Unmount() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, err := rpc.Encode(rpc.UnmountRequest{AppID: c.appID, ClientRank: c.clientRank})
	if err == nil {
		if env, err := c.node.Call(ctx, 0, rpc.KindUnmount, payload); err == nil {
			var reply rpc.UnmountReply
			rpc.Decode(env.Payload, &reply)
		}
	}

	c.node.Close()
	return c.sb.Close()
}

// Create originates a gfid for filename, or returns its existing gfid if
// the name is already known to the job (spec.md §3's attribute value
// carries a filename; this is the operation that assigns one). The
// returned id is used as fid for subsequent Write/Fsync/Read calls.
func (c *Client) Create(filename string) (uint64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload, err := rpc.Encode(rpc.CreateRequest{Filename: filename})
	if err != nil {
		return 0, err
	}
	env, err := c.node.Call(ctx, 0, rpc.KindCreate, payload)
	if err != nil {
		return 0, errs.ErrTransport
	}

	var reply rpc.CreateReply
	if err := rpc.Decode(env.Payload, &reply); err != nil {
		return 0, err
	}
	if reply.Err != "" {
		return 0, fmt.Errorf("client: create: %s", reply.Err)
	}

	c.namesMu.Lock()
	c.names[reply.Gfid] = filename
	c.namesMu.Unlock()

	return reply.Gfid, nil
}

func (c *Client) filenameFor(fid uint64) string {
	c.namesMu.Lock()
	defer c.namesMu.Unlock()
	return c.names[fid]
}

func (c *Client) treeFor(fid uint64) *segtree.Tree {
	c.treesMu.Lock()
	defer c.treesMu.Unlock()

	t, ok := c.trees[fid]
	if !ok {
		t = &segtree.Tree{}
		c.trees[fid] = t
	}
	return t
}

// Write buffers len(data) bytes at [offset, offset+len(data)) of fid
// into the client's superblock and records the extent in that file's
// segment tree, coalescing it with any unsynced overlapping writes.
func (c *Client) Write(fid, offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	addr, err := c.sb.AppendData(data)
	if err != nil {
		return err
	}

	return c.treeFor(fid).Add(offset, offset+uint64(len(data))-1, addr)
}

// Fsync drains fid's segment tree into the superblock's pending-extent
// ring, drains that ring into an RPC batch, and durably commits it
// through the local delegator (spec.md §4.5). size is the file's
// current logical size, used for the accompanying attribute update.
func (c *Client) Fsync(fid uint64, size uint64) error {
	tree := c.treeFor(fid)

	tree.Lock()
	var nodes []*segtree.Node
	for n, ok := tree.Iter(nil); ok; n, ok = tree.Iter(n) {
		nodes = append(nodes, n)
	}
	tree.Unlock()

	for _, n := range nodes {
		if err := c.sb.PushExtent(superblock.ExtentRecord{
			Fid: fid, Offset: n.Start, Addr: n.Ptr, Len: n.End - n.Start + 1,
		}); err != nil {
			return err
		}
	}

	drained := c.sb.DrainExtents()
	batch := make([]index.Extent, len(drained))
	for i, d := range drained {
		batch[i] = index.Extent{
			Key: index.ExtentKey{Fid: d.Fid, Offset: d.Offset},
			Value: index.ExtentValue{
				Addr: d.Addr, Len: d.Len,
				Delegator:  uint32(c.localRank),
				AppID:      c.appID,
				ClientRank: c.clientRank,
			},
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	payload, err := rpc.Encode(rpc.FsyncRequest{
		AppID: c.appID, ClientRank: c.clientRank, Gfid: fid,
		Extents: batch,
		Attr:    index.FileAttr{Fid: fid, Gfid: fid, Filename: c.filenameFor(fid), FileSize: size},
	})
	if err != nil {
		return err
	}

	env, err := c.node.Call(ctx, 0, rpc.KindFsync, payload)
	if err != nil {
		return errs.ErrTransport
	}

	var reply rpc.FsyncReply
	if err := rpc.Decode(env.Payload, &reply); err != nil {
		return err
	}
	if reply.Err != "" {
		return fmt.Errorf("client: fsync: %s", reply.Err)
	}

	tree.Clear()
	return nil
}

// Read resolves and fetches every byte of [start, end) of fid that has
// been fsynced, in offset order. If the range is only partially
// covered, the returned bytes are short and err is nil - callers check
// len(result) against end-start themselves, matching spec.md's
// "short read surfaced via the reply header, not an error" design.
func (c *Client) Read(fid, start, end uint64) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	payload, err := rpc.Encode(rpc.ReadRequest{AppID: c.appID, ClientRank: c.clientRank, Gfid: fid, Start: start, End: end})
	if err != nil {
		return nil, err
	}
	env, err := c.node.Call(ctx, 0, rpc.KindRead, payload)
	if err != nil {
		return nil, errs.ErrTransport
	}

	var reply rpc.ReadReply
	if err := rpc.Decode(env.Payload, &reply); err != nil {
		return nil, err
	}
	if reply.Err != "" {
		return nil, fmt.Errorf("client: read: %s", reply.Err)
	}

	out := make([]byte, 0, end-start)
	for _, chunk := range reply.Chunks {
		data, err := c.fetch(ctx, chunk)
		if err != nil {
			return out, err
		}
		out = append(out, data...)
	}
	return out, nil
}

func (c *Client) fetch(ctx context.Context, chunk rpc.ReadChunk) ([]byte, error) {
	// Addr is relative to the superblock of whichever client wrote this
	// extent, not necessarily this reading client.
	payload, err := rpc.Encode(rpc.FetchRequest{
		AppID: chunk.AppID, ClientRank: chunk.ClientRank, Addr: chunk.Addr, Len: chunk.Len,
		RequesterAppID: c.appID, RequesterClientRank: c.clientRank,
	})
	if err != nil {
		return nil, err
	}
	env, err := c.node.Call(ctx, chunk.Delegator, rpc.KindFetch, payload)
	if err != nil {
		return nil, errs.ErrTransport
	}

	var reply rpc.FetchReply
	if err := rpc.Decode(env.Payload, &reply); err != nil {
		return nil, err
	}
	if reply.Err != "" {
		return nil, fmt.Errorf("client: fetch: %s", reply.Err)
	}
	if reply.Deposited {
		return c.sb.TakeReply(), nil
	}
	return reply.Data, nil
}
