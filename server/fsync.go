package server

import (
	"context"
	"errors"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/unifycr/unifycr/index"
	"github.com/unifycr/unifycr/internal/minilog"
	"github.com/unifycr/unifycr/rpc"
)

var fsyncLog = minilog.Component("fsync")

// FsyncHandler implements spec.md §4.5: a client's pending extent and
// attribute batch is range-partitioned across the KV server set and
// durably committed before the RPC replies. Both the extent batch and
// the attribute write are fanned out concurrently with errgroup, since
// neither depends on the other completing first.
type FsyncHandler struct {
	ctx *Context
}

// NewFsyncHandler builds a handler bound to ctx.
func NewFsyncHandler(ctx *Context) *FsyncHandler {
	return &FsyncHandler{ctx: ctx}
}

// Handle commits req's extents and attribute update, forwarding any
// portion this delegator does not own to the delegator that does.
func (h *FsyncHandler) Handle(ctx context.Context, req rpc.FsyncRequest) rpc.FsyncReply {
	// req.AppID is zero on a sub-batch this same handler forwarded to a
	// peer rank (see forwardExtents/forwardAttr below), not a genuine
	// unmounted client, so only guard the client-originated case.
	if req.AppID != 0 {
		if _, ok := h.ctx.Apps.Get(req.AppID); !ok {
			return rpc.FsyncReply{Err: "unifycr: bad request: app not mounted"}
		}
	}

	groups := make(map[int][]index.Extent)
	var bytesSynced uint64
	for _, e := range req.Extents {
		rank := index.ServerOf(e.Key.Fid, e.Key.Offset, h.ctx.SliceWidth, h.ctx.NumKVServers)
		groups[rank] = append(groups[rank], e)
		bytesSynced += e.Value.Len
	}

	g, gctx := errgroup.WithContext(ctx)

	for rank, batch := range groups {
		rank, batch := rank, batch
		g.Go(func() error {
			if rank == h.ctx.Rank {
				return h.ctx.Store.Extents().BatchPut(batch)
			}
			return h.forwardExtents(gctx, rank, batch)
		})
	}

	if req.Attr.Gfid != 0 || len(req.Extents) == 0 {
		attr := req.Attr
		g.Go(func() error {
			rank := index.ServerOf(attr.Gfid, 0, h.ctx.SliceWidth, h.ctx.NumKVServers)
			if rank == h.ctx.Rank {
				return h.ctx.Store.Attrs().Put(attr)
			}
			return h.forwardAttr(gctx, rank, attr)
		})
	}

	if err := g.Wait(); err != nil {
		fsyncLog.Error("fsync failed for app=%d rank=%d gfid=%d: %v", req.AppID, req.ClientRank, req.Gfid, err)
		return rpc.FsyncReply{Err: err.Error()}
	}

	h.ctx.Stats.RecordFsync(bytesSynced)
	fsyncLog.Debug("fsync app=%d rank=%d gfid=%d committed %s across %d kv server(s)",
		req.AppID, req.ClientRank, req.Gfid, humanize.Bytes(bytesSynced), len(groups))
	return rpc.FsyncReply{}
}

func (h *FsyncHandler) forwardExtents(ctx context.Context, rank int, batch []index.Extent) error {
	sub := rpc.FsyncRequest{Extents: batch}
	return h.call(ctx, rank, sub)
}

func (h *FsyncHandler) forwardAttr(ctx context.Context, rank int, attr index.FileAttr) error {
	sub := rpc.FsyncRequest{Attr: attr}
	return h.call(ctx, rank, sub)
}

func (h *FsyncHandler) call(ctx context.Context, rank int, sub rpc.FsyncRequest) error {
	payload, err := rpc.Encode(sub)
	if err != nil {
		return err
	}

	env, err := h.ctx.Transport.Call(ctx, rank, rpc.KindFsync, payload)
	if err != nil {
		return err
	}

	var reply rpc.FsyncReply
	if err := rpc.Decode(env.Payload, &reply); err != nil {
		return err
	}
	if reply.Err != "" {
		return errors.New(reply.Err)
	}
	return nil
}
