package server

import (
	"context"
	"errors"
	"hash/fnv"

	"github.com/unifycr/unifycr/errs"
	"github.com/unifycr/unifycr/index"
	"github.com/unifycr/unifycr/internal/minilog"
	"github.com/unifycr/unifycr/rpc"
)

var createLog = minilog.Component("create")

// CreateHandler originates a gfid for a filename and registers its
// initial attribute record, routed to whichever KV server owns that gfid
// (spec.md §3's attribute value carries the filename; some operation has
// to be the one that assigns it). Grounded on FsyncHandler's own
// single-rank attribute forward.
type CreateHandler struct {
	ctx *Context
}

// NewCreateHandler builds a handler bound to ctx.
func NewCreateHandler(ctx *Context) *CreateHandler {
	return &CreateHandler{ctx: ctx}
}

// hashFilename derives a stable gfid from a path, the same FNV-64a
// construction index.ServerOf uses for slice routing.
func hashFilename(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return h.Sum64()
}

// Handle creates req.Filename if it does not already have a record, or
// returns the existing gfid if it does.
func (h *CreateHandler) Handle(ctx context.Context, req rpc.CreateRequest) rpc.CreateReply {
	if req.Filename == "" {
		return rpc.CreateReply{Err: "unifycr: bad request: empty filename"}
	}

	gfid := hashFilename(req.Filename)
	rank := index.ServerOf(gfid, 0, h.ctx.SliceWidth, h.ctx.NumKVServers)
	if rank != h.ctx.Rank {
		return h.forward(ctx, rank, req)
	}

	if _, err := h.ctx.Store.Attrs().Get(gfid); err == nil {
		return rpc.CreateReply{Fid: gfid, Gfid: gfid}
	} else if err != errs.ErrNotFound {
		createLog.Error("create lookup failed for %q: %v", req.Filename, err)
		return rpc.CreateReply{Err: err.Error()}
	}

	attr := index.FileAttr{Fid: gfid, Gfid: gfid, Filename: req.Filename}
	if err := h.ctx.Store.Attrs().Put(attr); err != nil {
		return rpc.CreateReply{Err: err.Error()}
	}
	return rpc.CreateReply{Fid: gfid, Gfid: gfid}
}

func (h *CreateHandler) forward(ctx context.Context, rank int, req rpc.CreateRequest) rpc.CreateReply {
	payload, err := rpc.Encode(req)
	if err != nil {
		return rpc.CreateReply{Err: err.Error()}
	}

	env, err := h.ctx.Transport.Call(ctx, rank, rpc.KindCreate, payload)
	if err != nil {
		return rpc.CreateReply{Err: err.Error()}
	}

	var reply rpc.CreateReply
	if err := rpc.Decode(env.Payload, &reply); err != nil {
		return rpc.CreateReply{Err: err.Error()}
	}
	if reply.Err != "" {
		return rpc.CreateReply{Err: errors.New(reply.Err).Error()}
	}
	return reply
}
