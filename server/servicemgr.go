package server

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/unifycr/unifycr/appconfig"
	"github.com/unifycr/unifycr/errs"
	"github.com/unifycr/unifycr/index"
	"github.com/unifycr/unifycr/internal/minilog"
	"github.com/unifycr/unifycr/rpc"
)

var svcLog = minilog.Component("servicemgr")

// ServiceManager is the top-level dispatch table a delegator wires into
// its transport.Node: every inbound envelope, whether from a local
// client or a peer delegator, is routed here by Kind. Grounded on
// iomeshage's handler.go, which does the same message-type switch over
// one connection's inbound traffic.
type ServiceManager struct {
	ctx      *Context
	create   *CreateHandler
	fsync    *FsyncHandler
	read     *ReadHandler
	fetch    *FetchHandler
	requests *RequestManager
}

// NewServiceManager builds a manager bound to ctx and wires up every
// sub-handler.
func NewServiceManager(ctx *Context) *ServiceManager {
	return &ServiceManager{
		ctx:      ctx,
		create:   NewCreateHandler(ctx),
		fsync:    NewFsyncHandler(ctx),
		read:     NewReadHandler(ctx),
		fetch:    NewFetchHandler(ctx),
		requests: NewRequestManager(ctx),
	}
}

// Dispatch implements transport.Handler.
func (m *ServiceManager) Dispatch(req rpc.Envelope) rpc.Envelope {
	switch req.Kind {
	case rpc.KindMount:
		return m.handleMount(req)
	case rpc.KindCreate:
		return m.handleCreate(req)
	case rpc.KindFsync:
		return m.handleFsync(req)
	case rpc.KindRead:
		return m.handleRead(req)
	case rpc.KindRangeGet:
		return m.handleRangeGet(req)
	case rpc.KindFetch:
		return m.handleFetch(req)
	case rpc.KindUnmount:
		return m.handleUnmount(req)
	case rpc.KindStat:
		return m.handleStat(req)
	case rpc.KindUnlink:
		return m.handleUnlink(req)
	case rpc.KindUnlinkLocal:
		return m.handleUnlinkLocal(req)
	case rpc.KindStats:
		return m.handleStats(req)
	default:
		svcLog.Warn("dropped envelope with unknown kind %d", req.Kind)
		return rpc.Envelope{}
	}
}

func (m *ServiceManager) handleMount(req rpc.Envelope) rpc.Envelope {
	var mreq rpc.MountRequest
	if err := rpc.Decode(req.Payload, &mreq); err != nil {
		return reply(rpc.KindMountReply, rpc.MountReply{Err: err.Error()})
	}

	m.ctx.Apps.Register(appconfig.AppConfig{
		AppID:         mreq.AppID,
		NumRanks:      mreq.NumRanks,
		NumDelegators: m.ctx.NumDelegators,
		NumKVServers:  m.ctx.NumKVServers,
		SliceWidth:    uint64(m.ctx.SliceWidth),
	})

	delegators := m.ctx.Transport.Peers()
	delegators[m.ctx.Rank] = m.ctx.Transport.Addr()

	return reply(rpc.KindMountReply, rpc.MountReply{
		DelegatorRank: m.ctx.Rank,
		NumDelegators: m.ctx.NumDelegators,
		NumKVServers:  m.ctx.NumKVServers,
		SliceWidth:    uint64(m.ctx.SliceWidth),
		Delegators:    delegators,
	})
}

func (m *ServiceManager) handleCreate(req rpc.Envelope) rpc.Envelope {
	var creq rpc.CreateRequest
	if err := rpc.Decode(req.Payload, &creq); err != nil {
		return reply(rpc.KindCreateReply, rpc.CreateReply{Err: err.Error()})
	}
	return reply(rpc.KindCreateReply, m.create.Handle(context.Background(), creq))
}

func (m *ServiceManager) handleFsync(req rpc.Envelope) rpc.Envelope {
	var freq rpc.FsyncRequest
	if err := rpc.Decode(req.Payload, &freq); err != nil {
		return reply(rpc.KindFsyncReply, rpc.FsyncReply{Err: err.Error()})
	}
	return reply(rpc.KindFsyncReply, m.fsync.Handle(context.Background(), freq))
}

func (m *ServiceManager) handleRead(req rpc.Envelope) rpc.Envelope {
	var rreq rpc.ReadRequest
	if err := rpc.Decode(req.Payload, &rreq); err != nil {
		return reply(rpc.KindReadReply, rpc.ReadReply{Err: err.Error()})
	}

	result, err := m.requests.Submit(rreq)
	if err != nil {
		return reply(rpc.KindReadReply, rpc.ReadReply{Err: err.Error()})
	}
	return reply(rpc.KindReadReply, result)
}

func (m *ServiceManager) handleRangeGet(req rpc.Envelope) rpc.Envelope {
	var rreq rpc.RangeGetRequest
	if err := rpc.Decode(req.Payload, &rreq); err != nil {
		return reply(rpc.KindRangeGetReply, rpc.RangeGetReply{Err: err.Error()})
	}
	return reply(rpc.KindRangeGetReply, m.read.HandleRangeGet(rreq))
}

func (m *ServiceManager) handleFetch(req rpc.Envelope) rpc.Envelope {
	var freq rpc.FetchRequest
	if err := rpc.Decode(req.Payload, &freq); err != nil {
		return reply(rpc.KindFetchReply, rpc.FetchReply{Err: err.Error()})
	}
	return reply(rpc.KindFetchReply, m.fetch.Handle(freq))
}

func (m *ServiceManager) handleUnmount(req rpc.Envelope) rpc.Envelope {
	var ureq rpc.UnmountRequest
	if err := rpc.Decode(req.Payload, &ureq); err != nil {
		return reply(rpc.KindUnmountReply, rpc.UnmountReply{Err: err.Error()})
	}

	m.requests.Close(ureq.AppID, ureq.ClientRank)
	m.ctx.UnregisterSuperblock(ureq.AppID, ureq.ClientRank)
	m.ctx.Apps.Unregister(ureq.AppID)

	return reply(rpc.KindUnmountReply, rpc.UnmountReply{})
}

func (m *ServiceManager) handleStat(req rpc.Envelope) rpc.Envelope {
	var sreq rpc.StatRequest
	if err := rpc.Decode(req.Payload, &sreq); err != nil {
		return reply(rpc.KindStatReply, rpc.StatReply{Err: err.Error()})
	}

	rank := index.ServerOf(sreq.Gfid, 0, m.ctx.SliceWidth, m.ctx.NumKVServers)
	if rank != m.ctx.Rank {
		return reply(rpc.KindStatReply, m.forwardStat(context.Background(), rank, sreq))
	}

	attr, err := m.ctx.Store.Attrs().Get(sreq.Gfid)
	if err != nil {
		return reply(rpc.KindStatReply, rpc.StatReply{Err: err.Error()})
	}
	return reply(rpc.KindStatReply, rpc.StatReply{Attr: attr})
}

func (m *ServiceManager) forwardStat(ctx context.Context, rank int, sreq rpc.StatRequest) rpc.StatReply {
	payload, err := rpc.Encode(sreq)
	if err != nil {
		return rpc.StatReply{Err: err.Error()}
	}
	env, err := m.ctx.Transport.Call(ctx, rank, rpc.KindStat, payload)
	if err != nil {
		return rpc.StatReply{Err: err.Error()}
	}
	var sreply rpc.StatReply
	if err := rpc.Decode(env.Payload, &sreply); err != nil {
		return rpc.StatReply{Err: err.Error()}
	}
	return sreply
}

// handleUnlink is the operator-facing entry point (SPEC_FULL.md §10): it
// fans the removal out across every KV server rank, since a file's
// extents may be scattered across the whole slice-routed set. Peers are
// asked to do only their own local removal (KindUnlinkLocal), so the
// fan-out never recurses.
func (m *ServiceManager) handleUnlink(req rpc.Envelope) rpc.Envelope {
	var ureq rpc.UnlinkRequest
	if err := rpc.Decode(req.Payload, &ureq); err != nil {
		return reply(rpc.KindUnlinkReply, rpc.UnlinkReply{Err: err.Error()})
	}

	g, ctx := errgroup.WithContext(context.Background())
	for rank := 0; rank < m.ctx.NumKVServers; rank++ {
		rank := rank
		g.Go(func() error {
			if rank == m.ctx.Rank {
				return m.unlinkLocal(ureq.Gfid)
			}
			return m.callUnlinkLocal(ctx, rank, ureq.Gfid)
		})
	}

	if err := g.Wait(); err != nil {
		return reply(rpc.KindUnlinkReply, rpc.UnlinkReply{Err: err.Error()})
	}
	return reply(rpc.KindUnlinkReply, rpc.UnlinkReply{})
}

func (m *ServiceManager) handleUnlinkLocal(req rpc.Envelope) rpc.Envelope {
	var ureq rpc.UnlinkRequest
	if err := rpc.Decode(req.Payload, &ureq); err != nil {
		return reply(rpc.KindUnlinkLocalReply, rpc.UnlinkReply{Err: err.Error()})
	}
	if err := m.unlinkLocal(ureq.Gfid); err != nil {
		return reply(rpc.KindUnlinkLocalReply, rpc.UnlinkReply{Err: err.Error()})
	}
	return reply(rpc.KindUnlinkLocalReply, rpc.UnlinkReply{})
}

func (m *ServiceManager) unlinkLocal(gfid uint64) error {
	if err := m.ctx.Store.Extents().Unlink(gfid); err != nil {
		return err
	}
	if err := m.ctx.Store.Attrs().Delete(gfid); err != nil && err != errs.ErrNotFound {
		return err
	}
	return nil
}

func (m *ServiceManager) callUnlinkLocal(ctx context.Context, rank int, gfid uint64) error {
	payload, err := rpc.Encode(rpc.UnlinkRequest{Gfid: gfid})
	if err != nil {
		return err
	}
	env, err := m.ctx.Transport.Call(ctx, rank, rpc.KindUnlinkLocal, payload)
	if err != nil {
		return err
	}
	var r rpc.UnlinkReply
	if err := rpc.Decode(env.Payload, &r); err != nil {
		return err
	}
	if r.Err != "" {
		return fmt.Errorf("%s", r.Err)
	}
	return nil
}

func (m *ServiceManager) handleStats(req rpc.Envelope) rpc.Envelope {
	snap := m.ctx.Stats.Snapshot()
	return reply(rpc.KindStatsReply, rpc.StatsReply{
		FsyncCount:      snap.FsyncCount,
		BytesSynced:     snap.BytesSynced,
		ReadBytesServed: snap.ReadBytesServed,
		ShortReadCount:  snap.ShortReadCount,
		MountedApps:     len(m.ctx.Apps.List()),
	})
}

func reply(kind rpc.Kind, v interface{}) rpc.Envelope {
	payload, err := rpc.Encode(v)
	if err != nil {
		svcLog.Error("failed to encode reply kind %d: %v", kind, err)
		return rpc.Envelope{Kind: kind}
	}
	return rpc.Envelope{Kind: kind, Payload: payload}
}
