package transport

import (
	"context"

	"github.com/unifycr/unifycr/errs"
	"github.com/unifycr/unifycr/rpc"
)

// allocTID hands out a fresh, process-unique transaction ID and
// registers a response channel for it, mirroring iomeshage's
// registerTID.
func (n *Node) allocTID() (uint64, chan rpc.Envelope) {
	n.tidMu.Lock()
	defer n.tidMu.Unlock()

	n.nextTID++
	tid := n.nextTID
	ch := make(chan rpc.Envelope, 1)
	n.tids[tid] = ch
	return tid, ch
}

// releaseTID unregisters a response channel, mirroring iomeshage's
// unregisterTID. Always called once the caller stops waiting, whether
// it got a reply, timed out, or the node shut down.
func (n *Node) releaseTID(tid uint64) {
	n.tidMu.Lock()
	defer n.tidMu.Unlock()
	delete(n.tids, tid)
}

// Call sends kind/payload to peer rank and blocks for its reply, a
// context cancellation, or node shutdown - whichever comes first.
func (n *Node) Call(ctx context.Context, peerRank int, kind rpc.Kind, payload []byte) (rpc.Envelope, error) {
	pc, err := n.dial(peerRank)
	if err != nil {
		return rpc.Envelope{}, err
	}

	tid, ch := n.allocTID()
	defer n.releaseTID(tid)

	req := rpc.Envelope{TID: tid, Kind: kind, Payload: payload}

	pc.sendMu.Lock()
	err = pc.enc.Encode(&req)
	pc.sendMu.Unlock()
	if err != nil {
		return rpc.Envelope{}, errs.ErrTransport
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return rpc.Envelope{}, ctx.Err()
	case <-n.closed:
		return rpc.Envelope{}, errs.ErrShutdown
	}
}
