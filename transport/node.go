// Package transport implements UnifyCR's reliable typed-message channel
// (spec.md §6's RPC transport collaborator): a persistent encoding/gob
// connection per peer delegator, adapted from the corpus's meshage
// client/connection handling, paired with a transaction-ID-correlated
// request/response layer adapted from iomeshage's TID registry.
//
// Unlike meshage, a Node here dials a fixed, fully-known peer set rather
// than discovering and flooding across a dynamic mesh - UnifyCR's
// delegator topology is pinned at mount time (REDESIGN FLAG 4, see
// DESIGN.md), so there is no route table or degree bookkeeping.
package transport

import (
	"encoding/gob"
	"fmt"
	"net"
	"sync"

	"github.com/unifycr/unifycr/internal/minilog"
	"github.com/unifycr/unifycr/rpc"
)

var log = minilog.Component("transport")

// Handler processes an inbound request envelope and returns the reply
// envelope to send back (with the same TID). It is invoked once per
// non-reply envelope a peer connection receives.
type Handler func(req rpc.Envelope) rpc.Envelope

// Node is one delegator's (or client's) endpoint on the transport: it
// listens for inbound connections, dials peers lazily, and multiplexes
// many outstanding RPCs over each persistent connection.
type Node struct {
	rank    int
	peers   map[int]string // rank -> "host:port"
	handler Handler

	listener net.Listener

	connMu sync.Mutex
	conns  map[int]*peerConn

	tidMu   sync.Mutex
	tids    map[uint64]chan rpc.Envelope
	nextTID uint64

	closeOnce sync.Once
	closed    chan struct{}
}

type peerConn struct {
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder

	sendMu sync.Mutex
}

// NewNode starts listening on listenAddr and returns a Node that will
// dial peers on demand and dispatch inbound requests to handler.
func NewNode(rank int, listenAddr string, peers map[int]string, handler Handler) (*Node, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}

	n := &Node{
		rank:     rank,
		peers:    peers,
		handler:  handler,
		listener: ln,
		conns:    make(map[int]*peerConn),
		tids:     make(map[uint64]chan rpc.Envelope),
		closed:   make(chan struct{}),
	}

	go n.acceptLoop()
	return n, nil
}

// Addr returns the address the node is listening on.
func (n *Node) Addr() string { return n.listener.Addr().String() }

// Peers returns a copy of this node's known rank -> address table.
func (n *Node) Peers() map[int]string {
	out := make(map[int]string, len(n.peers))
	for rank, addr := range n.peers {
		out[rank] = addr
	}
	return out
}

// LearnPeer records a previously-unknown peer's address, so a client
// that only knew its local delegator's address at mount time can learn
// the rest of the cluster from the mount reply and later Call any of
// them directly.
func (n *Node) LearnPeer(rank int, addr string) {
	n.connMu.Lock()
	defer n.connMu.Unlock()
	if _, ok := n.peers[rank]; !ok {
		n.peers[rank] = addr
	}
}

func (n *Node) acceptLoop() {
	for {
		c, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.closed:
				return
			default:
				log.Error("accept: %v", err)
				return
			}
		}
		pc := &peerConn{conn: c, enc: gob.NewEncoder(c), dec: gob.NewDecoder(c)}
		go n.readLoop(pc)
	}
}

// dial returns the persistent connection to peer rank, dialing it if
// this is the first RPC to that peer (meshage's "connect once, reuse"
// idiom).
func (n *Node) dial(rank int) (*peerConn, error) {
	n.connMu.Lock()
	defer n.connMu.Unlock()

	if pc, ok := n.conns[rank]; ok {
		return pc, nil
	}

	addr, ok := n.peers[rank]
	if !ok {
		return nil, fmt.Errorf("transport: unknown peer rank %d", rank)
	}

	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	pc := &peerConn{conn: c, enc: gob.NewEncoder(c), dec: gob.NewDecoder(c)}
	n.conns[rank] = pc
	go n.readLoop(pc)
	return pc, nil
}

// readLoop decodes envelopes off one connection for the node's lifetime.
// An envelope whose TID matches a pending Call is routed to that call's
// response channel; anything else is an inbound request dispatched to
// the node's Handler, with the reply written back on the same
// connection - the same request/response multiplexing shape as
// iomeshage's registerTID/unregisterTID pair, minus the mesh-wide
// flooding iomeshage also does for file announcements.
func (n *Node) readLoop(pc *peerConn) {
	for {
		var env rpc.Envelope
		if err := pc.dec.Decode(&env); err != nil {
			select {
			case <-n.closed:
			default:
				log.Debug("connection to peer closed: %v", err)
			}
			return
		}

		n.tidMu.Lock()
		ch, pending := n.tids[env.TID]
		n.tidMu.Unlock()

		if pending {
			select {
			case ch <- env:
			default:
				log.Warn("dropped reply for tid %d: receiver not waiting", env.TID)
			}
			continue
		}

		go func(env rpc.Envelope) {
			reply := n.handler(env)
			reply.TID = env.TID

			pc.sendMu.Lock()
			err := pc.enc.Encode(&reply)
			pc.sendMu.Unlock()
			if err != nil {
				log.Error("failed to send reply for tid %d: %v", env.TID, err)
			}
		}(env)
	}
}

// Close stops accepting new connections and closes every peer
// connection. In-flight Calls observe ErrShutdown.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		close(n.closed)
		n.listener.Close()

		n.connMu.Lock()
		for _, pc := range n.conns {
			pc.conn.Close()
		}
		n.connMu.Unlock()
	})
	return nil
}
