// Package rpc defines the gob-encodable message types carried over the
// transport package's connections: the five request/reply pairs of
// spec.md §6 (mount, fsync, read, fetch, unmount), plus the stat/unlink/
// stats surfaces this implementation supplements (SPEC_FULL.md §10).
package rpc

import "github.com/unifycr/unifycr/index"

// Kind tags the payload carried by an Envelope so the receiving node's
// dispatch switch (server.ServiceManager.Dispatch) knows how to decode it.
type Kind uint8

const (
	KindMount Kind = iota
	KindMountReply
	KindFsync
	KindFsyncReply
	KindRead
	KindReadReply
	KindFetch
	KindFetchReply
	KindUnmount
	KindUnmountReply
	KindStat
	KindStatReply
	KindUnlink
	KindUnlinkReply
	KindStats
	KindStatsReply
	KindRangeGet
	KindRangeGetReply
	KindUnlinkLocal
	KindUnlinkLocalReply
	KindCreate
	KindCreateReply
)

// Envelope is the outermost gob-encoded frame exchanged between
// delegators and between a client and its delegator: a transaction ID
// for request/response correlation (grounded on iomeshage's TID scheme)
// plus a tagged, opaque payload.
type Envelope struct {
	TID     uint64
	Kind    Kind
	Payload []byte // gob-encoded value of the concrete type named by Kind
}

// MountRequest registers a new client with its delegator at job start.
type MountRequest struct {
	AppID      uint32
	ClientRank uint32
	NumRanks   uint32
}

// MountReply tells the client which delegator rank it was assigned to
// and the slice-routing parameters it needs to compute server_of
// locally (spec.md §4.2).
type MountReply struct {
	DelegatorRank int
	NumDelegators int
	NumKVServers  int
	SliceWidth    uint64
	Delegators    map[int]string // full rank -> address table, so a client can later Fetch from any delegator
	Err           string
}

// FsyncRequest carries one client's pending extent and attribute batch
// at fsync time (spec.md §4.5). The delegator routes each extent to the
// KV server owning its slice.
type FsyncRequest struct {
	AppID      uint32
	ClientRank uint32
	Gfid       uint64
	Extents    []index.Extent
	Attr       index.FileAttr
}

// FsyncReply reports whether the batch was durably committed.
type FsyncReply struct {
	Err string
}

// ReadRequest asks a delegator to resolve and return the bytes covering
// [Start, End) of Gfid (spec.md §4.6). AppID/ClientRank identify the
// issuing client so the receiving delegator can route the request to
// that client's per-TCB request manager queue.
type ReadRequest struct {
	AppID      uint32
	ClientRank uint32
	Gfid       uint64
	Start      uint64
	End        uint64
}

// ReadReply carries the resolved extents for the requested range. Chunks
// is sorted by Offset and may have gaps relative to [Start, End) if
// ShortRead is set, per spec.md's "reply header carries short-read
// status" design.
type ReadReply struct {
	Chunks    []ReadChunk
	ShortRead bool
	Err       string
}

// ReadChunk is one physically-contiguous run of bytes a read reply
// references: where to fetch it from (Delegator) and its extent-index
// coordinates.
type ReadChunk struct {
	Offset     uint64
	Len        uint64
	Delegator  int
	Addr       uint64
	AppID      uint32 // identifies whose superblock Addr is relative to
	ClientRank uint32
}

// FetchRequest asks the delegator named in a ReadChunk for the actual
// bytes at [Addr, Addr+Len) out of the writing client's superblock.
// RequesterAppID/RequesterClientRank identify who is asking, so the
// delegator can deposit the bytes directly into the requester's own
// reply region (spec.md §4.6) when that client happens to be attached
// locally, instead of always carrying them inline in the reply.
type FetchRequest struct {
	AppID      uint32
	ClientRank uint32
	Addr       uint64
	Len        uint64

	RequesterAppID      uint32
	RequesterClientRank uint32
}

// FetchReply carries the requested bytes, or an error if the owning
// delegator could no longer serve them (e.g. client already unmounted).
// When Deposited is true, Data is empty and the bytes were instead
// written into the requester's shm reply region; the caller reads them
// back with Superblock.TakeReply.
type FetchReply struct {
	Data      []byte
	Deposited bool
	Err       string
}

// UnmountRequest tears a client down; its delegator drops per-client
// state (the request-manager TCB, the registered superblock, and one
// reference on the app's registry entry).
type UnmountRequest struct {
	AppID      uint32
	ClientRank uint32
}

// UnmountReply acknowledges teardown.
type UnmountReply struct {
	Err string
}

// CreateRequest asks a delegator to originate a gfid for Filename and
// register an initial, empty attribute record for it (spec.md §3's
// attribute value carries a filename; this is the only operation that
// assigns one). Idempotent: creating an already-registered name returns
// its existing gfid rather than erroring.
type CreateRequest struct {
	Filename string
}

// CreateReply carries the assigned identifiers. Fid and Gfid are equal
// in this implementation (see index.FileAttr's doc comment).
type CreateReply struct {
	Fid  uint64
	Gfid uint64
	Err  string
}

// StatRequest/StatReply/UnlinkRequest/UnlinkReply/StatsRequest/
// StatsReply realize SPEC_FULL.md §10's supplemented operator surface.
type StatRequest struct {
	Gfid uint64
}

type StatReply struct {
	Attr index.FileAttr
	Err  string
}

type UnlinkRequest struct {
	Gfid uint64
}

type UnlinkReply struct {
	Err string
}

// RangeGetRequest/RangeGetReply are the inter-delegator RPCs a read
// resolver uses to fan a scan out to the KV server ranks a range
// touches - distinct from the client-facing ReadRequest/ReadReply pair,
// which routes through a client's per-TCB request-manager queue instead
// of being answered inline.
type RangeGetRequest struct {
	Fid   uint64
	Start uint64
	End   uint64
}

type RangeGetReply struct {
	Chunks []ReadChunk
	Err    string
}

type StatsRequest struct{}

type StatsReply struct {
	FsyncCount      uint64
	BytesSynced     uint64
	ReadBytesServed uint64
	ShortReadCount  uint64
	MountedApps     int
}
