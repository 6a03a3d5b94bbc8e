// Package server implements a delegator: the per-node process holding a
// shard of the distributed extent/attribute index, the fsync and read
// handlers, and the per-client request-manager/service-manager pair that
// dispatches reads (spec.md §4.5-§4.7). Context replaces the scattered
// globals of a C daemon with one struct constructed in cmd/unifycrd and
// threaded through every handler.
package server

import (
	"sync"

	"github.com/unifycr/unifycr/appconfig"
	"github.com/unifycr/unifycr/index"
	"github.com/unifycr/unifycr/superblock"
	"github.com/unifycr/unifycr/transport"
)

// clientKey identifies one mounted client rank within one app.
type clientKey struct {
	AppID      uint32
	ClientRank uint32
}

// Context is the full set of dependencies one delegator process needs.
// It owns no goroutines itself; ServiceManager and RequestManager own
// the long-running state built on top of it.
type Context struct {
	Rank          int
	NumDelegators int
	NumKVServers  int
	SliceWidth    index.SliceWidth

	Store     *index.Store
	Apps      *appconfig.Registry
	Transport *transport.Node
	Stats     *Stats

	sbMu        sync.RWMutex
	superblocks map[clientKey]*superblock.Superblock
}

// NewContext builds a Context. store, apps and trans are wired by
// cmd/unifycrd after parsing configuration and opening the local bbolt
// shard and transport listener.
func NewContext(rank, numDelegators, numKVServers int, sliceWidth index.SliceWidth, store *index.Store, apps *appconfig.Registry, trans *transport.Node) *Context {
	return &Context{
		Rank:          rank,
		NumDelegators: numDelegators,
		NumKVServers:  numKVServers,
		SliceWidth:    sliceWidth,
		Store:         store,
		Apps:          apps,
		Transport:     trans,
		Stats:         &Stats{},
		superblocks:   make(map[clientKey]*superblock.Superblock),
	}
}

// RegisterSuperblock attaches a client's superblock handle to this
// delegator, standing in for the OS-level shm-attach-by-name handshake
// a real deployment performs out of band at mount time (see DESIGN.md:
// this package models "the delegator can read its local clients' shared
// memory" by accepting the handle directly, since the naming protocol
// for cross-process shm attachment is OS glue outside this module's
// scope, not a storage-engine concern).
func (c *Context) RegisterSuperblock(appID, clientRank uint32, sb *superblock.Superblock) {
	c.sbMu.Lock()
	defer c.sbMu.Unlock()
	c.superblocks[clientKey{appID, clientRank}] = sb
}

// Superblock returns the registered superblock for a client, if any.
func (c *Context) Superblock(appID, clientRank uint32) (*superblock.Superblock, bool) {
	c.sbMu.RLock()
	defer c.sbMu.RUnlock()
	sb, ok := c.superblocks[clientKey{appID, clientRank}]
	return sb, ok
}

// UnregisterSuperblock drops a client's superblock handle at unmount.
func (c *Context) UnregisterSuperblock(appID, clientRank uint32) {
	c.sbMu.Lock()
	defer c.sbMu.Unlock()
	delete(c.superblocks, clientKey{appID, clientRank})
}
