// Package appconfig tracks the lifecycle of mounted jobs: each job that
// mounts UnifyCR registers one AppConfig describing its rank count and
// delegator topology, looked up by every subsequent RPC for that job
// (spec.md §3's "app config" object). Grounded on ron.Server's
// clientLock-guarded map with deep-copy-under-lock accessors, adapted
// from "connected agents" to "mounted jobs."
package appconfig

import "sync"

// AppConfig describes one mounted job.
type AppConfig struct {
	AppID         uint32
	NumRanks      uint32
	NumDelegators int
	NumKVServers  int
	SliceWidth    uint64
}

type entry struct {
	cfg  AppConfig
	refs int
}

// Registry is the process-wide table of mounted jobs a delegator or KV
// server currently knows about. Entries are refcounted by mounted client,
// so a job registered by several ranks is only torn down once the last
// one unmounts (spec.md §3). The zero value is ready to use.
type Registry struct {
	mu   sync.RWMutex
	apps map[uint32]*entry
}

// Register records cfg under cfg.AppID and adds one reference, for one
// more client of that job having mounted. A second Register for an
// already-known AppID refreshes cfg (e.g. a restarted job reusing an app
// ID with different rank counts) rather than creating a second entry.
func (r *Registry) Register(cfg AppConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.apps == nil {
		r.apps = make(map[uint32]*entry)
	}
	e, ok := r.apps[cfg.AppID]
	if !ok {
		r.apps[cfg.AppID] = &entry{cfg: cfg, refs: 1}
		return
	}
	e.cfg = cfg
	e.refs++
}

// Get returns a copy of the AppConfig for appID, if mounted.
func (r *Registry) Get(appID uint32) (AppConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.apps[appID]
	if !ok {
		return AppConfig{}, false
	}
	return e.cfg, true
}

// Unregister drops one client's reference to appID, removing the entry
// once the last mounted client of that job has detached. Unregistering
// an AppID with no outstanding references is a no-op.
func (r *Registry) Unregister(appID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.apps[appID]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(r.apps, appID)
	}
}

// List returns a snapshot of every mounted job, for the operator-facing
// stats surface.
func (r *Registry) List() []AppConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AppConfig, 0, len(r.apps))
	for _, e := range r.apps {
		out = append(out, e.cfg)
	}
	return out
}
