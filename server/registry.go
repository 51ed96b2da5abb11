// SPDX-License-Identifier: ice License 1.0

package server

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/ice-blockchain/moar/cfg"
	wsserver "github.com/ice-blockchain/moar/server/ws"

	"github.com/ice-blockchain/moar/media"
	"github.com/ice-blockchain/moar/paywall"
	"github.com/ice-blockchain/moar/ratelimit"
	"github.com/ice-blockchain/moar/store"
	"github.com/ice-blockchain/moar/wot"
)

// Registry owns every live relay and blossom instance's runtime resources
// (store, dispatcher, blob store) and keeps the Gateway's routing table in
// sync with the config service. It is what the admin surface drives.
type Registry struct {
	gw       *Gateway
	cs       *cfg.Store
	wotMgr   *wot.Manager
	paywall  *paywall.Manager
	limiter  *ratelimit.Limiter
	domain   string
	port     int
	adminPub string

	mu          sync.Mutex
	instances   map[string]*wsserver.Instance // relay id -> live instance
	cancels     map[string]context.CancelFunc // relay id -> dispatcher stop
	blossoms    map[string]*media.Store       // blossom id -> blob store
	blossomDirs map[string]string             // blossom id -> storage dir the store was opened on
}

// NewRegistry constructs a Registry sharing one process-wide ratelimit.Limiter
// across every relay it opens, per spec.md's per-IP (not per-instance) cap.
func NewRegistry(gw *Gateway, cs *cfg.Store, wotMgr *wot.Manager, paywallMgr *paywall.Manager, domain string, port int, adminPubkey string) *Registry {
	return &Registry{
		gw: gw, cs: cs, wotMgr: wotMgr, paywall: paywallMgr,
		limiter: ratelimit.New(),
		domain:  domain, port: port, adminPub: adminPubkey,
		instances:   map[string]*wsserver.Instance{},
		cancels:     map[string]context.CancelFunc{},
		blossoms:    map[string]*media.Store{},
		blossomDirs: map[string]string{},
	}
}

// LoadAll opens every configured relay and blossom instance and installs
// the resulting routing table on the gateway. Call once at startup.
func (r *Registry) LoadAll(ctx context.Context) error {
	snap := r.cs.Snapshot()

	for id, rc := range snap.Relays {
		if err := r.openRelay(ctx, id, rc); err != nil {
			return errors.Wrapf(err, "failed to open relay %v", id)
		}
	}
	for id, bc := range snap.Blossoms {
		if err := r.openBlossom(id, bc); err != nil {
			return errors.Wrapf(err, "failed to open blossom %v", id)
		}
	}
	r.rebuildTable(snap)

	return nil
}

func (r *Registry) openRelay(ctx context.Context, id string, rc cfg.RelayConfig) error {
	inst, disp, err := BuildRelayInstance(rc, r.domain, r.port, r.wotMgr, r.paywall, r.limiter)
	if err != nil {
		return err
	}
	dctx, cancel := context.WithCancel(ctx)
	go disp.Run(dctx)

	r.mu.Lock()
	r.instances[id] = inst
	r.cancels[id] = cancel
	r.mu.Unlock()

	return nil
}

func (r *Registry) openBlossom(id string, bc cfg.BlossomConfig) error {
	_, blobs, err := BuildBlossomHost(bc)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.blossoms[id] = blobs
	r.blossomDirs[id] = bc.StorageDir
	r.mu.Unlock()

	return nil
}

// UpsertRelay creates or hot-reconfigures the relay identified by id from
// the latest config snapshot, then republishes the gateway routing table.
// An existing instance keeps its open store: its policy, rate limits and
// relay URL are updated in place and routing follows a new subdomain, but a
// changed db path is not applied to the running store.
func (r *Registry) UpsertRelay(ctx context.Context, id string) error {
	snap := r.cs.Snapshot()
	rc, ok := snap.Relays[id]
	if !ok {
		return errors.Newf("relay %v not found", id)
	}

	r.mu.Lock()
	inst, exists := r.instances[id]
	r.mu.Unlock()

	if !exists {
		if err := r.openRelay(ctx, id, rc); err != nil {
			return err
		}
	} else {
		inst.Policy = BuildEngine(rc.Policy, r.wotMgr, r.paywall)
		inst.Limits.WritesPerMinute = rc.Policy.RateLimit.WritesPerMinute
		inst.Limits.ReadsPerMinute = rc.Policy.RateLimit.ReadsPerMinute
		inst.Limits.MaxConnections = rc.Policy.RateLimit.MaxConnections
		inst.RelayURL = RelayURL(r.domain, rc.Subdomain, r.port)
	}

	r.rebuildTable(snap)

	return nil
}

// RemoveRelay stops and drops the relay identified by id.
func (r *Registry) RemoveRelay(id string) {
	r.mu.Lock()
	if cancel, ok := r.cancels[id]; ok {
		cancel()
	}
	if inst, ok := r.instances[id]; ok {
		_ = inst.Store.Close()
	}
	delete(r.instances, id)
	delete(r.cancels, id)
	r.mu.Unlock()

	r.rebuildTable(r.cs.Snapshot())
}

// UpsertBlossom creates the blossom instance identified by id, or, if it
// already exists, republishes its routing entry with the latest policy.
// Its storage directory is a cold field: changing it requires a process
// restart, since bbolt tolerates only one open handle per file.
func (r *Registry) UpsertBlossom(id string) error {
	snap := r.cs.Snapshot()
	bc, ok := snap.Blossoms[id]
	if !ok {
		return errors.Newf("blossom %v not found", id)
	}

	r.mu.Lock()
	_, exists := r.blossoms[id]
	dirChanged := exists && r.blossomDirs[id] != bc.StorageDir
	r.mu.Unlock()

	if !exists {
		if err := r.openBlossom(id, bc); err != nil {
			return err
		}
	} else if dirChanged {
		return errors.Newf("blossom %v storage_dir changed; restart required to apply", id)
	}

	r.rebuildTable(snap)

	return nil
}

// RemoveBlossom closes and drops the blossom instance identified by id.
func (r *Registry) RemoveBlossom(id string) {
	r.mu.Lock()
	if blobs, ok := r.blossoms[id]; ok {
		_ = blobs.Close()
	}
	delete(r.blossoms, id)
	delete(r.blossomDirs, id)
	r.mu.Unlock()

	r.rebuildTable(r.cs.Snapshot())
}

// RelayEventStore returns the live event store backing relay id, for the
// admin surface's export/import endpoints.
func (r *Registry) RelayEventStore(id string) (*store.Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, false
	}

	return inst.Store, true
}

func (r *Registry) rebuildTable(snap cfg.Config) {
	r.mu.Lock()
	relayHosts := make(map[string]*RelayHost, len(r.instances))
	for id, inst := range r.instances {
		if rc, ok := snap.Relays[id]; ok {
			relayHosts[rc.Subdomain] = BuildRelayHost(rc, r.adminPub, inst)
		}
	}

	blossomHosts := make(map[string]*BlossomHost, len(r.blossoms))
	for id, bc := range snap.Blossoms {
		if blobs, ok := r.blossoms[id]; ok {
			blossomHosts[bc.Subdomain] = NewBlossomHost(bc, blobs)
		}
	}
	r.mu.Unlock()

	r.gw.SetRelays(relayHosts)
	r.gw.SetBlossoms(blossomHosts)
}
