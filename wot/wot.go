// SPDX-License-Identifier: ice License 1.0

// Package wot builds and maintains web-of-trust pubkey sets: bounded-depth
// BFS crawls of the kind-3 follow graph, seeded from one operator-chosen
// pubkey and fanned out across a shared pool of discovery relays.
package wot

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr"

	"github.com/ice-blockchain/moar/cfg"
)

// batchSize is the number of authors packed into one REQ filter per crawl
// step (bounded well under typical relay filter-size limits).
const batchSize = 50

const seedFetchBudget = 8 * time.Second

const eoseBudget = 30 * time.Second

const relayConnectBudget = 10 * time.Second

// State is the WoT builder's status machine.
type State string

const (
	StatePending  State = "pending"
	StateBuilding State = "building"
	StateReady    State = "ready"
	StateError    State = "error"
)

// Status is a snapshot of one WoT set's build progress.
type Status struct {
	State         State
	DepthProgress int
	TotalDepth    int
	Error         string
}

// Set is the concurrency-safe pubkey membership set consumed by the policy
// engine.
type Set struct {
	mu   sync.RWMutex
	pks  map[string]struct{}
}

func newSet() *Set { return &Set{pks: map[string]struct{}{}} }

func (s *Set) Contains(pubkeyHex string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pks[pubkeyHex]

	return ok
}

func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.pks)
}

func (s *Set) replace(pks map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pks = pks
}

func (s *Set) snapshot() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{}, len(s.pks))
	for k := range s.pks {
		out[k] = struct{}{}
	}

	return out
}

type entry struct {
	config cfg.WotConfig
	set    *Set

	mu          sync.RWMutex
	status      Status
	lastUpdated *time.Time

	cancel context.CancelFunc
}

// Info is a serializable snapshot of one WoT entry, for the admin surface.
type Info struct {
	ID           string
	Config       cfg.WotConfig
	Status       Status
	PubkeyCount  int
	LastUpdated  *time.Time
}

// Manager owns every configured WoT builder and the shared discovery relay
// pool.
type Manager struct {
	dataDir string

	mu      sync.RWMutex
	entries map[string]*entry

	relaysMu sync.RWMutex
	relays   []string
}

func NewManager(dataDir string, discoveryRelays []string, wots map[string]cfg.WotConfig) *Manager {
	m := &Manager{
		dataDir: dataDir,
		entries: make(map[string]*entry, len(wots)),
		relays:  append([]string(nil), discoveryRelays...),
	}
	for id, c := range wots {
		m.entries[id] = &entry{config: c, set: newSet(), status: Status{State: StatePending}}
	}

	return m
}

// StartAll launches a background builder goroutine for every configured
// WoT entry.
func (m *Manager) StartAll(ctx context.Context) {
	_ = os.MkdirAll(m.dataDir, 0o755)

	m.mu.RLock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.startBuilder(ctx, id)
	}
}

func (m *Manager) diskPath(id string) string {
	return filepath.Join(m.dataDir, id+".bin")
}

func (m *Manager) startBuilder(parent context.Context, id string) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()

		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	ctx, cancel := context.WithCancel(parent)
	e.cancel = cancel
	m.mu.Unlock()

	path := m.diskPath(id)
	if pks, modTime, err := loadPubkeysFromDisk(path); err == nil {
		freshFor := time.Duration(e.config.UpdateIntervalHours) * time.Hour
		if freshFor <= 0 {
			freshFor = time.Hour
		}
		if time.Since(modTime) < freshFor {
			e.set.replace(pks)
			e.mu.Lock()
			e.status = Status{State: StateReady}
			t := modTime
			e.lastUpdated = &t
			e.mu.Unlock()
		}
	}

	go m.runLoop(ctx, id, e, path)
}

func (m *Manager) runLoop(ctx context.Context, id string, e *entry, path string) {
	for {
		e.mu.RLock()
		ready := e.status.State == StateReady
		e.mu.RUnlock()

		if !ready {
			relays := m.DiscoveryRelays()
			if err := m.build(ctx, e); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				e.mu.Lock()
				e.status = Status{State: StateError, Error: err.Error()}
				e.mu.Unlock()

				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Minute):
				}

				continue
			}
			_ = relays

			now := time.Now()
			e.mu.Lock()
			e.lastUpdated = &now
			e.mu.Unlock()

			if err := savePubkeysToDisk(path, e.set.snapshot()); err != nil {
				// Non-fatal: the in-memory set is already authoritative for this run.
				_ = err
			}
		}

		sleepHours := e.config.UpdateIntervalHours
		if sleepHours < 1 {
			sleepHours = 1
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(sleepHours) * time.Hour):
		}

		e.mu.Lock()
		e.status = Status{State: StatePending}
		e.mu.Unlock()
	}
}

// build runs one full bounded-depth BFS crawl, mutating e.set on success.
func (m *Manager) build(ctx context.Context, e *entry) error {
	relays := m.DiscoveryRelays()
	if len(relays) == 0 {
		return errors.New("no discovery relays configured")
	}

	seed := e.config.Seed
	if len(seed) != 64 {
		return errors.Newf("invalid seed pubkey %q", seed)
	}
	maxDepth := e.config.Depth
	if maxDepth < 1 {
		maxDepth = 1
	}
	if maxDepth > 4 {
		maxDepth = 4
	}

	e.mu.Lock()
	e.status = Status{State: StateBuilding, DepthProgress: 0, TotalDepth: maxDepth}
	e.mu.Unlock()

	all := map[string]struct{}{seed: {}}
	currentLayer := map[string]struct{}{seed: {}}
	queried := map[string]struct{}{}

	for depth := 1; depth <= maxDepth; depth++ {
		toQuery := make([]string, 0, len(currentLayer))
		for pk := range currentLayer {
			if _, done := queried[pk]; !done {
				toQuery = append(toQuery, pk)
			}
		}
		if len(toQuery) == 0 {
			break
		}

		budget := eoseBudget
		if depth == 1 {
			budget = seedFetchBudget
		}

		batches := chunk(toQuery, batchSize)
		results := make([]map[string]struct{}, len(batches))
		var wg sync.WaitGroup
		var anySuccess bool
		var mu sync.Mutex

		for i, batch := range batches {
			relay := relays[i%len(relays)]
			wg.Add(1)
			go func(i int, relay string, batch []string) {
				defer wg.Done()
				found, err := queryRelayBatch(ctx, relay, batch, budget)
				if err != nil {
					return
				}
				mu.Lock()
				anySuccess = true
				mu.Unlock()
				results[i] = found
			}(i, relay, batch)
		}
		wg.Wait()

		if !anySuccess {
			return errors.Newf("all relays failed at depth %d", depth)
		}

		nextLayer := map[string]struct{}{}
		for _, found := range results {
			for pk := range found {
				if _, exists := all[pk]; !exists {
					all[pk] = struct{}{}
					nextLayer[pk] = struct{}{}
				}
			}
		}
		for _, pk := range toQuery {
			queried[pk] = struct{}{}
		}
		currentLayer = nextLayer

		e.mu.Lock()
		e.status = Status{State: StateBuilding, DepthProgress: depth, TotalDepth: maxDepth}
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	e.set.replace(all)
	e.mu.Lock()
	e.status = Status{State: StateReady}
	e.mu.Unlock()

	return nil
}

func chunk(items []string, size int) [][]string {
	var out [][]string
	for size < len(items) {
		items, out = items[size:], append(out, items[0:size:size])
	}
	out = append(out, items)

	return out
}

// queryRelayBatch opens one connection, subscribes for kind-3 lists of
// batch's authors, and collects every "p"-tagged pubkey seen before EOSE
// or the budget elapses.
func queryRelayBatch(ctx context.Context, relayURL string, batch []string, budget time.Duration) (map[string]struct{}, error) {
	connCtx, cancel := context.WithTimeout(ctx, relayConnectBudget)
	defer cancel()

	relay, err := nostr.RelayConnect(connCtx, relayURL)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %v", relayURL)
	}
	defer relay.Close()

	subCtx, subCancel := context.WithTimeout(ctx, budget)
	defer subCancel()

	sub, err := relay.Subscribe(subCtx, nostr.Filters{{Authors: batch, Kinds: []int{3}}})
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe on %v", relayURL)
	}
	defer sub.Unsub()

	found := map[string]struct{}{}
	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return found, nil
			}
			for _, tag := range ev.Tags {
				if len(tag) >= 2 && tag[0] == "p" && len(tag[1]) == 64 {
					found[tag[1]] = struct{}{}
				}
			}
		case <-sub.EndOfStoredEvents:
			return found, nil
		case <-subCtx.Done():
			return found, nil
		}
	}
}

func (m *Manager) DiscoveryRelays() []string {
	m.relaysMu.RLock()
	defer m.relaysMu.RUnlock()

	return append([]string(nil), m.relays...)
}

func (m *Manager) SetDiscoveryRelays(relays []string) {
	m.relaysMu.Lock()
	defer m.relaysMu.Unlock()
	m.relays = append([]string(nil), relays...)
}

// GetSet returns the live membership set for id, or nil if id is unknown.
func (m *Manager) GetSet(id string) *Set {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil
	}

	return e.set
}

func (m *Manager) GetStatus(id string) (Status, bool) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.status, true
}

func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Info, 0, len(m.entries))
	for id, e := range m.entries {
		e.mu.RLock()
		out = append(out, Info{
			ID: id, Config: e.config, Status: e.status,
			PubkeyCount: e.set.Len(), LastUpdated: e.lastUpdated,
		})
		e.mu.RUnlock()
	}

	return out
}

// AddWot registers and starts a new WoT builder.
func (m *Manager) AddWot(ctx context.Context, id string, c cfg.WotConfig) error {
	m.mu.Lock()
	if _, exists := m.entries[id]; exists {
		m.mu.Unlock()

		return errors.Newf("wot %q already exists", id)
	}
	m.entries[id] = &entry{config: c, set: newSet(), status: Status{State: StatePending}}
	m.mu.Unlock()

	m.startBuilder(ctx, id)

	return nil
}

// UpdateWot cooperatively cancels the running builder and restarts it with
// the new config.
func (m *Manager) UpdateWot(ctx context.Context, id string, c cfg.WotConfig) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()

		return errors.Newf("wot %q not found", id)
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.config = c
	e.mu.Lock()
	e.status = Status{State: StatePending}
	e.mu.Unlock()
	m.mu.Unlock()

	m.startBuilder(ctx, id)

	return nil
}

// RemoveWot cooperatively cancels the builder and deletes the disk file.
func (m *Manager) RemoveWot(id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()

		return errors.Newf("wot %q not found", id)
	}
	delete(m.entries, id)
	m.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}

	return os.Remove(m.diskPath(id))
}
