// SPDX-License-Identifier: ice License 1.0

package cfg

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
)

var (
	ErrDuplicateID     = errors.New("duplicate id")
	ErrDuplicateSubdom = errors.New("duplicate subdomain")
	ErrNotFound        = errors.New("not found")
	ErrDanglingRef     = errors.New("references a wot or paywall id that does not exist")
)

// Store is the config service: the authoritative, read-mostly in-memory
// registry, backed by one TOML file on disk.
type Store struct {
	path string

	mu             sync.RWMutex
	cfg            Config
	pendingRestart bool

	watcher    *fsnotify.Watcher
	onExternal func()
}

// Load reads path into a new Store, creating an empty document if the
// file does not yet exist.
func Load(path string) (*Store, error) {
	s := &Store{path: path, cfg: empty()}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, s.persistLocked()
	} else if err != nil {
		return nil, errors.Wrapf(err, "failed to read config at %v", path)
	}

	var cfg Config
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config toml")
	}
	if cfg.Relays == nil {
		cfg.Relays = map[string]RelayConfig{}
	}
	if cfg.Wots == nil {
		cfg.Wots = map[string]WotConfig{}
	}
	if cfg.Paywalls == nil {
		cfg.Paywalls = map[string]PaywallConfig{}
	}
	if cfg.Blossoms == nil {
		cfg.Blossoms = map[string]BlossomConfig{}
	}
	s.cfg = cfg

	return s, nil
}

// WatchExternalEdits starts watching the config file for out-of-band
// edits (e.g. an operator hand-editing the TOML); onChanged is invoked
// after the file is reloaded.
func (s *Store) WatchExternalEdits(onChanged func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to start config watcher")
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()

		return errors.Wrap(err, "failed to watch config directory")
	}
	s.watcher = w
	s.onExternal = onChanged

	go func() {
		for event := range w.Events {
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if reloaded, err := Load(s.path); err == nil {
				s.mu.Lock()
				s.cfg = reloaded.cfg
				s.mu.Unlock()
				if s.onExternal != nil {
					s.onExternal()
				}
			}
		}
	}()

	return nil
}

func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}

	return nil
}

// Snapshot returns a read-only copy of the current configuration.
func (s *Store) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.cfg
}

// PendingRestart reports whether a cold field has been mutated since the
// last process start.
func (s *Store) PendingRestart() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.pendingRestart
}

func (s *Store) persistLocked() error {
	raw, err := toml.Marshal(s.cfg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return errors.Wrap(err, "failed to write temp config")
	}

	return errors.Wrap(os.Rename(tmp, s.path), "failed to atomically replace config")
}

func (s *Store) validateNewID(existing map[string]struct{}, id string) error {
	if id == "" {
		return errors.Wrap(ErrNotFound, "id must not be empty")
	}
	if _, ok := existing[id]; ok {
		return errors.Wrapf(ErrDuplicateID, "id %v", id)
	}

	return nil
}

func (s *Store) relayIDsAndSubdomains() (map[string]struct{}, map[string]struct{}) {
	ids := make(map[string]struct{}, len(s.cfg.Relays))
	subs := make(map[string]struct{}, len(s.cfg.Relays))
	for id, r := range s.cfg.Relays {
		ids[id] = struct{}{}
		subs[r.Subdomain] = struct{}{}
	}

	return ids, subs
}

// UpsertRelay adds or replaces a relay instance's config, validating
// duplicate ids/subdomains and dangling wot/paywall references, then
// classifies the mutation as hot or cold.
func (s *Store) UpsertRelay(rc RelayConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.cfg.Relays[rc.ID]

	if !existed {
		ids, subs := s.relayIDsAndSubdomains()
		if err := s.validateNewID(ids, rc.ID); err != nil {
			return err
		}
		if _, dup := subs[rc.Subdomain]; dup {
			return errors.Wrapf(ErrDuplicateSubdom, "subdomain %v", rc.Subdomain)
		}
	} else {
		for otherID, other := range s.cfg.Relays {
			if otherID != rc.ID && other.Subdomain == rc.Subdomain {
				return errors.Wrapf(ErrDuplicateSubdom, "subdomain %v", rc.Subdomain)
			}
		}
	}

	if err := s.checkDanglingRefs(rc.Policy); err != nil {
		return err
	}

	s.cfg.Relays[rc.ID] = rc

	if existed && (prev.Subdomain != rc.Subdomain || prev.DBPath != rc.DBPath) {
		s.pendingRestart = true
	}

	return s.persistLocked()
}

func (s *Store) checkDanglingRefs(p PolicyConfig) error {
	if p.Write.Wot != "" {
		if _, ok := s.cfg.Wots[p.Write.Wot]; !ok {
			return errors.Wrapf(ErrDanglingRef, "write.wot %v", p.Write.Wot)
		}
	}
	if p.Read.Wot != "" {
		if _, ok := s.cfg.Wots[p.Read.Wot]; !ok {
			return errors.Wrapf(ErrDanglingRef, "read.wot %v", p.Read.Wot)
		}
	}
	if p.Write.Paywall != "" {
		if _, ok := s.cfg.Paywalls[p.Write.Paywall]; !ok {
			return errors.Wrapf(ErrDanglingRef, "write.paywall %v", p.Write.Paywall)
		}
	}
	if p.Read.Paywall != "" {
		if _, ok := s.cfg.Paywalls[p.Read.Paywall]; !ok {
			return errors.Wrapf(ErrDanglingRef, "read.paywall %v", p.Read.Paywall)
		}
	}

	return nil
}

// DeleteRelay removes a relay instance's config entry. It does not remove
// the underlying database files, per the instance-deletion invariant.
func (s *Store) DeleteRelay(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cfg.Relays[id]; !ok {
		return errors.Wrapf(ErrNotFound, "relay %v", id)
	}
	delete(s.cfg.Relays, id)

	return s.persistLocked()
}

// UpsertWot adds or replaces a WoT config, flagging pending_restart when
// the seed pubkey changes.
func (s *Store) UpsertWot(wc WotConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.cfg.Wots[wc.ID]
	if !existed {
		ids := make(map[string]struct{}, len(s.cfg.Wots))
		for id := range s.cfg.Wots {
			ids[id] = struct{}{}
		}
		if err := s.validateNewID(ids, wc.ID); err != nil {
			return err
		}
	}

	s.cfg.Wots[wc.ID] = wc
	if existed && prev.Seed != wc.Seed {
		s.pendingRestart = true
	}

	return s.persistLocked()
}

func (s *Store) DeleteWot(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.cfg.Relays {
		if r.Policy.Write.Wot == id || r.Policy.Read.Wot == id {
			return errors.Wrapf(ErrDanglingRef, "wot %v still referenced by relay %v", id, r.ID)
		}
	}
	if _, ok := s.cfg.Wots[id]; !ok {
		return errors.Wrapf(ErrNotFound, "wot %v", id)
	}
	delete(s.cfg.Wots, id)

	return s.persistLocked()
}

// UpsertPaywall adds or replaces a paywall config; price and period are
// hot fields per §4.I.
func (s *Store) UpsertPaywall(pc PaywallConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.cfg.Paywalls[pc.ID]
	if !existed {
		ids := make(map[string]struct{}, len(s.cfg.Paywalls))
		for id := range s.cfg.Paywalls {
			ids[id] = struct{}{}
		}
		if err := s.validateNewID(ids, pc.ID); err != nil {
			return err
		}
	}

	s.cfg.Paywalls[pc.ID] = pc

	return s.persistLocked()
}

func (s *Store) DeletePaywall(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.cfg.Relays {
		if r.Policy.Write.Paywall == id || r.Policy.Read.Paywall == id {
			return errors.Wrapf(ErrDanglingRef, "paywall %v still referenced by relay %v", id, r.ID)
		}
	}
	if _, ok := s.cfg.Paywalls[id]; !ok {
		return errors.Wrapf(ErrNotFound, "paywall %v", id)
	}
	delete(s.cfg.Paywalls, id)

	return s.persistLocked()
}

// UpsertBlossom adds or replaces a blossom instance's config.
func (s *Store) UpsertBlossom(bc BlossomConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.cfg.Blossoms[bc.ID]
	if !existed {
		for otherID, other := range s.cfg.Blossoms {
			if otherID != bc.ID && other.Subdomain == bc.Subdomain {
				return errors.Wrapf(ErrDuplicateSubdom, "subdomain %v", bc.Subdomain)
			}
		}
	}

	s.cfg.Blossoms[bc.ID] = bc
	if existed && (prev.Subdomain != bc.Subdomain || prev.StorageDir != bc.StorageDir) {
		s.pendingRestart = true
	}

	return s.persistLocked()
}

func (s *Store) DeleteBlossom(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cfg.Blossoms[id]; !ok {
		return errors.Wrapf(ErrNotFound, "blossom %v", id)
	}
	delete(s.cfg.Blossoms, id)

	return s.persistLocked()
}

// SetDiscoveryRelays replaces the shared WoT discovery relay list (hot).
func (s *Store) SetDiscoveryRelays(urls []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg.DiscoveryRelays = urls

	return s.persistLocked()
}

// SetDomainAndPort mutates the two process-wide cold fields.
func (s *Store) SetDomainAndPort(domain string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Domain != domain || s.cfg.Port != port {
		s.pendingRestart = true
	}
	s.cfg.Domain = domain
	s.cfg.Port = port

	return s.persistLocked()
}
