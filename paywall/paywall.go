// SPDX-License-Identifier: ice License 1.0

package paywall

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ice-blockchain/moar/cfg"
)

const (
	// sweepInterval is 10 minutes per the whitelist-pruning cadence; the
	// reference implementation sweeps hourly, but this pins the shorter
	// interval explicitly called out for stale whitelist entries.
	sweepInterval        = 10 * time.Minute
	pendingPaymentTTL    = time.Hour
	invoiceWatchInterval = 5 * time.Second
	invoiceWatchLifetime = time.Hour
)

// Set is the concurrency-safe pubkey -> expiry membership set consumed by
// the policy engine. Adding an entry only ever extends its expiry.
type Set struct {
	mu      sync.RWMutex
	expires map[string]int64
}

func newSet() *Set { return &Set{expires: map[string]int64{}} }

func (s *Set) Contains(pubkeyHex string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exp, ok := s.expires[pubkeyHex]

	return ok && time.Now().Unix() < exp
}

func (s *Set) Add(pubkeyHex string, expiresAt int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.expires[pubkeyHex]; !ok || expiresAt > cur {
		s.expires[pubkeyHex] = expiresAt
	}
}

func (s *Set) RemoveExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().Unix()
	removed := 0
	for pk, exp := range s.expires {
		if exp <= now {
			delete(s.expires, pk)
			removed++
		}
	}

	return removed
}

func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.expires)
}

// Entry is a serializable whitelist row, for the admin surface.
type Entry struct {
	Pubkey    string
	ExpiresAt int64
}

func (s *Set) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.expires))
	for pk, exp := range s.expires {
		out = append(out, Entry{Pubkey: pk, ExpiresAt: exp})
	}

	return out
}

func (s *Set) replace(entries map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expires = entries
}

type pendingPayment struct {
	pubkey      string
	periodDays  int
	createdAt   time.Time
	statusMu    sync.RWMutex
	status      InvoiceStatus
	watchCancel context.CancelFunc
}

func (p *pendingPayment) getStatus() InvoiceStatus {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()

	return p.status
}

func (p *pendingPayment) setStatus(s InvoiceStatus) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	p.status = s
}

// Info is a serializable snapshot of one paywall's config and state, for
// the admin surface.
type Info struct {
	ID              string
	PriceSats       int64
	PeriodDays      int
	WhitelistCount  int
}

type entry struct {
	config cfg.PaywallConfig
	client *NWCClient
	set    *Set

	mu      sync.Mutex
	pending map[string]*pendingPayment

	cancel context.CancelFunc
}

// Manager owns every configured paywall's whitelist, NWC client, and
// background sweeper.
type Manager struct {
	dataDir string

	mu      sync.RWMutex
	entries map[string]*entry
}

func NewManager(dataDir string, paywalls map[string]cfg.PaywallConfig) (*Manager, error) {
	m := &Manager{dataDir: dataDir, entries: make(map[string]*entry, len(paywalls))}
	for id, c := range paywalls {
		client, err := ParseConnectionString(c.WalletConnectionSecret)
		if err != nil {
			return nil, errors.Wrapf(err, "paywall %q has an invalid nwc connection string", id)
		}
		m.entries[id] = &entry{config: c, client: client, set: newSet(), pending: map[string]*pendingPayment{}}
	}

	return m, nil
}

func (m *Manager) diskPath(id string) string {
	return filepath.Join(m.dataDir, id+".bin")
}

func (m *Manager) StartAll(ctx context.Context) {
	_ = os.MkdirAll(m.dataDir, 0o755)

	m.mu.RLock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.startSweeper(ctx, id)
	}
}

func (m *Manager) startSweeper(parent context.Context, id string) {
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

	if entries, err := loadFromDisk(m.diskPath(id)); err == nil {
		e.set.replace(entries)
	}

	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.set.RemoveExpired()

				e.mu.Lock()
				now := time.Now()
				for hash, p := range e.pending {
					if now.Sub(p.createdAt) >= pendingPaymentTTL {
						if p.watchCancel != nil {
							p.watchCancel()
						}
						delete(e.pending, hash)
					}
				}
				e.mu.Unlock()

				_ = saveToDisk(m.diskPath(id), e.set.List())
			}
		}
	}()
}

func (m *Manager) GetSet(id string) *Set {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil
	}

	return e.set
}

// CreateInvoice requests a new invoice for id's price and starts a
// background watch that grants pubkey extend-only whitelist access on
// settlement.
func (m *Manager) CreateInvoice(ctx context.Context, id, pubkeyHex string) (*InvoiceResponse, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.Newf("paywall %q not found", id)
	}

	memo := "relay access"
	resp, err := e.client.MakeInvoice(ctx, e.config.PriceSats*1000, memo)
	if err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	pending := &pendingPayment{
		pubkey: pubkeyHex, periodDays: e.config.PeriodDays,
		createdAt: time.Now(), status: InvoiceStatusPending, watchCancel: cancel,
	}

	e.mu.Lock()
	e.pending[resp.PaymentHash] = pending
	e.mu.Unlock()

	go m.watchInvoice(watchCtx, e, resp.PaymentHash, pending)

	return resp, nil
}

func (m *Manager) watchInvoice(ctx context.Context, e *entry, paymentHash string, p *pendingPayment) {
	deadline := time.Now().Add(invoiceWatchLifetime)
	for {
		status, err := e.client.LookupInvoice(ctx, paymentHash)
		if err == nil {
			if status == InvoiceStatusPaid {
				p.setStatus(InvoiceStatusPaid)

				return
			}
			if status == InvoiceStatusExpired {
				p.setStatus(InvoiceStatusExpired)

				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(invoiceWatchInterval):
		}
		if time.Now().After(deadline) {
			return
		}
	}
}

// CheckPayment reads the current invoice status without making an NWC
// call; on first observed settlement it grants access and removes the
// pending entry.
func (m *Manager) CheckPayment(id, paymentHash string) (InvoiceStatus, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return "", errors.Newf("paywall %q not found", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.pending[paymentHash]
	if !ok {
		return InvoiceStatusExpired, nil
	}

	status := p.getStatus()
	if status == InvoiceStatusPaid {
		expiresAt := time.Now().AddDate(0, 0, p.periodDays).Unix()
		e.set.Add(p.pubkey, expiresAt)
		if p.watchCancel != nil {
			p.watchCancel()
		}
		delete(e.pending, paymentHash)
		_ = saveToDisk(m.diskPath(id), e.set.List())
	}

	return status, nil
}

func (m *Manager) VerifyConnectionString(ctx context.Context, s string) error {
	client, err := ParseConnectionString(s)
	if err != nil {
		return err
	}

	return client.GetInfo(ctx)
}

func (m *Manager) AddPaywall(ctx context.Context, id string, c cfg.PaywallConfig) error {
	client, err := ParseConnectionString(c.WalletConnectionSecret)
	if err != nil {
		return errors.Wrap(err, "invalid nwc connection string")
	}

	m.mu.Lock()
	if _, exists := m.entries[id]; exists {
		m.mu.Unlock()

		return errors.Newf("paywall %q already exists", id)
	}
	m.entries[id] = &entry{config: c, client: client, set: newSet(), pending: map[string]*pendingPayment{}}
	m.mu.Unlock()

	m.startSweeper(ctx, id)

	return nil
}

func (m *Manager) UpdatePaywall(ctx context.Context, id string, c cfg.PaywallConfig) error {
	client, err := ParseConnectionString(c.WalletConnectionSecret)
	if err != nil {
		return errors.Wrap(err, "invalid nwc connection string")
	}

	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()

		return errors.Newf("paywall %q not found", id)
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.config = c
	e.client = client
	m.mu.Unlock()

	m.startSweeper(ctx, id)

	return nil
}

func (m *Manager) RemovePaywall(id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()

		return errors.Newf("paywall %q not found", id)
	}
	delete(m.entries, id)
	m.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}

	return os.Remove(m.diskPath(id))
}

func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.entries))
	for id, e := range m.entries {
		out = append(out, Info{ID: id, PriceSats: e.config.PriceSats, PeriodDays: e.config.PeriodDays, WhitelistCount: e.set.Len()})
	}

	return out
}

func (m *Manager) Whitelist(id string) ([]Entry, bool) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}

	return e.set.List(), true
}

// --- disk persistence: 32-byte pubkey + 8-byte little-endian expiry ---

func saveToDisk(path string, entries []Entry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create paywall data dir")
	}

	buf := make([]byte, 0, len(entries)*40)
	for _, e := range entries {
		raw, err := hex.DecodeString(e.Pubkey)
		if err != nil || len(raw) != 32 {
			continue
		}
		buf = append(buf, raw...)
		var expBuf [8]byte
		binary.LittleEndian.PutUint64(expBuf[:], uint64(e.ExpiresAt))
		buf = append(buf, expBuf[:]...)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return errors.Wrap(err, "failed to write paywall data file")
	}

	return errors.Wrap(os.Rename(tmp, path), "failed to atomically replace paywall data file")
}

func loadFromDisk(path string) (map[string]int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %v", path)
	}
	if len(data)%40 != 0 {
		return nil, errors.Newf("invalid paywall file size %d", len(data))
	}

	now := time.Now().Unix()
	out := map[string]int64{}
	for i := 0; i+40 <= len(data); i += 40 {
		pk := hex.EncodeToString(data[i : i+32])
		exp := int64(binary.LittleEndian.Uint64(data[i+32 : i+40]))
		if exp > now {
			out[pk] = exp
		}
	}

	return out, nil
}
