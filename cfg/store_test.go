// SPDX-License-Identifier: ice License 1.0

package cfg_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ice-blockchain/moar/cfg"
)

func newStore(t *testing.T) *cfg.Store {
	t.Helper()
	s, err := cfg.Load(filepath.Join(t.TempDir(), "moar.toml"))
	require.NoError(t, err)

	return s
}

func TestLoad_CreatesEmptyDocumentWhenMissing(t *testing.T) {
	s := newStore(t)
	snap := s.Snapshot()
	assert.Empty(t, snap.Relays)
	assert.False(t, s.PendingRestart())
}

func TestUpsertRelay_SameIDUpdatesExisting(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.UpsertRelay(cfg.RelayConfig{ID: "r1", Subdomain: "a"}))
	err := s.UpsertRelay(cfg.RelayConfig{ID: "r1", Subdomain: "b"})
	assert.NoError(t, err) // same id is an update, not a duplicate
}

func TestUpsertRelay_RejectsDuplicateSubdomain(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.UpsertRelay(cfg.RelayConfig{ID: "r1", Subdomain: "a"}))
	err := s.UpsertRelay(cfg.RelayConfig{ID: "r2", Subdomain: "a"})
	assert.ErrorIs(t, err, cfg.ErrDuplicateSubdom)
}

func TestUpsertRelay_RejectsDanglingWotRef(t *testing.T) {
	s := newStore(t)
	err := s.UpsertRelay(cfg.RelayConfig{
		ID: "r1", Subdomain: "a",
		Policy: cfg.PolicyConfig{Write: cfg.WritePolicyConfig{Wot: "missing"}},
	})
	assert.ErrorIs(t, err, cfg.ErrDanglingRef)
}

func TestUpsertRelay_SubdomainChangeSetsPendingRestart(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.UpsertRelay(cfg.RelayConfig{ID: "r1", Subdomain: "a", DBPath: "/x"}))
	assert.False(t, s.PendingRestart())

	require.NoError(t, s.UpsertRelay(cfg.RelayConfig{ID: "r1", Subdomain: "b", DBPath: "/x"}))
	assert.True(t, s.PendingRestart())
}

func TestUpsertRelay_PolicyChangeDoesNotSetPendingRestart(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.UpsertRelay(cfg.RelayConfig{ID: "r1", Subdomain: "a", DBPath: "/x"}))
	require.NoError(t, s.UpsertRelay(cfg.RelayConfig{
		ID: "r1", Subdomain: "a", DBPath: "/x",
		Policy: cfg.PolicyConfig{Write: cfg.WritePolicyConfig{RequireAuth: true}},
	}))
	assert.False(t, s.PendingRestart())
}

func TestDeleteWot_RejectsWhenReferencedByRelay(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.UpsertWot(cfg.WotConfig{ID: "w1", Seed: "abc"}))
	require.NoError(t, s.UpsertRelay(cfg.RelayConfig{
		ID: "r1", Subdomain: "a",
		Policy: cfg.PolicyConfig{Write: cfg.WritePolicyConfig{Wot: "w1"}},
	}))

	err := s.DeleteWot("w1")
	assert.ErrorIs(t, err, cfg.ErrDanglingRef)
}

func TestDeleteRelay_RemovesEntry(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.UpsertRelay(cfg.RelayConfig{ID: "r1", Subdomain: "a"}))
	require.NoError(t, s.DeleteRelay("r1"))
	assert.Empty(t, s.Snapshot().Relays)
}

func TestDeleteRelay_NotFound(t *testing.T) {
	s := newStore(t)
	assert.ErrorIs(t, s.DeleteRelay("nope"), cfg.ErrNotFound)
}

func TestUpsertPaywall_HotFieldsRoundTrip(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.UpsertPaywall(cfg.PaywallConfig{ID: "p1", PriceSats: 1000, PeriodDays: 30}))
	require.NoError(t, s.UpsertPaywall(cfg.PaywallConfig{ID: "p1", PriceSats: 2000, PeriodDays: 30}))
	assert.False(t, s.PendingRestart())
	assert.EqualValues(t, 2000, s.Snapshot().Paywalls["p1"].PriceSats)
}

func TestReload_PersistsAcrossLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moar.toml")
	s1, err := cfg.Load(path)
	require.NoError(t, err)
	require.NoError(t, s1.UpsertRelay(cfg.RelayConfig{ID: "r1", Subdomain: "a"}))

	s2, err := cfg.Load(path)
	require.NoError(t, err)
	assert.Contains(t, s2.Snapshot().Relays, "r1")
}

func TestSetDomainAndPort_SetsPendingRestartOnlyOnChange(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.SetDomainAndPort("", 0))
	assert.False(t, s.PendingRestart())

	require.NoError(t, s.SetDomainAndPort("example.com", 443))
	assert.True(t, s.PendingRestart())
}
