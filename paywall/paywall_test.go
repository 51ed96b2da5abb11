// SPDX-License-Identifier: ice License 1.0

package paywall

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet_AddExtendsOnlyForward(t *testing.T) {
	s := newSet()
	pk := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	future := time.Now().Add(time.Hour).Unix()
	past := time.Now().Add(-time.Hour).Unix()

	s.Add(pk, future)
	s.Add(pk, past) // must not shrink the expiry
	assert.True(t, s.Contains(pk))
}

func TestSet_ContainsFalseAfterExpiry(t *testing.T) {
	s := newSet()
	pk := "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	s.Add(pk, time.Now().Add(-time.Second).Unix())
	assert.False(t, s.Contains(pk))
}

func TestSet_RemoveExpiredPrunesOnlyPast(t *testing.T) {
	s := newSet()
	live := "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"
	dead := "dddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd"
	s.Add(live, time.Now().Add(time.Hour).Unix())
	s.Add(dead, time.Now().Add(-time.Hour).Unix())

	removed := s.RemoveExpired()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, s.Len())
}

func TestParseConnectionString_ValidURI(t *testing.T) {
	conn := "nostr+walletconnect://b889ff5b1513b641e2a139f661a661364979c5beee91842f8f0ef42ab558e9d4?relay=wss%3A%2F%2Frelay.example.com&secret=71a8c14c1407c113601079c4302dab36460f0ccd0ad506f1f2dc73b5100e4f3"
	client, err := ParseConnectionString(conn)
	require.NoError(t, err)
	assert.Equal(t, "b889ff5b1513b641e2a139f661a661364979c5beee91842f8f0ef42ab558e9d4", client.walletPubkey)
	assert.Equal(t, "wss://relay.example.com", client.relayURL)
}

func TestParseConnectionString_RejectsInvalidScheme(t *testing.T) {
	_, err := ParseConnectionString("invalid://test")
	assert.Error(t, err)
}

func TestDiskRoundTrip_SkipsExpiredEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p1.bin")
	live := "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
	dead := "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"
	require.NoError(t, saveToDisk(path, []Entry{
		{Pubkey: live, ExpiresAt: time.Now().Add(time.Hour).Unix()},
		{Pubkey: dead, ExpiresAt: time.Now().Add(-time.Hour).Unix()},
	}))

	loaded, err := loadFromDisk(path)
	require.NoError(t, err)
	assert.Contains(t, loaded, live)
	assert.NotContains(t, loaded, dead)
}
