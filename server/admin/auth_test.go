// SPDX-License-Identifier: ice License 1.0

package admin

import (
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSK = "5ee1c8000ab28edd64d74a7d951ce7ba3a68b8c8e6cf683c8ea9ef00b1e2d68e"

func signedAuthEvent(t *testing.T, kind int, createdAt time.Time, u, method string) *nostr.Event {
	t.Helper()
	ev := &nostr.Event{
		Kind:      kind,
		CreatedAt: nostr.Timestamp(createdAt.Unix()),
		Tags:      nostr.Tags{{"u", u}, {"method", method}},
	}
	require.NoError(t, ev.Sign(testSK))

	return ev
}

func TestVerifyAuthEvent_Valid(t *testing.T) {
	ev := signedAuthEvent(t, httpAuthKind, time.Now(), "https://admin.example.com/api/login", "POST")
	assert.NoError(t, verifyAuthEvent(ev, "https://admin.example.com/api/login", "POST"))
}

func TestVerifyAuthEvent_WrongKind(t *testing.T) {
	ev := signedAuthEvent(t, 1, time.Now(), "https://admin.example.com/api/login", "POST")
	assert.ErrorIs(t, verifyAuthEvent(ev, "https://admin.example.com/api/login", "POST"), ErrAuthWrongKind)
}

func TestVerifyAuthEvent_Expired(t *testing.T) {
	ev := signedAuthEvent(t, httpAuthKind, time.Now().Add(-5*time.Minute), "https://admin.example.com/api/login", "POST")
	assert.ErrorIs(t, verifyAuthEvent(ev, "https://admin.example.com/api/login", "POST"), ErrAuthExpired)
}

func TestVerifyAuthEvent_WrongPath(t *testing.T) {
	ev := signedAuthEvent(t, httpAuthKind, time.Now(), "https://admin.example.com/api/other", "POST")
	assert.ErrorIs(t, verifyAuthEvent(ev, "https://admin.example.com/api/login", "POST"), ErrAuthURL)
}

func TestVerifyAuthEvent_WrongMethod(t *testing.T) {
	ev := signedAuthEvent(t, httpAuthKind, time.Now(), "https://admin.example.com/api/login", "GET")
	assert.ErrorIs(t, verifyAuthEvent(ev, "https://admin.example.com/api/login", "POST"), ErrAuthMethod)
}

func TestSessions_IssueAndLookup(t *testing.T) {
	s := NewSessions()
	token, err := s.Issue("pubkey1")
	require.NoError(t, err)

	pub, ok := s.Pubkey(token)
	require.True(t, ok)
	assert.Equal(t, "pubkey1", pub)

	s.Revoke(token)
	_, ok = s.Pubkey(token)
	assert.False(t, ok)
}

func TestSessions_UnknownToken(t *testing.T) {
	s := NewSessions()
	_, ok := s.Pubkey("does-not-exist")
	assert.False(t, ok)
}
