// SPDX-License-Identifier: ice License 1.0

// Package admin implements the gateway's admin surface: HTTP-auth-event
// login, an opaque bearer-token session cookie, and the CRUD endpoints
// that drive the config service, WoT builder, and paywall controller.
package admin

import (
	"crypto/rand"
	"encoding/hex"
	"net/url"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr"
)

const (
	httpAuthKind  = 27235
	authSkew      = 60 * time.Second
	sessionMaxAge = 24 * time.Hour
)

var (
	ErrAuthMalformed = errors.New("malformed HTTP-auth event")
	ErrAuthBadSig    = errors.New("invalid HTTP-auth event signature")
	ErrAuthWrongKind = errors.New("HTTP-auth event has the wrong kind")
	ErrAuthExpired   = errors.New("HTTP-auth event outside the allowed time window")
	ErrAuthURL       = errors.New("HTTP-auth event url does not match the request")
	ErrAuthMethod    = errors.New("HTTP-auth event method does not match the request")
	ErrNotAdmin      = errors.New("pubkey is not the configured admin")
)

// verifyAuthEvent checks a kind-27235 event's signature, ±60s created_at
// window, the path of its "u" tag and, when present, its "method" tag
// against the request it authorizes.
func verifyAuthEvent(ev *nostr.Event, requestURL, method string) error {
	ok, err := ev.CheckSignature()
	if err != nil || !ok {
		return ErrAuthBadSig
	}
	if ev.Kind != httpAuthKind {
		return ErrAuthWrongKind
	}

	skew := time.Since(ev.CreatedAt.Time())
	if skew < 0 {
		skew = -skew
	}
	if skew > authSkew {
		return ErrAuthExpired
	}

	u := tagValue(ev, "u")
	if u == "" {
		return errors.Wrap(ErrAuthMalformed, "missing u tag")
	}
	got, err := url.Parse(u)
	if err != nil {
		return errors.Wrap(ErrAuthMalformed, "unparseable u tag")
	}
	want, err := url.Parse(requestURL)
	if err != nil {
		return errors.Wrap(ErrAuthMalformed, "unparseable request url")
	}
	if got.Path != want.Path {
		return ErrAuthURL
	}

	if m := tagValue(ev, "method"); m != "" && m != method {
		return ErrAuthMethod
	}

	return nil
}

func tagValue(ev *nostr.Event, name string) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}

	return ""
}

type session struct {
	pubkey    string
	expiresAt time.Time
}

// Sessions is the in-memory bearer-token session table backing the admin
// surface's login cookie.
type Sessions struct {
	mu sync.RWMutex
	m  map[string]session
}

func NewSessions() *Sessions {
	return &Sessions{m: map[string]session{}}
}

func (s *Sessions) Issue(pubkey string) (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", errors.Wrap(err, "failed to generate session token")
	}
	token := hex.EncodeToString(raw[:])

	s.mu.Lock()
	s.m[token] = session{pubkey: pubkey, expiresAt: time.Now().Add(sessionMaxAge)}
	s.mu.Unlock()

	return token, nil
}

// Pubkey returns the authenticated pubkey for token, evicting it if
// expired.
func (s *Sessions) Pubkey(token string) (string, bool) {
	s.mu.RLock()
	sess, ok := s.m[token]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}
	if time.Now().After(sess.expiresAt) {
		s.Revoke(token)

		return "", false
	}

	return sess.pubkey, true
}

func (s *Sessions) Revoke(token string) {
	s.mu.Lock()
	delete(s.m, token)
	s.mu.Unlock()
}
