// SPDX-License-Identifier: ice License 1.0

package media

import (
	"encoding/base64"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr"
)

const (
	blossomAuthKind = 24242
	authSkew        = 60 * time.Second
)

var (
	ErrAuthMissing      = errors.New("missing Authorization header")
	ErrAuthMalformed    = errors.New("malformed Nostr auth event")
	ErrAuthBadSignature = errors.New("invalid auth event signature")
	ErrAuthWrongKind    = errors.New("auth event has the wrong kind")
	ErrAuthExpired      = errors.New("auth event outside the allowed time window")
	ErrAuthWrongAction  = errors.New("auth event missing matching t tag")
)

// verifyAuth checks a BUD-02-style "Authorization: Nostr <base64 event>"
// header against kind 24242, the +-60s created_at window, and a "t" tag
// naming action ("upload", "list", or "delete").
func verifyAuth(header, action string) (*nostr.Event, error) {
	const prefix = "Nostr "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return nil, ErrAuthMissing
	}

	raw, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return nil, errors.Wrap(ErrAuthMalformed, "invalid base64")
	}

	var ev nostr.Event
	if err := ev.UnmarshalJSON(raw); err != nil {
		return nil, errors.Wrap(ErrAuthMalformed, "invalid event json")
	}

	ok, err := ev.CheckSignature()
	if err != nil || !ok {
		return nil, ErrAuthBadSignature
	}
	if ev.Kind != blossomAuthKind {
		return nil, ErrAuthWrongKind
	}

	skew := time.Since(ev.CreatedAt.Time())
	if skew < 0 {
		skew = -skew
	}
	if skew > authSkew {
		return nil, ErrAuthExpired
	}

	found := false
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "t" && tag[1] == action {
			found = true

			break
		}
	}
	if !found {
		return nil, ErrAuthWrongAction
	}

	return &ev, nil
}

// tagValue returns the first value of the named tag, or "".
func tagValue(ev *nostr.Event, name string) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}

	return ""
}
