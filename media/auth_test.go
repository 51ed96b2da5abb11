// SPDX-License-Identifier: ice License 1.0

package media

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSK = "5ee1c8000ab28edd64d74a7d951ce7ba3a68b8c8e6cf683c8ea9ef00b1e2d68e"

func authHeader(t *testing.T, kind int, createdAt time.Time, action string) string {
	t.Helper()
	ev := nostr.Event{
		Kind:      kind,
		CreatedAt: nostr.Timestamp(createdAt.Unix()),
		Tags:      nostr.Tags{{"t", action}},
	}
	require.NoError(t, ev.Sign(testSK))
	raw, err := ev.MarshalJSON()
	require.NoError(t, err)

	return "Nostr " + base64.StdEncoding.EncodeToString(raw)
}

func TestVerifyAuth_Valid(t *testing.T) {
	header := authHeader(t, blossomAuthKind, time.Now(), "upload")
	ev, err := verifyAuth(header, "upload")
	require.NoError(t, err)
	assert.NotEmpty(t, ev.PubKey)
}

func TestVerifyAuth_MissingHeader(t *testing.T) {
	_, err := verifyAuth("", "upload")
	assert.ErrorIs(t, err, ErrAuthMissing)
}

func TestVerifyAuth_WrongKind(t *testing.T) {
	header := authHeader(t, 1, time.Now(), "upload")
	_, err := verifyAuth(header, "upload")
	assert.ErrorIs(t, err, ErrAuthWrongKind)
}

func TestVerifyAuth_Expired(t *testing.T) {
	header := authHeader(t, blossomAuthKind, time.Now().Add(-5*time.Minute), "upload")
	_, err := verifyAuth(header, "upload")
	assert.ErrorIs(t, err, ErrAuthExpired)
}

func TestVerifyAuth_WrongAction(t *testing.T) {
	header := authHeader(t, blossomAuthKind, time.Now(), "upload")
	_, err := verifyAuth(header, "delete")
	assert.ErrorIs(t, err, ErrAuthWrongAction)
}

func TestVerifyAuth_Malformed(t *testing.T) {
	_, err := verifyAuth("Nostr not-base64!!", "upload")
	assert.ErrorIs(t, err, ErrAuthMalformed)
}
