// SPDX-License-Identifier: ice License 1.0

package admin_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/ice-blockchain/moar/cfg"
	"github.com/ice-blockchain/moar/server/admin"
)

const testSK = "5ee1c8000ab28edd64d74a7d951ce7ba3a68b8c8e6cf683c8ea9ef00b1e2d68e"

func testServer(t *testing.T) (*gin.Engine, *cfg.Store, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	loginEvent := &nostr.Event{Kind: 27235, CreatedAt: nostr.Timestamp(time.Now().Unix())}
	require.NoError(t, loginEvent.Sign(testSK))
	adminPubkey := loginEvent.PubKey

	path := filepath.Join(t.TempDir(), "moar.toml")
	require.NoError(t, os.WriteFile(path, []byte("domain = \"example.com\"\nport = 8080\nadmin_pubkey = \""+adminPubkey+"\"\n"), 0o644))

	cs, err := cfg.Load(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })

	srv := &admin.Server{Config: cs, Sessions: admin.NewSessions()}
	r := gin.New()
	admin.Register(r, srv, admin.Deps{
		UpsertRelay:   func(string) error { return nil },
		RemoveRelay:   func(string) {},
		UpsertBlossom: func(string) error { return nil },
		RemoveBlossom: func(string) {},
		KnownHost:     func(string) bool { return false },
	})

	return r, cs, adminPubkey
}

func loginRequest(t *testing.T, r *gin.Engine, adminPubkey string) *http.Cookie {
	t.Helper()
	ev := &nostr.Event{
		Kind:      27235,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Tags:      nostr.Tags{{"u", "/api/login"}, {"method", "POST"}},
	}
	require.NoError(t, ev.Sign(testSK))
	body, err := json.Marshal(ev)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	for _, c := range rec.Result().Cookies() {
		if c.Name == "moar_session" {
			return c
		}
	}
	t.Fatal("no session cookie set")

	return nil
}

func TestLogin_Success(t *testing.T) {
	r, _, adminPubkey := testServer(t)
	cookie := loginRequest(t, r, adminPubkey)
	require.NotEmpty(t, cookie.Value)
}

func TestLogin_WrongPubkey(t *testing.T) {
	r, _, _ := testServer(t)
	ev := &nostr.Event{
		Kind:      27235,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Tags:      nostr.Tags{{"u", "/api/login"}, {"method", "POST"}},
	}
	otherSK := "6c1e8000ab28edd64d74a7d951ce7ba3a68b8c8e6cf683c8ea9ef00b1e2d68e0"
	require.NoError(t, ev.Sign(otherSK))
	body, err := json.Marshal(ev)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStatus_RequiresSession(t *testing.T) {
	r, _, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatus_WithSession(t *testing.T) {
	r, _, adminPubkey := testServer(t)
	cookie := loginRequest(t, r, adminPubkey)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "example.com", body["domain"])
}

func TestLogout_ClearsSessionWithoutAuth(t *testing.T) {
	r, _, adminPubkey := testServer(t)
	cookie := loginRequest(t, r, adminPubkey)

	// logout is a public route: without any cookie it still succeeds.
	reqNoAuth := httptest.NewRequest(http.MethodPost, "/api/logout", nil)
	recNoAuth := httptest.NewRecorder()
	r.ServeHTTP(recNoAuth, reqNoAuth)
	require.Equal(t, http.StatusNoContent, recNoAuth.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/logout", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// the session is now revoked; status must reject the old cookie.
	req2 := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req2.AddCookie(cookie)
	rec2 := httptest.NewRecorder()
	r.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusUnauthorized, rec2.Code)
}

func TestUpsertAndListRelay(t *testing.T) {
	r, _, adminPubkey := testServer(t)
	cookie := loginRequest(t, r, adminPubkey)

	rc := map[string]any{
		"id":        "relay1",
		"subdomain": "relay1",
		"db_path":   filepath.Join(t.TempDir(), "relay1.db"),
	}
	body, err := json.Marshal(rc)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/relays", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/api/relays", nil)
	req2.AddCookie(cookie)
	rec2 := httptest.NewRecorder()
	r.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)

	var relays map[string]cfg.RelayConfig
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &relays))
	require.Contains(t, relays, "relay1")
}
