// SPDX-License-Identifier: ice License 1.0

package admin

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/nbd-wtf/go-nostr"

	"github.com/ice-blockchain/moar/cfg"
	"github.com/ice-blockchain/moar/model"
	"github.com/ice-blockchain/moar/paywall"
	"github.com/ice-blockchain/moar/store"
	"github.com/ice-blockchain/moar/wot"
)

const sessionCookie = "moar_session"

func errJSON(c *gin.Context, code int, msg string) {
	c.JSON(code, gin.H{"error": msg})
}

// Server holds every dependency the admin handlers need. The mutating
// relay/blossom handlers take a rebuild callback rather than reaching
// into a shared registry type directly, so this package never needs to
// import the server package that composes it (which would cycle back
// here to mount these routes).
type Server struct {
	Config   *cfg.Store
	Sessions *Sessions
	Wot      *wot.Manager
	Paywall  *paywall.Manager

	// RelayStore returns the durable event store backing relay id, or
	// (nil, false) if it isn't currently open — used by export/import.
	RelayStore func(id string) (*store.Store, bool)
}

func (s *Server) requireAdmin(c *gin.Context) (string, bool) {
	token, err := c.Cookie(sessionCookie)
	if err != nil || token == "" {
		errJSON(c, http.StatusUnauthorized, "not authenticated")

		return "", false
	}
	pubkey, ok := s.Sessions.Pubkey(token)
	if !ok {
		errJSON(c, http.StatusUnauthorized, "invalid or expired session")

		return "", false
	}

	return pubkey, true
}

// AuthMiddleware rejects any request without a valid session cookie.
func (s *Server) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := s.requireAdmin(c); !ok {
			c.Abort()

			return
		}
		c.Next()
	}
}

func setSessionCookie(c *gin.Context, token string, maxAge int) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(sessionCookie, token, maxAge, "/", "", false, true)
}

// Login verifies a kind-27235 HTTP-auth event against POST /api/login and,
// if the signer is the configured admin pubkey, issues a session cookie.
func (s *Server) Login() gin.HandlerFunc {
	return func(c *gin.Context) {
		var ev nostr.Event
		if err := c.ShouldBindJSON(&ev); err != nil {
			errJSON(c, http.StatusBadRequest, "malformed event body")

			return
		}

		if err := verifyAuthEvent(&ev, "/api/login", http.MethodPost); err != nil {
			errJSON(c, http.StatusUnauthorized, err.Error())

			return
		}

		if ev.PubKey != s.Config.Snapshot().AdminPubkey {
			errJSON(c, http.StatusForbidden, "not authorized as admin")

			return
		}

		token, err := s.Sessions.Issue(ev.PubKey)
		if err != nil {
			errJSON(c, http.StatusInternalServerError, "failed to start session")

			return
		}

		setSessionCookie(c, token, int(sessionMaxAge.Seconds()))
		c.Status(http.StatusNoContent)
	}
}

// Logout revokes the caller's session, if any, and clears the cookie.
func (s *Server) Logout() gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, err := c.Cookie(sessionCookie); err == nil && token != "" {
			s.Sessions.Revoke(token)
		}
		setSessionCookie(c, "", -1)
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) Status() gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := s.Config.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"pending_restart": s.Config.PendingRestart(),
			"domain":          snap.Domain,
			"port":            snap.Port,
		})
	}
}

// --- Relays ---

func (s *Server) ListRelays() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Config.Snapshot().Relays)
	}
}

func (s *Server) GetRelay() gin.HandlerFunc {
	return func(c *gin.Context) {
		rc, ok := s.Config.Snapshot().Relays[c.Param("id")]
		if !ok {
			errJSON(c, http.StatusNotFound, "relay not found")

			return
		}
		c.JSON(http.StatusOK, rc)
	}
}

func (s *Server) UpsertRelay(rebuild func(id string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		var rc cfg.RelayConfig
		if err := c.ShouldBindJSON(&rc); err != nil {
			errJSON(c, http.StatusBadRequest, "malformed relay config")

			return
		}
		if id := c.Param("id"); id != "" {
			rc.ID = id
		}

		if err := s.Config.UpsertRelay(rc); err != nil {
			respondConfigErr(c, err)

			return
		}
		if rebuild != nil {
			if err := rebuild(rc.ID); err != nil {
				errJSON(c, http.StatusInternalServerError, err.Error())

				return
			}
		}
		c.JSON(http.StatusOK, rc)
	}
}

func (s *Server) DeleteRelay(remove func(id string)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := s.Config.DeleteRelay(id); err != nil {
			respondConfigErr(c, err)

			return
		}
		if remove != nil {
			remove(id)
		}
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) GetRelayPage() gin.HandlerFunc {
	return func(c *gin.Context) {
		rc, ok := s.Config.Snapshot().Relays[c.Param("id")]
		if !ok {
			errJSON(c, http.StatusNotFound, "relay not found")

			return
		}
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(rc.LandingPage))
	}
}

func (s *Server) PutRelayPage(rebuild func(id string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		rc, ok := s.Config.Snapshot().Relays[id]
		if !ok {
			errJSON(c, http.StatusNotFound, "relay not found")

			return
		}
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			errJSON(c, http.StatusBadRequest, "failed to read body")

			return
		}
		rc.LandingPage = string(body)
		if err := s.Config.UpsertRelay(rc); err != nil {
			respondConfigErr(c, err)

			return
		}
		if rebuild != nil {
			_ = rebuild(id)
		}
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) DeleteRelayPage(rebuild func(id string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		rc, ok := s.Config.Snapshot().Relays[id]
		if !ok {
			errJSON(c, http.StatusNotFound, "relay not found")

			return
		}
		rc.LandingPage = ""
		if err := s.Config.UpsertRelay(rc); err != nil {
			respondConfigErr(c, err)

			return
		}
		if rebuild != nil {
			_ = rebuild(id)
		}
		c.Status(http.StatusNoContent)
	}
}

// ExportRelay streams every stored event as NDJSON.
func (s *Server) ExportRelay() gin.HandlerFunc {
	return func(c *gin.Context) {
		st, ok := s.RelayStore(c.Param("id"))
		if !ok {
			errJSON(c, http.StatusNotFound, "relay not found")

			return
		}

		c.Header("Content-Type", "application/x-ndjson")
		c.Status(http.StatusOK)
		enc := json.NewEncoder(c.Writer)
		for ev, err := range st.Query(c.Request.Context(), model.Filters{{}}) {
			if err != nil {
				return
			}
			_ = enc.Encode(ev)
		}
	}
}

// ImportRelay reads an NDJSON body, storing each line as an event.
func (s *Server) ImportRelay() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		st, ok := s.RelayStore(id)
		if !ok {
			errJSON(c, http.StatusNotFound, "relay not found")

			return
		}

		var imported, skipped, failed int
		scanner := bufio.NewScanner(c.Request.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var ev model.Event
			if err := json.Unmarshal([]byte(line), &ev); err != nil {
				failed++

				continue
			}
			result, err := st.Store(c.Request.Context(), &ev)
			switch {
			case err != nil:
				failed++
			case result == store.ResultStored:
				imported++
			default:
				skipped++
			}
		}

		c.JSON(http.StatusOK, gin.H{"imported": imported, "skipped": skipped, "errors": failed})
	}
}

// --- WoTs ---

func (s *Server) ListWots() gin.HandlerFunc {
	return func(c *gin.Context) { c.JSON(http.StatusOK, s.Config.Snapshot().Wots) }
}

func (s *Server) GetWot() gin.HandlerFunc {
	return func(c *gin.Context) {
		wc, ok := s.Config.Snapshot().Wots[c.Param("id")]
		if !ok {
			errJSON(c, http.StatusNotFound, "wot not found")

			return
		}
		c.JSON(http.StatusOK, wc)
	}
}

func (s *Server) UpsertWot() gin.HandlerFunc {
	return func(c *gin.Context) {
		var wc cfg.WotConfig
		if err := c.ShouldBindJSON(&wc); err != nil {
			errJSON(c, http.StatusBadRequest, "malformed wot config")

			return
		}
		if id := c.Param("id"); id != "" {
			wc.ID = id
		}

		_, existed := s.Config.Snapshot().Wots[wc.ID]
		if err := s.Config.UpsertWot(wc); err != nil {
			respondConfigErr(c, err)

			return
		}

		ctx := c.Request.Context()
		var err error
		if existed {
			err = s.Wot.UpdateWot(ctx, wc.ID, wc)
		} else {
			err = s.Wot.AddWot(ctx, wc.ID, wc)
		}
		if err != nil {
			errJSON(c, http.StatusInternalServerError, err.Error())

			return
		}
		c.JSON(http.StatusOK, wc)
	}
}

func (s *Server) DeleteWot() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := s.Config.DeleteWot(id); err != nil {
			respondConfigErr(c, err)

			return
		}
		_ = s.Wot.RemoveWot(id)
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) GetDiscoveryRelays() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Config.Snapshot().DiscoveryRelays)
	}
}

func (s *Server) PutDiscoveryRelays() gin.HandlerFunc {
	return func(c *gin.Context) {
		var urls []string
		if err := c.ShouldBindJSON(&urls); err != nil {
			errJSON(c, http.StatusBadRequest, "malformed relay url list")

			return
		}
		if err := s.Config.SetDiscoveryRelays(urls); err != nil {
			respondConfigErr(c, err)

			return
		}
		s.Wot.SetDiscoveryRelays(urls)
		c.Status(http.StatusNoContent)
	}
}

// --- Paywalls ---

func (s *Server) ListPaywalls() gin.HandlerFunc {
	return func(c *gin.Context) { c.JSON(http.StatusOK, s.Config.Snapshot().Paywalls) }
}

func (s *Server) GetPaywall() gin.HandlerFunc {
	return func(c *gin.Context) {
		pc, ok := s.Config.Snapshot().Paywalls[c.Param("id")]
		if !ok {
			errJSON(c, http.StatusNotFound, "paywall not found")

			return
		}
		c.JSON(http.StatusOK, pc)
	}
}

func (s *Server) UpsertPaywall() gin.HandlerFunc {
	return func(c *gin.Context) {
		var pc cfg.PaywallConfig
		if err := c.ShouldBindJSON(&pc); err != nil {
			errJSON(c, http.StatusBadRequest, "malformed paywall config")

			return
		}
		if id := c.Param("id"); id != "" {
			pc.ID = id
		}

		if err := s.Paywall.VerifyConnectionString(c.Request.Context(), pc.WalletConnectionSecret); err != nil {
			errJSON(c, http.StatusBadRequest, "invalid nwc connection string: "+err.Error())

			return
		}

		_, existed := s.Config.Snapshot().Paywalls[pc.ID]
		if err := s.Config.UpsertPaywall(pc); err != nil {
			respondConfigErr(c, err)

			return
		}

		ctx := c.Request.Context()
		var err error
		if existed {
			err = s.Paywall.UpdatePaywall(ctx, pc.ID, pc)
		} else {
			err = s.Paywall.AddPaywall(ctx, pc.ID, pc)
		}
		if err != nil {
			errJSON(c, http.StatusInternalServerError, err.Error())

			return
		}
		c.JSON(http.StatusOK, pc)
	}
}

func (s *Server) DeletePaywall() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := s.Config.DeletePaywall(id); err != nil {
			respondConfigErr(c, err)

			return
		}
		_ = s.Paywall.RemovePaywall(id)
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) PaywallWhitelist() gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, ok := s.Paywall.Whitelist(c.Param("id"))
		if !ok {
			errJSON(c, http.StatusNotFound, "paywall not found")

			return
		}
		c.JSON(http.StatusOK, entries)
	}
}

// --- Blossoms ---

func (s *Server) ListBlossoms() gin.HandlerFunc {
	return func(c *gin.Context) { c.JSON(http.StatusOK, s.Config.Snapshot().Blossoms) }
}

func (s *Server) GetBlossom() gin.HandlerFunc {
	return func(c *gin.Context) {
		bc, ok := s.Config.Snapshot().Blossoms[c.Param("id")]
		if !ok {
			errJSON(c, http.StatusNotFound, "blossom not found")

			return
		}
		c.JSON(http.StatusOK, bc)
	}
}

func (s *Server) UpsertBlossom(rebuild func(id string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		var bc cfg.BlossomConfig
		if err := c.ShouldBindJSON(&bc); err != nil {
			errJSON(c, http.StatusBadRequest, "malformed blossom config")

			return
		}
		if id := c.Param("id"); id != "" {
			bc.ID = id
		}

		if err := s.Config.UpsertBlossom(bc); err != nil {
			respondConfigErr(c, err)

			return
		}
		if rebuild != nil {
			if err := rebuild(bc.ID); err != nil {
				errJSON(c, http.StatusInternalServerError, err.Error())

				return
			}
		}
		c.JSON(http.StatusOK, bc)
	}
}

func (s *Server) DeleteBlossom(remove func(id string)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := s.Config.DeleteBlossom(id); err != nil {
			respondConfigErr(c, err)

			return
		}
		if remove != nil {
			remove(id)
		}
		c.Status(http.StatusNoContent)
	}
}

// --- Stats ---

func (s *Server) Stats() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"wots":     s.Wot.List(),
			"paywalls": s.Paywall.List(),
		})
	}
}

// --- Restart ---

const restartDelay = 500 * time.Millisecond

// Restart writes the response, then exits the process after a short delay
// so a container orchestrator restarts it with the persisted config.
func (s *Server) Restart() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.String(http.StatusOK, "Restarting...")
		go func() {
			time.Sleep(restartDelay)
			os.Exit(0)
		}()
	}
}

// --- caddy-ask ---

// CaddyAsk answers Caddy's on-demand TLS "may I issue a cert for this
// host?" callback: 200 for the root domain or any known subdomain, 404
// otherwise.
func (s *Server) CaddyAsk(known func(host string) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		domain := c.Query("domain")
		if domain == "" {
			c.Status(http.StatusBadRequest)

			return
		}
		if known(domain) {
			c.Status(http.StatusOK)

			return
		}
		c.Status(http.StatusNotFound)
	}
}

func respondConfigErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, cfg.ErrNotFound):
		errJSON(c, http.StatusNotFound, err.Error())
	case errors.Is(err, cfg.ErrDuplicateID), errors.Is(err, cfg.ErrDuplicateSubdom), errors.Is(err, cfg.ErrDanglingRef):
		errJSON(c, http.StatusBadRequest, err.Error())
	default:
		errJSON(c, http.StatusInternalServerError, err.Error())
	}
}
