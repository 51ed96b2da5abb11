// SPDX-License-Identifier: ice License 1.0

package admin

import "github.com/gin-gonic/gin"

// Deps are the callbacks the router needs to hot-apply relay/blossom
// mutations to the live gateway routing table, and to answer Caddy's
// on-demand TLS callback. Supplied by the composition root (cmd/moar),
// which owns the *server.Registry these callbacks close over.
type Deps struct {
	UpsertRelay   func(id string) error
	RemoveRelay   func(id string)
	UpsertBlossom func(id string) error
	RemoveBlossom func(id string)
	KnownHost     func(host string) bool
}

// Register mounts every admin endpoint from spec.md's §6 table onto r.
// Login, logout, and the caddy-ask callback are public — logout must
// clear a stale cookie even after its session already expired; everything
// else requires a valid session cookie.
func Register(r gin.IRouter, s *Server, deps Deps) {
	r.POST("/api/login", s.Login())
	r.POST("/api/logout", s.Logout())
	r.GET("/.well-known/caddy-ask", s.CaddyAsk(deps.KnownHost))

	protected := r.Group("/api")
	protected.Use(s.AuthMiddleware())

	protected.GET("/status", s.Status())

	protected.GET("/relays", s.ListRelays())
	protected.POST("/relays", s.UpsertRelay(deps.UpsertRelay))
	protected.GET("/relays/:id", s.GetRelay())
	protected.POST("/relays/:id", s.UpsertRelay(deps.UpsertRelay))
	protected.PUT("/relays/:id", s.UpsertRelay(deps.UpsertRelay))
	protected.DELETE("/relays/:id", s.DeleteRelay(deps.RemoveRelay))
	protected.GET("/relays/:id/page", s.GetRelayPage())
	protected.PUT("/relays/:id/page", s.PutRelayPage(deps.UpsertRelay))
	protected.DELETE("/relays/:id/page", s.DeleteRelayPage(deps.UpsertRelay))
	protected.GET("/relays/:id/export", s.ExportRelay())
	protected.POST("/relays/:id/import", s.ImportRelay())

	protected.GET("/wots", s.ListWots())
	protected.POST("/wots", s.UpsertWot())
	protected.GET("/wots/:id", s.GetWot())
	protected.POST("/wots/:id", s.UpsertWot())
	protected.PUT("/wots/:id", s.UpsertWot())
	protected.DELETE("/wots/:id", s.DeleteWot())

	protected.GET("/discovery-relays", s.GetDiscoveryRelays())
	protected.PUT("/discovery-relays", s.PutDiscoveryRelays())

	protected.GET("/paywalls", s.ListPaywalls())
	protected.POST("/paywalls", s.UpsertPaywall())
	protected.GET("/paywalls/:id", s.GetPaywall())
	protected.POST("/paywalls/:id", s.UpsertPaywall())
	protected.PUT("/paywalls/:id", s.UpsertPaywall())
	protected.DELETE("/paywalls/:id", s.DeletePaywall())
	protected.GET("/paywalls/:id/whitelist", s.PaywallWhitelist())

	protected.GET("/blossoms", s.ListBlossoms())
	protected.POST("/blossoms", s.UpsertBlossom(deps.UpsertBlossom))
	protected.GET("/blossoms/:id", s.GetBlossom())
	protected.POST("/blossoms/:id", s.UpsertBlossom(deps.UpsertBlossom))
	protected.PUT("/blossoms/:id", s.UpsertBlossom(deps.UpsertBlossom))
	protected.DELETE("/blossoms/:id", s.DeleteBlossom(deps.RemoveBlossom))

	protected.GET("/stats", s.Stats())
	protected.POST("/restart", s.Restart())
}
