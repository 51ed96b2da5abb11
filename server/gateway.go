// SPDX-License-Identifier: ice License 1.0

// Package server implements the host-based gateway that fronts every
// hosted relay, blossom instance, and the admin surface behind one
// listener, dispatching on the HTTP Host header the way a multi-tenant
// reverse proxy would.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	gobwasws "github.com/gobwas/ws"

	moarhttp "github.com/ice-blockchain/moar/server/http"
	wsserver "github.com/ice-blockchain/moar/server/ws"
)

const shutdownGrace = 5 * time.Second

// RelayHost bundles one hosted relay's WebSocket instance with the
// metadata needed to serve its NIP-11 document and landing page.
type RelayHost struct {
	ID          string
	Subdomain   string
	Nip11       moarhttp.Nip11Info
	Instance    *wsserver.Instance
	LandingPage []byte // nil falls back to the gateway's default page
}

// BlossomHost bundles one hosted blossom instance's HTTP handler.
type BlossomHost struct {
	ID        string
	Subdomain string
	Handler   http.Handler
}

// Gateway is the single net/http entry point for the whole process: it
// owns no relay state itself, only the routing table built from the
// current config snapshot.
type Gateway struct {
	Domain string
	Admin  http.Handler

	mu       sync.RWMutex
	relays   map[string]*RelayHost   // by subdomain
	blossoms map[string]*BlossomHost // by subdomain

	defaultLandingPage []byte

	// sessionCtx is the context upgraded WebSocket sessions run under; it is
	// cancelled on server shutdown, not when the upgrading request returns.
	sessionCtx context.Context
}

func NewGateway(domain string, admin http.Handler) *Gateway {
	return &Gateway{
		Domain:             domain,
		Admin:              admin,
		relays:             map[string]*RelayHost{},
		blossoms:           map[string]*BlossomHost{},
		defaultLandingPage: []byte(defaultLandingPageHTML),
	}
}

// SetRelays and SetBlossoms atomically replace the routing table; the
// admin surface calls these after every config mutation that adds,
// updates, or removes a hosted instance.
func (g *Gateway) SetRelays(hosts map[string]*RelayHost) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.relays = hosts
}

func (g *Gateway) SetBlossoms(hosts map[string]*BlossomHost) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blossoms = hosts
}

func (g *Gateway) relay(subdomain string) (*RelayHost, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	h, ok := g.relays[subdomain]

	return h, ok
}

func (g *Gateway) blossom(subdomain string) (*BlossomHost, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	h, ok := g.blossoms[subdomain]

	return h, ok
}

// KnownHost reports whether host (already lower-cased, port stripped)
// resolves to the admin surface or a hosted instance; it backs the
// /.well-known/caddy-ask certificate-authorization endpoint.
func (g *Gateway) KnownHost(host string) bool {
	if host == g.Domain || host == "localhost" {
		return true
	}
	sub, ok := strings.CutSuffix(host, "."+g.Domain)
	if !ok {
		return false
	}
	if _, ok := g.relay(sub); ok {
		return true
	}
	_, ok = g.blossom(sub)

	return ok
}

// ServeHTTP is the fallback handler for the whole process: every request
// on every hosted domain lands here first.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := strings.ToLower(r.Host)
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}

	if host == g.Domain || host == "localhost" {
		g.Admin.ServeHTTP(w, r)

		return
	}

	if sub, ok := strings.CutSuffix(host, "."+g.Domain); ok {
		if relay, ok := g.relay(sub); ok {
			g.serveRelay(w, r, relay)

			return
		}
		if blossom, ok := g.blossom(sub); ok {
			blossom.Handler.ServeHTTP(w, r)

			return
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprintf(w, "service not found for host: %s", host)
}

func (g *Gateway) serveRelay(w http.ResponseWriter, r *http.Request, relay *RelayHost) {
	if isWebSocketUpgrade(r) {
		g.upgradeToSession(w, r, relay)

		return
	}

	if r.Header.Get("Accept") == "application/nostr+json" {
		moarhttp.WriteNip11(w, relay.Nip11)

		return
	}

	page := relay.LandingPage
	if page == nil {
		page = g.defaultLandingPage
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func (g *Gateway) upgradeToSession(w http.ResponseWriter, r *http.Request, relay *RelayHost) {
	conn, _, _, err := gobwasws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ERROR: websocket upgrade failed for %v: %v", relay.ID, err)

		return
	}

	remoteIP := r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		remoteIP = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}

	sessCtx := g.sessionCtx
	if sessCtx == nil {
		sessCtx = context.Background()
	}
	go wsserver.Serve(sessCtx, conn, relay.Instance, remoteIP)
}

// ListenAndServe runs the gateway until ctx is cancelled, then shuts down
// the listener gracefully.
func ListenAndServe(ctx context.Context, addr string, g *Gateway) error {
	g.sessionCtx = ctx
	srv := &http.Server{Addr: addr, Handler: g}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	}
}

const defaultLandingPageHTML = `<!DOCTYPE html>
<html><head><title>moar relay</title></head>
<body><p>This host is a Nostr relay. Connect over WebSocket to use it.</p></body>
</html>`
