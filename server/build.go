// SPDX-License-Identifier: ice License 1.0

package server

import (
	"fmt"

	"github.com/gin-gonic/gin"

	moarhttp "github.com/ice-blockchain/moar/server/http"
	wsserver "github.com/ice-blockchain/moar/server/ws"

	"github.com/ice-blockchain/moar/cfg"
	"github.com/ice-blockchain/moar/dispatcher"
	"github.com/ice-blockchain/moar/media"
	"github.com/ice-blockchain/moar/paywall"
	"github.com/ice-blockchain/moar/policy"
	"github.com/ice-blockchain/moar/ratelimit"
	"github.com/ice-blockchain/moar/store"
	"github.com/ice-blockchain/moar/wot"
)

// RelayURL builds the wss:// URL a relay instance is reachable at, used
// both for its NIP-11 "url" field and the AUTH challenge "relay" tag.
func RelayURL(domain, subdomain string, port int) string {
	scheme := "wss"
	if domain == "localhost" {
		scheme = "ws"

		return fmt.Sprintf("%s://%s.%s:%d", scheme, subdomain, domain, port)
	}

	return fmt.Sprintf("%s://%s.%s", scheme, subdomain, domain)
}

// BuildEngine assembles a *policy.Engine for one relay from its config and
// the shared WoT/paywall managers.
func BuildEngine(pc cfg.PolicyConfig, wotMgr *wot.Manager, paywallMgr *paywall.Manager) *policy.Engine {
	var writeWot, readWot policy.WoTMembership
	var writePaywall, readPaywall policy.PaywallMembership

	if pc.Write.Wot != "" {
		writeWot = wsserver.WoTMembership{Manager: wotMgr, ID: pc.Write.Wot}
	}
	if pc.Read.Wot != "" {
		readWot = wsserver.WoTMembership{Manager: wotMgr, ID: pc.Read.Wot}
	}
	if pc.Write.Paywall != "" {
		writePaywall = wsserver.PaywallMembership{Manager: paywallMgr, ID: pc.Write.Paywall}
	}
	if pc.Read.Paywall != "" {
		readPaywall = wsserver.PaywallMembership{Manager: paywallMgr, ID: pc.Read.Paywall}
	}

	return policy.Build(policy.Config{
		Write: policy.WriteConfig{
			RequireAuth:      pc.Write.RequireAuth,
			AllowedPubkeys:   pc.Write.AllowedPubkeys,
			BlockedPubkeys:   pc.Write.BlockedPubkeys,
			TaggedPubkeys:    pc.Write.TaggedPubkeys,
			AllowedKinds:     pc.Events.AllowedKinds,
			BlockedKinds:     pc.Events.BlockedKinds,
			MinPow:           pc.Events.MinPow,
			MaxContentLength: pc.Events.MaxContentLength,
			Wot:              writeWot,
			Paywall:          writePaywall,
		},
		Read: policy.ReadConfig{
			RequireAuth:    pc.Read.RequireAuth,
			AllowedPubkeys: pc.Read.AllowedPubkeys,
			Wot:            readWot,
			Paywall:        readPaywall,
		},
	})
}

// BuildRelayInstance opens rc's store and wires it to a fresh Instance
// bound to a dedicated dispatcher, ready to serve WebSocket sessions.
// limiter is the process-wide rate limiter shared by every hosted relay,
// so a client's per-IP budget is the same across instances rather than
// resetting at each relay's subdomain.
func BuildRelayInstance(rc cfg.RelayConfig, domain string, port int, wotMgr *wot.Manager, paywallMgr *paywall.Manager, limiter *ratelimit.Limiter) (*wsserver.Instance, *dispatcher.Instance, error) {
	disp := dispatcher.NewInstance()

	st, err := store.Open(rc.DBPath, disp.Publish)
	if err != nil {
		return nil, nil, err
	}

	limits := ratelimit.Limits{
		WritesPerMinute: rc.Policy.RateLimit.WritesPerMinute,
		ReadsPerMinute:  rc.Policy.RateLimit.ReadsPerMinute,
		MaxConnections:  rc.Policy.RateLimit.MaxConnections,
	}

	inst := &wsserver.Instance{
		ID:         rc.ID,
		Store:      st,
		Policy:     BuildEngine(rc.Policy, wotMgr, paywallMgr),
		Dispatcher: disp,
		RateLimit:  limiter,
		Limits:     limits,
		RelayURL:   RelayURL(domain, rc.Subdomain, port),
	}

	return inst, disp, nil
}

// BuildRelayHost wraps a running Instance with the NIP-11 metadata the
// gateway serves on that instance's subdomain.
func BuildRelayHost(rc cfg.RelayConfig, adminPubkey string, inst *wsserver.Instance) *RelayHost {
	var landing []byte
	if rc.LandingPage != "" {
		landing = []byte(rc.LandingPage)
	}

	return &RelayHost{
		ID:          rc.ID,
		Subdomain:   rc.Subdomain,
		Instance:    inst,
		LandingPage: landing,
		Nip11: moarhttp.Nip11Info{
			Name:        rc.Nip11.Name,
			Description: rc.Nip11.Description,
			Contact:     rc.Nip11.Contact,
			Icon:        rc.Nip11.Icon,
			PubKey:      adminPubkey,
			MinPow:      rc.Policy.Events.MinPow,
			RelayURL:    inst.RelayURL,
		},
	}
}

// BuildBlossomHost opens bc's blob store and wraps it with a standalone
// gin router serving the plain Blossom endpoint surface.
func BuildBlossomHost(bc cfg.BlossomConfig) (*BlossomHost, *media.Store, error) {
	blobs, err := media.Open(bc.StorageDir)
	if err != nil {
		return nil, nil, err
	}

	return NewBlossomHost(bc, blobs), blobs, nil
}

// NewBlossomHost wraps an already-open blob store with a standalone gin
// router; use this to rebuild routing after a config change without
// reopening the bbolt-backed store, which only tolerates one open handle.
func NewBlossomHost(bc cfg.BlossomConfig, blobs *media.Store) *BlossomHost {
	srv := &media.Server{
		Store: blobs,
		Policy: media.PolicyFromConfig(
			bc.Policy.RequireAuth,
			policyPubkeySet(bc.Policy.AllowedPubkeys),
			bc.MaxFileSize,
		),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	media.Register(r, srv)

	return &BlossomHost{ID: bc.ID, Subdomain: bc.Subdomain, Handler: r}
}

func policyPubkeySet(entries []string) map[string]struct{} {
	return policy.ParsePubkeySet(entries)
}
