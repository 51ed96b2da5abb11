// SPDX-License-Identifier: ice License 1.0

// Package ws implements the per-connection session state machine: frame
// parsing, envelope dispatch, subscription lifecycle, and NIP-42 AUTH.
package ws

import (
	"github.com/ice-blockchain/moar/dispatcher"
	"github.com/ice-blockchain/moar/paywall"
	"github.com/ice-blockchain/moar/policy"
	"github.com/ice-blockchain/moar/ratelimit"
	"github.com/ice-blockchain/moar/store"
	"github.com/ice-blockchain/moar/wot"
)

// Instance bundles one hosted relay's components: every accepted
// WebSocket for that instance's subdomain is served by a Session bound to
// one shared Instance.
type Instance struct {
	ID string

	Store      *store.Store
	Policy     *policy.Engine
	Dispatcher *dispatcher.Instance
	RateLimit  *ratelimit.Limiter
	Limits     ratelimit.Limits

	RelayURL string // used to build the AUTH challenge "relay" tag

	MaxSubscriptions int
	MaxFrameSize     int
}

// WoTMembership binds one configured WoT id to policy.WoTMembership's
// single-pubkey Contains shape.
type WoTMembership struct {
	Manager *wot.Manager
	ID      string
}

func (w WoTMembership) Contains(pubkeyHex string) bool {
	if w.Manager == nil {
		return false
	}
	set := w.Manager.GetSet(w.ID)
	if set == nil {
		return false
	}

	return set.Contains(pubkeyHex)
}

// PaywallMembership binds one configured paywall id to
// policy.PaywallMembership's single-pubkey Contains shape.
type PaywallMembership struct {
	Manager *paywall.Manager
	ID      string
}

func (p PaywallMembership) Contains(pubkeyHex string) bool {
	if p.Manager == nil {
		return false
	}
	set := p.Manager.GetSet(p.ID)
	if set == nil {
		return false
	}

	return set.Contains(pubkeyHex)
}
