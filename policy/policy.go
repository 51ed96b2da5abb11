// SPDX-License-Identifier: ice License 1.0

// Package policy implements the stateless decision function described for
// the gateway's write/read admission control: a pure function over
// (instance policy, operation, principal, payload).
package policy

import (
	"time"

	"github.com/nbd-wtf/go-nostr/nip13"

	"github.com/ice-blockchain/moar/model"
)

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allowed bool
	Reason  string // machine-readable prefix + message, e.g. "restricted: ..."
	Auth    bool   // true when the rejection specifically requires AUTH
}

func allow() Decision { return Decision{Allowed: true} }

func reject(prefix, msg string) Decision {
	return Decision{Allowed: false, Reason: prefix + ": " + msg}
}

func authRequired(msg string) Decision {
	return Decision{Allowed: false, Auth: true, Reason: "auth-required: " + msg}
}

// WoTMembership and PaywallMembership are the capability surfaces the
// engine reads through — any concrete provider works, which is what makes
// the engine testable with in-memory stubs.
type (
	WoTMembership interface {
		Contains(pubkey string) bool
	}
	PaywallMembership interface {
		Contains(pubkey string) bool
	}
)

// PubkeyGate mirrors the pubkey-gating section of a write or read policy.
type PubkeyGate struct {
	RequireAuth    bool
	AllowedPubkeys map[string]struct{}
	BlockedPubkeys map[string]struct{}
	TaggedPubkeys  map[string]struct{}
	WoT            WoTMembership
	Paywall        PaywallMembership
}

// WritePolicy is the write-admission configuration for one instance.
type WritePolicy struct {
	PubkeyGate
	AllowedKinds     map[int]struct{}
	BlockedKinds     map[int]struct{}
	MaxContentLength int
	MinPow           int
	MinCreatedAtSkew int64 // seconds an event may lie in the past
	MaxCreatedAtSkew int64 // seconds an event may lie in the future
}

// ReadPolicy is the read-admission configuration for one instance.
type ReadPolicy struct {
	PubkeyGate
}

// Engine is the pure decision function for one instance.
type Engine struct {
	Write WritePolicy
	Read  ReadPolicy

	// Now is overridable in tests; defaults to time.Now when nil.
	Now func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}

	return time.Now()
}

// Difficulty exposes nip13's own leading-zero-bit counter — the teacher's
// own dependency already implements the PoW counter the reference
// describes as `leading_zero_bits`.
func Difficulty(id string) int {
	return nip13.Difficulty(id)
}

// Config is the plain data an Engine is built from: every relay gets its
// own Engine constructed from whatever rules it declared, there are no
// hard-coded relay "types".
type Config struct {
	Write WriteConfig
	Read  ReadConfig
}

type WriteConfig struct {
	RequireAuth      bool
	AllowedPubkeys   []string
	BlockedPubkeys   []string
	TaggedPubkeys    []string
	AllowedKinds     []int
	BlockedKinds     []int
	MinPow           int
	MaxContentLength int
	Wot              WoTMembership
	Paywall          PaywallMembership
}

type ReadConfig struct {
	RequireAuth    bool
	AllowedPubkeys []string
	Wot            WoTMembership
	Paywall        PaywallMembership
}

func kindSet(kinds []int) map[int]struct{} {
	if len(kinds) == 0 {
		return nil
	}
	set := make(map[int]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}

	return set
}

// Build assembles an Engine from a Config, parsing every pubkey list with
// ParsePubkeySet.
func Build(c Config) *Engine {
	return &Engine{
		Write: WritePolicy{
			PubkeyGate: PubkeyGate{
				RequireAuth:    c.Write.RequireAuth,
				AllowedPubkeys: ParsePubkeySet(c.Write.AllowedPubkeys),
				BlockedPubkeys: ParsePubkeySet(c.Write.BlockedPubkeys),
				TaggedPubkeys:  ParsePubkeySet(c.Write.TaggedPubkeys),
				WoT:            c.Write.Wot,
				Paywall:        c.Write.Paywall,
			},
			AllowedKinds:     kindSet(c.Write.AllowedKinds),
			BlockedKinds:     kindSet(c.Write.BlockedKinds),
			MaxContentLength: c.Write.MaxContentLength,
			MinPow:           c.Write.MinPow,
		},
		Read: ReadPolicy{
			PubkeyGate: PubkeyGate{
				RequireAuth:    c.Read.RequireAuth,
				AllowedPubkeys: ParsePubkeySet(c.Read.AllowedPubkeys),
				WoT:            c.Read.Wot,
				Paywall:        c.Read.Paywall,
			},
		},
	}
}

// CanWrite runs the ordered write-admission evaluation of §4.B.
func (e *Engine) CanWrite(ev *model.Event, authedPubkey string) Decision {
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		return reject("invalid", "bad signature")
	}
	if err := ev.ValidateReferences(); err != nil {
		return reject("invalid", err.Error())
	}

	now := e.now().Unix()
	if e.Write.MinCreatedAtSkew != 0 && int64(ev.CreatedAt) < now-e.Write.MinCreatedAtSkew {
		return reject("invalid", "event too far in the past")
	}
	if e.Write.MaxCreatedAtSkew != 0 && int64(ev.CreatedAt) > now+e.Write.MaxCreatedAtSkew {
		return reject("invalid", "event too far in the future")
	}

	if e.Write.MaxContentLength > 0 && len(ev.Content) > e.Write.MaxContentLength {
		return reject("restricted", "content too large")
	}

	if len(e.Write.AllowedKinds) > 0 {
		if _, ok := e.Write.AllowedKinds[ev.Kind]; !ok {
			return reject("restricted", "kind not allowed")
		}
	}
	if len(e.Write.BlockedKinds) > 0 {
		if _, ok := e.Write.BlockedKinds[ev.Kind]; ok {
			return reject("restricted", "kind blocked")
		}
	}

	if e.Write.MinPow > 0 && Difficulty(ev.ID) < e.Write.MinPow {
		return reject("restricted", "insufficient pow")
	}

	if d := checkPubkeyGate(&e.Write.PubkeyGate, ev.PubKey, hasMatchingPTag(ev, e.Write.TaggedPubkeys)); !d.Allowed {
		return d
	}

	if e.Write.RequireAuth && authedPubkey == "" {
		return authRequired("authentication required")
	}

	return allow()
}

// CanRead runs the reduced read-admission evaluation of §4.B.
func (e *Engine) CanRead(authedPubkey string) Decision {
	if d := checkPubkeyGate(&e.Read.PubkeyGate, authedPubkey, false); !d.Allowed {
		return d
	}
	if e.Read.RequireAuth && authedPubkey == "" {
		return authRequired("authentication required")
	}

	return allow()
}

func checkPubkeyGate(gate *PubkeyGate, pubkey string, hasTaggedMatch bool) Decision {
	if len(gate.BlockedPubkeys) > 0 {
		if _, ok := gate.BlockedPubkeys[pubkey]; ok {
			return reject("restricted", "pubkey blocked")
		}
	}
	if len(gate.AllowedPubkeys) > 0 {
		if _, ok := gate.AllowedPubkeys[pubkey]; !ok {
			// Per the reference implementation: absent require_auth, an
			// unauthenticated caller against a non-empty allow-list is a
			// plain Deny, not an AuthRequired prompt.
			return reject("restricted", "not an allowed pubkey")
		}
	}
	if len(gate.TaggedPubkeys) > 0 && !hasTaggedMatch {
		return reject("restricted", "missing tagged pubkey")
	}
	if gate.WoT != nil && !gate.WoT.Contains(pubkey) {
		return reject("restricted", "not a member of web of trust")
	}
	if gate.Paywall != nil && !gate.Paywall.Contains(pubkey) {
		return reject("restricted", "paywall access required")
	}

	return allow()
}

func hasMatchingPTag(ev *model.Event, tagged map[string]struct{}) bool {
	if len(tagged) == 0 {
		return false
	}
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			if _, ok := tagged[tag[1]]; ok {
				return true
			}
		}
	}

	return false
}
