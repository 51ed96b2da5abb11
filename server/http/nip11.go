// SPDX-License-Identifier: ice License 1.0

// Package http holds the small stateless HTTP building blocks the gateway
// composes per instance: NIP-11 relay information documents today.
package http

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/nbd-wtf/go-nostr/nip11"
)

// Nip11Info is the per-instance metadata the gateway fills in from that
// instance's config and policy before serving it.
type Nip11Info struct {
	Name        string
	Description string
	Contact     string
	Icon        string
	PubKey      string
	MinPow      int
	RelayURL    string
}

var supportedNIPs = []int{1, 2, 9, 10, 11, 13, 40, 42, 45, 50, 65}

// WriteNip11 serves a NIP-11 relay information document for one instance.
// The caller is responsible for content negotiation.
func WriteNip11(w http.ResponseWriter, info Nip11Info) {
	doc := nip11.RelayInformationDocument{
		URL:           info.RelayURL,
		Name:          info.Name,
		Description:   info.Description,
		PubKey:        info.PubKey,
		Contact:       info.Contact,
		Icon:          info.Icon,
		SupportedNIPs: supportedNIPs,
		Software:      "moar",
		Limitation: &nip11.RelayLimitationDocument{
			MinPowDifficulty: info.MinPow,
		},
	}

	w.Header().Set("Content-Type", "application/nostr+json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		log.Printf("ERROR:%v", errors.Wrapf(err, "failed to serialize NIP11 json %+v", doc))
	}
}
