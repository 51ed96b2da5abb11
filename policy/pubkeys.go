// SPDX-License-Identifier: ice License 1.0

package policy

import (
	"strings"

	"github.com/nbd-wtf/go-nostr/nip19"
)

// ParsePubkeySet accepts a mix of hex and npub-bech32 pubkeys, silently
// skipping anything that fails to parse — mirroring the reference
// implementation's own best-effort `parse_pubkeys` helper, which favours
// availability of the relay over hard failure on one bad config entry.
func ParsePubkeySet(entries []string) map[string]struct{} {
	set := make(map[string]struct{}, len(entries))
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.HasPrefix(entry, "npub1") {
			if _, hexPk, err := nip19.Decode(entry); err == nil {
				if s, ok := hexPk.(string); ok {
					set[s] = struct{}{}
					continue
				}
			}

			continue
		}
		if len(entry) == 64 && isHex(entry) {
			set[entry] = struct{}{}
		}
	}

	return set
}

func isHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}

	return true
}
