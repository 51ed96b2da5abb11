// SPDX-License-Identifier: ice License 1.0

package model

import (
	"github.com/nbd-wtf/go-nostr"
)

type (
	TagMap    = nostr.TagMap
	Tag       = nostr.Tag
	Tags      = nostr.Tags
	Timestamp = nostr.Timestamp
	Kind      = int
	Filter    = nostr.Filter
	Filters   = nostr.Filters

	Subscription struct {
		Filters Filters
	}
)

// Kind ranges per NIP-01/NIP-33.
const (
	KindReplaceableRangeStart               = 10_000
	KindReplaceableRangeEnd                 = 20_000
	KindEphemeralRangeStart                 = 20_000
	KindEphemeralRangeEnd                   = 30_000
	KindParameterizedReplaceableRangeStart  = 30_000
	KindParameterizedReplaceableRangeEnd    = 40_000
)

// IsReplaceable reports whether the kind is replaced in-place on each new
// write (0, 3, or in [10000, 20000)).
func IsReplaceable(kind int) bool {
	return kind == 0 || kind == 3 || (kind >= KindReplaceableRangeStart && kind < KindReplaceableRangeEnd)
}

// IsEphemeral reports whether the kind must never be persisted.
func IsEphemeral(kind int) bool {
	return kind >= KindEphemeralRangeStart && kind < KindEphemeralRangeEnd
}

// IsParameterizedReplaceable reports whether the kind is replaced per
// (pubkey, kind, d-tag) tuple rather than per (pubkey, kind).
func IsParameterizedReplaceable(kind int) bool {
	return kind >= KindParameterizedReplaceableRangeStart && kind < KindParameterizedReplaceableRangeEnd
}
