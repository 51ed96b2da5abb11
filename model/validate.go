// SPDX-License-Identifier: ice License 1.0

package model

import "github.com/cockroachdb/errors"

// ErrInvalidReference is returned when an event's e/p tags don't carry the
// minimal shape NIP-10 requires.
var ErrInvalidReference = errors.New("malformed e/p tag reference")

// ValidateReferences applies the light NIP-10 e/p shape check the write
// path's structural-validation step runs before any policy decision: any
// "e" tag present must carry a non-empty event id, and any "p" tag present
// must carry a non-empty pubkey. It does not require the two to co-occur —
// a bare "p" tag is a valid mention/tag on its own, independent of NIP-10
// threading, and the pubkey-gate's TaggedPubkeys check relies on exactly
// that.
func (e *Event) ValidateReferences() error {
	for _, tag := range e.Tags.GetAll([]string{"e"}) {
		if len(tag) < 2 || tag[1] == "" {
			return errors.Wrapf(ErrInvalidReference, "e tag missing event id: %+v", tag)
		}
	}
	for _, tag := range e.Tags.GetAll([]string{"p"}) {
		if len(tag) < 2 || tag[1] == "" {
			return errors.Wrapf(ErrInvalidReference, "p tag missing pubkey: %+v", tag)
		}
	}

	return nil
}
