// SPDX-License-Identifier: ice License 1.0

package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"iter"

	"github.com/cockroachdb/errors"
	"go.etcd.io/bbolt"

	"github.com/ice-blockchain/moar/model"
)

// Query produces a finite sequence of stored events matching any filter in
// filters (union), deduplicated by id, ordered newest-first, capped by the
// smallest filter's limit. Callers can stop iterating early; the capped
// result set is read into memory before the first event is yielded.
func (s *Store) Query(ctx context.Context, filters model.Filters) iter.Seq2[*model.Event, error] {
	limit := effectiveLimit(filters)

	return func(yield func(*model.Event, error) bool) {
		events, err := s.queryOnce(ctx, filters, limit)
		if err != nil {
			yield(nil, err)

			return
		}
		if limit > 0 && len(events) > limit {
			events = events[:limit]
		}
		for _, ev := range events {
			if ctx.Err() != nil {
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func effectiveLimit(filters model.Filters) int {
	limit := 0
	for _, f := range filters {
		if f.Limit > 0 && (limit == 0 || f.Limit < limit) {
			limit = f.Limit
		}
	}

	return limit
}

// scanFilter enumerates the most selective index prefix covering filter's
// equality constraints, applying residual predicates in memory.
func scanFilter(tx *bbolt.Tx, filter *model.Filter, cap int) ([]*model.Event, error) {
	get := func(id []byte) (*model.Event, error) {
		raw := tx.Bucket(bucketEvents).Get(id)
		if raw == nil {
			return nil, nil
		}
		var ev model.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal event")
		}

		return &ev, nil
	}

	var candidateIDs [][]byte

	switch {
	case len(filter.IDs) > 0:
		for _, id := range filter.IDs {
			candidateIDs = append(candidateIDs, idBytes(id))
		}

	case len(filter.Authors) > 0 && len(filter.Kinds) > 0:
		for _, author := range filter.Authors {
			for _, kind := range filter.Kinds {
				ids := scanIndexIDs(tx.Bucket(bucketByAuthorKind),
					authorKindPrefix(author, kind), 34, cap)
				candidateIDs = append(candidateIDs, ids...)
			}
		}

	case len(filter.Authors) > 0:
		for _, author := range filter.Authors {
			ids := scanIndexIDs(tx.Bucket(bucketByAuthorTime), pubkeyBytes(author), 32, cap)
			candidateIDs = append(candidateIDs, ids...)
		}

	case len(filter.Kinds) > 0:
		for _, kind := range filter.Kinds {
			ids := scanIndexIDs(tx.Bucket(bucketByKindTime), beUint16(uint16(kind)), 2, cap)
			candidateIDs = append(candidateIDs, ids...)
		}

	case len(filter.Tags) > 0:
		for letter, values := range filter.Tags {
			if len(letter) != 1 {
				continue
			}
			for _, value := range values {
				ids := scanIndexIDs(tx.Bucket(bucketByTag), tagPrefix(letter[0], value), -1, cap)
				candidateIDs = append(candidateIDs, ids...)
			}
		}

	default:
		candidateIDs = scanTimeBucket(tx.Bucket(bucketByTime), cap)
	}

	seen := make(map[string]struct{}, len(candidateIDs))
	events := make([]*model.Event, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		hexID := hex.EncodeToString(id)
		if _, ok := seen[hexID]; ok {
			continue
		}
		seen[hexID] = struct{}{}

		ev, err := get(id)
		if err != nil {
			return nil, err
		}
		if ev == nil {
			continue
		}
		if !matchesResidual(filter, ev) {
			continue
		}
		events = append(events, ev)
	}

	sortNewestFirst(events)

	return events, nil
}

func authorKindPrefix(author string, kind int) []byte {
	key := make([]byte, 0, 34)
	key = append(key, pubkeyBytes(author)...)
	key = append(key, beUint16(uint16(kind))...)

	return key
}

// matchesResidual re-checks the full filter (since/until/tags/etc.) using
// go-nostr's own predicate, since index scans only prune by a prefix.
func matchesResidual(filter *model.Filter, ev *model.Event) bool {
	return filter.Matches(&ev.Event)
}

// safetyScanCap bounds how many keys under one prefix we will read in a
// single newest-first backward walk, so a very hot prefix can't exhaust
// memory on a single query.
const safetyScanCap = 20_000

// scanIndexIDs walks an index bucket whose keys are prefix || created_at_be(8) || id(32).
// Keys under a shared prefix are lexicographically ordered by created_at_be
// ascending, so the run is read backward from the prefix's upper bound to
// yield ids newest-first directly, the same way scanTimeBucket below reads
// bucketByTime from its tail, capped at cap.
func scanIndexIDs(bucket *bbolt.Bucket, prefix []byte, prefixLen int, cap int) [][]byte {
	limit := safetyScanCap
	if cap > 0 && cap < limit {
		limit = cap
	}

	upper := make([]byte, len(prefix)+8)
	copy(upper, prefix)
	for i := len(prefix); i < len(upper); i++ {
		upper[i] = 0xff
	}

	c := bucket.Cursor()
	k, _ := c.Seek(upper)
	if k == nil {
		k, _ = c.Last()
	} else {
		k, _ = c.Prev()
	}

	var ids [][]byte
	for ; k != nil && hasPrefix(k, prefix); k, _ = c.Prev() {
		if len(k) < 32 {
			continue
		}
		id := make([]byte, 32)
		copy(id, k[len(k)-32:])
		ids = append(ids, id)
		if len(ids) >= limit {
			break
		}
	}
	_ = prefixLen

	return ids
}

func scanTimeBucket(bucket *bbolt.Bucket, cap int) [][]byte {
	var ids [][]byte
	c := bucket.Cursor()
	// created_at_be is big-endian ascending; iterate from the end for
	// newest-first order.
	for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
		if len(k) < 32 {
			continue
		}
		id := make([]byte, 32)
		copy(id, k[len(k)-32:])
		ids = append(ids, id)
		if cap > 0 && len(ids) >= cap {
			break
		}
	}

	return ids
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}

	return true
}
