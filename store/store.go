// SPDX-License-Identifier: ice License 1.0

// Package store implements the per-instance event store: durable storage
// and filter-query service backed by one memory-mapped bbolt database per
// relay instance.
package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"go.etcd.io/bbolt"

	"github.com/ice-blockchain/moar/model"
)

// Result is the outcome of a Store call. It is not always an error: a
// duplicate or superseded write is a successful no-op from the caller's
// point of view.
type Result int

const (
	ResultStored Result = iota
	ResultDuplicate
	ResultEphemeral
	ResultSuperseded
)

func (r Result) String() string {
	switch r {
	case ResultStored:
		return "stored"
	case ResultDuplicate:
		return "duplicate"
	case ResultEphemeral:
		return "ephemeral"
	case ResultSuperseded:
		return "superseded"
	default:
		return "unknown"
	}
}

var ErrNotFound = errors.New("event not found")

// CommitFunc is invoked once per newly stored (non-duplicate,
// non-superseded) event, after the write transaction commits. Ephemeral
// events are also announced, since they still need to reach live
// subscribers even though they are never persisted.
type CommitFunc func(event *model.Event)

type Store struct {
	db       *bbolt.DB
	mu       sync.Mutex // serialises the single writer, per instance
	onCommit CommitFunc
}

// Open opens (creating if absent) the bbolt-backed event store at path,
// ensuring every logical map exists as its own bucket.
func Open(path string, onCommit CommitFunc) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open store at %v", path)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return errors.Wrapf(err, "failed to create bucket %s", b)
			}
		}

		return nil
	}); err != nil {
		_ = db.Close()

		return nil, err
	}

	if onCommit == nil {
		onCommit = func(*model.Event) {}
	}

	return &Store{db: db, onCommit: onCommit}, nil
}

func (s *Store) Close() error {
	return errors.Wrap(s.db.Close(), "failed to close store")
}

func dTagValue(ev *model.Event) string {
	if t := ev.Tags.GetFirst([]string{"d"}); t != nil {
		return t.Value()
	}

	return ""
}

// Store persists ev according to its kind class, following the ordered
// steps of the event store's write contract.
func (s *Store) Store(_ context.Context, ev *model.Event) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result Result
	err := s.db.Update(func(tx *bbolt.Tx) error {
		events := tx.Bucket(bucketEvents)

		if events.Get(idBytes(ev.ID)) != nil {
			result = ResultDuplicate

			return nil
		}

		if model.IsEphemeral(ev.Kind) {
			result = ResultEphemeral

			return nil
		}

		replaceableClass := model.IsReplaceable(ev.Kind) || model.IsParameterizedReplaceable(ev.Kind)
		var dValue string
		if model.IsParameterizedReplaceable(ev.Kind) {
			dValue = dTagValue(ev)
		}

		if replaceableClass {
			rbucket := tx.Bucket(bucketReplaceable)
			rkey := replaceableKey(ev.PubKey, ev.Kind, dValue)
			if holderID := rbucket.Get(rkey); holderID != nil {
				holder, err := s.getLocked(tx, hex.EncodeToString(holderID))
				if err != nil {
					return err
				}
				if holder != nil {
					superseded := holder.CreatedAt > ev.CreatedAt ||
						(holder.CreatedAt == ev.CreatedAt && holder.ID <= ev.ID)
					if superseded {
						result = ResultSuperseded

						return nil
					}

					if err := s.removeEventLocked(tx, holder); err != nil {
						return err
					}
				}
			}

			if err := rbucket.Put(rkey, idBytes(ev.ID)); err != nil {
				return errors.Wrap(err, "failed to update replaceable index")
			}
		}

		raw, err := json.Marshal(ev)
		if err != nil {
			return errors.Wrap(err, "failed to marshal event")
		}

		if err := events.Put(idBytes(ev.ID), raw); err != nil {
			return errors.Wrap(err, "failed to insert event")
		}

		if err := s.indexEventLocked(tx, ev); err != nil {
			return err
		}

		if err := bumpMeta(tx, metaKeyCount, 1); err != nil {
			return err
		}
		if err := bumpMeta(tx, metaKeyBytes, int64(len(raw))); err != nil {
			return err
		}

		result = ResultStored

		return nil
	})
	if err != nil {
		return 0, err
	}

	if result == ResultStored || result == ResultEphemeral {
		s.onCommit(ev)
	}

	return result, nil
}

func (s *Store) indexEventLocked(tx *bbolt.Tx, ev *model.Event) error {
	put := func(bucket []byte, key []byte) error {
		return tx.Bucket(bucket).Put(key, []byte{})
	}

	if err := put(bucketByAuthorTime, authorTimeKey(ev.PubKey, int64(ev.CreatedAt), ev.ID)); err != nil {
		return errors.Wrap(err, "failed to index by author")
	}
	if err := put(bucketByKindTime, kindTimeKey(ev.Kind, int64(ev.CreatedAt), ev.ID)); err != nil {
		return errors.Wrap(err, "failed to index by kind")
	}
	if err := put(bucketByAuthorKind, authorKindTimeKey(ev.PubKey, ev.Kind, int64(ev.CreatedAt), ev.ID)); err != nil {
		return errors.Wrap(err, "failed to index by author+kind")
	}
	if err := put(bucketByTime, timeKey(int64(ev.CreatedAt), ev.ID)); err != nil {
		return errors.Wrap(err, "failed to index by time")
	}
	for _, tag := range ev.Tags {
		if len(tag) < 2 || len(tag[0]) != 1 {
			continue
		}
		if err := put(bucketByTag, tagKey(tag[0][0], tag[1], int64(ev.CreatedAt), ev.ID)); err != nil {
			return errors.Wrap(err, "failed to index by tag")
		}
	}

	return nil
}

func (s *Store) removeEventLocked(tx *bbolt.Tx, ev *model.Event) error {
	del := func(bucket []byte, key []byte) error {
		return tx.Bucket(bucket).Delete(key)
	}

	if err := tx.Bucket(bucketEvents).Delete(idBytes(ev.ID)); err != nil {
		return errors.Wrap(err, "failed to remove event")
	}
	if err := del(bucketByAuthorTime, authorTimeKey(ev.PubKey, int64(ev.CreatedAt), ev.ID)); err != nil {
		return err
	}
	if err := del(bucketByKindTime, kindTimeKey(ev.Kind, int64(ev.CreatedAt), ev.ID)); err != nil {
		return err
	}
	if err := del(bucketByAuthorKind, authorKindTimeKey(ev.PubKey, ev.Kind, int64(ev.CreatedAt), ev.ID)); err != nil {
		return err
	}
	if err := del(bucketByTime, timeKey(int64(ev.CreatedAt), ev.ID)); err != nil {
		return err
	}
	for _, tag := range ev.Tags {
		if len(tag) < 2 || len(tag[0]) != 1 {
			continue
		}
		if err := del(bucketByTag, tagKey(tag[0][0], tag[1], int64(ev.CreatedAt), ev.ID)); err != nil {
			return err
		}
	}

	return bumpMeta(tx, metaKeyCount, -1)
}

func bumpMeta(tx *bbolt.Tx, key []byte, delta int64) error {
	meta := tx.Bucket(bucketMeta)
	var cur int64
	if raw := meta.Get(key); raw != nil {
		cur = int64(bboltUint64(raw))
	}
	cur += delta
	if cur < 0 {
		cur = 0
	}

	return errors.Wrap(meta.Put(key, beUint64(uint64(cur))), "failed to update meta counter")
}

func bboltUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}

	return v
}

func (s *Store) getLocked(tx *bbolt.Tx, id string) (*model.Event, error) {
	raw := tx.Bucket(bucketEvents).Get(idBytes(id))
	if raw == nil {
		return nil, nil
	}
	var ev model.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal event")
	}

	return &ev, nil
}

// Get returns a single event by id, or ErrNotFound.
func (s *Store) Get(_ context.Context, id string) (*model.Event, error) {
	var ev *model.Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		ev, err = s.getLocked(tx, id)

		return err
	})
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, ErrNotFound
	}

	return ev, nil
}

// Delete removes events matching filters and clears any replaceable slot
// they hold, returning how many events were removed.
func (s *Store) Delete(ctx context.Context, filters model.Filters) (int, error) {
	events, err := s.queryOnce(ctx, filters, 0)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(tx *bbolt.Tx) error {
		for _, ev := range events {
			if err := s.removeEventLocked(tx, ev); err != nil {
				return err
			}
			rkey := replaceableKey(ev.PubKey, ev.Kind, dTagValue(ev))
			if holder := tx.Bucket(bucketReplaceable).Get(rkey); holder != nil && hex.EncodeToString(holder) == ev.ID {
				if err := tx.Bucket(bucketReplaceable).Delete(rkey); err != nil {
					return errors.Wrap(err, "failed to clear replaceable slot")
				}
			}
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return len(events), nil
}

// Count returns the number of events matching filters.
func (s *Store) Count(ctx context.Context, filters model.Filters) (int64, error) {
	events, err := s.queryOnce(ctx, filters, 0)
	if err != nil {
		return 0, err
	}

	return int64(len(events)), nil
}

const defaultQueryCap = 5000

// queryOnce runs the bounded, one-shot scan behind Query, Delete and Count,
// returning the whole (capped) result as a slice.
func (s *Store) queryOnce(_ context.Context, filters model.Filters, cap int) ([]*model.Event, error) {
	if cap <= 0 {
		cap = defaultQueryCap
	}

	byID := make(map[string]*model.Event)

	err := s.db.View(func(tx *bbolt.Tx) error {
		for i := range filters {
			candidates, err := scanFilter(tx, &filters[i], cap)
			if err != nil {
				return err
			}
			for _, ev := range candidates {
				if _, ok := byID[ev.ID]; !ok {
					byID[ev.ID] = ev
				}
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	result := make([]*model.Event, 0, len(byID))
	for _, ev := range byID {
		result = append(result, ev)
	}
	sortNewestFirst(result)

	return result, nil
}

func sortNewestFirst(events []*model.Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}

		return events[i].ID < events[j].ID
	})
}
