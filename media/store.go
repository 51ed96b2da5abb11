// SPDX-License-Identifier: ice License 1.0

// Package media implements the Blossom-compatible blob store: one
// content-addressed (SHA-256) object store per configured blossom
// instance, backed by a bbolt metadata index and a sharded on-disk blob
// tree.
package media

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"go.etcd.io/bbolt"
)

var (
	bucketBlobs     = []byte("blobs")
	bucketUploaders = []byte("uploaders")
)

// Blob is one stored object's metadata, keyed by its SHA-256 hex digest.
type Blob struct {
	SHA256   string `json:"sha256"`
	Size     int64  `json:"size"`
	MimeType string `json:"type"`
	Uploaded int64  `json:"uploaded"`
	Uploader string `json:"uploader"`
}

// Store is one blossom instance's blob store.
type Store struct {
	db  *bbolt.DB
	dir string
}

// Open opens (creating if absent) the blob store rooted at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create blob directory tree")
	}

	db, err := bbolt.Open(filepath.Join(dir, "meta.db"), 0o600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open blob metadata db in %v", dir)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketBlobs); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketUploaders)

		return err
	}); err != nil {
		_ = db.Close()

		return nil, errors.Wrap(err, "failed to create blob metadata buckets")
	}

	return &Store{db: db, dir: dir}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// blobPath shards blobs by the first two hex characters of the digest so
// no single directory accumulates an unbounded number of entries.
func (s *Store) blobPath(sha256hex string) string {
	prefix := sha256hex
	if len(prefix) > 2 {
		prefix = sha256hex[:2]
	}

	return filepath.Join(s.dir, "blobs", prefix, sha256hex)
}

func (s *Store) Has(sha256hex string) bool {
	var found bool
	_ = s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketBlobs).Get([]byte(sha256hex)) != nil

		return nil
	})

	return found
}

func (s *Store) Meta(sha256hex string) (Blob, bool) {
	var blob Blob
	var found bool
	_ = s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketBlobs).Get([]byte(sha256hex))
		if raw == nil {
			return nil
		}
		found = json.Unmarshal(raw, &blob) == nil

		return nil
	})

	return blob, found
}

// Save writes data to the sharded blob path and records its metadata,
// indexed both by digest and by uploader for listing.
func (s *Store) Save(sha256hex string, data []byte, mimeType, uploader string) (Blob, error) {
	path := s.blobPath(sha256hex)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Blob{}, errors.Wrap(err, "failed to create blob shard directory")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Blob{}, errors.Wrap(err, "failed to write blob file")
	}

	blob := Blob{
		SHA256: sha256hex, Size: int64(len(data)), MimeType: mimeType,
		Uploaded: time.Now().Unix(), Uploader: uploader,
	}
	raw, err := json.Marshal(blob)
	if err != nil {
		return Blob{}, errors.Wrap(err, "failed to marshal blob metadata")
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketBlobs).Put([]byte(sha256hex), raw); err != nil {
			return err
		}

		return tx.Bucket(bucketUploaders).Put(uploaderKey(uploader, sha256hex), nil)
	})

	return blob, errors.Wrap(err, "failed to persist blob metadata")
}

func (s *Store) Read(sha256hex string) ([]byte, error) {
	return os.ReadFile(s.blobPath(sha256hex))
}

// Delete removes both the blob file and its metadata; a missing blob is
// not an error.
func (s *Store) Delete(sha256hex string) error {
	blob, ok := s.Meta(sha256hex)
	if !ok {
		return nil
	}

	_ = os.Remove(s.blobPath(sha256hex))

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketBlobs).Delete([]byte(sha256hex)); err != nil {
			return err
		}

		return tx.Bucket(bucketUploaders).Delete(uploaderKey(blob.Uploader, sha256hex))
	})
}

// ListByUploader returns every blob owned by pubkey, newest first.
func (s *Store) ListByUploader(pubkey string) []Blob {
	prefix := []byte(pubkey + ":")

	var out []Blob
	_ = s.db.View(func(tx *bbolt.Tx) error {
		blobs := tx.Bucket(bucketBlobs)
		c := tx.Bucket(bucketUploaders).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			sha := string(k[len(prefix):])
			raw := blobs.Get([]byte(sha))
			if raw == nil {
				continue
			}
			var b Blob
			if json.Unmarshal(raw, &b) == nil {
				out = append(out, b)
			}
		}

		return nil
	})

	sort.Slice(out, func(i, j int) bool { return out[i].Uploaded > out[j].Uploaded })

	return out
}

func uploaderKey(uploader, sha256hex string) []byte {
	return []byte(uploader + ":" + sha256hex)
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
