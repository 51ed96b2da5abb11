// SPDX-License-Identifier: ice License 1.0

package store

import (
	"encoding/binary"
	"encoding/hex"
)

// Bucket names for the logical maps described by the event store's
// physical layout. Each instance owns one bbolt file with all of these
// buckets.
var (
	bucketEvents         = []byte("events")
	bucketByAuthorTime   = []byte("by_author_time")
	bucketByKindTime     = []byte("by_kind_time")
	bucketByAuthorKind   = []byte("by_author_kind_time")
	bucketByTag          = []byte("by_tag")
	bucketByTime         = []byte("by_time")
	bucketReplaceable    = []byte("replaceable")
	bucketMeta           = []byte("meta")
	allBuckets           = [][]byte{
		bucketEvents, bucketByAuthorTime, bucketByKindTime, bucketByAuthorKind,
		bucketByTag, bucketByTime, bucketReplaceable, bucketMeta,
	}
	metaKeyCount = []byte("count")
	metaKeyBytes = []byte("bytes")
)

func idBytes(id string) []byte {
	b, _ := hex.DecodeString(id)
	return b
}

func pubkeyBytes(pk string) []byte {
	b, _ := hex.DecodeString(pk)
	return b
}

func beUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func beUint16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

// authorTimeKey: pubkey(32) || created_at_be(8) || id(32)
func authorTimeKey(pubkey string, createdAt int64, id string) []byte {
	key := make([]byte, 0, 32+8+32)
	key = append(key, pubkeyBytes(pubkey)...)
	key = append(key, beUint64(uint64(createdAt))...)
	key = append(key, idBytes(id)...)
	return key
}

// kindTimeKey: kind_be(2) || created_at_be(8) || id(32)
func kindTimeKey(kind int, createdAt int64, id string) []byte {
	key := make([]byte, 0, 2+8+32)
	key = append(key, beUint16(uint16(kind))...)
	key = append(key, beUint64(uint64(createdAt))...)
	key = append(key, idBytes(id)...)
	return key
}

// authorKindTimeKey: pubkey(32) || kind_be(2) || created_at_be(8) || id(32)
func authorKindTimeKey(pubkey string, kind int, createdAt int64, id string) []byte {
	key := make([]byte, 0, 32+2+8+32)
	key = append(key, pubkeyBytes(pubkey)...)
	key = append(key, beUint16(uint16(kind))...)
	key = append(key, beUint64(uint64(createdAt))...)
	key = append(key, idBytes(id)...)
	return key
}

// tagKey: letter(1) || 0x00 || value || 0x00 || created_at_be(8) || id(32)
func tagKey(letter byte, value string, createdAt int64, id string) []byte {
	key := make([]byte, 0, 1+1+len(value)+1+8+32)
	key = append(key, letter, 0)
	key = append(key, value...)
	key = append(key, 0)
	key = append(key, beUint64(uint64(createdAt))...)
	key = append(key, idBytes(id)...)
	return key
}

func tagPrefix(letter byte, value string) []byte {
	key := make([]byte, 0, 1+1+len(value)+1)
	key = append(key, letter, 0)
	key = append(key, value...)
	key = append(key, 0)
	return key
}

// timeKey: created_at_be(8) || id(32)
func timeKey(createdAt int64, id string) []byte {
	key := make([]byte, 0, 8+32)
	key = append(key, beUint64(uint64(createdAt))...)
	key = append(key, idBytes(id)...)
	return key
}

// replaceableKey: pubkey(32) || kind_be(2) || d_value
func replaceableKey(pubkey string, kind int, dValue string) []byte {
	key := make([]byte, 0, 32+2+len(dValue))
	key = append(key, pubkeyBytes(pubkey)...)
	key = append(key, beUint16(uint16(kind))...)
	key = append(key, dValue...)
	return key
}
