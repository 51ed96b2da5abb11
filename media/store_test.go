// SPDX-License-Identifier: ice License 1.0

package media_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ice-blockchain/moar/media"
)

func openTestStore(t *testing.T) *media.Store {
	t.Helper()
	s, err := media.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestStore_SaveAndRead(t *testing.T) {
	s := openTestStore(t)
	data := []byte("hello blossom")
	const sha = "aabbccdd"

	blob, err := s.Save(sha, data, "text/plain", "pubkey1")
	require.NoError(t, err)
	assert.Equal(t, sha, blob.SHA256)
	assert.Equal(t, int64(len(data)), blob.Size)
	assert.Equal(t, "text/plain", blob.MimeType)
	assert.Equal(t, "pubkey1", blob.Uploader)

	assert.True(t, s.Has(sha))
	got, ok := s.Meta(sha)
	require.True(t, ok)
	assert.Equal(t, blob, got)

	read, err := s.Read(sha)
	require.NoError(t, err)
	assert.Equal(t, data, read)
}

func TestStore_Has_Unknown(t *testing.T) {
	s := openTestStore(t)
	assert.False(t, s.Has("deadbeef"))
	_, ok := s.Meta("deadbeef")
	assert.False(t, ok)
}

func TestStore_Delete(t *testing.T) {
	s := openTestStore(t)
	const sha = "1234"
	_, err := s.Save(sha, []byte("x"), "text/plain", "pubkey1")
	require.NoError(t, err)

	require.NoError(t, s.Delete(sha))
	assert.False(t, s.Has(sha))
	_, err = s.Read(sha)
	assert.Error(t, err)

	// deleting again is a no-op, not an error.
	assert.NoError(t, s.Delete(sha))
}

func TestStore_ListByUploader(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Save("sha1", []byte("a"), "text/plain", "pubkey1")
	require.NoError(t, err)
	_, err = s.Save("sha2", []byte("bb"), "text/plain", "pubkey1")
	require.NoError(t, err)
	_, err = s.Save("sha3", []byte("ccc"), "text/plain", "pubkey2")
	require.NoError(t, err)

	list := s.ListByUploader("pubkey1")
	require.Len(t, list, 2)
	for _, b := range list {
		assert.Equal(t, "pubkey1", b.Uploader)
	}

	assert.Len(t, s.ListByUploader("pubkey2"), 1)
	assert.Empty(t, s.ListByUploader("pubkey3"))
}
