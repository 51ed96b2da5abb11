// SPDX-License-Identifier: ice License 1.0

package wot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSet_ContainsAndReplace(t *testing.T) {
	s := newSet()
	assert.False(t, s.Contains("a"))
	s.replace(map[string]struct{}{"a": {}, "b": {}})
	assert.True(t, s.Contains("a"))
	assert.Equal(t, 2, s.Len())
}

func TestChunk_SplitsIntoBoundedBatches(t *testing.T) {
	items := make([]string, 125)
	for i := range items {
		items[i] = "x"
	}
	batches := chunk(items, batchSize)
	assert.Len(t, batches, 3)
	assert.Len(t, batches[0], batchSize)
	assert.Len(t, batches[2], 25)
}

func TestChunk_EmptyInput(t *testing.T) {
	assert.Equal(t, [][]string{nil}, chunk(nil, batchSize))
}

func TestDiskRoundTrip_PreservesPubkeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.bin")
	pk := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	require.NoError(t, savePubkeysToDisk(path, map[string]struct{}{pk: {}}))

	loaded, _, err := loadPubkeysFromDisk(path)
	require.NoError(t, err)
	assert.Contains(t, loaded, pk)
}

func TestDiskLoad_RejectsMisalignedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.bin")
	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0o644))

	_, _, err := loadPubkeysFromDisk(path)
	assert.Error(t, err)
}
