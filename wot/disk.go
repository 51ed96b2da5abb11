// SPDX-License-Identifier: ice License 1.0

package wot

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
)

// savePubkeysToDisk writes pks as concatenated 32-byte pubkeys.
func savePubkeysToDisk(path string, pks map[string]struct{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create wot data dir")
	}

	buf := make([]byte, 0, len(pks)*32)
	for pk := range pks {
		raw, err := hex.DecodeString(pk)
		if err != nil || len(raw) != 32 {
			continue
		}
		buf = append(buf, raw...)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return errors.Wrap(err, "failed to write wot data file")
	}

	return errors.Wrap(os.Rename(tmp, path), "failed to atomically replace wot data file")
}

// loadPubkeysFromDisk parses a concatenated-32-byte-pubkeys file, along
// with the file's mtime for freshness checks.
func loadPubkeysFromDisk(path string) (map[string]struct{}, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, errors.Wrapf(err, "stat %v", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, errors.Wrapf(err, "read %v", path)
	}
	if len(data)%32 != 0 {
		return nil, time.Time{}, errors.Newf("invalid wot file size %d", len(data))
	}

	set := make(map[string]struct{}, len(data)/32)
	for i := 0; i+32 <= len(data); i += 32 {
		set[hex.EncodeToString(data[i:i+32])] = struct{}{}
	}

	return set, info.ModTime(), nil
}
