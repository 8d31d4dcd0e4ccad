// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloader

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/zeebo/bencode"
)

// InfoHash computes the v1 infohash of raw torrent metainfo: the SHA-1 of
// the bencoded info dictionary, exactly as it appears on the wire. The
// info value is kept as a raw message so re-encoding cannot change
// dictionary ordering.
func InfoHash(metainfo []byte) (string, error) {
	var outer struct {
		Info bencode.RawMessage `bencode:"info"`
	}
	if err := bencode.NewDecoder(bytes.NewReader(metainfo)).Decode(&outer); err != nil {
		return "", fmt.Errorf("decode metainfo: %w", err)
	}
	if len(outer.Info) == 0 {
		return "", fmt.Errorf("metainfo has no info dictionary")
	}

	sum := sha1.Sum(outer.Info)
	return hex.EncodeToString(sum[:]), nil
}

// MagnetHash extracts the v1 infohash from a magnet link's btih urn,
// lowercase. Empty for non-magnet sources or non-hex digests.
func MagnetHash(source string) string {
	u, err := url.Parse(source)
	if err != nil || u.Scheme != "magnet" {
		return ""
	}
	for _, xt := range u.Query()["xt"] {
		if !strings.HasPrefix(strings.ToLower(xt), "urn:btih:") {
			continue
		}
		h := strings.ToLower(xt[len("urn:btih:"):])
		if len(h) != 40 {
			continue
		}
		if _, err := hex.DecodeString(h); err == nil {
			return h
		}
	}
	return ""
}

// LooksLikeTorrent sniffs raw bytes for a bencoded metainfo file.
func LooksLikeTorrent(data []byte) bool {
	return bytes.HasPrefix(data, []byte("d8:announce")) ||
		bytes.HasPrefix(data, []byte("d13:announce-list")) ||
		(bytes.HasPrefix(data, []byte("d")) && bytes.Contains(data[:min(len(data), 256)], []byte("4:info")))
}
