// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloader

// Clients disagree on what a "next announce" value means: qBittorrent
// reports seconds remaining, Transmission an absolute unix timestamp,
// Deluge either depending on version. NormalizeNextAnnounce maps any of
// them to seconds-until-announce against the supplied clock.

// maxAnnounceRemaining caps a plausible time-to-announce at one day.
const maxAnnounceRemaining = 86400

// absoluteTimestampFloor separates "seconds remaining" from unix
// timestamps. Any raw value below it is treated as a relative countdown.
const absoluteTimestampFloor = 1e9

// NormalizeNextAnnounce converts a raw client next-announce value into
// seconds remaining at time now (unix seconds). ok is false when the
// value is absent, already elapsed, or implausibly far in the future.
func NormalizeNextAnnounce(raw, now float64) (remaining float64, ok bool) {
	if raw <= 0 {
		return 0, false
	}
	if raw < absoluteTimestampFloor {
		remaining = raw
	} else {
		remaining = raw - now
	}
	if remaining <= 0 || remaining >= maxAnnounceRemaining {
		return 0, false
	}
	return remaining, true
}
