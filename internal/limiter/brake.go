// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

import "fmt"

// brakeUnlimited lifts the download brake; brakeNone leaves it alone.
const (
	brakeUnlimited int64 = -1
	brakeNone      int64 = 0
)

// calculateDownloadBrake stretches the download of a torrent whose
// cycle average upload is about to exceed the tracker's speed ceiling.
// Completing a torrent fires an announce, so slowing completion buys
// upload time inside the current cycle.
//
// Returns the brake in KB/s, brakeUnlimited to lift it, or brakeNone
// for no change, plus the reason. currentLimitKB follows client
// convention: -1 or 0 means no brake is set.
func calculateDownloadBrake(
	s *TorrentState,
	thisTime float64,
	thisUp int64,
	totalSize, totalDone int64,
	eta int,
	currentLimitKB int64,
	currentDownloadSpeed float64,
	minTime int,
) (int64, string) {
	if thisTime < downloadLimitMinTime {
		return brakeNone, ""
	}

	avgUploadSpeed := 0.0
	if thisTime > 0 {
		avgUploadSpeed = float64(thisUp) / thisTime
	}

	if currentLimitKB == -1 || currentLimitKB == 0 {
		if avgUploadSpeed > maxAvgUploadSpeed {
			checkETA := minTime
			if s.CurrentUploadLimitKB > 0 {
				checkETA = minTime * downloadLimitETAFactor
			}

			if eta > 0 && eta <= checkETA {
				// Stretch completion until the cycle average falls back
				// under the ceiling, with a 30s margin.
				remaining := float64(totalSize - totalDone)
				denominator := float64(thisUp)/maxAvgUploadSpeed - thisTime + 30
				if denominator > 0 {
					limitKB := int64(remaining / denominator / 1024)
					if limitKB < 1 {
						limitKB = 1
					}
					if limitKB > downloadLimitMaxKB {
						limitKB = downloadLimitMaxKB
					}
					return limitKB, fmt.Sprintf("engage download brake: avg upload %.1f MiB/s, eta %ds",
						avgUploadSpeed/1024/1024, eta)
				}
			}
		}
		return brakeNone, ""
	}

	// Brake already engaged.
	if avgUploadSpeed >= maxAvgUploadSpeed {
		if currentDownloadSpeed/1024 < float64(2*currentLimitKB) {
			remaining := float64(totalSize - totalDone)
			denominator := float64(thisUp)/maxAvgUploadSpeed - thisTime + 60
			if denominator > 0 {
				newLimitKB := int64(remaining / denominator / 1024)
				if newLimitKB > downloadLimitMaxKB {
					newLimitKB = downloadLimitMaxKB
				}

				if float64(newLimitKB) > float64(currentLimitKB)*downloadLimitAdjustUp {
					newLimitKB = int64(float64(currentLimitKB) * downloadLimitAdjustUp)
					return newLimitKB, fmt.Sprintf("raise download brake: %d -> %d KB/s", currentLimitKB, newLimitKB)
				}
				if float64(newLimitKB) < float64(currentLimitKB)/downloadLimitAdjustDown {
					newLimitKB = int64(float64(currentLimitKB) / downloadLimitAdjustDown)
					return newLimitKB, fmt.Sprintf("lower download brake: %d -> %d KB/s", currentLimitKB, newLimitKB)
				}
			}
		}
		return brakeNone, ""
	}

	return brakeUnlimited, fmt.Sprintf("release download brake: avg upload %.1f MiB/s under ceiling",
		avgUploadSpeed/1024/1024)
}
