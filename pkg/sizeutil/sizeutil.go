// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package sizeutil parses and formats human readable byte sizes.
package sizeutil

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var sizeRe = regexp.MustCompile(`(?i)^\s*([\d.,]+)\s*([KMGTP]?i?B?)\s*$`)

var unitMultipliers = map[string]float64{
	"":    1,
	"B":   1,
	"K":   1 << 10,
	"KB":  1 << 10,
	"KIB": 1 << 10,
	"M":   1 << 20,
	"MB":  1 << 20,
	"MIB": 1 << 20,
	"G":   1 << 30,
	"GB":  1 << 30,
	"GIB": 1 << 30,
	"T":   1 << 40,
	"TB":  1 << 40,
	"TIB": 1 << 40,
	"P":   1 << 50,
	"PB":  1 << 50,
	"PIB": 1 << 50,
}

// ParseSize converts a human readable size string ("1.5 GiB", "700 MB",
// "12345") into bytes. Decimal and binary unit suffixes are both treated
// as powers of 1024, matching what private trackers display.
func ParseSize(s string) (int64, error) {
	m := sizeRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("unparseable size: %q", s)
	}

	num := strings.ReplaceAll(m[1], ",", "")
	value, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable size: %q: %w", s, err)
	}

	mult, ok := unitMultipliers[strings.ToUpper(m[2])]
	if !ok {
		return 0, fmt.Errorf("unknown size unit: %q", m[2])
	}

	return int64(value * mult), nil
}

// FormatBytes renders a byte count with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %ciB", float64(n)/float64(div), "KMGTP"[exp])
}
