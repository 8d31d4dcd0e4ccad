// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rss

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
)

// Promotion markers seen across NexusPHP and Unit3D detail pages.
var freeIndicators = []string{
	`class="free"`,
	"pro_free",
	"freeleech",
	"免费",
	"免費",
	"promotion-free",
	"free_icon",
	"torrent-icons free",
	`"free"`,
	"2x free",
	"2xfree",
}

var infohashRe = regexp.MustCompile(`\b[0-9a-fA-F]{40}\b`)

const detailBodyLimit = 2 << 20

// checkFree fetches the torrent's detail page and scans it for free
// promotion markers. The infohash is scraped opportunistically when the
// page exposes it. Errors come back as not-free so a flaky site never
// triggers a paid download on an only-free feed.
func (s *Service) checkFree(ctx context.Context, downloadLink, cookie string) (free bool, hash string, err error) {
	detail := detailPageURL(downloadLink)
	if detail == "" {
		return false, "", fmt.Errorf("no detail page derivable from %q", downloadLink)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, detail, nil)
	if err != nil {
		return false, "", err
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "*/*")
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, "", fmt.Errorf("detail page returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, detailBodyLimit))
	if err != nil {
		return false, "", err
	}

	page := strings.ToLower(string(body))
	for _, marker := range freeIndicators {
		if strings.Contains(page, marker) {
			free = true
			break
		}
	}

	if m := infohashRe.FindString(string(body)); m != "" {
		hash = strings.ToLower(m)
	}

	return free, hash, nil
}
