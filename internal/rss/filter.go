// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rss

import (
	"fmt"
	"strings"

	"github.com/ptfleet/ptfleet/internal/models"
)

const gib = 1024 * 1024 * 1024

// filterEntry checks one entry against the feed's rules and returns a
// human readable skip reason, or "" when the entry should be
// downloaded. Size and seeder bounds only apply when the feed actually
// exposed those numbers.
func filterEntry(e *Entry, feed *models.RssFeed) string {
	if e.Size > 0 {
		sizeGiB := float64(e.Size) / gib
		if feed.MinSize > 0 && sizeGiB < feed.MinSize {
			return fmt.Sprintf("size %.2f GiB below minimum %.2f GiB", sizeGiB, feed.MinSize)
		}
		if feed.MaxSize > 0 && sizeGiB > feed.MaxSize {
			return fmt.Sprintf("size %.2f GiB above maximum %.2f GiB", sizeGiB, feed.MaxSize)
		}
	}

	if e.Seeders > 0 {
		if feed.MinSeeders > 0 && e.Seeders < feed.MinSeeders {
			return fmt.Sprintf("only %d seeders, minimum %d", e.Seeders, feed.MinSeeders)
		}
		if feed.MaxSeeders > 0 && e.Seeders > feed.MaxSeeders {
			return fmt.Sprintf("%d seeders, maximum %d", e.Seeders, feed.MaxSeeders)
		}
	}

	if feed.ExcludeHR && e.HitAndRun {
		return "hit and run torrent excluded"
	}
	if feed.OnlyFree && !e.Free {
		return "not a free torrent"
	}

	title := strings.ToLower(e.Title)

	if include := models.KeywordList(feed.IncludeKeywords); len(include) > 0 {
		matched := false
		for _, k := range include {
			if strings.Contains(title, strings.ToLower(k)) {
				matched = true
				break
			}
		}
		if !matched {
			return "no include keyword matched"
		}
	}

	for _, k := range models.KeywordList(feed.ExcludeKeywords) {
		if strings.Contains(title, strings.ToLower(k)) {
			return fmt.Sprintf("exclude keyword %q matched", k)
		}
	}

	if want := models.KeywordList(feed.Categories); len(want) > 0 {
		matched := false
		for _, c := range e.Categories {
			lc := strings.ToLower(c)
			for _, w := range want {
				if strings.Contains(lc, strings.ToLower(w)) {
					matched = true
					break
				}
			}
		}
		if !matched {
			return "category not matched"
		}
	}

	return ""
}
