// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rss fetches tracker RSS feeds, filters entries against
// per-feed rules, and hands accepted torrents to a downloader.
package rss

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/mmcdole/gofeed"
)

// Entry is the normalized view of one feed item.
type Entry struct {
	Title       string
	Link        string
	GUID        string
	Description string
	Categories  []string

	Size     int64 // bytes, 0 = unknown
	Seeders  int   // 0 = unknown
	Leechers int

	HitAndRun bool
	Free      bool
	Hash      string // infohash when a detail page revealed it
}

var (
	seedersFields  = []string{"seeders", "seeds", "se", "torrent_seeds", "torrent_seeders"}
	leechersFields = []string{"leechers", "peers", "le", "torrent_peers", "torrent_leechers"}
	sizeFields     = []string{"contentlength", "size", "length", "torrent_contentlength", "torrent_size", "torrent_length"}

	hrKeywords = []string{"h&r", "hitrun", "hit&run", "hit and run", "[hr]", "(hr)", " hr "}

	freeKeywords = []string{"free", "免费", "freeleech", "2xfree", "2x free"}

	sizeRe = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(TB|GB|MB|KB|B)\b`)

	seedersRe  = regexp.MustCompile(`(?i)(?:seeders?|seeds?)\s*[:：]?\s*(\d+)|做种\s*[:：]?\s*(\d+)`)
	leechersRe = regexp.MustCompile(`(?i)(?:leechers?|peers?)\s*[:：]?\s*(\d+)|(?:下载|吸血)\s*[:：]?\s*(\d+)`)
)

var sizeUnitBytes = map[string]float64{
	"B":  1,
	"KB": 1 << 10,
	"MB": 1 << 20,
	"GB": 1 << 30,
	"TB": 1 << 40,
}

// extractEntry maps one parsed feed item onto an Entry, pulling the
// download link, size and swarm numbers from wherever the tracker put
// them. Returns nil when no usable link exists.
func extractEntry(item *gofeed.Item) *Entry {
	link := extractLink(item)
	if link == "" {
		return nil
	}

	e := &Entry{
		Title:       strings.TrimSpace(item.Title),
		Link:        link,
		GUID:        item.GUID,
		Description: item.Description,
		Categories:  item.Categories,
	}

	e.Size = extractSize(item)
	e.Seeders = extractCount(item, seedersFields, seedersRe)
	e.Leechers = extractCount(item, leechersFields, leechersRe)

	haystack := strings.ToLower(e.Title + " " + e.Description)
	e.HitAndRun = containsAny(haystack, hrKeywords)
	e.Free = containsAny(haystack, freeKeywords)

	return e
}

// extractLink prefers a real torrent enclosure over the generic item
// link: enclosure URL first, then any link that looks like a torrent or
// magnet, then link/GUID.
func extractLink(item *gofeed.Item) string {
	for _, enc := range item.Enclosures {
		if enc != nil && enc.URL != "" {
			return enc.URL
		}
	}

	for _, l := range item.Links {
		lower := strings.ToLower(l)
		if strings.HasPrefix(lower, "magnet:") ||
			strings.Contains(lower, ".torrent") ||
			strings.Contains(lower, "download") {
			return l
		}
	}

	if item.Link != "" {
		return item.Link
	}
	return item.GUID
}

func extractSize(item *gofeed.Item) int64 {
	for _, field := range sizeFields {
		if raw := itemField(item, field); raw != "" {
			if n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil && n > 0 {
				return n
			}
		}
	}

	for _, enc := range item.Enclosures {
		if enc == nil {
			continue
		}
		if n, err := strconv.ParseInt(enc.Length, 10, 64); err == nil && n > 0 {
			return n
		}
	}

	// Last resort: a human readable size in the title or description.
	for _, text := range []string{item.Title, item.Description} {
		if m := sizeRe.FindStringSubmatch(text); m != nil {
			value, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			if mult, ok := sizeUnitBytes[strings.ToUpper(m[2])]; ok {
				return int64(value * mult)
			}
		}
	}
	return 0
}

func extractCount(item *gofeed.Item, fields []string, re *regexp.Regexp) int {
	for _, field := range fields {
		if raw := itemField(item, field); raw != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && n >= 0 {
				return n
			}
		}
	}

	if m := re.FindStringSubmatch(item.Description); m != nil {
		for _, g := range m[1:] {
			if g == "" {
				continue
			}
			if n, err := strconv.Atoi(g); err == nil {
				return n
			}
		}
	}
	return 0
}

// itemField looks a field up in the item's custom elements and in any
// namespaced extensions (trackers commonly use a torrent: namespace).
func itemField(item *gofeed.Item, name string) string {
	if v, ok := item.Custom[name]; ok {
		return v
	}
	for _, ns := range item.Extensions {
		if exts, ok := ns[name]; ok && len(exts) > 0 {
			return exts[0].Value
		}
		if strings.HasPrefix(name, "torrent_") {
			if exts, ok := ns[strings.TrimPrefix(name, "torrent_")]; ok && len(exts) > 0 {
				return exts[0].Value
			}
		}
	}
	return ""
}

func containsAny(haystack string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(haystack, k) {
			return true
		}
	}
	return false
}
