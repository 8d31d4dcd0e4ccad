// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rss

import (
	"net/url"
	"strings"
)

// Auth query parameters trackers attach to the feed URL that the entry
// links need to carry too.
var authParams = []string{"passkey", "authkey", "torrent_pass"}

// normalizeLink rewrites a feed entry link into a direct download URL:
// relative links are resolved against the feed, detail-page links are
// converted to the site's download.php endpoint, and auth parameters
// present on the feed URL are merged in when the link lacks them.
// Magnet links pass through untouched.
func normalizeLink(link, feedURL string) string {
	if strings.HasPrefix(strings.ToLower(link), "magnet:") {
		return link
	}

	u, err := url.Parse(link)
	if err != nil {
		return link
	}

	base, baseErr := url.Parse(feedURL)
	if baseErr == nil && !u.IsAbs() {
		u = base.ResolveReference(u)
	}

	// NexusPHP-style sites link entries at a detail page; the actual
	// torrent lives at download.php with the same id.
	path := strings.ToLower(u.Path)
	if strings.Contains(path, "details.php") || strings.Contains(path, "torrents.php") || strings.Contains(path, "detail") {
		q := u.Query()
		id := q.Get("id")
		if id == "" {
			id = q.Get("torrentid")
		}
		if id != "" {
			dl := *u
			dl.Path = "/download.php"
			nq := url.Values{"id": []string{id}}
			for _, p := range authParams {
				if v := q.Get(p); v != "" {
					nq.Set(p, v)
				}
			}
			dl.RawQuery = nq.Encode()
			u = &dl
		}
	}

	if baseErr == nil {
		q := u.Query()
		feedQ := base.Query()
		changed := false
		for _, p := range authParams {
			if q.Get(p) == "" && feedQ.Get(p) != "" {
				q.Set(p, feedQ.Get(p))
				changed = true
			}
		}
		if changed {
			u.RawQuery = q.Encode()
		}
	}

	return u.String()
}

// detailPageURL derives the torrent's detail page from its download
// link, for sites where the promotion status only shows there. Empty
// when the link carries no recognizable torrent id.
func detailPageURL(downloadLink string) string {
	u, err := url.Parse(downloadLink)
	if err != nil || u.Host == "" {
		return ""
	}
	id := u.Query().Get("id")
	if id == "" {
		return ""
	}
	d := *u
	d.Path = "/details.php"
	d.RawQuery = url.Values{"id": []string{id}}.Encode()
	return d.String()
}
