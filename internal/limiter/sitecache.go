// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ptfleet/ptfleet/internal/models"
)

// Cache bounds. TIDs and publish times never change for a torrent so
// they live until evicted by size; peer-list idle times decay fast.
const (
	maxTidCacheSize      = 1000
	maxPeerlistCacheSize = 500
	peerlistCacheTTL     = 120.0
	peerlistCacheExpire  = 3600.0
)

var (
	defaultTidRe  = regexp.MustCompile(`details\.php\?id=(\d+)`)
	timeAttrRe    = regexp.MustCompile(`<time[^>]*title="([^"]+)"`)
	timeTagRe     = regexp.MustCompile(`<time[^>]*>([^<]+)</time>`)
	peerRowRe     = regexp.MustCompile(`(?i)<tr[^>]*bgcolor[^>]*>(.*?)</tr>`)
	tagStripRe    = regexp.MustCompile(`<[^>]+>`)
	clockRe       = regexp.MustCompile(`\b(\d+):(\d+)(?::(\d+))?\b`)
	cnHoursRe     = regexp.MustCompile(`(\d+)\s*小时\s*(\d+)\s*分(?:钟)?\s*(\d+)\s*秒`)
	cnMinutesRe   = regexp.MustCompile(`(\d+)\s*分(?:钟)?\s*(\d+)\s*秒`)
	cnSecondsRe   = regexp.MustCompile(`(\d+)\s*秒`)
	whitespaceRe  = regexp.MustCompile(`\s+`)
	siteTimeForms = []string{
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"2006-01-02",
		"2006/01/02 15:04:05",
		"2006/01/02 15:04",
		"2006/01/02",
		time.RFC3339,
		"2006-01-02T15:04:05",
	}
)

type peerlistEntry struct {
	fetched float64
	idle    int
}

// siteCache scrapes and caches per-torrent site data: the site torrent
// id resolved by infohash search, the publish time from the search
// results, and the peer-list idle/remaining time used to reconstruct
// the announce cycle when client countdowns are untrustworthy.
type siteCache struct {
	mu        sync.Mutex
	tids      map[string]string
	publish   map[string]float64
	peerlists map[string]peerlistEntry
	comments  map[string]string

	http      *http.Client
	userAgent string
}

func newSiteCache(userAgent string) *siteCache {
	if userAgent == "" {
		userAgent = "ptfleet"
	}
	return &siteCache{
		tids:      make(map[string]string),
		publish:   make(map[string]float64),
		peerlists: make(map[string]peerlistEntry),
		comments:  make(map[string]string),
		http:      &http.Client{Timeout: 15 * time.Second},
		userAgent: userAgent,
	}
}

// Cleanup trims oversized maps and expires stale peer-list entries.
// Called periodically from the limiter loop.
func (c *siteCache) Cleanup(now float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	trimMap(c.tids, maxTidCacheSize)
	trimFloatMap(c.publish, maxTidCacheSize)
	trimMap(c.comments, maxTidCacheSize)

	for k, e := range c.peerlists {
		if now-e.fetched > peerlistCacheExpire {
			delete(c.peerlists, k)
		}
	}
	for len(c.peerlists) > maxPeerlistCacheSize {
		var oldest string
		oldestAt := now + 1
		for k, e := range c.peerlists {
			if e.fetched < oldestAt {
				oldest, oldestAt = k, e.fetched
			}
		}
		delete(c.peerlists, oldest)
	}
}

func trimMap(m map[string]string, max int) {
	for k := range m {
		if len(m) <= max {
			return
		}
		delete(m, k)
	}
}

func trimFloatMap(m map[string]float64, max int) {
	for k := range m {
		if len(m) <= max {
			return
		}
		delete(m, k)
	}
}

// TID returns the cached site torrent id, if known.
func (c *siteCache) TID(hash string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tid, ok := c.tids[hash]
	return tid, ok
}

// PublishTime returns the cached publish timestamp, if known.
func (c *siteCache) PublishTime(hash string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.publish[hash]
	return t, ok
}

// siteBaseURL reduces the peer-list URL config (either a full template
// or a bare site URL) to scheme://host.
func siteBaseURL(site *models.SpeedLimitSite) string {
	if site.PeerlistURLTemplate == "" {
		return ""
	}
	u, err := url.Parse(site.PeerlistURLTemplate)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func (c *siteCache) get(ctx context.Context, site *models.SpeedLimitSite, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", c.userAgent)
	if site.PeerlistCookie != "" {
		req.Header.Set("Cookie", site.PeerlistCookie)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("site returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// SearchTID resolves the site torrent id and publish time by searching
// the site for the infohash (NexusPHP search_area=5). Both results are
// cached permanently; a torrent's id and publish time never change.
func (c *siteCache) SearchTID(ctx context.Context, site *models.SpeedLimitSite, hash string) (string, float64) {
	c.mu.Lock()
	if tid, ok := c.tids[hash]; ok {
		publish := c.publish[hash]
		c.mu.Unlock()
		return tid, publish
	}
	c.mu.Unlock()

	if site.PeerlistCookie == "" {
		return "", 0
	}
	base := siteBaseURL(site)
	if base == "" {
		return "", 0
	}

	searchURL := fmt.Sprintf("%s/torrents.php?search=%s&search_area=5", base, url.QueryEscape(hash))
	body, err := c.get(ctx, site, searchURL)
	if err != nil {
		log.Debug().Err(err).Str("hash", hash).Msg("infohash search failed")
		return "", 0
	}

	tidRe := defaultTidRe
	if site.TidRegex != "" {
		if re, err := regexp.Compile(site.TidRegex); err == nil {
			tidRe = re
		} else {
			log.Warn().Err(err).Str("tracker", site.TrackerDomain).Msg("invalid tid regex, using default")
		}
	}

	var tid string
	if m := tidRe.FindStringSubmatch(body); len(m) > 1 {
		tid = m[1]
	}

	publish := extractPublishTime(body, float64(time.Now().Unix()))

	c.mu.Lock()
	if tid != "" {
		c.tids[hash] = tid
	}
	if publish > 0 {
		c.publish[hash] = publish
	}
	c.mu.Unlock()

	return tid, publish
}

// extractPublishTime collects every <time> value on the page and picks
// the earliest one that is not in the future. Later times on the row
// are promo deadlines or last-activity stamps, never the publish date.
func extractPublishTime(body string, now float64) float64 {
	var candidates []float64
	for _, m := range timeAttrRe.FindAllStringSubmatch(body, -1) {
		if ts, ok := parseSiteTime(m[1]); ok {
			candidates = append(candidates, ts)
		}
	}
	for _, m := range timeTagRe.FindAllStringSubmatch(body, -1) {
		if ts, ok := parseSiteTime(m[1]); ok {
			candidates = append(candidates, ts)
		}
	}

	best := 0.0
	for _, ts := range candidates {
		if ts > now+60 {
			continue
		}
		if best == 0 || ts < best {
			best = ts
		}
	}
	return best
}

func parseSiteTime(s string) (float64, bool) {
	s = strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
	if s == "" {
		return 0, false
	}
	for _, layout := range siteTimeForms {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return float64(t.Unix()), true
		}
	}
	return 0, false
}

// PeerlistTime returns the torrent's idle (or remaining, per site
// config) seconds from the site's peer list. Within the cache TTL the
// value is extrapolated instead of re-fetched.
func (c *siteCache) PeerlistTime(ctx context.Context, site *models.SpeedLimitSite, hash, tid string, now float64) (int, bool) {
	c.mu.Lock()
	if e, ok := c.peerlists[hash]; ok {
		age := now - e.fetched
		if age < peerlistCacheTTL {
			c.mu.Unlock()
			if site.PeerlistTimeMode == models.PeerlistModeRemaining {
				v := e.idle - int(age)
				if v < 0 {
					v = 0
				}
				return v, true
			}
			return e.idle + int(age), true
		}
	}
	c.mu.Unlock()

	idle, ok := c.fetchPeerlistTime(ctx, site, tid)
	if !ok {
		return 0, false
	}

	c.mu.Lock()
	c.peerlists[hash] = peerlistEntry{fetched: now, idle: idle}
	c.mu.Unlock()
	return idle, true
}

func (c *siteCache) fetchPeerlistTime(ctx context.Context, site *models.SpeedLimitSite, tid string) (int, bool) {
	if site.PeerlistCookie == "" {
		return 0, false
	}
	base := siteBaseURL(site)
	if base == "" {
		return 0, false
	}

	body, err := c.get(ctx, site, fmt.Sprintf("%s/viewpeerlist.php?id=%s", base, url.QueryEscape(tid)))
	if err != nil {
		log.Debug().Err(err).Str("tid", tid).Msg("peerlist fetch failed")
		return 0, false
	}

	body = strings.ReplaceAll(body, "\n", " ")
	for _, row := range peerRowRe.FindAllStringSubmatch(body, -1) {
		text := tagStripRe.ReplaceAllString(row[1], " ")
		if secs, ok := parsePeerRowTime(text); ok {
			return secs, true
		}
	}
	return 0, false
}

// parsePeerRowTime pulls the idle time out of one peer row. Rows carry
// several clock values (seeding time first, idle time last); the last
// one is the idle time.
func parsePeerRowTime(text string) (int, bool) {
	if all := clockRe.FindAllStringSubmatch(text, -1); len(all) > 0 {
		m := all[len(all)-1]
		a, _ := strconv.Atoi(m[1])
		b, _ := strconv.Atoi(m[2])
		if m[3] == "" {
			return a*60 + b, true
		}
		s, _ := strconv.Atoi(m[3])
		return a*3600 + b*60 + s, true
	}

	if m := cnHoursRe.FindStringSubmatch(text); m != nil {
		h, _ := strconv.Atoi(m[1])
		mi, _ := strconv.Atoi(m[2])
		s, _ := strconv.Atoi(m[3])
		return h*3600 + mi*60 + s, true
	}
	if m := cnMinutesRe.FindStringSubmatch(text); m != nil {
		mi, _ := strconv.Atoi(m[1])
		s, _ := strconv.Atoi(m[2])
		return mi*60 + s, true
	}
	if m := cnSecondsRe.FindStringSubmatch(text); m != nil && !strings.Contains(text, "分") {
		s, _ := strconv.Atoi(m[1])
		return s, true
	}

	return 0, false
}
