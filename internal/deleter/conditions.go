// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package deleter evaluates rule conditions against live torrent state
// and executes delete/pause/limit actions with duration hysteresis.
package deleter

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ptfleet/ptfleet/internal/downloader"
	"github.com/ptfleet/ptfleet/internal/models"
)

// Rule value units to base units. Sizes go to bytes, speeds to bytes/s,
// times to seconds.
var unitMultipliers = map[string]float64{
	"seconds": 1,
	"minutes": 60,
	"hours":   3600,
	"days":    86400,

	"B":  1,
	"KB": 1024,
	"MB": 1024 * 1024,
	"GB": 1024 * 1024 * 1024,
	"TB": 1024 * 1024 * 1024 * 1024,

	"B/s":  1,
	"KB/s": 1024,
	"MB/s": 1024 * 1024,
}

// Rule fields keep both snake_case and the camelCase spelling the
// legacy frontend writes; aliases normalize to the canonical name.
var fieldAliases = map[string]string{
	"uploadSpeed":         "upload_speed",
	"downloadSpeed":       "download_speed",
	"totalSize":           "total_size",
	"selectedSize":        "selected_size",
	"trueRatio":           "true_ratio",
	"addedTime":           "added_time",
	"completedTime":       "completed_time",
	"trackerStatus":       "tracker_status",
	"savePath":            "save_path",
	"seeder":              "seeders",
	"leecher":             "leechers",
	"freeSpace":           "free_space",
	"leechingCount":       "leeching_count",
	"seedingCount":        "seeding_count",
	"globalUploadSpeed":   "global_upload_speed",
	"globalDownloadSpeed": "global_download_speed",
	"secondFromZero":      "second_from_zero",
}

// Default input units when the condition carries none: the frontend
// shows sizes in GiB and speeds in KiB/s while torrents report bytes.
var (
	sizeFields = map[string]bool{
		"size": true, "total_size": true, "selected_size": true,
		"completed": true, "downloaded": true, "uploaded": true, "free_space": true,
	}
	speedFields = map[string]bool{
		"upload_speed": true, "download_speed": true,
		"global_upload_speed": true, "global_download_speed": true,
	}
)

func canonicalField(field string) string {
	if mapped, ok := fieldAliases[field]; ok {
		return mapped
	}
	return field
}

// evalContext is the flattened torrent + global view conditions and
// script rules evaluate against.
type evalContext struct {
	numeric map[string]float64
	str     map[string]string
}

func buildContext(t *downloader.Torrent, stats *downloader.Stats, now time.Time) *evalContext {
	size := t.SelectedSize
	if size == 0 {
		size = t.Size
	}
	totalSize := t.TotalSize
	if totalSize == 0 {
		totalSize = t.Size
	}
	completed := t.Completed
	if completed == 0 {
		completed = t.Downloaded
	}

	ratioBase := t.Downloaded
	if ratioBase == 0 {
		ratioBase = size
	}
	trueRatio := 0.0
	if ratioBase > 0 {
		trueRatio = float64(t.Uploaded) / float64(ratioBase)
	}
	ratio3 := 0.0
	if totalSize > 0 {
		ratio3 = float64(t.Uploaded) / float64(totalSize)
	}

	var addedAge, completedAge float64
	if !t.AddedTime.IsZero() {
		addedAge = now.Sub(t.AddedTime).Seconds()
	}
	if !t.CompletedTime.IsZero() {
		completedAge = now.Sub(t.CompletedTime).Seconds()
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	state := t.State
	if state == "" {
		state = t.Status
	}

	ctx := &evalContext{
		numeric: map[string]float64{
			"progress":        t.Progress * 100,
			"seeding_time":    float64(t.SeedingTime),
			"uploaded":        float64(t.Uploaded),
			"downloaded":      float64(t.Downloaded),
			"ratio":           t.Ratio,
			"true_ratio":      trueRatio,
			"ratio3":          ratio3,
			"upload_speed":    float64(t.UploadSpeed),
			"download_speed":  float64(t.DownloadSpeed),
			"size":            float64(size),
			"total_size":      float64(totalSize),
			"selected_size":   float64(size),
			"completed":       float64(completed),
			"added_time":      addedAge,
			"completed_time":  completedAge,
			"seeders":         float64(t.Seeders),
			"leechers":        float64(t.Leechers),
			"seeds_connected": float64(t.SeedsConnected),
			"peers_connected": float64(t.PeersConnected),

			"free_space":            0,
			"leeching_count":        0,
			"seeding_count":         0,
			"global_upload_speed":   0,
			"global_download_speed": 0,

			"second_from_zero": now.Sub(midnight).Seconds(),
		},
		str: map[string]string{
			"tracker":        downloader.TrackerDomain(t.Tracker),
			"tracker_status": t.TrackerStatus,
			"tags":           strings.Join(t.Tags, ","),
			"category":       t.Category,
			"name":           t.Name,
			"status":         t.Status,
			"state":          state,
			"save_path":      t.SavePath,
		},
	}

	if stats != nil {
		ctx.numeric["free_space"] = float64(stats.FreeSpace)
		ctx.numeric["leeching_count"] = float64(stats.DownloadingTorrents)
		ctx.numeric["seeding_count"] = float64(stats.SeedingTorrents)
		ctx.numeric["global_upload_speed"] = float64(stats.UploadSpeed)
		ctx.numeric["global_download_speed"] = float64(stats.DownloadSpeed)
	}
	return ctx
}

// parseNumericValue parses a condition value: a plain number, or a
// `*`-product string like "3*1024". Anything unparseable is 0.
func parseNumericValue(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		result := 1.0
		for _, part := range strings.Split(n, "*") {
			f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
			if err != nil {
				return 0
			}
			result *= f
		}
		return result
	default:
		return 0
	}
}

func fieldMultiplier(field string) float64 {
	switch {
	case sizeFields[field]:
		return 1024 * 1024 * 1024
	case speedFields[field]:
		return 1024
	default:
		return 1
	}
}

// evaluateCondition checks one condition against the torrent context.
// Every failure path evaluates false so a malformed rule deletes
// nothing.
func evaluateCondition(c *models.RuleCondition, ctx *evalContext) bool {
	field := canonicalField(c.Field)

	if v, ok := ctx.numeric[field]; ok {
		compare := parseNumericValue(c.Value)
		if c.Unit != "" {
			if m, ok := unitMultipliers[c.Unit]; ok {
				compare *= m
			}
		} else if field != "progress" {
			compare *= fieldMultiplier(field)
		}

		switch c.Operator {
		case "gt", "bigger":
			return v > compare
		case "lt", "smaller":
			return v < compare
		case "gte":
			return v >= compare
		case "lte":
			return v <= compare
		case "eq", "equals":
			diff := v - compare
			return diff < 0.001 && diff > -0.001
		}
		return false
	}

	if v, ok := ctx.str[field]; ok {
		torrentStr := strings.ToLower(v)
		compareStr := strings.ToLower(strings.TrimSpace(asString(c.Value)))

		var compareList []string
		for _, item := range strings.Split(compareStr, ",") {
			if item = strings.TrimSpace(item); item != "" {
				compareList = append(compareList, item)
			}
		}

		switch c.Operator {
		case "contains", "contain":
			for _, item := range compareList {
				if strings.Contains(torrentStr, item) {
					return true
				}
			}
			return len(compareList) == 0 && strings.Contains(torrentStr, compareStr)
		case "not_contains", "notContain":
			for _, item := range compareList {
				if strings.Contains(torrentStr, item) {
					return false
				}
			}
			return true
		case "includeIn":
			for _, item := range compareList {
				if torrentStr == item {
					return true
				}
			}
			return false
		case "notIncludeIn":
			for _, item := range compareList {
				if torrentStr == item {
					return false
				}
			}
			return true
		case "eq", "equals":
			return torrentStr == compareStr
		case "neq":
			return torrentStr != compareStr
		case "regExp":
			re, err := regexp.Compile(compareStr)
			return err == nil && re.MatchString(v)
		case "notRegExp":
			re, err := regexp.Compile(compareStr)
			return err == nil && !re.MatchString(v)
		}
	}

	return false
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	default:
		return ""
	}
}

// evaluateRule combines all condition results per the rule's logic.
func evaluateRule(rule *models.DeleteRule, ctx *evalContext) bool {
	if len(rule.Conditions) == 0 {
		return false
	}

	logic := strings.ToUpper(rule.ConditionLogic)
	for i := range rule.Conditions {
		matched := evaluateCondition(&rule.Conditions[i], ctx)
		switch logic {
		case "OR":
			if matched {
				return true
			}
		case "AND":
			if !matched {
				return false
			}
		default:
			return false
		}
	}
	return logic == "AND"
}

// ruleDuration returns the effective hysteresis hold in seconds: the
// max of the rule-level value and any per-condition durations.
func ruleDuration(rule *models.DeleteRule) int {
	max := rule.DurationSeconds
	for i := range rule.Conditions {
		c := &rule.Conditions[i]
		if c.Duration <= 0 {
			continue
		}
		m := 1.0
		if c.DurationUnit != "" {
			if mult, ok := unitMultipliers[c.DurationUnit]; ok {
				m = mult
			}
		}
		if d := int(c.Duration * m); d > max {
			max = d
		}
	}
	return max
}
