// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package deleter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ptfleet/ptfleet/internal/downloader"
	"github.com/ptfleet/ptfleet/internal/models"
)

func testTorrent() *downloader.Torrent {
	return &downloader.Torrent{
		Hash:          "abcdef1234567890abcdef1234567890abcdef12",
		Name:          "Some.Release.2160p.WEB-DL",
		Size:          50 * 1024 * 1024 * 1024,
		Progress:      1.0,
		Status:        "seeding",
		Uploaded:      150 * 1024 * 1024 * 1024,
		Downloaded:    50 * 1024 * 1024 * 1024,
		Ratio:         3.0,
		UploadSpeed:   2 * 1024 * 1024,
		DownloadSpeed: 0,
		Seeders:       10,
		Leechers:      3,
		Tracker:       "https://tracker.example.org/announce?passkey=x",
		Tags:          []string{"keep", "movie"},
		Category:      "movies",
		SavePath:      "/downloads/movies",
		AddedTime:     time.Now().Add(-72 * time.Hour),
		SeedingTime:   200000,
	}
}

func testStats() *downloader.Stats {
	return &downloader.Stats{
		UploadSpeed:         5 * 1024 * 1024,
		DownloadSpeed:       1024 * 1024,
		FreeSpace:           500 * 1024 * 1024 * 1024,
		DownloadingTorrents: 2,
		SeedingTorrents:     40,
	}
}

func evalOne(t *testing.T, c models.RuleCondition) bool {
	t.Helper()
	ctx := buildContext(testTorrent(), testStats(), time.Now())
	return evaluateCondition(&c, ctx)
}

func TestEvaluateConditionNumeric(t *testing.T) {
	tests := []struct {
		name string
		cond models.RuleCondition
		want bool
	}{
		{"ratio gt", models.RuleCondition{Field: "ratio", Operator: "gt", Value: 2.5}, true},
		{"ratio lt", models.RuleCondition{Field: "ratio", Operator: "lt", Value: 2.5}, false},
		{"ratio gte boundary", models.RuleCondition{Field: "ratio", Operator: "gte", Value: 3.0}, true},
		{"ratio eq tolerance", models.RuleCondition{Field: "ratio", Operator: "eq", Value: 3.0005}, true},
		{"legacy bigger alias", models.RuleCondition{Field: "ratio", Operator: "bigger", Value: 2.0}, true},

		// Size fields default to GiB input.
		{"uploaded over 100 GiB", models.RuleCondition{Field: "uploaded", Operator: "gt", Value: 100.0}, true},
		{"uploaded over 200 GiB", models.RuleCondition{Field: "uploaded", Operator: "gt", Value: 200.0}, false},
		// Explicit unit overrides the default.
		{"uploaded explicit MB", models.RuleCondition{Field: "uploaded", Operator: "gt", Value: 100.0, Unit: "MB"}, true},

		// Speed fields default to KiB/s input.
		{"upload speed over 1024 KiB/s", models.RuleCondition{Field: "upload_speed", Operator: "gt", Value: 1024.0}, true},
		{"camelCase alias", models.RuleCondition{Field: "uploadSpeed", Operator: "gt", Value: 1024.0}, true},

		// Progress compares as a percentage, never unit-converted.
		{"progress complete", models.RuleCondition{Field: "progress", Operator: "gte", Value: 100.0}, true},

		// Product syntax in string values.
		{"seeding time product", models.RuleCondition{Field: "seeding_time", Operator: "gt", Value: "2*86400"}, true},
		{"seeding time product too big", models.RuleCondition{Field: "seeding_time", Operator: "gt", Value: "3*86400"}, false},

		{"global stats", models.RuleCondition{Field: "seedingCount", Operator: "gte", Value: 40.0}, true},
		{"unknown field", models.RuleCondition{Field: "nonsense", Operator: "gt", Value: 1.0}, false},
		{"unknown operator", models.RuleCondition{Field: "ratio", Operator: "between", Value: 1.0}, false},
		{"garbage value", models.RuleCondition{Field: "ratio", Operator: "lt", Value: "not*a*number"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evalOne(t, tt.cond))
		})
	}
}

func TestEvaluateConditionString(t *testing.T) {
	tests := []struct {
		name string
		cond models.RuleCondition
		want bool
	}{
		{"tracker contains", models.RuleCondition{Field: "tracker", Operator: "contains", Value: "example.org"}, true},
		{"tracker contains any of list", models.RuleCondition{Field: "tracker", Operator: "contains", Value: "other.net, example.org"}, true},
		{"tracker not_contains", models.RuleCondition{Field: "tracker", Operator: "not_contains", Value: "other.net"}, true},
		{"legacy notContain alias", models.RuleCondition{Field: "tracker", Operator: "notContain", Value: "example.org"}, false},
		{"category includeIn", models.RuleCondition{Field: "category", Operator: "includeIn", Value: "tv, movies"}, true},
		{"category notIncludeIn", models.RuleCondition{Field: "category", Operator: "notIncludeIn", Value: "tv, music"}, true},
		{"name case insensitive", models.RuleCondition{Field: "name", Operator: "contains", Value: "some.release"}, true},
		{"state equals", models.RuleCondition{Field: "state", Operator: "eq", Value: "seeding"}, true},
		{"status neq", models.RuleCondition{Field: "status", Operator: "neq", Value: "downloading"}, true},
		{"regexp match", models.RuleCondition{Field: "name", Operator: "regExp", Value: `2160p|1080p`}, true},
		{"regexp no match", models.RuleCondition{Field: "name", Operator: "notRegExp", Value: `720p`}, true},
		// Broken patterns fail closed on both variants.
		{"broken regexp", models.RuleCondition{Field: "name", Operator: "regExp", Value: `[unclosed`}, false},
		{"broken notRegExp", models.RuleCondition{Field: "name", Operator: "notRegExp", Value: `[unclosed`}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evalOne(t, tt.cond))
		})
	}
}

func TestEvaluateRuleLogic(t *testing.T) {
	ctx := buildContext(testTorrent(), testStats(), time.Now())

	trueCond := models.RuleCondition{Field: "ratio", Operator: "gt", Value: 2.0}
	falseCond := models.RuleCondition{Field: "ratio", Operator: "gt", Value: 10.0}

	and := &models.DeleteRule{ConditionLogic: "AND", Conditions: []models.RuleCondition{trueCond, falseCond}}
	assert.False(t, evaluateRule(and, ctx))

	or := &models.DeleteRule{ConditionLogic: "OR", Conditions: []models.RuleCondition{falseCond, trueCond}}
	assert.True(t, evaluateRule(or, ctx))

	lower := &models.DeleteRule{ConditionLogic: "and", Conditions: []models.RuleCondition{trueCond}}
	assert.True(t, evaluateRule(lower, ctx))

	empty := &models.DeleteRule{ConditionLogic: "AND"}
	assert.False(t, evaluateRule(empty, ctx))

	unknownLogic := &models.DeleteRule{ConditionLogic: "XOR", Conditions: []models.RuleCondition{trueCond}}
	assert.False(t, evaluateRule(unknownLogic, ctx))
}

func TestRuleDuration(t *testing.T) {
	rule := &models.DeleteRule{
		DurationSeconds: 300,
		Conditions: []models.RuleCondition{
			{Field: "ratio", Operator: "gt", Value: 1.0, Duration: 10, DurationUnit: "minutes"},
			{Field: "seeding_time", Operator: "gt", Value: 1.0, Duration: 120},
		},
	}
	// 10 minutes beats the rule-level 300s and the unitless 120s.
	assert.Equal(t, 600, ruleDuration(rule))

	assert.Equal(t, 0, ruleDuration(&models.DeleteRule{}))
	assert.Equal(t, 60, ruleDuration(&models.DeleteRule{DurationSeconds: 60}))
}

func TestParseNumericValue(t *testing.T) {
	assert.Equal(t, 3.5, parseNumericValue(3.5))
	assert.Equal(t, 7.0, parseNumericValue(7))
	assert.Equal(t, 172800.0, parseNumericValue("2*86400"))
	assert.Equal(t, 42.0, parseNumericValue(" 42 "))
	assert.Equal(t, 0.0, parseNumericValue("abc"))
	assert.Equal(t, 0.0, parseNumericValue(nil))
}

func TestScriptEvaluator(t *testing.T) {
	ctx := buildContext(testTorrent(), testStats(), time.Now())
	e := newScriptEvaluator()

	assert.True(t, e.Evaluate("r", `ratio >= 3.0 && seeding_time > 86400`, ctx))
	assert.False(t, e.Evaluate("r", `ratio > 10.0`, ctx))

	// camelCase aliases reach the script too.
	assert.True(t, e.Evaluate("r", `trueRatio >= 3.0 && seedingCount >= 40`, ctx))
	assert.True(t, e.Evaluate("r", `tracker contains "example.org"`, ctx))

	// Failures of any kind evaluate false.
	assert.False(t, e.Evaluate("r", ``, ctx))
	assert.False(t, e.Evaluate("r", `this is not an expression ((`, ctx))
	assert.False(t, e.Evaluate("r", string(make([]byte, maxScriptLength+1)), ctx))
}

func TestBuildContextDerivedFields(t *testing.T) {
	tr := testTorrent()
	tr.Downloaded = 0 // freeleech: true_ratio falls back to size
	ctx := buildContext(tr, nil, time.Now())

	assert.InDelta(t, 3.0, ctx.numeric["true_ratio"], 0.001)
	assert.InDelta(t, 3.0, ctx.numeric["ratio3"], 0.001)
	assert.Equal(t, "tracker.example.org", ctx.str["tracker"])
	assert.Equal(t, "keep,movie", ctx.str["tags"])
	// No stats: globals default to zero.
	assert.Zero(t, ctx.numeric["free_space"])

	secs := ctx.numeric["second_from_zero"]
	assert.GreaterOrEqual(t, secs, 0.0)
	assert.Less(t, secs, 86401.0)
}
