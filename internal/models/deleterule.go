// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

var ErrDeleteRuleNotFound = errors.New("delete rule not found")

// Delete rule types.
const (
	RuleTypeNormal = "normal"
	RuleTypeScript = "script"
)

// Delete record action types.
const (
	ActionDelete = "delete"
	ActionPause  = "pause"
	ActionLimit  = "limit"
)

// RuleCondition is one entry of a rule's conditions array. Value holds a
// number or a string depending on the field kind. Duration, when set,
// overrides the rule-level hold time for this condition.
type RuleCondition struct {
	Field        string  `json:"field"`
	Operator     string  `json:"operator"`
	Value        any     `json:"value"`
	Unit         string  `json:"unit,omitempty"`
	Duration     float64 `json:"duration,omitempty"`
	DurationUnit string  `json:"duration_unit,omitempty"`
}

type DeleteRule struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	Priority int    `json:"priority"`

	Conditions     []RuleCondition `json:"conditions"`
	ConditionLogic string          `json:"conditionLogic"` // AND / OR

	DurationSeconds int `json:"durationSeconds"`

	DeleteFiles       bool   `json:"deleteFiles"`
	ForceReport       bool   `json:"forceReport"`
	MaxDeleteCount    int    `json:"maxDeleteCount"` // per run, 0 = unlimited
	Pause             bool   `json:"pause"`
	OnlyDeleteTorrent bool   `json:"onlyDeleteTorrent"`
	LimitSpeed        int    `json:"limitSpeed"` // bytes/s, 0 = disabled
	RuleType          string `json:"ruleType"`
	Code              string `json:"code"`

	DownloaderIDs []int  `json:"downloaderIds"` // empty = all
	TrackerFilter string `json:"trackerFilter"`
	TagFilter     string `json:"tagFilter"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AppliesTo reports whether the rule scopes to the given downloader.
func (r *DeleteRule) AppliesTo(downloaderID int) bool {
	if len(r.DownloaderIDs) == 0 {
		return true
	}
	for _, id := range r.DownloaderIDs {
		if id == downloaderID {
			return true
		}
	}
	return false
}

type DeleteRuleStore struct {
	db *sql.DB
}

func NewDeleteRuleStore(db *sql.DB) *DeleteRuleStore {
	return &DeleteRuleStore{db: db}
}

const deleteRuleColumns = `id, name, enabled, priority, conditions, condition_logic, duration_seconds,
	delete_files, force_report, max_delete_count, pause, only_delete_torrent, limit_speed,
	rule_type, code, downloader_ids, tracker_filter, tag_filter, created_at, updated_at`

func scanDeleteRule(row interface{ Scan(...any) error }) (*DeleteRule, error) {
	r := &DeleteRule{}
	var conditions, downloaderIDs string
	err := row.Scan(
		&r.ID, &r.Name, &r.Enabled, &r.Priority, &conditions, &r.ConditionLogic, &r.DurationSeconds,
		&r.DeleteFiles, &r.ForceReport, &r.MaxDeleteCount, &r.Pause, &r.OnlyDeleteTorrent, &r.LimitSpeed,
		&r.RuleType, &r.Code, &downloaderIDs, &r.TrackerFilter, &r.TagFilter, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if conditions != "" {
		if err := json.Unmarshal([]byte(conditions), &r.Conditions); err != nil {
			return nil, err
		}
	}
	if downloaderIDs != "" {
		if err := json.Unmarshal([]byte(downloaderIDs), &r.DownloaderIDs); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (s *DeleteRuleStore) Create(ctx context.Context, r *DeleteRule) (*DeleteRule, error) {
	conditions, err := json.Marshal(r.Conditions)
	if err != nil {
		return nil, err
	}
	downloaderIDs, err := json.Marshal(r.DownloaderIDs)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO delete_rules (name, enabled, priority, conditions, condition_logic, duration_seconds,
			delete_files, force_report, max_delete_count, pause, only_delete_torrent, limit_speed,
			rule_type, code, downloader_ids, tracker_filter, tag_filter)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING ` + deleteRuleColumns

	return scanDeleteRule(s.db.QueryRowContext(ctx, query,
		r.Name, r.Enabled, r.Priority, string(conditions), r.ConditionLogic, r.DurationSeconds,
		r.DeleteFiles, r.ForceReport, r.MaxDeleteCount, r.Pause, r.OnlyDeleteTorrent, r.LimitSpeed,
		r.RuleType, r.Code, string(downloaderIDs), r.TrackerFilter, r.TagFilter,
	))
}

func (s *DeleteRuleStore) Get(ctx context.Context, id int) (*DeleteRule, error) {
	r, err := scanDeleteRule(s.db.QueryRowContext(ctx,
		`SELECT `+deleteRuleColumns+` FROM delete_rules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeleteRuleNotFound
	}
	return r, err
}

// ListEnabled returns enabled rules ordered by descending priority so a
// run evaluates high priority rules first.
func (s *DeleteRuleStore) ListEnabled(ctx context.Context) ([]*DeleteRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deleteRuleColumns+` FROM delete_rules WHERE enabled = 1 ORDER BY priority DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := make([]*DeleteRule, 0)
	for rows.Next() {
		r, err := scanDeleteRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *DeleteRuleStore) Delete(ctx context.Context, id int) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM delete_rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDeleteRuleNotFound
	}
	return nil
}

type DeleteRecord struct {
	ID             int       `json:"id"`
	RuleID         *int      `json:"ruleId"`
	RuleName       string    `json:"ruleName"`
	DownloaderID   *int      `json:"downloaderId"`
	DownloaderName string    `json:"downloaderName"`
	TorrentHash    string    `json:"torrentHash"`
	TorrentName    string    `json:"torrentName"`
	Size           float64   `json:"size"`
	Uploaded       float64   `json:"uploaded"`
	Downloaded     float64   `json:"downloaded"`
	Ratio          float64   `json:"ratio"`
	SeedingTime    int       `json:"seedingTime"`
	Tracker        string    `json:"tracker"`
	ActionType     string    `json:"actionType"`
	FilesDeleted   bool      `json:"filesDeleted"`
	Reported       bool      `json:"reported"`
	DeletedAt      time.Time `json:"deletedAt"`
}

type DeleteRecordStore struct {
	db *sql.DB
}

func NewDeleteRecordStore(db *sql.DB) *DeleteRecordStore {
	return &DeleteRecordStore{db: db}
}

func (s *DeleteRecordStore) Insert(ctx context.Context, r *DeleteRecord) error {
	return s.db.QueryRowContext(ctx, `
		INSERT INTO delete_records (rule_id, rule_name, downloader_id, downloader_name,
			torrent_hash, torrent_name, size, uploaded, downloaded, ratio, seeding_time, tracker,
			action_type, files_deleted, reported)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		r.RuleID, r.RuleName, r.DownloaderID, r.DownloaderName,
		r.TorrentHash, r.TorrentName, r.Size, r.Uploaded, r.Downloaded, r.Ratio, r.SeedingTime, r.Tracker,
		r.ActionType, r.FilesDeleted, r.Reported,
	).Scan(&r.ID)
}

func (s *DeleteRecordStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM delete_records WHERE deleted_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
