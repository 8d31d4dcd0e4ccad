// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package deleter

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ptfleet/ptfleet/internal/downloader"
	"github.com/ptfleet/ptfleet/internal/models"
	"github.com/ptfleet/ptfleet/internal/notifications"
)

// Config wires the delete engine.
type Config struct {
	DB       *sql.DB
	Session  downloader.SessionFunc
	Notifier notifications.Notifier
}

// Service runs delete rules against live torrents. Duration hysteresis
// lives in memory keyed per (downloader, rule, torrent) and is mirrored
// to the torrent cache so hold timers survive restarts.
type Service struct {
	db       *sql.DB
	session  downloader.SessionFunc
	notifier notifications.Notifier

	ruleStore       *models.DeleteRuleStore
	recordStore     *models.DeleteRecordStore
	downloaderStore *models.DownloaderStore
	cacheStore      *models.TorrentCacheStore

	scripts *scriptEvaluator

	mu        sync.Mutex
	durations map[string]time.Time
	refreshed map[int]time.Time

	now        func() time.Time
	reportWait time.Duration
}

func NewService(cfg Config) *Service {
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notifications.Nop{}
	}
	return &Service{
		db:              cfg.DB,
		session:         cfg.Session,
		notifier:        notifier,
		ruleStore:       models.NewDeleteRuleStore(cfg.DB),
		recordStore:     models.NewDeleteRecordStore(cfg.DB),
		downloaderStore: models.NewDownloaderStore(cfg.DB),
		cacheStore:      models.NewTorrentCacheStore(cfg.DB),
		scripts:         newScriptEvaluator(),
		durations:       make(map[string]time.Time),
		refreshed:       make(map[int]time.Time),
		now:             time.Now,
		reportWait:      2 * time.Second,
	}
}

func durationKey(downloaderID, ruleID int, hash string) string {
	return fmt.Sprintf("%d:%d:%s", downloaderID, ruleID, hash)
}

// RunOptions control a rule execution. Manual runs may force through
// the auto_delete gate and force file deletion.
type RunOptions struct {
	ForceExecute     bool
	ForceDeleteFiles bool
}

// RunAllRules executes every enabled rule in priority order. Per-rule
// failures are logged and do not stop the run.
func (s *Service) RunAllRules(ctx context.Context) ([]*models.DeleteRecord, error) {
	rules, err := s.ruleStore.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("load delete rules: %w", err)
	}
	if len(rules) == 0 {
		return nil, nil
	}

	log.Debug().Int("rules", len(rules)).Msg("running delete rules")

	var all []*models.DeleteRecord
	for _, rule := range rules {
		records, err := s.ExecuteRule(ctx, rule, RunOptions{})
		if err != nil {
			log.Error().Err(err).Str("rule", rule.Name).Msg("delete rule execution failed")
			continue
		}
		all = append(all, records...)
	}
	return all, nil
}

// ExecuteRule runs one rule across its applicable downloaders and
// returns the records of completed delete actions.
func (s *Service) ExecuteRule(ctx context.Context, rule *models.DeleteRule, opts RunOptions) ([]*models.DeleteRecord, error) {
	downloaders, err := s.downloaderStore.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("load downloaders: %w", err)
	}

	var applicable []*models.Downloader
	for _, d := range downloaders {
		if !rule.AppliesTo(d.ID) {
			continue
		}
		if !d.AutoDelete && !opts.ForceExecute {
			continue
		}
		applicable = append(applicable, d)
	}
	if len(applicable) == 0 {
		log.Debug().Str("rule", rule.Name).Msg("no applicable downloaders for rule")
		return nil, nil
	}

	var deleted []*models.DeleteRecord
	actionCount := 0

	for _, d := range applicable {
		if rule.MaxDeleteCount > 0 && actionCount >= rule.MaxDeleteCount {
			break
		}

		matching, err := s.matchTorrents(ctx, rule, d)
		if err != nil {
			log.Error().Err(err).Str("rule", rule.Name).Str("downloader", d.Name).
				Msg("failed to match torrents")
			continue
		}
		if len(matching) > 0 {
			log.Info().Str("rule", rule.Name).Str("downloader", d.Name).
				Int("matched", len(matching)).Msg("delete rule matched torrents")
		}

		for i := range matching {
			if rule.MaxDeleteCount > 0 && actionCount >= rule.MaxDeleteCount {
				break
			}
			m := &matching[i]
			if !m.durationMet {
				continue
			}

			deleteFiles := opts.ForceDeleteFiles || (rule.DeleteFiles && !rule.OnlyDeleteTorrent)

			var ok bool
			actionType := models.ActionDelete
			switch {
			case rule.LimitSpeed > 0:
				actionType = models.ActionLimit
				ok = s.limitTorrent(ctx, d, &m.torrent, int64(rule.LimitSpeed))
			case rule.Pause:
				actionType = models.ActionPause
				ok = s.pauseTorrent(ctx, d, &m.torrent)
			default:
				ok = s.deleteTorrent(ctx, d, &m.torrent, deleteFiles, rule.ForceReport)
			}
			if !ok {
				log.Warn().Str("rule", rule.Name).Str("torrent", m.torrent.Name).
					Msg("delete rule action failed")
				continue
			}
			actionCount++

			record := s.buildRecord(rule, d, &m.torrent, actionType, deleteFiles)
			if err := s.recordStore.Insert(ctx, record); err != nil {
				log.Error().Err(err).Msg("failed to write delete record")
			}
			if actionType == models.ActionDelete {
				deleted = append(deleted, record)
			}

			s.clearDuration(ctx, d.ID, rule.ID, m.torrent.Hash)
		}
	}

	s.notifyDeleted(ctx, rule, deleted)
	return deleted, nil
}

type matchedTorrent struct {
	torrent     downloader.Torrent
	durationMet bool
}

// matchTorrents evaluates the rule against every torrent on the
// downloader, applying scope filters and the duration hold. Matches
// stamp their first-seen time; non-matches clear it.
func (s *Service) matchTorrents(ctx context.Context, rule *models.DeleteRule, d *models.Downloader) ([]matchedTorrent, error) {
	var torrents []downloader.Torrent
	var stats *downloader.Stats

	err := s.session(ctx, d, func(client downloader.Client) error {
		var err error
		torrents, err = client.Torrents(ctx)
		if err != nil {
			return err
		}
		if stats, err = client.Stats(ctx); err != nil {
			log.Warn().Err(err).Str("downloader", d.Name).Msg("failed to get downloader stats")
			stats = nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.refreshCache(ctx, d, torrents)
	s.loadMarks(ctx, rule.ID, d.ID)

	need := ruleDuration(rule)
	now := s.now()

	var matching []matchedTorrent
	var stamp, clear []string

	for i := range torrents {
		t := &torrents[i]
		ectx := buildContext(t, stats, now)

		if !matchesScope(rule, ectx) {
			continue
		}

		var matched bool
		if rule.RuleType == models.RuleTypeScript {
			matched = s.scripts.Evaluate(rule.Name, rule.Code, ectx)
		} else {
			matched = evaluateRule(rule, ectx)
		}

		if !matched {
			clear = append(clear, t.Hash)
			continue
		}

		durationMet := true
		if need > 0 {
			durationMet = s.checkDuration(d.ID, rule.ID, t.Hash, need, now)
			stamp = append(stamp, t.Hash)
		}
		matching = append(matching, matchedTorrent{torrent: *t, durationMet: durationMet})
	}

	s.persistMarks(ctx, rule.ID, d.ID, stamp, clear)
	return matching, nil
}

func matchesScope(rule *models.DeleteRule, ectx *evalContext) bool {
	if rule.TrackerFilter != "" &&
		!strings.Contains(ectx.str["tracker"], strings.ToLower(rule.TrackerFilter)) {
		return false
	}
	if rule.TagFilter != "" &&
		!strings.Contains(strings.ToLower(ectx.str["tags"]), strings.ToLower(rule.TagFilter)) {
		return false
	}
	return true
}

// checkDuration reports whether the rule has matched this torrent
// continuously for the required seconds. The first match only starts
// the clock.
func (s *Service) checkDuration(downloaderID, ruleID int, hash string, requiredSeconds int, now time.Time) bool {
	key := durationKey(downloaderID, ruleID, hash)

	s.mu.Lock()
	defer s.mu.Unlock()

	since, ok := s.durations[key]
	if !ok {
		s.durations[key] = now
		return false
	}
	return now.Sub(since) >= time.Duration(requiredSeconds)*time.Second
}

// loadMarks restores persisted hold timers for this rule into memory,
// so a restart does not reset hysteresis clocks already running.
func (s *Service) loadMarks(ctx context.Context, ruleID, downloaderID int) {
	marks, err := s.cacheStore.ConditionMarks(ctx, downloaderID)
	if err != nil {
		log.Error().Err(err).Msg("failed to load condition marks")
		return
	}

	prefix := fmt.Sprintf("r%d:", ruleID)

	s.mu.Lock()
	defer s.mu.Unlock()
	for dbKey, since := range marks {
		if !strings.HasPrefix(dbKey, prefix) {
			continue
		}
		hash := strings.TrimPrefix(dbKey, prefix)
		key := durationKey(downloaderID, ruleID, hash)
		if _, ok := s.durations[key]; !ok {
			s.durations[key] = since
		}
	}
}

func (s *Service) persistMarks(ctx context.Context, ruleID, downloaderID int, stamp, clear []string) {
	s.mu.Lock()
	stamps := make(map[string]time.Time, len(stamp))
	for _, hash := range stamp {
		if since, ok := s.durations[durationKey(downloaderID, ruleID, hash)]; ok {
			stamps[hash] = since
		}
	}
	for _, hash := range clear {
		delete(s.durations, durationKey(downloaderID, ruleID, hash))
	}
	s.mu.Unlock()

	for hash, since := range stamps {
		if err := s.cacheStore.SetConditionMark(ctx, downloaderID, models.ConditionMarkKey(ruleID, hash), since); err != nil {
			log.Error().Err(err).Msg("failed to persist condition mark")
		}
	}

	if len(clear) > 0 {
		keys := make([]string, len(clear))
		for i, hash := range clear {
			keys[i] = models.ConditionMarkKey(ruleID, hash)
		}
		if err := s.cacheStore.ClearConditionMarks(ctx, downloaderID, keys); err != nil {
			log.Error().Err(err).Msg("failed to clear condition marks")
		}
	}
}

func (s *Service) clearDuration(ctx context.Context, downloaderID, ruleID int, hash string) {
	s.mu.Lock()
	delete(s.durations, durationKey(downloaderID, ruleID, hash))
	s.mu.Unlock()

	if err := s.cacheStore.ClearConditionMarks(ctx, downloaderID,
		[]string{models.ConditionMarkKey(ruleID, hash)}); err != nil {
		log.Error().Err(err).Msg("failed to clear condition mark")
	}
}

// refreshCache mirrors the downloader's torrent list into the cache
// table at most once a minute per downloader.
func (s *Service) refreshCache(ctx context.Context, d *models.Downloader, torrents []downloader.Torrent) {
	s.mu.Lock()
	last := s.refreshed[d.ID]
	now := s.now()
	if now.Sub(last) < time.Minute {
		s.mu.Unlock()
		return
	}
	s.refreshed[d.ID] = now
	s.mu.Unlock()

	present := make(map[string]struct{}, len(torrents))
	for i := range torrents {
		t := &torrents[i]
		present[t.Hash] = struct{}{}

		cached := &models.CachedTorrent{
			DownloaderID:   d.ID,
			Hash:           t.Hash,
			Name:           t.Name,
			Size:           float64(t.Size),
			Progress:       t.Progress,
			Status:         t.Status,
			Uploaded:       float64(t.Uploaded),
			Downloaded:     float64(t.Downloaded),
			Ratio:          t.Ratio,
			UploadSpeed:    float64(t.UploadSpeed),
			DownloadSpeed:  float64(t.DownloadSpeed),
			Seeders:        t.Seeders,
			Leechers:       t.Leechers,
			SeedsConnected: t.SeedsConnected,
			PeersConnected: t.PeersConnected,
			Tracker:        downloader.TrackerDomain(t.Tracker),
			Tags:           strings.Join(t.Tags, ","),
			Category:       t.Category,
			SavePath:       t.SavePath,
			SeedingTime:    int(t.SeedingTime),
		}
		if !t.AddedTime.IsZero() {
			added := t.AddedTime
			cached.AddedTime = &added
		}
		if err := s.cacheStore.Upsert(ctx, cached); err != nil {
			log.Error().Err(err).Str("torrent", t.Name).Msg("failed to cache torrent")
		}
	}

	if err := s.cacheStore.PruneMissing(ctx, d.ID, present); err != nil {
		log.Error().Err(err).Str("downloader", d.Name).Msg("failed to prune torrent cache")
	}
}

func (s *Service) deleteTorrent(ctx context.Context, d *models.Downloader, t *downloader.Torrent, deleteFiles, forceReport bool) bool {
	err := s.session(ctx, d, func(client downloader.Client) error {
		if forceReport {
			if err := client.Reannounce(ctx, t.Hash); err != nil {
				log.Warn().Err(err).Str("torrent", t.Name).Msg("pre-delete reannounce failed")
			} else {
				// Give the tracker a moment to register the final stats.
				select {
				case <-time.After(s.reportWait):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		return client.Remove(ctx, t.Hash, deleteFiles)
	})
	if err != nil {
		log.Error().Err(err).Str("torrent", t.Name).Str("downloader", d.Name).
			Msg("failed to delete torrent")
		return false
	}

	log.Info().Str("torrent", t.Name).Str("downloader", d.Name).
		Bool("files", deleteFiles).Msg("torrent deleted")
	return true
}

func (s *Service) pauseTorrent(ctx context.Context, d *models.Downloader, t *downloader.Torrent) bool {
	err := s.session(ctx, d, func(client downloader.Client) error {
		return client.Pause(ctx, t.Hash)
	})
	if err != nil {
		log.Error().Err(err).Str("torrent", t.Name).Msg("failed to pause torrent")
		return false
	}
	log.Info().Str("torrent", t.Name).Str("downloader", d.Name).Msg("torrent paused")
	return true
}

func (s *Service) limitTorrent(ctx context.Context, d *models.Downloader, t *downloader.Torrent, limit int64) bool {
	err := s.session(ctx, d, func(client downloader.Client) error {
		if err := client.SetDownloadLimit(ctx, t.Hash, limit); err != nil {
			return err
		}
		return client.SetUploadLimit(ctx, t.Hash, limit)
	})
	if err != nil {
		log.Error().Err(err).Str("torrent", t.Name).Msg("failed to limit torrent")
		return false
	}
	log.Info().Str("torrent", t.Name).Int64("limit", limit).Str("downloader", d.Name).
		Msg("torrent speed capped")
	return true
}

func (s *Service) buildRecord(rule *models.DeleteRule, d *models.Downloader, t *downloader.Torrent, actionType string, deleteFiles bool) *models.DeleteRecord {
	ruleID := rule.ID
	downloaderID := d.ID
	record := &models.DeleteRecord{
		RuleID:         &ruleID,
		RuleName:       rule.Name,
		DownloaderID:   &downloaderID,
		DownloaderName: d.Name,
		TorrentHash:    t.Hash,
		TorrentName:    t.Name,
		Size:           float64(t.Size),
		Uploaded:       float64(t.Uploaded),
		Downloaded:     float64(t.Downloaded),
		Ratio:          t.Ratio,
		SeedingTime:    int(t.SeedingTime),
		Tracker:        downloader.TrackerDomain(t.Tracker),
		ActionType:     actionType,
	}
	if actionType == models.ActionDelete {
		record.FilesDeleted = deleteFiles
		record.Reported = rule.ForceReport
	}
	return record
}

func (s *Service) notifyDeleted(ctx context.Context, rule *models.DeleteRule, deleted []*models.DeleteRecord) {
	switch {
	case len(deleted) > 1:
		var totalUploaded float64
		for _, r := range deleted {
			totalUploaded += r.Uploaded
		}
		s.notifier.Notify(ctx, notifications.EventDeleteBatch, map[string]any{
			"rule":           rule.Name,
			"count":          len(deleted),
			"total_uploaded": totalUploaded,
		})
	case len(deleted) == 1:
		r := deleted[0]
		s.notifier.Notify(ctx, notifications.EventDelete, map[string]any{
			"rule":         rule.Name,
			"torrent":      r.TorrentName,
			"ratio":        r.Ratio,
			"seeding_time": r.SeedingTime,
		})
	}
}
