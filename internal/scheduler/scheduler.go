// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package scheduler drives the periodic jobs: the dynamically paced
// speed limiter loop, RSS sweeps, delete checks, auto-reannounce,
// traffic baselines and record cleanup. Each job runs at most one
// instance at a time; an overrunning pass coalesces instead of
// stacking.
package scheduler

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ptfleet/ptfleet/internal/deleter"
	"github.com/ptfleet/ptfleet/internal/downloader"
	"github.com/ptfleet/ptfleet/internal/limiter"
	"github.com/ptfleet/ptfleet/internal/models"
	"github.com/ptfleet/ptfleet/internal/rss"
)

const (
	rssSweepInterval   = time.Minute
	reannounceInterval = time.Minute
	trafficInterval    = time.Minute
	externalInterval   = time.Minute
	cleanupInterval    = 6 * time.Hour

	defaultDeleteInterval = 60 // seconds, clamped [5, 3600]
	defaultRetentionDays  = 30

	// Fresh torrents reannounce once their age falls into this window,
	// picking up peers the initial announce missed.
	reannounceAgeMin = 4*time.Minute + 30*time.Second
	reannounceAgeMax = 5*time.Minute + 30*time.Second
)

// ExternalJob is the hook for collaborators living outside the core
// (promotion crawlers, host-provider traffic switches). The scheduler
// polls Enabled each round so jobs can be toggled at runtime.
type ExternalJob interface {
	Name() string
	Enabled(ctx context.Context) bool
	Run(ctx context.Context) error
}

type Config struct {
	DB      *sql.DB
	Limiter *limiter.Service
	RSS     *rss.Service
	Deleter *deleter.Service
	Session downloader.SessionFunc

	External []ExternalJob
}

type Scheduler struct {
	limiter *limiter.Service
	rss     *rss.Service
	deleter *deleter.Service
	session downloader.SessionFunc

	settings        *models.SettingsStore
	downloaderStore *models.DownloaderStore
	speedRecords    *models.SpeedLimitRecordStore
	rssRecords      *models.RssRecordStore
	deleteRecords   *models.DeleteRecordStore
	traffic         *models.TrafficBaselineStore

	external []ExternalJob

	running sync.Map // job name -> *atomic.Bool
	wg      sync.WaitGroup
	now     func() time.Time
}

func New(cfg Config) *Scheduler {
	return &Scheduler{
		limiter:         cfg.Limiter,
		rss:             cfg.RSS,
		deleter:         cfg.Deleter,
		session:         cfg.Session,
		settings:        models.NewSettingsStore(cfg.DB),
		downloaderStore: models.NewDownloaderStore(cfg.DB),
		speedRecords:    models.NewSpeedLimitRecordStore(cfg.DB),
		rssRecords:      models.NewRssRecordStore(cfg.DB),
		deleteRecords:   models.NewDeleteRecordStore(cfg.DB),
		traffic:         models.NewTrafficBaselineStore(cfg.DB),
		external:        cfg.External,
		now:             time.Now,
	}
}

// Run starts every job and blocks until ctx is cancelled and all jobs
// have wound down.
func (s *Scheduler) Run(ctx context.Context) {
	log.Info().Msg("scheduler starting")

	if s.limiter != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.limiter.Start(ctx)
		}()
	}

	if s.rss != nil {
		s.spawnEvery(ctx, "rss", rssSweepInterval, s.rssSweep)
	}
	if s.deleter != nil {
		s.wg.Add(1)
		go s.deleteLoop(ctx)
	}
	s.spawnEvery(ctx, "reannounce", reannounceInterval, s.autoReannounce)
	s.spawnEvery(ctx, "traffic", trafficInterval, s.observeTraffic)
	s.spawnEvery(ctx, "cleanup", cleanupInterval, s.cleanupRecords)

	for _, job := range s.external {
		job := job
		s.spawnEvery(ctx, job.Name(), externalInterval, func(ctx context.Context) {
			if !job.Enabled(ctx) {
				return
			}
			if err := job.Run(ctx); err != nil {
				log.Error().Err(err).Str("job", job.Name()).Msg("external job failed")
			}
		})
	}

	<-ctx.Done()
	s.wg.Wait()
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) spawnEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runExclusive(ctx, name, fn)
			}
		}
	}()
}

// runExclusive runs fn unless the previous run of the same job is
// still going, in which case this round is skipped.
func (s *Scheduler) runExclusive(ctx context.Context, name string, fn func(context.Context)) {
	flag, _ := s.running.LoadOrStore(name, &atomic.Bool{})
	busy := flag.(*atomic.Bool)
	if !busy.CompareAndSwap(false, true) {
		log.Warn().Str("job", name).Msg("previous run still active, skipping")
		return
	}
	defer busy.Store(false)

	fn(ctx)
}

// deleteLoop reruns the delete rules at the operator-configured
// interval, re-read each round so changes apply without a restart.
func (s *Scheduler) deleteLoop(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(s.deleteInterval(ctx))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.runExclusive(ctx, "delete", s.deleteSweep)
			timer.Reset(s.deleteInterval(ctx))
		}
	}
}

func (s *Scheduler) deleteInterval(ctx context.Context) time.Duration {
	secs := s.settings.GetInt(ctx, models.SettingDeleteCheckInterval, defaultDeleteInterval, 5, 3600)
	return time.Duration(secs) * time.Second
}

func (s *Scheduler) rssSweep(ctx context.Context) {
	s.rss.CheckFeeds(ctx)
}

func (s *Scheduler) deleteSweep(ctx context.Context) {
	if _, err := s.deleter.RunAllRules(ctx); err != nil {
		log.Error().Err(err).Msg("delete sweep failed")
	}
}

// autoReannounce nudges torrents on opted-in downloaders once they are
// about five minutes old. Trackers commonly return a thin peer list on
// the very first announce.
func (s *Scheduler) autoReannounce(ctx context.Context) {
	downloaders, err := s.downloaderStore.ListEnabled(ctx)
	if err != nil {
		log.Error().Err(err).Msg("auto reannounce: listing downloaders failed")
		return
	}

	now := s.now()
	for _, dl := range downloaders {
		if !dl.AutoReport {
			continue
		}

		err := s.session(ctx, dl, func(c downloader.Client) error {
			torrents, err := c.Torrents(ctx)
			if err != nil {
				return err
			}
			for i := range torrents {
				t := &torrents[i]
				if t.AddedTime.IsZero() {
					continue
				}
				age := now.Sub(t.AddedTime)
				if age < reannounceAgeMin || age > reannounceAgeMax {
					continue
				}
				if err := c.Reannounce(ctx, t.Hash); err != nil {
					log.Warn().Err(err).Str("hash", t.Hash).Msg("auto reannounce failed")
					continue
				}
				log.Debug().Str("hash", t.Hash).Str("downloader", dl.Name).
					Msg("reannounced five minute old torrent")
			}
			return nil
		})
		if err != nil {
			log.Warn().Err(err).Str("downloader", dl.Name).Msg("auto reannounce session failed")
		}
	}
}

// observeTraffic anchors each downloader's session counters against the
// daily baseline so "uploaded today" stays correct across client
// restarts.
func (s *Scheduler) observeTraffic(ctx context.Context) {
	downloaders, err := s.downloaderStore.ListEnabled(ctx)
	if err != nil {
		log.Error().Err(err).Msg("traffic baseline: listing downloaders failed")
		return
	}

	date := s.now().Format("2006-01-02")
	for _, dl := range downloaders {
		err := s.session(ctx, dl, func(c downloader.Client) error {
			stats, err := c.Stats(ctx)
			if err != nil {
				return err
			}
			return s.traffic.Observe(ctx, dl.ID, date,
				float64(stats.TotalUploaded), float64(stats.TotalDownloaded))
		})
		if err != nil {
			log.Debug().Err(err).Str("downloader", dl.Name).Msg("traffic baseline update failed")
		}
	}
}

// cleanupRecords prunes aged history rows. Retention is configurable
// but defaults to thirty days.
func (s *Scheduler) cleanupRecords(ctx context.Context) {
	days := s.settings.GetInt(ctx, models.SettingRecordRetentionDays, defaultRetentionDays, 1, 3650)
	cutoff := s.now().AddDate(0, 0, -days)

	type pruner struct {
		name string
		fn   func(context.Context, time.Time) (int64, error)
	}
	for _, p := range []pruner{
		{"speed_limit_records", s.speedRecords.DeleteOlderThan},
		{"rss_records", s.rssRecords.DeleteOlderThan},
		{"delete_records", s.deleteRecords.DeleteOlderThan},
	} {
		n, err := p.fn(ctx, cutoff)
		if err != nil {
			log.Error().Err(err).Str("table", p.name).Msg("record cleanup failed")
			continue
		}
		if n > 0 {
			log.Info().Str("table", p.name).Int64("removed", n).Msg("pruned aged records")
		}
	}
}
