// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package limiter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ptfleet/ptfleet/internal/downloader"
	"github.com/ptfleet/ptfleet/internal/models"
)

// announce trust verdicts, kept per downloader. Some client builds
// report a next-announce countdown that drifts or jumps; once a
// downloader is distrusted the cycle is reconstructed from site peer
// lists instead.
const (
	announceTrustUnknown = iota
	announceTrustGood
	announceTrustBad
)

type announceTrust struct {
	verdict int
	decided bool
}

// Concurrent AnnounceInfo fetches per downloader pass.
const announcePrefetchWorkers = 8

// announceHint is one prefetched AnnounceInfo result.
type announceHint struct {
	next     float64
	interval int64
}

// Config wires the limiter service.
type Config struct {
	DB        *sql.DB
	Session   downloader.SessionFunc
	UserAgent string
}

// Service is the announce-cycle upload limiter. One ApplyLimits pass
// walks every enabled downloader, steps each active torrent's
// controller, and pushes changed limits back to the client. State is
// persisted as a single JSON blob so cycles survive restarts.
type Service struct {
	db      *sql.DB
	session downloader.SessionFunc

	configStore     *models.SpeedLimitConfigStore
	siteStore       *models.SpeedLimitSiteStore
	recordStore     *models.SpeedLimitRecordStore
	settingsStore   *models.SettingsStore
	downloaderStore *models.DownloaderStore

	mu     sync.Mutex
	states map[string]*TorrentState
	trust  map[int]*announceTrust
	cache  *siteCache

	lastCleanup float64
	now         func() float64
}

func NewService(cfg Config) *Service {
	return &Service{
		db:              cfg.DB,
		session:         cfg.Session,
		configStore:     models.NewSpeedLimitConfigStore(cfg.DB),
		siteStore:       models.NewSpeedLimitSiteStore(cfg.DB),
		recordStore:     models.NewSpeedLimitRecordStore(cfg.DB),
		settingsStore:   models.NewSettingsStore(cfg.DB),
		downloaderStore: models.NewDownloaderStore(cfg.DB),
		states:          make(map[string]*TorrentState),
		trust:           make(map[int]*announceTrust),
		cache:           newSiteCache(cfg.UserAgent),
		now:             func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
	}
}

// Start restores persisted state and runs the control loop until ctx
// is done. The tick rate follows SuggestedInterval so the loop spins
// fast only when an announce is imminent.
func (s *Service) Start(ctx context.Context) {
	if err := s.LoadState(ctx); err != nil {
		log.Error().Err(err).Msg("failed to load speed limiter state")
	}

	log.Info().Msg("starting speed limiter service")

	timer := time.NewTimer(time.Second)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if _, err := s.ApplyLimits(ctx); err != nil {
				log.Error().Err(err).Msg("speed limiter pass failed")
			}
			timer.Reset(time.Duration(s.SuggestedInterval() * float64(time.Second)))
		}
	}
}

// LoadState restores torrent states from the persisted blob.
func (s *Service) LoadState(ctx context.Context) error {
	raw, err := s.settingsStore.Get(ctx, models.SettingSpeedLimiterState)
	if errors.Is(err, models.ErrSettingNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	states := make(map[string]*TorrentState)
	if err := json.Unmarshal([]byte(raw), &states); err != nil {
		return fmt.Errorf("decode limiter state: %w", err)
	}

	s.mu.Lock()
	s.states = states
	s.mu.Unlock()

	log.Info().Int("torrents", len(states)).Msg("restored speed limiter state")
	return nil
}

// SuggestedInterval returns the next pass delay in seconds based on
// the smallest time left across torrents that still need limiting.
func (s *Service) SuggestedInterval() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.states) == 0 {
		return IntervalMax
	}

	now := s.now()
	minLeft := -1.0
	for _, st := range s.states {
		if st.Phase == PhaseIdle {
			continue
		}
		left := st.TimeLeft(now)
		if left > 0 && (minLeft < 0 || left < minLeft) {
			minLeft = left
		}
	}
	if minLeft < 0 {
		return IntervalMax
	}

	var interval float64
	switch {
	case minLeft <= 5:
		interval = intervalCritical
	case minLeft <= 15:
		interval = intervalUrgent
	case minLeft <= 30:
		interval = intervalActive
	case minLeft <= 60:
		interval = intervalNormal
	case minLeft <= 120:
		interval = intervalRelaxed
	default:
		interval = intervalIdle
	}
	return clampFloat(interval, IntervalMin, IntervalMax)
}

// PassResult summarizes one ApplyLimits pass.
type PassResult struct {
	Enabled  bool
	Torrents int
	Limited  int
}

// ApplyLimits runs one controller pass over all enabled downloaders.
func (s *Service) ApplyLimits(ctx context.Context) (*PassResult, error) {
	config, err := s.configStore.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load limiter config: %w", err)
	}
	if !config.Enabled {
		return &PassResult{}, nil
	}

	sites, err := s.siteStore.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("load site rules: %w", err)
	}
	siteMap := make(map[string]*models.SpeedLimitSite, len(sites))
	for _, site := range sites {
		siteMap[site.TrackerDomain] = site
	}

	downloaders, err := s.downloaderStore.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("load downloaders: %w", err)
	}
	// When any downloader opts into auto limiting, only those take part.
	var auto []*models.Downloader
	for _, d := range downloaders {
		if d.AutoSpeedLimit {
			auto = append(auto, d)
		}
	}
	if len(auto) > 0 {
		downloaders = auto
	}

	now := s.now()
	if now-s.lastCleanup > 300 {
		s.cache.Cleanup(now)
		s.lastCleanup = now
	}

	result := &PassResult{Enabled: true}
	var records []*models.SpeedLimitRecord

	for _, d := range downloaders {
		recs, err := s.processDownloader(ctx, d, config, siteMap, result)
		if err != nil {
			log.Error().Err(err).Str("downloader", d.Name).Msg("speed limiter downloader pass failed")
			continue
		}
		records = append(records, recs...)
	}

	if err := s.persist(ctx, records); err != nil {
		log.Error().Err(err).Msg("failed to persist speed limiter state")
	}

	return result, nil
}

func (s *Service) processDownloader(
	ctx context.Context,
	d *models.Downloader,
	config *models.SpeedLimitConfig,
	siteMap map[string]*models.SpeedLimitSite,
	result *PassResult,
) ([]*models.SpeedLimitRecord, error) {
	var records []*models.SpeedLimitRecord

	err := s.session(ctx, d, func(client downloader.Client) error {
		torrents, err := client.Torrents(ctx)
		if err != nil {
			return err
		}

		active := make([]*downloader.Torrent, 0, len(torrents))
		for i := range torrents {
			t := &torrents[i]
			if t.Status != "seeding" && t.Status != "downloading" {
				continue
			}
			if downloader.TrackerDomain(t.Tracker) == "" {
				continue
			}
			active = append(active, t)
		}

		hints := s.prefetchAnnounceInfo(ctx, client, active)

		for _, t := range active {
			tracker := downloader.TrackerDomain(t.Tracker)
			site := siteMap[tracker]
			targetSpeed := config.TargetUploadSpeed
			safetyMargin := config.SafetyMargin
			limitDownload := false
			optimizeAnnounce := false
			if site != nil {
				targetSpeed = site.TargetUploadSpeed
				safetyMargin = site.SafetyMargin
				limitDownload = site.LimitDownloadSpeed
				optimizeAnnounce = site.OptimizeAnnounce
			}

			now := s.now()
			st := s.stateFor(t, tracker, now)
			result.Torrents++

			if targetSpeed <= 0 {
				if rec := s.recordDelta(st, t, d.ID, tracker, 0, "disabled"); rec != nil {
					records = append(records, rec)
				}
				continue
			}

			s.updateDownloadFields(st, t)
			if optimizeAnnounce || limitDownload {
				st.RecordProgress(t.Uploaded, st.TotalDone, now)
			}

			hint, hintOK := hints[t.Hash]
			nextAnnounce, cycleInterval := s.resolveCycle(ctx, t, st, site, hint, hintOK, now)
			nextAnnounce = s.applyTrust(ctx, t, st, site, d.ID, nextAnnounce, cycleInterval, now)

			st.SyncCycle(t.Uploaded, now, nextAnnounce, cycleInterval)

			rawLimit := calculateLimit(st, float64(t.UploadSpeed), targetSpeed, now, safetyMargin,
				t.Status == "downloading", st.ETA)

			var limit int64
			if rawLimit > 0 {
				limit = st.Smoother.Smooth(rawLimit, st.Phase)
			} else {
				limit = rawLimit
				st.Smoother.Reset()
			}

			if ra, reason := shouldReannounce(st, t.Uploaded, targetSpeed, now); ra {
				if err := client.Reannounce(ctx, t.Hash); err != nil {
					log.Debug().Err(err).Str("torrent", t.Name).Msg("forced reannounce failed")
				} else {
					st.LastReannounce = now
					st.ReannouncedThisCycle = true
					st.LastAnnounceTime = now
					log.Info().Str("torrent", t.Name).Str("reason", reason).Msg("forced reannounce")
				}
			}

			if limit != st.CurrentLimit {
				if err := client.SetUploadLimit(ctx, t.Hash, limit); err != nil {
					log.Error().Err(err).Str("torrent", t.Name).Msg("failed to set upload limit")
				} else {
					old := st.CurrentLimit
					st.CurrentLimit = limit
					switch {
					case limit > 0 && old == 0:
						log.Info().Str("torrent", t.Name).Str("phase", st.Phase).
							Float64("limit_kb", float64(limit)/1024).
							Float64("speed_kb", float64(t.UploadSpeed)/1024).
							Msg("limit engaged")
					case limit == 0 && old > 0:
						log.Info().Str("torrent", t.Name).Msg("limit released")
					}
				}
			}
			if limit > 0 {
				result.Limited++
			}

			if limitDownload && t.Status == "downloading" {
				s.applyDownloadBrake(ctx, client, t, st, now)
			}
			if optimizeAnnounce && t.Status == "downloading" {
				s.applyAnnounceOptimizer(ctx, client, t, st, now)
			}

			if rec := s.recordDelta(st, t, d.ID, tracker, targetSpeed, st.Phase); rec != nil {
				records = append(records, rec)
			}
		}
		return nil
	})

	return records, err
}

// stateFor fetches or creates the torrent's controller state. Existing
// states only absorb new values that are actually valid.
func (s *Service) stateFor(t *downloader.Torrent, tracker string, now float64) *TorrentState {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[t.Hash]
	if !ok {
		st = NewTorrentState(t.Hash, t.Name, tracker)
		if t.AddedTime.IsZero() {
			st.TimeAdded = now
		} else {
			st.TimeAdded = float64(t.AddedTime.Unix())
		}
		st.TotalSize = t.Size
		st.TotalUploaded = t.Uploaded
		st.LastRecordUploaded = t.Uploaded
		st.LastRecordDownload = t.Downloaded
		st.CycleStartUploaded = t.Uploaded
		st.SeedingTime = t.SeedingTime
		if remaining, ok := downloader.NormalizeNextAnnounce(t.NextAnnounceTime, now); ok {
			st.CachedTL = remaining
			st.CacheTS = now
			st.NextAnnounceTime = now + remaining
		}
		if t.AnnounceInterval > 0 {
			st.AnnounceIntervalSec = int(t.AnnounceInterval)
		}
		s.states[t.Hash] = st
		return st
	}

	if t.AnnounceInterval > 0 {
		st.AnnounceIntervalSec = int(t.AnnounceInterval)
	}
	if t.SeedingTime > 0 {
		st.SeedingTime = t.SeedingTime
	}
	return st
}

func (s *Service) updateDownloadFields(st *TorrentState, t *downloader.Torrent) {
	st.TotalDone = t.Completed
	if st.TotalDone == 0 {
		st.TotalDone = t.Downloaded
	}
	st.TotalSizeTorrent = t.Size
	st.DownloadSpeed = float64(t.DownloadSpeed)

	remaining := st.TotalSizeTorrent - st.TotalDone
	if t.DownloadSpeed > 0 && remaining > 0 {
		st.ETA = int(remaining / t.DownloadSpeed)
	} else {
		st.ETA = 0
	}
}

// prefetchAnnounceInfo enriches all active torrents with fresh
// AnnounceInfo under bounded parallelism. The control tick can run
// every 0.2s; issuing one blocking round-trip per torrent inside the
// control loop would stretch the tick far past its budget.
func (s *Service) prefetchAnnounceInfo(ctx context.Context, client downloader.Client, torrents []*downloader.Torrent) map[string]announceHint {
	hints := make(map[string]announceHint, len(torrents))
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(announcePrefetchWorkers)
	for _, t := range torrents {
		g.Go(func() error {
			next, interval, err := client.AnnounceInfo(ctx, t.Hash)
			if err != nil {
				log.Debug().Err(err).Str("torrent", t.Name).Msg("announce info unavailable")
				return nil
			}
			mu.Lock()
			hints[t.Hash] = announceHint{next: next, interval: interval}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return hints
}

// resolveCycle determines the next announce (absolute timestamp) and
// the cycle interval for the torrent. Site custom intervals win; sites
// with peer-list access get a publish-time age estimate until measured
// jumps pin the real interval; otherwise client hints then age.
func (s *Service) resolveCycle(
	ctx context.Context,
	t *downloader.Torrent,
	st *TorrentState,
	site *models.SpeedLimitSite,
	hint announceHint,
	hintOK bool,
	now float64,
) (float64, int) {
	nextAnnounce := t.NextAnnounceTime
	intervalHint := int(t.AnnounceInterval)

	if hintOK {
		if hint.next > now {
			nextAnnounce = hint.next
		}
		if hint.interval > 0 {
			intervalHint = int(hint.interval)
		}
	}

	if nextAnnounce <= 0 && st.NextAnnounceTime > now {
		nextAnnounce = st.NextAnnounceTime
	}

	var cycleInterval int
	switch {
	case site != nil && site.CustomAnnounceInterval > 0:
		cycleInterval = site.CustomAnnounceInterval

	case site != nil && site.PeerlistEnabled:
		// Clients under-report intervals for these sites and the cycle
		// depends on torrent age, so the publish time is authoritative.
		publish := s.ensurePublishTime(ctx, site, t, st)
		minInterval := 300
		if intervalHint > minInterval {
			minInterval = intervalHint
		}
		if publish > 0 {
			cycleInterval = EstimateAnnounceInterval(publish, minInterval, t.SeedingTime, true, now)
		} else {
			added := st.TimeAdded
			if added <= 0 {
				added = now
			}
			cycleInterval = EstimateAnnounceInterval(added, minInterval, t.SeedingTime, false, now)
		}

		// Until at least two real jump intervals were measured, the age
		// estimate overrides whatever was synced before.
		if len(st.IntervalSamples) < 2 {
			drift := st.CycleInterval - float64(cycleInterval)
			if !st.CycleSynced || st.CycleInterval <= 0 || drift > 60 || drift < -60 {
				st.CycleInterval = float64(cycleInterval)
				st.CycleSynced = true
			}
		}
		if cycleInterval > 0 {
			st.AnnounceIntervalSec = cycleInterval
		}

	default:
		if intervalHint > 0 {
			cycleInterval = intervalHint
		} else {
			cycleInterval = st.AnnounceInterval(now)
		}
		if cycleInterval > 0 && (!st.CycleSynced || st.CycleInterval <= 0) {
			st.CycleInterval = float64(cycleInterval)
			st.CycleSynced = true
		}
	}

	return nextAnnounce, cycleInterval
}

func (s *Service) ensurePublishTime(ctx context.Context, site *models.SpeedLimitSite, t *downloader.Torrent, st *TorrentState) float64 {
	if cached, ok := s.cache.PublishTime(t.Hash); ok && cached > 0 {
		if st.PublishTime <= 0 {
			st.PublishTime = cached
		}
		return cached
	}
	if st.PublishTime > 0 {
		return st.PublishTime
	}
	if site.PeerlistCookie == "" {
		return 0
	}
	_, publish := s.cache.SearchTID(ctx, site, t.Hash)
	if publish > 0 {
		st.PublishTime = publish
	}
	return publish
}

// applyTrust runs the countdown sanity checks. A countdown should fall
// linearly between observations; repeated jumps flip the downloader's
// verdict to distrusted, after which the cycle position comes from the
// site peer list.
func (s *Service) applyTrust(
	ctx context.Context,
	t *downloader.Torrent,
	st *TorrentState,
	site *models.SpeedLimitSite,
	downloaderID int,
	nextAnnounce float64,
	cycleInterval int,
	now float64,
) float64 {
	s.mu.Lock()
	trust, ok := s.trust[downloaderID]
	if !ok {
		trust = &announceTrust{}
		s.trust[downloaderID] = trust
	}
	s.mu.Unlock()

	var nextRemaining float64 = -1
	if nextAnnounce > now {
		nextRemaining = nextAnnounce - now
	}

	if nextRemaining >= 0 && cycleInterval > 0 {
		if st.LastNextRemaining > 0 && st.LastNextUpdateTime > 0 {
			expected := st.LastNextRemaining - (now - st.LastNextUpdateTime)
			ci := float64(cycleInterval)
			for expected < 0 {
				expected += ci
			}
			for expected > ci {
				expected -= ci
			}

			diff := nextRemaining - expected
			absDiff := diff
			if absDiff < 0 {
				absDiff = -absDiff
			}

			// A forced reannounce shifts the countdown by ~900s; that is
			// expected, not evidence of a broken client.
			forcedLike := absDiff > forcedReannounceJitter-10 && absDiff < forcedReannounceJitter+10
			jumpThreshold := 120.0
			if th := ci * 0.15; th > jumpThreshold {
				jumpThreshold = th
			}

			if !forcedLike && absDiff > jumpThreshold {
				st.NextJumpSuspectCount++
			} else if st.NextJumpSuspectCount > 0 {
				st.NextJumpSuspectCount--
			}

			if st.NextJumpSuspectCount >= 2 && trust.verdict != announceTrustBad {
				recentRA := now-st.LastReannounce < 120 || now-st.LastForceReannounce < 120
				if !recentRA {
					trust.verdict = announceTrustBad
					trust.decided = true
					log.Info().Str("torrent", t.Name).
						Msg("next announce countdown unstable, switching to peerlist inference")
				}
			}
		}
		st.LastNextRemaining = nextRemaining
		st.LastNextUpdateTime = now
	}

	// Observation window: a torrent younger than one cycle lets us check
	// whether added_time + interval lines up with the countdown.
	if !trust.decided && nextRemaining >= 0 && st.TimeAdded > 0 && cycleInterval > 0 {
		if now-st.TimeAdded < float64(cycleInterval) {
			delta := (now - st.TimeAdded) + nextRemaining - float64(cycleInterval)
			if delta >= -5 && delta <= 5 {
				trust.verdict = announceTrustGood
				trust.decided = true
			} else if delta < -600 {
				s.verifyAgainstPeerlist(ctx, t, st, site, trust, nextRemaining, cycleInterval, now)
			}
		}
	}

	if trust.verdict == announceTrustBad && site != nil && site.PeerlistEnabled && cycleInterval > 0 {
		if st.LastAnnounceTime <= 0 {
			s.inferLastAnnounce(ctx, t, st, site, cycleInterval, now)
		}
		if st.LastAnnounceTime > 0 {
			nextAnnounce = st.LastAnnounceTime + float64(cycleInterval)
		}
	}

	return nextAnnounce
}

func (s *Service) verifyAgainstPeerlist(
	ctx context.Context,
	t *downloader.Torrent,
	st *TorrentState,
	site *models.SpeedLimitSite,
	trust *announceTrust,
	nextRemaining float64,
	cycleInterval int,
	now float64,
) {
	if st.LastAnnounceTime > 0 || st.NextAnnounceIsTrue || site == nil || !site.PeerlistEnabled {
		return
	}

	tid, ok := s.cache.TID(t.Hash)
	if !ok {
		var publish float64
		tid, publish = s.cache.SearchTID(ctx, site, t.Hash)
		if publish > 0 && st.PublishTime <= 0 {
			st.PublishTime = publish
		}
	}
	if tid == "" {
		return
	}

	peerT, ok := s.cache.PeerlistTime(ctx, site, t.Hash, tid, now)
	if !ok {
		return
	}

	var lastAnnounce float64
	if site.PeerlistTimeMode == models.PeerlistModeRemaining {
		lastAnnounce = now + float64(peerT) - float64(cycleInterval)
	} else {
		lastAnnounce = now - float64(peerT)
	}

	// If last announce + 900 lines up with the countdown, a forced
	// reannounce explains the offset and no verdict can be drawn yet.
	delta := (lastAnnounce + forcedReannounceJitter) - now - nextRemaining
	if delta > -5 && delta < 5 {
		st.NextAnnounceIsTrue = true
		st.LastAnnounceTime = 0
		return
	}

	trust.verdict = announceTrustBad
	trust.decided = true
	log.Info().Str("torrent", t.Name).Msg("next announce disagrees with peerlist, distrusting countdown")
}

func (s *Service) inferLastAnnounce(ctx context.Context, t *downloader.Torrent, st *TorrentState, site *models.SpeedLimitSite, cycleInterval int, now float64) {
	tid, ok := s.cache.TID(t.Hash)
	if !ok {
		var publish float64
		tid, publish = s.cache.SearchTID(ctx, site, t.Hash)
		if publish > 0 && st.PublishTime <= 0 {
			st.PublishTime = publish
		}
	}
	if tid == "" {
		return
	}

	peerT, ok := s.cache.PeerlistTime(ctx, site, t.Hash, tid, now)
	if !ok {
		return
	}
	if site.PeerlistTimeMode == models.PeerlistModeRemaining {
		st.LastAnnounceTime = now + float64(peerT) - float64(cycleInterval)
	} else {
		st.LastAnnounceTime = now - float64(peerT)
	}
}

func (s *Service) applyDownloadBrake(ctx context.Context, client downloader.Client, t *downloader.Torrent, st *TorrentState, now float64) {
	thisTime := st.ThisTime(now)
	thisUp := t.Uploaded - st.CycleStartUploaded
	if thisTime <= 0 || thisUp <= 0 {
		return
	}

	limitKB, reason := calculateDownloadBrake(st, thisTime, thisUp,
		st.TotalSizeTorrent, st.TotalDone, st.ETA,
		st.CurrentDownloadLimit, st.DownloadSpeed, 120)
	if limitKB == brakeNone {
		return
	}

	if limitKB == brakeUnlimited {
		if err := client.SetDownloadLimit(ctx, t.Hash, 0); err != nil {
			log.Error().Err(err).Str("torrent", t.Name).Msg("failed to lift download brake")
			return
		}
		st.CurrentDownloadLimit = -1
	} else {
		if err := client.SetDownloadLimit(ctx, t.Hash, limitKB*1024); err != nil {
			log.Error().Err(err).Str("torrent", t.Name).Msg("failed to set download brake")
			return
		}
		st.CurrentDownloadLimit = limitKB
	}
	log.Info().Str("torrent", t.Name).Msg(reason)
}

func (s *Service) applyAnnounceOptimizer(ctx context.Context, client downloader.Client, t *downloader.Torrent, st *TorrentState, now float64) {
	thisTime := st.ThisTime(now)
	thisUp := t.Uploaded - st.CycleStartUploaded
	interval := st.AnnounceInterval(now)

	// A parked torrent whose filtered speed already fell under the wait
	// cap announces as soon as pacing allows instead of sitting out the
	// rest of the wait window.
	if ok, reason := checkWaitingReannounce(st); ok && now-st.LastForceReannounce >= reannounceMinInterval {
		if err := client.Reannounce(ctx, t.Hash); err != nil {
			log.Error().Err(err).Str("torrent", t.Name).Msg("optimizer reannounce failed")
			return
		}
		st.LastForceReannounce = now
		st.WaitingForReannounce = false
		if err := client.SetUploadLimit(ctx, t.Hash, 0); err == nil {
			st.CurrentUploadLimitKB = -1
		}
		log.Info().Str("torrent", t.Name).Str("reason", reason).Msg("announce optimizer released wait")
		return
	}

	dec := shouldOptimize(st, thisTime, thisUp, interval, now)
	if !dec.Act {
		return
	}

	if dec.WaitLimitKB > 0 {
		if err := client.SetUploadLimit(ctx, t.Hash, dec.WaitLimitKB*1024); err != nil {
			log.Error().Err(err).Str("torrent", t.Name).Msg("failed to set wait limit")
			return
		}
		st.WaitingForReannounce = true
		st.CurrentUploadLimitKB = dec.WaitLimitKB
		log.Info().Str("torrent", t.Name).Str("reason", dec.Reason).Msg("announce optimizer throttling")
		return
	}

	if now-st.LastForceReannounce < reannounceMinInterval {
		return
	}
	if err := client.Reannounce(ctx, t.Hash); err != nil {
		log.Error().Err(err).Str("torrent", t.Name).Msg("optimizer reannounce failed")
		return
	}
	st.LastForceReannounce = now
	st.WaitingForReannounce = false
	if err := client.SetUploadLimit(ctx, t.Hash, 0); err == nil {
		st.CurrentUploadLimitKB = -1
	}
	log.Info().Str("torrent", t.Name).Str("reason", dec.Reason).Msg("announce optimizer forced reannounce")
}

// recordDelta computes interval traffic deltas and returns a ledger row
// when anything moved. The first observation after restoring an old
// blob only rebaselines, avoiding a spurious spike.
func (s *Service) recordDelta(st *TorrentState, t *downloader.Torrent, downloaderID int, tracker string, targetSpeed float64, phase string) *models.SpeedLimitRecord {
	if st.LastRecordUploaded == 0 && t.Uploaded > 0 {
		st.LastRecordUploaded = t.Uploaded
	}
	if st.LastRecordDownload == 0 && t.Downloaded > 0 {
		st.LastRecordDownload = t.Downloaded
	}

	deltaUp := t.Uploaded - st.LastRecordUploaded
	if deltaUp < 0 {
		deltaUp = 0
	}
	deltaDown := t.Downloaded - st.LastRecordDownload
	if deltaDown < 0 {
		deltaDown = 0
	}
	st.LastRecordUploaded = t.Uploaded
	st.LastRecordDownload = t.Downloaded

	if deltaUp == 0 && deltaDown == 0 {
		return nil
	}

	id := downloaderID
	return &models.SpeedLimitRecord{
		TrackerDomain: tracker,
		DownloaderID:  &id,
		CurrentSpeed:  float64(t.UploadSpeed),
		TargetSpeed:   targetSpeed,
		LimitApplied:  float64(st.CurrentLimit),
		Phase:         phase,
		Uploaded:      float64(deltaUp),
		Downloaded:    float64(deltaDown),
	}
}

// persist writes the pass's ledger rows and the state blob in one
// transaction.
func (s *Service) persist(ctx context.Context, records []*models.SpeedLimitRecord) error {
	s.mu.Lock()
	blob, err := json.Marshal(s.states)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode limiter state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, r := range records {
		if err := s.recordStore.InsertTx(ctx, tx, r); err != nil {
			return fmt.Errorf("insert ledger row: %w", err)
		}
	}
	if err := s.settingsStore.SetTx(ctx, tx, models.SettingSpeedLimiterState, string(blob)); err != nil {
		return fmt.Errorf("save limiter state: %w", err)
	}

	return tx.Commit()
}

// ClearLimits removes every upload limit on every enabled downloader
// and wipes the controller state.
func (s *Service) ClearLimits(ctx context.Context) error {
	downloaders, err := s.downloaderStore.ListEnabled(ctx)
	if err != nil {
		return err
	}

	for _, d := range downloaders {
		err := s.session(ctx, d, func(client downloader.Client) error {
			torrents, err := client.Torrents(ctx)
			if err != nil {
				return err
			}
			for _, t := range torrents {
				if err := client.SetUploadLimit(ctx, t.Hash, 0); err != nil {
					log.Debug().Err(err).Str("torrent", t.Name).Msg("failed to clear limit")
				}
			}
			return nil
		})
		if err != nil {
			log.Error().Err(err).Str("downloader", d.Name).Msg("failed to clear limits")
		}
	}

	s.mu.Lock()
	s.states = make(map[string]*TorrentState)
	s.mu.Unlock()

	if err := s.persist(ctx, nil); err != nil {
		return err
	}
	log.Info().Msg("all speed limits cleared")
	return nil
}

// TorrentStatus is a snapshot of one torrent's controller state for
// the status view.
type TorrentStatus struct {
	Name                string  `json:"name"`
	Tracker             string  `json:"tracker"`
	Phase               string  `json:"phase"`
	Limit               int64   `json:"limit"`
	TimeLeft            float64 `json:"timeLeft"`
	CycleSynced         bool    `json:"cycleSynced"`
	CycleInterval       float64 `json:"cycleInterval"`
	FilteredSpeed       float64 `json:"filteredSpeed"`
	CycleProgress       float64 `json:"cycleProgress"`
	CycleTimeProgress   float64 `json:"cycleTimeProgress"`
	CycleCurrentUpload  float64 `json:"cycleCurrentUpload"`
	CycleTargetUpload   float64 `json:"cycleTargetUpload"`
	CycleAvgSpeed       float64 `json:"cycleAvgSpeed"`
	EstimatedCompletion float64 `json:"estimatedCompletion"`
}

// Status returns the current controller snapshot per torrent hash.
func (s *Service) Status() map[string]TorrentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make(map[string]TorrentStatus, len(s.states))
	for hash, st := range s.states {
		timeLeft := st.TimeLeft(now)
		phase := st.Phase
		if phase == PhaseIdle {
			phase = phaseFor(timeLeft, st.CycleSynced, true)
		}

		interval := st.CycleInterval
		if interval <= 0 {
			interval = float64(st.AnnounceInterval(now))
		}

		out[hash] = TorrentStatus{
			Name:                st.Name,
			Tracker:             st.Tracker,
			Phase:               phase,
			Limit:               st.CurrentLimit,
			TimeLeft:            timeLeft,
			CycleSynced:         st.CycleSynced,
			CycleInterval:       interval,
			FilteredSpeed:       st.Kalman.Speed,
			CycleProgress:       st.CycleProgress,
			CycleTimeProgress:   st.CycleTimeProgress,
			CycleCurrentUpload:  st.CycleCurrentUpload,
			CycleTargetUpload:   st.CycleTargetUpload,
			CycleAvgSpeed:       st.CycleAvgSpeed,
			EstimatedCompletion: st.EstimatedCompletion,
		}
	}
	return out
}
