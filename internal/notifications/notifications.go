// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package notifications defines the event protocol between core services
// and notification transports. Services emit named events with a
// structured payload; transports (Telegram, webhooks) live outside the
// core and implement Notifier.
package notifications

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Event names emitted by the core services.
const (
	EventRSSDownload       = "rss_download"
	EventRSSBatch          = "rss_batch"
	EventDelete            = "delete"
	EventDeleteBatch       = "delete_batch"
	EventSpeedLimit        = "speed_limit"
	EventError             = "error"
	EventDownloaderOffline = "downloader_offline"
	EventLowDiskSpace      = "low_disk_space"
)

// Notifier consumes service events. Implementations must not block the
// emitting service for long; delivery failures are the transport's
// problem, never the caller's.
type Notifier interface {
	Notify(ctx context.Context, event string, payload map[string]any)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, string, map[string]any) {}

// Log writes events to the service log. Used as the default sink when
// no transport is configured.
type Log struct{}

func (Log) Notify(_ context.Context, event string, payload map[string]any) {
	log.Info().Str("event", event).Fields(payload).Msg("notification")
}
