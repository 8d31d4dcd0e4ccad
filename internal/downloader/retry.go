// Copyright (c) 2025-2026, the ptfleet contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package downloader

import (
	"context"
	"math/rand"
	"time"

	"github.com/avast/retry-go"
)

const (
	retryAttempts  = 3
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 10 * time.Second
)

// retryIdempotent retries a read-only or idempotent client call with
// exponential backoff and jitter. Non-idempotent operations (add, remove,
// reannounce) must never go through here: a timed-out call may have been
// applied on the client side.
func retryIdempotent(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(retryAttempts),
		retry.DelayType(func(n uint, err error, config *retry.Config) time.Duration {
			delay := retryBaseDelay * time.Duration(1<<n)
			delay += time.Duration(rand.Int63n(int64(500 * time.Millisecond)))
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
			return delay
		}),
		retry.LastErrorOnly(true),
	)
}
