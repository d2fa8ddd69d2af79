// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package alloydb

import (
	"context"
	"crypto/rsa"
	"sync"
	"time"

	"github.com/alloydb-connect/alloydbconn/debug"
	"github.com/alloydb-connect/alloydbconn/instance"
	"github.com/alloydb-connect/alloydbconn/internal/alloydbapi"
	telv2 "github.com/alloydb-connect/alloydbconn/internal/tel/v2"
)

// refreshBuffer is the pre-expiry margin: refreshDuration subtracts it from
// half the remaining lifetime, and LazyRefreshCache treats a cached result
// within refreshBuffer of expiring as due for renewal.
var refreshBuffer = 4 * time.Minute

// refreshDuration returns the delay before the next background refresh
// should run, given the current time and a certificate's expiration:
// half the remaining lifetime, less refreshBuffer so the refresh finishes
// with room to spare, floored at zero (refresh immediately) once the
// certificate is within twice refreshBuffer of expiring.
func refreshDuration(now, expiry time.Time) time.Duration {
	d := expiry.Sub(now)/2 - refreshBuffer
	if d < 0 {
		return 0
	}
	return d
}

// refreshOperation is a pending or completed refresh attempt. It is created
// by RefreshAheadCache as part of its refresh cycle and must not be
// constructed directly.
type refreshOperation struct {
	result ConnectionInfo
	err    error

	// timer triggers the refresh; it can be canceled before it fires.
	timer *time.Timer
	// ready is closed once the operation has completed.
	ready chan struct{}
}

// Cancel prevents the refreshOperation from starting, if it hasn't already.
// Returns true if the timer was stopped before it fired.
func (r *refreshOperation) Cancel() bool {
	return r.timer.Stop()
}

// Wait blocks until the refresh operation completes or ctx is done.
func (r *refreshOperation) Wait(ctx context.Context) error {
	select {
	case <-r.ready:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsValid reports whether this result is complete, successful, and not yet
// expired.
func (r *refreshOperation) IsValid() bool {
	select {
	default:
		return false
	case <-r.ready:
		return r.err == nil && time.Now().Before(r.result.Expiration)
	}
}

// RefreshAheadCache maintains a current ConnectionInfo, refreshing it on a
// timer ahead of the previous certificate's expiry so ConnectionInfo calls
// do not block on a network round trip in the common case. Exactly one
// refresh is ever in flight.
type RefreshAheadCache struct {
	uri                 instance.URI
	client              *alloydbapi.Client
	key                 *rsa.PrivateKey
	useMetadataExchange bool
	logger              debug.ContextLogger
	userAgent           string
	metricRecorder      *telv2.MetricRecorder

	resultGuard sync.RWMutex
	// cur serves connection requests. Until the first refresh completes, cur
	// equals next; after a failed refresh with no valid prior result, cur is
	// that failed operation.
	cur *refreshOperation
	// next is in flight or scheduled in the future. Once complete it
	// replaces cur and a new refresh is scheduled.
	next *refreshOperation

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRefreshAheadCache initializes a RefreshAheadCache and starts its first
// refresh immediately.
func NewRefreshAheadCache(
	uri instance.URI,
	l debug.ContextLogger,
	client *alloydbapi.Client,
	key *rsa.PrivateKey,
	useMetadataExchange bool,
	userAgent string,
	mr *telv2.MetricRecorder,
) *RefreshAheadCache {
	ctx, cancel := context.WithCancel(context.Background())
	c := &RefreshAheadCache{
		uri:                 uri,
		client:              client,
		key:                 key,
		useMetadataExchange: useMetadataExchange,
		logger:              l,
		userAgent:           userAgent,
		metricRecorder:      mr,
		ctx:                 ctx,
		cancel:              cancel,
	}
	c.resultGuard.Lock()
	c.cur = c.scheduleRefresh(0)
	c.next = c.cur
	c.resultGuard.Unlock()
	return c
}

// ConnectionInfo returns the most recently refreshed connection info,
// waiting for an in-flight refresh to complete if necessary. Once the cache
// is closed, it returns the closed cache's context error.
func (c *RefreshAheadCache) ConnectionInfo(ctx context.Context) (ConnectionInfo, error) {
	select {
	case <-c.ctx.Done():
		return ConnectionInfo{}, c.ctx.Err()
	default:
	}
	c.resultGuard.RLock()
	cur := c.cur
	c.resultGuard.RUnlock()
	if err := cur.Wait(ctx); err != nil {
		return ConnectionInfo{}, err
	}
	return cur.result, nil
}

// ForceRefresh schedules an immediate refresh if one isn't already in
// flight. The prior result keeps serving ConnectionInfo calls until the
// forced refresh completes successfully; it is never cleared eagerly.
func (c *RefreshAheadCache) ForceRefresh() {
	c.resultGuard.Lock()
	defer c.resultGuard.Unlock()
	select {
	case <-c.ctx.Done():
		return
	default:
	}
	if c.next.Cancel() {
		c.next = c.scheduleRefresh(0)
	}
}

// Close stops the refresh cycle. No further refreshes are scheduled; any
// ConnectionInfo call still waiting on an in-flight refresh unblocks with a
// context error, and later ConnectionInfo calls return one.
func (c *RefreshAheadCache) Close() error {
	c.cancel()
	return nil
}

func (c *RefreshAheadCache) scheduleRefresh(d time.Duration) *refreshOperation {
	res := &refreshOperation{ready: make(chan struct{})}
	res.timer = time.AfterFunc(d, func() {
		c.logger.Debugf(c.ctx, "[%v] connection info refresh operation started", c.uri.String())
		res.result, res.err = performRefresh(c.ctx, c.client, c.uri, c.key, c.useMetadataExchange)
		close(res.ready)

		refreshStatus := telv2.RefreshSuccess
		if res.err != nil {
			refreshStatus = telv2.RefreshFailure
			c.logger.Debugf(c.ctx, "[%v] connection info refresh operation failed, err = %v", c.uri.String(), res.err)
		}
		if c.metricRecorder != nil {
			go c.metricRecorder.RecordRefreshCount(c.ctx, telv2.Attributes{
				UserAgent:     c.userAgent,
				RefreshType:   telv2.RefreshAheadType,
				RefreshStatus: refreshStatus,
			})
		}

		c.resultGuard.Lock()
		defer c.resultGuard.Unlock()
		if res.err != nil {
			// Retry soon, but keep serving the last known good result while
			// it's still valid rather than surfacing a transient error.
			if c.ctx.Err() == nil {
				c.next = c.scheduleRefresh(0)
			}
			if !c.cur.IsValid() {
				c.cur = res
			}
			return
		}
		c.cur = res
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		c.next = c.scheduleRefresh(refreshDuration(time.Now(), res.result.Expiration))
	})
	return res
}

// String returns the cached instance's URI.
func (c *RefreshAheadCache) String() string {
	return c.uri.String()
}
