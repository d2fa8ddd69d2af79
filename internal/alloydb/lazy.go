// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	https://www.apache.org/licenses/LICENSE-2.0
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

// LazyRefreshCache caches connection info and refreshes the cache only when
// a caller requests connection info and the current certificate is within
// refreshBuffer of expiring. It runs no background timer, which suits
// short-lived processes (serverless) where a timer would outlive the
// request that started it.
type LazyRefreshCache struct {
	uri                 instance.URI
	logger              debug.ContextLogger
	client              *alloydbapi.Client
	key                 *rsa.PrivateKey
	useMetadataExchange bool
	userAgent           string
	metricRecorder      *telv2.MetricRecorder

	mu           sync.Mutex
	needsRefresh bool
	cached       ConnectionInfo
}

// NewLazyRefreshCache initializes a new LazyRefreshCache.
func NewLazyRefreshCache(
	uri instance.URI,
	l debug.ContextLogger,
	client *alloydbapi.Client,
	key *rsa.PrivateKey,
	useMetadataExchange bool,
	userAgent string,
	mr *telv2.MetricRecorder,
) *LazyRefreshCache {
	return &LazyRefreshCache{
		uri:                 uri,
		logger:              l,
		client:              client,
		key:                 key,
		useMetadataExchange: useMetadataExchange,
		userAgent:           userAgent,
		metricRecorder:      mr,
	}
}

// ConnectionInfo returns connection info for the associated instance. New
// connection info is retrieved under two conditions:
//   - the cached certificate is within refreshBuffer of expiring, or
//   - a caller has separately called ForceRefresh
func (c *LazyRefreshCache) ConnectionInfo(ctx context.Context) (ConnectionInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	exp := c.cached.Expiration.UTC().Add(-refreshBuffer)
	if !c.needsRefresh && now.Before(exp) {
		c.logger.Debugf(ctx, "[%v] connection info is still valid, using cached info", c.uri.String())
		return c.cached, nil
	}

	c.logger.Debugf(ctx, "[%v] connection info refresh operation started", c.uri.String())
	ci, err := performRefresh(ctx, c.client, c.uri, c.key, c.useMetadataExchange)
	if err != nil {
		c.logger.Debugf(ctx, "[%v] connection info refresh operation failed, err = %v", c.uri.String(), err)
		if c.metricRecorder != nil {
			go c.metricRecorder.RecordRefreshCount(ctx, telv2.Attributes{
				UserAgent:     c.userAgent,
				RefreshType:   telv2.RefreshLazyType,
				RefreshStatus: telv2.RefreshFailure,
			})
		}
		return ConnectionInfo{}, err
	}
	if c.metricRecorder != nil {
		go c.metricRecorder.RecordRefreshCount(ctx, telv2.Attributes{
			UserAgent:     c.userAgent,
			RefreshType:   telv2.RefreshLazyType,
			RefreshStatus: telv2.RefreshSuccess,
		})
	}
	c.logger.Debugf(ctx, "[%v] connection info refresh operation complete", c.uri.String())
	c.logger.Debugf(ctx, "[%v] current certificate expiration = %v", c.uri.String(), ci.Expiration.UTC().Format(time.RFC3339))
	c.cached = ci
	c.needsRefresh = false
	return ci, nil
}

// ForceRefresh invalidates the cache so the next call to ConnectionInfo
// retrieves a fresh result.
func (c *LazyRefreshCache) ForceRefresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.needsRefresh = true
}

// Close is a no-op, provided purely for a consistent interface with
// RefreshAheadCache.
func (c *LazyRefreshCache) Close() error {
	return nil
}
