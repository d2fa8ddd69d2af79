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
	"io"
	"strings"

	"github.com/alloydb-connect/alloydbconn/errtype"
)

// IPType selects which endpoint address a RefreshResult should expose as the
// one to dial.
type IPType int

const (
	// PrivateIP selects the private IP address. This is the default.
	PrivateIP IPType = iota
	// PublicIP selects the public IP address.
	PublicIP
	// PSC selects the Private Service Connect DNS name.
	PSC
)

func (t IPType) String() string {
	switch t {
	case PublicIP:
		return "PUBLIC"
	case PSC:
		return "PSC"
	default:
		return "PRIVATE"
	}
}

// ParseIPType parses a case-insensitive ip_type string into an IPType.
func ParseIPType(s string) (IPType, error) {
	switch strings.ToUpper(s) {
	case "PRIVATE", "":
		return PrivateIP, nil
	case "PUBLIC":
		return PublicIP, nil
	case "PSC":
		return PSC, nil
	default:
		return 0, errtype.NewConfigError("invalid IP type, want one of PRIVATE, PUBLIC, PSC, got "+s, "n/a")
	}
}

// RefreshStrategy selects when a connectionInfoCache produces new
// credentials.
type RefreshStrategy int

const (
	// Background proactively refreshes ahead of expiry on a timer. This is
	// the default strategy.
	Background RefreshStrategy = iota
	// Lazy refreshes only when a caller asks for connection info and the
	// cached result is missing or expired. Suitable for short-lived
	// processes (serverless) where a background timer would outlive the
	// request that started it.
	Lazy
)

// connectionInfoCache is the interface both refresh strategies implement.
// Callers of ConnectionInfo never trigger a second concurrent refresh --
// exactly one refresh is ever in flight per cache.
type connectionInfoCache interface {
	ConnectionInfo(context.Context) (ConnectionInfo, error)
	ForceRefresh()
	io.Closer
}

var (
	_ connectionInfoCache = (*RefreshAheadCache)(nil)
	_ connectionInfoCache = (*LazyRefreshCache)(nil)
)
