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

package alloydbconn

import (
	"context"
	"crypto/rsa"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/alloydb-connect/alloydbconn/errtype"
	"github.com/alloydb-connect/alloydbconn/internal/alloydb"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	apiopt "google.golang.org/api/option"
)

// CloudPlatformScope is the default OAuth2 scope set on the API client.
const CloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// An Option is an option for configuring a Dialer.
type Option func(d *dialerConfig)

type dialerConfig struct {
	rsaKey            *rsa.PrivateKey
	adminOpts         []apiopt.ClientOption
	dialOpts          []DialOption
	dialFunc          func(ctx context.Context, network, addr string) (net.Conn, error)
	tokens            tokenProvider
	userAgents        []string
	useIAMAuthN       bool
	refreshStrategy   alloydb.RefreshStrategy
	metricsEnabled    bool
	metricsProjectID  string
	// err tracks any dialer options that may have failed.
	err error
}

// WithOptions turns a list of Option's into a single Option.
func WithOptions(opts ...Option) Option {
	return func(d *dialerConfig) {
		for _, opt := range opts {
			opt(d)
		}
	}
}

// tokenProvider adapts a static or google oauth2.TokenSource to the
// alloydbapi.TokenProvider interface, which carries a context so a token can
// be re-fetched right before a request goes out.
type tokenProvider struct {
	source oauth2.TokenSource
}

func (t tokenProvider) Token(context.Context) (*oauth2.Token, error) {
	return t.source.Token()
}

// WithCredentialsFile returns an Option that specifies a service account
// or refresh token JSON credentials file to be used as the basis for
// authentication.
func WithCredentialsFile(filename string) Option {
	return func(d *dialerConfig) {
		b, err := os.ReadFile(filename)
		if err != nil {
			d.err = errtype.NewConfigError(err.Error(), "n/a")
			return
		}
		opt := WithCredentialsJSON(b)
		opt(d)
	}
}

// WithCredentialsJSON returns an Option that specifies a service account
// or refresh token JSON credentials to be used as the basis for authentication.
func WithCredentialsJSON(b []byte) Option {
	return func(d *dialerConfig) {
		c, err := google.CredentialsFromJSON(context.Background(), b, CloudPlatformScope)
		if err != nil {
			d.err = errtype.NewConfigError(err.Error(), "n/a")
			return
		}
		d.tokens = tokenProvider{source: c.TokenSource}
	}
}

// WithUserAgent returns an Option that sets the User-Agent.
func WithUserAgent(ua string) Option {
	return func(d *dialerConfig) {
		d.userAgents = append(d.userAgents, ua)
	}
}

// WithDefaultDialOptions returns an Option that specifies the default
// DialOptions used.
func WithDefaultDialOptions(opts ...DialOption) Option {
	return func(d *dialerConfig) {
		d.dialOpts = append(d.dialOpts, opts...)
	}
}

// WithTokenSource returns an Option that specifies an OAuth2 token source
// to be used as the basis for authentication.
func WithTokenSource(s oauth2.TokenSource) Option {
	return func(d *dialerConfig) {
		d.tokens = tokenProvider{source: s}
	}
}

// WithRSAKey returns an Option that specifies a rsa.PrivateKey used to represent the client.
func WithRSAKey(k *rsa.PrivateKey) Option {
	return func(d *dialerConfig) {
		d.rsaKey = k
	}
}

// WithHTTPClient configures the underlying AlloyDB Admin API client with the
// provided HTTP client. This option is generally unnecessary except for
// advanced use-cases.
func WithHTTPClient(client *http.Client) Option {
	return func(d *dialerConfig) {
		d.adminOpts = append(d.adminOpts, apiopt.WithHTTPClient(client))
	}
}

// WithAdminAPIEndpoint configures the underlying AlloyDB Admin API client to
// use the provided URL.
func WithAdminAPIEndpoint(url string) Option {
	return func(d *dialerConfig) {
		d.adminOpts = append(d.adminOpts, apiopt.WithEndpoint(url))
	}
}

// WithQuotaProject configures the GCP project used to bill and rate-limit
// AlloyDB Admin API calls, overriding the project implied by credentials.
func WithQuotaProject(p string) Option {
	return func(d *dialerConfig) {
		d.adminOpts = append(d.adminOpts, apiopt.WithQuotaProject(p))
	}
}

// WithDialFunc configures the function used to connect to the address on the
// named network. This option is generally unnecessary except for advanced
// use-cases. The function is used for all invocations of Dial. To configure
// a dial function per individual calls to dial, use WithOneOffDialFunc.
func WithDialFunc(dial func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(d *dialerConfig) {
		d.dialFunc = dial
	}
}

// WithIAMAuthN enables automatic IAM Authentication. Instead of relying on
// the control plane to validate a database-native password, the metadata
// exchange carries the caller's own OAuth2 token, which the server validates
// against IAM. If no token source has been configured (such as with
// WithTokenSource, WithCredentialsFile, etc), the dialer uses the default
// token source as defined by
// https://pkg.go.dev/golang.org/x/oauth2/google#FindDefaultCredentialsWithParams.
func WithIAMAuthN() Option {
	return func(d *dialerConfig) {
		d.useIAMAuthN = true
	}
}

// WithLazyRefresh configures a Dialer to refresh connection info lazily,
// only as needed when handling a Dial call, instead of on a background
// timer. This setting is appropriate for serverless environments where the
// process may be frozen between invocations and a background timer would
// otherwise keep firing against a suspended process (or simply outlive it).
func WithLazyRefresh() Option {
	return func(d *dialerConfig) {
		d.refreshStrategy = alloydb.Lazy
	}
}

// WithMetrics enables OpenTelemetry metric collection, exported to Cloud
// Monitoring under the project configured by WithMetricsProjectID (or the
// project implied by ambient credentials, if unset).
func WithMetrics() Option {
	return func(d *dialerConfig) {
		d.metricsEnabled = true
	}
}

// WithMetricsProjectID sets the GCP project that exported metrics are
// attributed to. Has no effect unless WithMetrics is also set.
func WithMetricsProjectID(id string) Option {
	return func(d *dialerConfig) {
		d.metricsProjectID = id
	}
}

// A DialOption is an option for configuring how a Dialer's Dial call is executed.
type DialOption func(d *dialCfg)

type dialCfg struct {
	dialFunc     func(ctx context.Context, network, addr string) (net.Conn, error)
	tcpKeepAlive time.Duration
	ipType       alloydb.IPType
	// err tracks any DialOption that may have failed.
	err error
}

// DialOptions turns a list of DialOption instances into an DialOption.
func DialOptions(opts ...DialOption) DialOption {
	return func(cfg *dialCfg) {
		for _, opt := range opts {
			opt(cfg)
		}
	}
}

// WithOneOffDialFunc configures the dial function on a one-off basis for an
// individual call to Dial. To configure a dial function across all invocations
// of Dial, use WithDialFunc.
func WithOneOffDialFunc(dial func(ctx context.Context, network, addr string) (net.Conn, error)) DialOption {
	return func(c *dialCfg) {
		c.dialFunc = dial
	}
}

// WithTCPKeepAlive returns a DialOption that specifies the tcp keep alive period for the connection returned by Dial.
func WithTCPKeepAlive(d time.Duration) DialOption {
	return func(cfg *dialCfg) {
		cfg.tcpKeepAlive = d
	}
}

// WithPrivateIP returns a DialOption that specifies a connection should be
// made using the instance's private IP address. This is the default.
func WithPrivateIP() DialOption {
	return func(cfg *dialCfg) {
		cfg.ipType = alloydb.PrivateIP
	}
}

// WithPublicIP returns a DialOption that specifies a connection should be
// made using the instance's public IP address.
func WithPublicIP() DialOption {
	return func(cfg *dialCfg) {
		cfg.ipType = alloydb.PublicIP
	}
}

// WithPSC returns a DialOption that specifies a connection should be made
// using the instance's Private Service Connect DNS name.
func WithPSC() DialOption {
	return func(cfg *dialCfg) {
		cfg.ipType = alloydb.PSC
	}
}

// WithIPType returns a DialOption that specifies a connection should be made
// using the ip_type named by s, a case-insensitive string: "PRIVATE" (the
// default), "PUBLIC", or "PSC". Use this to configure ip_type from a plain
// string, such as one loaded from a configuration file; WithPrivateIP,
// WithPublicIP, and WithPSC are the equivalent symbolic constants.
func WithIPType(s string) DialOption {
	return func(cfg *dialCfg) {
		t, err := alloydb.ParseIPType(s)
		if err != nil {
			cfg.err = err
			return
		}
		cfg.ipType = t
	}
}
