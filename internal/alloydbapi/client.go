// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package alloydbapi is a minimal REST client for the two AlloyDB Admin API
// RPCs the connector needs: fetching connection info and signing an
// ephemeral client certificate. It retries transient failures with a
// bounded, jittered exponential back-off and re-fetches its bearer token
// immediately before every call.
package alloydbapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	htransport "google.golang.org/api/transport/http"
)

// baseURL is the production API endpoint of the AlloyDB Admin API.
const baseURL = "https://alloydb.googleapis.com/v1beta"

const (
	// retryBaseDelay is the starting delay of the retry back-off.
	retryBaseDelay = 200 * time.Millisecond
	// retryMaxDelay caps the delay between retries.
	retryMaxDelay = 60 * time.Second
	// retryMaxAttempts bounds the total number of attempts (including the
	// first).
	retryMaxAttempts = 5
	// perCallTimeout is the default deadline applied to a single RPC, across
	// all of its retries.
	perCallTimeout = 30 * time.Second
)

// ConnectionInfoResponse is the response from the connection info endpoint.
type ConnectionInfoResponse struct {
	ServerResponse  googleapi.ServerResponse
	IPAddress       string `json:"ipAddress"`
	PublicIPAddress string `json:"publicIpAddress"`
	PSCDNSName      string `json:"pscDnsName"`
	InstanceUID     string `json:"instanceUid"`
}

// GenerateClientCertificateRequest is the request to generate a client
// certificate.
type GenerateClientCertificateRequest struct {
	PemCSR              string `json:"pemCsr"`
	CertificateDuration string `json:"certDuration"`
	UseMetadataExchange bool   `json:"useMetadataExchange,omitempty"`
}

// GenerateClientCertificateResponse is the response from the certificate
// endpoint.
type GenerateClientCertificateResponse struct {
	ServerResponse      googleapi.ServerResponse
	PemCertificate      string   `json:"pemCertificate"`
	PemCertificateChain []string `json:"pemCertificateChain"`
}

// TokenProvider supplies the bearer token attached to every admin API
// request. It is invoked fresh for each call so that the token used to sign
// a certificate carries its full remaining lifetime.
type TokenProvider interface {
	Token(ctx context.Context) (*oauth2.Token, error)
}

// Client is an API client to the AlloyDB Admin REST API.
type Client struct {
	client   *http.Client
	endpoint string
	tokens   TokenProvider
	timeout  time.Duration
}

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	apiOpts []option.ClientOption
	timeout time.Duration
}

// WithAPIOptions passes through additional google.golang.org/api/option
// ClientOptions (HTTP client override, endpoint override, quota project,
// user agent, etc).
func WithAPIOptions(opts ...option.ClientOption) Option {
	return func(c *clientConfig) { c.apiOpts = append(c.apiOpts, opts...) }
}

// WithTimeout overrides the default per-call RPC deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.timeout = d }
}

// NewClient initializes a Client. Authentication is handled per-call via
// tokens, not by the underlying HTTP transport, so that the token used to
// authorize a request is always fetched just before it is sent.
func NewClient(ctx context.Context, tokens TokenProvider, opts ...Option) (*Client, error) {
	cfg := &clientConfig{timeout: perCallTimeout}
	for _, o := range opts {
		o(cfg)
	}
	apiOpts := append([]option.ClientOption{
		option.WithEndpoint(baseURL),
	}, cfg.apiOpts...)
	apiOpts = append(apiOpts,
		// do not allow overriding the scopes
		option.WithScopes("https://www.googleapis.com/auth/cloud-platform"),
		option.WithoutAuthentication(),
	)
	client, endpoint, err := htransport.NewClient(ctx, apiOpts...)
	if err != nil {
		return nil, err
	}
	return &Client{client: client, endpoint: endpoint, tokens: tokens, timeout: cfg.timeout}, nil
}

// newBackOff returns the connector's fixed retry schedule: exponential,
// jittered, base 200ms, cap 60s, bounded to retryMaxAttempts attempts.
func newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryBaseDelay
	b.MaxInterval = retryMaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0 // bounded by attempt count below, not elapsed time
	return backoff.WithContext(backoff.WithMaxRetries(b, retryMaxAttempts-1), ctx)
}

func isRetryable(statusCode int) bool {
	return statusCode >= http.StatusInternalServerError
}

// doWithRetry issues req, retrying 5xx responses and network-level failures
// with the connector's back-off schedule. 4xx responses are returned
// immediately without retry.
func (c *Client) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp *http.Response
	op := func() error {
		attempt := req.WithContext(ctx)
		// Each attempt sends its own copy of the request body.
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return backoff.Permanent(err)
			}
			attempt.Body = body
		}
		r, err := c.client.Do(attempt)
		if err != nil {
			// connection reset, DNS failure, etc are always transient.
			return err
		}
		if isRetryable(r.StatusCode) {
			body, _ := io.ReadAll(r.Body)
			r.Body.Close()
			return fmt.Errorf("transient control-plane error, status = %d: %s", r.StatusCode, body)
		}
		resp = r
		return nil
	}
	if err := backoff.Retry(op, newBackOff(ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain oauth2 token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	return nil
}

func readErrBody(res *http.Response) error {
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	return &googleapi.Error{
		Code:   res.StatusCode,
		Header: res.Header,
		Body:   string(body),
	}
}

// ConnectionInfo retrieves connection info for the provided instance.
func (c *Client) ConnectionInfo(ctx context.Context, project, region, cluster, inst string) (ConnectionInfoResponse, error) {
	u := fmt.Sprintf(
		"%s/projects/%s/locations/%s/clusters/%s/instances/%s/connectionInfo",
		c.endpoint, project, region, cluster, inst,
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ConnectionInfoResponse{}, err
	}
	if err := c.authorize(ctx, req); err != nil {
		return ConnectionInfoResponse{}, err
	}
	res, err := c.doWithRetry(ctx, req)
	if err != nil {
		return ConnectionInfoResponse{}, err
	}
	defer res.Body.Close()

	// If the status code is 300 or greater, capture any information in the
	// response and return it as part of the error.
	if res.StatusCode >= http.StatusMultipleChoices {
		return ConnectionInfoResponse{}, readErrBody(res)
	}
	ret := ConnectionInfoResponse{
		ServerResponse: googleapi.ServerResponse{
			Header:         res.Header,
			HTTPStatusCode: res.StatusCode,
		},
	}
	if err := json.NewDecoder(res.Body).Decode(&ret); err != nil {
		return ConnectionInfoResponse{}, err
	}
	return ret, nil
}

// GenerateClientCertificate creates a client certificate using the provided
// CSR. The caller's token is fetched immediately before the request so it
// carries full remaining lifetime for the duration of the cert.
func (c *Client) GenerateClientCertificate(
	ctx context.Context, project, region, cluster string, csr []byte, useMetadataExchange bool,
) (GenerateClientCertificateResponse, error) {
	u := fmt.Sprintf(
		"%s/projects/%s/locations/%s/clusters/%s:generateClientCertificate",
		c.endpoint, project, region, cluster,
	)
	body, err := json.Marshal(GenerateClientCertificateRequest{
		PemCSR:              string(csr),
		CertificateDuration: "3600s",
		UseMetadataExchange: useMetadataExchange,
	})
	if err != nil {
		return GenerateClientCertificateResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return GenerateClientCertificateResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, req); err != nil {
		return GenerateClientCertificateResponse{}, err
	}
	res, err := c.doWithRetry(ctx, req)
	if err != nil {
		return GenerateClientCertificateResponse{}, err
	}
	defer res.Body.Close()
	if res.StatusCode >= http.StatusMultipleChoices {
		return GenerateClientCertificateResponse{}, readErrBody(res)
	}
	ret := GenerateClientCertificateResponse{
		ServerResponse: googleapi.ServerResponse{
			Header:         res.Header,
			HTTPStatusCode: res.StatusCode,
		},
	}
	if err := json.NewDecoder(res.Body).Decode(&ret); err != nil {
		return GenerateClientCertificateResponse{}, err
	}
	return ret, nil
}
