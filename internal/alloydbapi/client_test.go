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

package alloydbapi_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/alloydb-connect/alloydbconn/internal/alloydbapi"
	"github.com/alloydb-connect/alloydbconn/internal/mock"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	apiopt "google.golang.org/api/option"
)

type staticTokenProvider struct{}

func (staticTokenProvider) Token(context.Context) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "test-token"}, nil
}

func newTestClient(t *testing.T, mc *http.Client, url string) *alloydbapi.Client {
	t.Helper()
	c, err := alloydbapi.NewClient(context.Background(), staticTokenProvider{},
		alloydbapi.WithAPIOptions(apiopt.WithHTTPClient(mc), apiopt.WithEndpoint(url)))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestClientConnectionInfoRetriesTransientErrors(t *testing.T) {
	inst := mock.NewFakeInstance("my-project", "my-region", "my-cluster", "my-instance")
	succeed := mock.ConnectionInfoSuccess(inst, 1)
	mc, url, cleanup := mock.HTTPClient(mock.ConnectionInfoTransientError(inst, 2, succeed))
	defer func() {
		if err := cleanup(); err != nil {
			t.Fatalf("%v", err)
		}
	}()

	c := newTestClient(t, mc, url)
	resp, err := c.ConnectionInfo(context.Background(), "my-project", "my-region", "my-cluster", "my-instance")
	if err != nil {
		t.Fatalf("ConnectionInfo failed after retryable errors: %v", err)
	}
	if resp.IPAddress == "" {
		t.Fatal("want a non-empty IP address after retry succeeds")
	}
}

func TestClientGenerateClientCertificateDoesNotRetry4xx(t *testing.T) {
	inst := mock.NewFakeInstance("my-project", "my-region", "my-cluster", "my-instance")
	// The stub only has one use left: if the client mistakenly retried the
	// 4xx response from a malformed CSR, this second call would 501 and the
	// test would fail on the unexpected status instead.
	mc, url, cleanup := mock.HTTPClient(mock.GenerateClientCertificateSuccess(inst, 1))
	defer func() {
		if err := cleanup(); err != nil {
			t.Logf("cleanup: %v", err)
		}
	}()

	c := newTestClient(t, mc, url)
	_, err := c.GenerateClientCertificate(context.Background(), "my-project", "my-region", "my-cluster", []byte("not-a-real-csr"), true)
	if err == nil {
		t.Fatal("want error for malformed CSR, got nil")
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		t.Fatalf("want = %T, got = %v", gerr, err)
	}
	if gerr.Code != http.StatusBadRequest {
		t.Fatalf("want = %d, got = %d", http.StatusBadRequest, gerr.Code)
	}
}
