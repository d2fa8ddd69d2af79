// Copyright 2022 Google LLC
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
	"errors"
	"testing"
	"time"

	"github.com/alloydb-connect/alloydbconn/errtype"
	"github.com/alloydb-connect/alloydbconn/internal/mock"
)

func TestPerformRefresh(t *testing.T) {
	wantIP := "127.0.0.1"
	wantExpiry := time.Now().Add(time.Hour).UTC().Round(time.Second)
	u := testInstanceURI()
	inst := mock.NewFakeInstance(u.Project, u.Region, u.Cluster, u.Name,
		mock.WithCertExpiry(wantExpiry),
	)
	mc, url, cleanup := mock.HTTPClient(
		mock.ConnectionInfoSuccess(inst, 1),
		mock.GenerateClientCertificateSuccess(inst, 1),
	)
	defer func() {
		if err := cleanup(); err != nil {
			t.Fatalf("%v", err)
		}
	}()

	cl := testClient(t, mc, url)
	ci, err := performRefresh(context.Background(), cl, u, rsaKey, false)
	if err != nil {
		t.Fatalf("performRefresh unexpectedly failed: %v", err)
	}

	if got := ci.IPAddrs[PrivateIP.String()]; got != wantIP {
		t.Fatalf("private IP mismatch, want = %v, got = %v", wantIP, got)
	}
	if !ci.Expiration.Equal(wantExpiry) {
		t.Fatalf("expiry mismatch, want = %v, got = %v", wantExpiry, ci.Expiration)
	}
}

func TestPerformRefreshControlPlaneError(t *testing.T) {
	u := testInstanceURI()
	// No stubs registered: every request to the mock control plane 501s.
	mc, url, cleanup := mock.HTTPClient()
	defer func() {
		if err := cleanup(); err != nil {
			t.Fatalf("%v", err)
		}
	}()

	cl := testClient(t, mc, url)
	_, err := performRefresh(context.Background(), cl, u, rsaKey, false)
	var wantErr *errtype.ControlPlaneError
	if !errors.As(err, &wantErr) {
		t.Fatalf("want = %T, got = %v", wantErr, err)
	}
}

func TestTLSConfigRejectsMismatchedInstanceUID(t *testing.T) {
	u := testInstanceURI()
	wantExpiry := time.Now().Add(time.Hour).UTC().Round(time.Second)
	inst := mock.NewFakeInstance(u.Project, u.Region, u.Cluster, u.Name,
		mock.WithCertExpiry(wantExpiry),
		mock.WithInstanceUID("real-uid"),
	)
	mc, url, cleanup := mock.HTTPClient(
		mock.ConnectionInfoSuccess(inst, 1),
		mock.GenerateClientCertificateSuccess(inst, 1),
	)
	defer func() {
		if err := cleanup(); err != nil {
			t.Fatalf("%v", err)
		}
	}()

	cl := testClient(t, mc, url)
	ci, err := performRefresh(context.Background(), cl, u, rsaKey, false)
	if err != nil {
		t.Fatalf("performRefresh unexpectedly failed: %v", err)
	}

	cfg := ci.TLSConfig()
	// Simulate a server presenting the client's own leaf+intermediate chain.
	// The leaf is issued for client authentication only, so it does not
	// verify as a server certificate, and it does not carry the instance's
	// UID either; both cases are reported as a CertificateError.
	err = cfg.VerifyPeerCertificate(ci.clientCert.Certificate, nil)
	if err == nil {
		t.Fatal("want certificate identity mismatch error, got nil")
	}
	var wantErr *errtype.CertificateError
	if !errors.As(err, &wantErr) {
		t.Fatalf("want = %T, got = %v", wantErr, err)
	}
}
