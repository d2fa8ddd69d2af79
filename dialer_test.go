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

package alloydbconn_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/alloydb-connect/alloydbconn"
	"github.com/alloydb-connect/alloydbconn/errtype"
	"github.com/alloydb-connect/alloydbconn/internal/mock"
	"golang.org/x/oauth2"
)

type stubTokenSource struct{}

func (stubTokenSource) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "test-token"}, nil
}

func newTestDialer(t *testing.T, extra ...alloydbconn.Option) (*alloydbconn.Dialer, func()) {
	t.Helper()
	inst := mock.NewFakeInstance("my-project", "my-region", "my-cluster", "my-instance")
	mc, url, cleanupHTTP := mock.HTTPClient(
		mock.ConnectionInfoSuccess(inst, 1),
		mock.GenerateClientCertificateSuccess(inst, 1),
	)
	stopProxy := mock.StartServerProxy(t, inst)

	opts := append([]alloydbconn.Option{
		alloydbconn.WithTokenSource(stubTokenSource{}),
		alloydbconn.WithHTTPClient(mc),
		alloydbconn.WithAdminAPIEndpoint(url),
	}, extra...)
	d, err := alloydbconn.NewDialer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("NewDialer failed: %v", err)
	}
	return d, func() {
		d.Close()
		stopProxy()
		if err := cleanupHTTP(); err != nil {
			t.Fatalf("%v", err)
		}
	}
}

func TestDialerDialSucceeds(t *testing.T) {
	d, cleanup := newTestDialer(t)
	defer cleanup()

	conn, err := d.Dial(context.Background(), "my-project.my-region.my-cluster.my-instance")
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	// The fake server proxy echoes the instance name once the metadata
	// exchange completes, standing in for the database protocol taking
	// over.
	buf := make([]byte, len("my-instance"))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("failed to read post-handshake echo: %v", err)
	}
	if got := string(buf); got != "my-instance" {
		t.Fatalf("want = %q, got = %q", "my-instance", got)
	}
}

func TestDialerDialWithIAMAuthNSucceeds(t *testing.T) {
	d, cleanup := newTestDialer(t, alloydbconn.WithIAMAuthN())
	defer cleanup()

	conn, err := d.Dial(context.Background(), "my-project.my-region.my-cluster.my-instance")
	if err != nil {
		t.Fatalf("Dial with IAM authentication failed: %v", err)
	}
	conn.Close()
}

func TestDialerDialInvalidURI(t *testing.T) {
	d, cleanup := newTestDialer(t)
	defer cleanup()

	_, err := d.Dial(context.Background(), "not-a-valid-uri")
	var wantErr *errtype.ConfigError
	if !errors.As(err, &wantErr) {
		t.Fatalf("want = %T, got = %v", wantErr, err)
	}
}

func TestDialerDialMissingIPType(t *testing.T) {
	d, cleanup := newTestDialer(t)
	defer cleanup()

	// The fake instance only has a private IP configured.
	_, err := d.Dial(context.Background(), "my-project.my-region.my-cluster.my-instance", alloydbconn.WithPublicIP())
	var wantErr *errtype.ConfigError
	if !errors.As(err, &wantErr) {
		t.Fatalf("want = %T, got = %v", wantErr, err)
	}
}

func TestDialerCloseClosesCaches(t *testing.T) {
	d, cleanup := newTestDialer(t)
	defer cleanup()

	if _, err := d.Dial(context.Background(), "my-project.my-region.my-cluster.my-instance"); err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	_, err := d.Dial(context.Background(), "my-project.my-region.my-cluster.my-instance")
	if !errors.Is(err, alloydbconn.ErrDialerClosed) {
		t.Fatalf("want = %v, got = %v", alloydbconn.ErrDialerClosed, err)
	}
	var closedErr *errtype.ClosedError
	if !errors.As(err, &closedErr) {
		t.Fatalf("want = %T, got = %v", closedErr, err)
	}
}

func TestDialerConcurrentDialSharesRefresh(t *testing.T) {
	d, cleanup := newTestDialer(t)
	defer cleanup()

	const n = 10
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			conn, err := d.Dial(context.Background(), "my-project.my-region.my-cluster.my-instance")
			if err == nil {
				conn.Close()
			}
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Errorf("concurrent Dial failed: %v", err)
		}
	}
}
