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
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/alloydb-connect/alloydbconn/internal/alloydb"
)

func TestWithCredentialsJSONInvalid(t *testing.T) {
	cfg := &dialerConfig{}
	WithCredentialsJSON([]byte("not-json"))(cfg)
	if cfg.err == nil {
		t.Fatal("want error for invalid credentials JSON, got nil")
	}
}

func TestWithCredentialsFileMissing(t *testing.T) {
	cfg := &dialerConfig{}
	WithCredentialsFile("/does/not/exist.json")(cfg)
	if cfg.err == nil {
		t.Fatal("want error for missing credentials file, got nil")
	}
}

func TestWithLazyRefresh(t *testing.T) {
	cfg := &dialerConfig{}
	if cfg.refreshStrategy != alloydb.Background {
		t.Fatalf("want default strategy = Background, got = %v", cfg.refreshStrategy)
	}
	WithLazyRefresh()(cfg)
	if cfg.refreshStrategy != alloydb.Lazy {
		t.Fatalf("want strategy = Lazy, got = %v", cfg.refreshStrategy)
	}
}

func TestWithIAMAuthN(t *testing.T) {
	cfg := &dialerConfig{}
	WithIAMAuthN()(cfg)
	if !cfg.useIAMAuthN {
		t.Fatal("want useIAMAuthN = true, got false")
	}
}

func TestWithRSAKey(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &dialerConfig{}
	WithRSAKey(key)(cfg)
	if cfg.rsaKey != key {
		t.Fatal("want configured RSA key to be preserved")
	}
}

func TestWithMetricsProjectID(t *testing.T) {
	cfg := &dialerConfig{}
	WithMetrics()(cfg)
	WithMetricsProjectID("my-project")(cfg)
	if !cfg.metricsEnabled {
		t.Fatal("want metricsEnabled = true, got false")
	}
	if cfg.metricsProjectID != "my-project" {
		t.Fatalf("want = %v, got = %v", "my-project", cfg.metricsProjectID)
	}
}

func TestWithUserAgent(t *testing.T) {
	cfg := &dialerConfig{userAgents: []string{"base/1.0"}}
	WithUserAgent("extra/2.0")(cfg)
	if len(cfg.userAgents) != 2 || cfg.userAgents[1] != "extra/2.0" {
		t.Fatalf("want userAgents to include appended value, got = %v", cfg.userAgents)
	}
}

func TestDialOptionsIPType(t *testing.T) {
	tcs := []struct {
		desc string
		opt  DialOption
		want alloydb.IPType
	}{
		{"private", WithPrivateIP(), alloydb.PrivateIP},
		{"public", WithPublicIP(), alloydb.PublicIP},
		{"psc", WithPSC(), alloydb.PSC},
		{"ip type string, private", WithIPType("private"), alloydb.PrivateIP},
		{"ip type string, case-insensitive public", WithIPType("PuBlIc"), alloydb.PublicIP},
		{"ip type string, psc", WithIPType("PSC"), alloydb.PSC},
	}
	for _, tc := range tcs {
		t.Run(tc.desc, func(t *testing.T) {
			cfg := &dialCfg{}
			tc.opt(cfg)
			if cfg.err != nil {
				t.Fatalf("unexpected error: %v", cfg.err)
			}
			if cfg.ipType != tc.want {
				t.Fatalf("want = %v, got = %v", tc.want, cfg.ipType)
			}
		})
	}
}

func TestWithIPTypeInvalid(t *testing.T) {
	cfg := &dialCfg{}
	WithIPType("not-a-real-ip-type")(cfg)
	if cfg.err == nil {
		t.Fatal("want error for invalid ip_type string, got nil")
	}
}
