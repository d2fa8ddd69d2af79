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

import "testing"

func TestParseIPType(t *testing.T) {
	tcs := []struct {
		in   string
		want IPType
	}{
		{"", PrivateIP},
		{"PRIVATE", PrivateIP},
		{"private", PrivateIP},
		{"PUBLIC", PublicIP},
		{"public", PublicIP},
		{"PSC", PSC},
		{"psc", PSC},
	}
	for _, tc := range tcs {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseIPType(tc.in)
			if err != nil {
				t.Fatalf("want no error, got = %v", err)
			}
			if got != tc.want {
				t.Fatalf("want = %v, got = %v", tc.want, got)
			}
		})
	}
}

func TestParseIPTypeError(t *testing.T) {
	if _, err := ParseIPType("bogus"); err == nil {
		t.Fatal("want error, got nil")
	}
}

func TestIPTypeString(t *testing.T) {
	tcs := []struct {
		in   IPType
		want string
	}{
		{PrivateIP, "PRIVATE"},
		{PublicIP, "PUBLIC"},
		{PSC, "PSC"},
	}
	for _, tc := range tcs {
		if got := tc.in.String(); got != tc.want {
			t.Fatalf("want = %v, got = %v", tc.want, got)
		}
	}
}
