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
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/alloydb-connect/alloydbconn/errtype"
	"github.com/alloydb-connect/alloydbconn/instance"
	"github.com/alloydb-connect/alloydbconn/internal/alloydbapi"
)

// certificateClockSkew is the tolerance applied on both sides of a leaf
// certificate's validity window, to absorb small clock drift between this
// host and the control plane.
const certificateClockSkew = 30 * time.Second

// ConnectionInfo is the immutable result of a single refresh: the endpoints
// to dial, the instance's identity, and a ready mTLS configuration pinned to
// that identity.
type ConnectionInfo struct {
	Instance instance.URI

	// IPAddrs maps an IPType's String() to the address the control plane
	// returned for it. A type with no address configured on the instance is
	// simply absent from the map.
	IPAddrs map[string]string
	// PSCDNSName is the DNS name to dial when IPType is PSC. Empty if PSC is
	// not enabled on the instance.
	PSCDNSName string

	// InstanceUID is the server-assigned identity used as the expected TLS
	// peer SAN, since the address being dialed is frequently a bare IP.
	InstanceUID string
	// Expiration is the UTC instant the leaf certificate stops being valid.
	Expiration time.Time

	clientCert tls.Certificate
	rootCAs    *x509.CertPool
}

// Expired reports whether now is within buffer of Expiration, or past it.
func (c ConnectionInfo) Expired(now time.Time, buffer time.Duration) bool {
	return !now.Before(c.Expiration.Add(-buffer))
}

// TLSConfig returns a TLS client configuration using the refreshed
// certificate chain, pinned to InstanceUID as the expected peer identity
// rather than to whatever hostname or IP is being dialed.
func (c ConnectionInfo) TLSConfig() *tls.Config {
	uid := c.InstanceUID
	inst := c.Instance.String()
	return &tls.Config{
		Certificates: []tls.Certificate{c.clientCert},
		RootCAs:      c.rootCAs,
		// stdlib hostname verification assumes ServerName is a DNS name or
		// IP; our peer identity is an opaque instance UID carried in the
		// leaf's subject, so verification happens entirely below.
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errtype.NewCertificateError("server presented no certificate", inst, nil)
			}
			leaf, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return errtype.NewCertificateError("failed to parse server certificate", inst, err)
			}

			intermediates := x509.NewCertPool()
			for _, raw := range rawCerts[1:] {
				ic, err := x509.ParseCertificate(raw)
				if err != nil {
					return errtype.NewCertificateError("failed to parse intermediate certificate", inst, err)
				}
				intermediates.AddCert(ic)
			}
			opts := x509.VerifyOptions{Roots: c.rootCAs, Intermediates: intermediates, CurrentTime: time.Now()}
			if _, err := leaf.Verify(opts); err != nil {
				return errtype.NewCertificateError("failed to verify server certificate chain", inst, err)
			}

			if leaf.Subject.CommonName != uid && !containsName(leaf.DNSNames, uid) {
				return errtype.NewCertificateError(
					fmt.Sprintf("certificate identity %q did not match expected instance UID %q",
						leaf.Subject.CommonName, uid),
					inst, nil,
				)
			}
			return nil
		},
	}
}

func containsName(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}

var errInvalidPEM = errors.New("certificate is not valid PEM")

func parseCert(pemCert string) (*x509.Certificate, error) {
	b, _ := pem.Decode([]byte(pemCert))
	if b == nil {
		return nil, errInvalidPEM
	}
	return x509.ParseCertificate(b.Bytes)
}

// fetchConnectionInfo calls the control plane's connectionInfo RPC.
func fetchConnectionInfo(
	ctx context.Context, cl *alloydbapi.Client, uri instance.URI,
) (alloydbapi.ConnectionInfoResponse, error) {
	resp, err := cl.ConnectionInfo(ctx, uri.Project, uri.Region, uri.Cluster, uri.Name)
	if err != nil {
		return alloydbapi.ConnectionInfoResponse{}, errtype.NewControlPlaneError(
			"failed to get instance connection info", uri.String(), statusCodeOf(err), err,
		)
	}
	return resp, nil
}

// fetchEphemeralCert requests a signed client certificate for key, and
// validates that the returned leaf is within its validity window (with
// clock-skew tolerance) before handing it back.
func fetchEphemeralCert(
	ctx context.Context, cl *alloydbapi.Client, uri instance.URI, key *rsa.PrivateKey, useMetadataExchange bool,
) (cert tls.Certificate, chain *x509.CertPool, expiry time.Time, err error) {
	subj := pkix.Name{
		CommonName:         "alloydb-proxy",
		Country:            []string{"US"},
		Province:           []string{"CA"},
		Locality:           []string{"Sunnyvale"},
		Organization:       []string{"AlloyDB Connect"},
		OrganizationalUnit: []string{"Cloud"},
	}
	tmpl := x509.CertificateRequest{Subject: subj, SignatureAlgorithm: x509.SHA256WithRSA}
	csrBytes, err := x509.CreateCertificateRequest(rand.Reader, &tmpl, key)
	if err != nil {
		return tls.Certificate{}, nil, time.Time{}, err
	}
	buf := &bytes.Buffer{}
	if err := pem.Encode(buf, &pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrBytes}); err != nil {
		return tls.Certificate{}, nil, time.Time{}, err
	}

	resp, err := cl.GenerateClientCertificate(ctx, uri.Project, uri.Region, uri.Cluster, buf.Bytes(), useMetadataExchange)
	if err != nil {
		return tls.Certificate{}, nil, time.Time{}, errtype.NewControlPlaneError(
			"failed to generate ephemeral client certificate", uri.String(), statusCodeOf(err), err,
		)
	}
	if len(resp.PemCertificateChain) != 2 {
		return tls.Certificate{}, nil, time.Time{}, errtype.NewCertificateError(
			"control plane did not return the expected intermediate and root certificates",
			uri.String(), nil,
		)
	}

	leaf, err := parseCert(resp.PemCertificate)
	if err != nil {
		return tls.Certificate{}, nil, time.Time{}, errtype.NewCertificateError("failed to parse client certificate", uri.String(), err)
	}
	intermed, err := parseCert(resp.PemCertificateChain[0])
	if err != nil {
		return tls.Certificate{}, nil, time.Time{}, errtype.NewCertificateError("failed to parse intermediate certificate", uri.String(), err)
	}
	root, err := parseCert(resp.PemCertificateChain[1])
	if err != nil {
		return tls.Certificate{}, nil, time.Time{}, errtype.NewCertificateError("failed to parse root certificate", uri.String(), err)
	}

	now := time.Now()
	if now.Before(leaf.NotBefore.Add(-certificateClockSkew)) || now.After(leaf.NotAfter.Add(certificateClockSkew)) {
		return tls.Certificate{}, nil, time.Time{}, errtype.NewCertificateError(
			fmt.Sprintf("returned certificate is not currently valid, notBefore = %v, notAfter = %v, now = %v",
				leaf.NotBefore, leaf.NotAfter, now),
			uri.String(), nil,
		)
	}

	pool := x509.NewCertPool()
	pool.AddCert(root)

	clientCert := tls.Certificate{
		Certificate: [][]byte{leaf.Raw, intermed.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	return clientCert, pool, leaf.NotAfter, nil
}

// statusCodeOf extracts an HTTP status code from err if it carries one,
// otherwise returns 0.
func statusCodeOf(err error) int {
	type statusCoder interface{ Code() int }
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.Code()
	}
	return 0
}

// performRefresh fetches connection info and an ephemeral certificate
// concurrently and assembles them into a ConnectionInfo.
func performRefresh(
	ctx context.Context, cl *alloydbapi.Client, uri instance.URI, key *rsa.PrivateKey, useMetadataExchange bool,
) (ConnectionInfo, error) {
	type infoResult struct {
		resp alloydbapi.ConnectionInfoResponse
		err  error
	}
	type certResult struct {
		cert   tls.Certificate
		chain  *x509.CertPool
		expiry time.Time
		err    error
	}

	infoCh := make(chan infoResult, 1)
	go func() {
		resp, err := fetchConnectionInfo(ctx, cl, uri)
		infoCh <- infoResult{resp: resp, err: err}
	}()

	certCh := make(chan certResult, 1)
	go func() {
		cert, chain, expiry, err := fetchEphemeralCert(ctx, cl, uri, key, useMetadataExchange)
		certCh <- certResult{cert: cert, chain: chain, expiry: expiry, err: err}
	}()

	var info infoResult
	select {
	case info = <-infoCh:
		if info.err != nil {
			return ConnectionInfo{}, info.err
		}
	case <-ctx.Done():
		return ConnectionInfo{}, errtype.NewNetworkError("refresh canceled while awaiting connection info", uri.String(), ctx.Err())
	}

	var cr certResult
	select {
	case cr = <-certCh:
		if cr.err != nil {
			return ConnectionInfo{}, cr.err
		}
	case <-ctx.Done():
		return ConnectionInfo{}, errtype.NewNetworkError("refresh canceled while awaiting certificate", uri.String(), ctx.Err())
	}

	ipAddrs := map[string]string{}
	if info.resp.IPAddress != "" {
		ipAddrs[PrivateIP.String()] = info.resp.IPAddress
	}
	if info.resp.PublicIPAddress != "" {
		ipAddrs[PublicIP.String()] = info.resp.PublicIPAddress
	}

	return ConnectionInfo{
		Instance:    uri,
		IPAddrs:     ipAddrs,
		PSCDNSName:  info.resp.PSCDNSName,
		InstanceUID: info.resp.InstanceUID,
		Expiration:  cr.expiry,
		clientCert:  cr.cert,
		rootCAs:     cr.chain,
	}, nil
}
