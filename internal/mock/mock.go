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

// Package mock provides test doubles for the AlloyDB Admin API control
// plane and the server-side mTLS proxy, so the connector can be exercised
// end-to-end without any real GCP project.
package mock

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alloydb-connect/alloydbconn/internal/alloydbapi"

	"cloud.google.com/go/alloydb/connectors/apiv1alpha/connectorspb"
	"google.golang.org/protobuf/proto"
)

// Option configures a FakeAlloyDBInstance.
type Option func(*FakeAlloyDBInstance)

// WithPublicIP sets the public IP address returned by connectionInfo.
func WithPublicIP(addr string) Option {
	return func(f *FakeAlloyDBInstance) { f.publicIP = addr }
}

// WithPSCDNSName sets the PSC DNS name returned by connectionInfo.
func WithPSCDNSName(name string) Option {
	return func(f *FakeAlloyDBInstance) { f.pscDNSName = name }
}

// WithCertExpiry sets the expiration time of certificates the fake issues.
func WithCertExpiry(expiry time.Time) Option {
	return func(f *FakeAlloyDBInstance) { f.certExpiry = expiry }
}

// WithInstanceUID overrides the instance UID presented both by
// connectionInfo and as the server certificate's common name (which stands
// in for the TLS SAN the real service sets).
func WithInstanceUID(uid string) Option {
	return func(f *FakeAlloyDBInstance) { f.uid = uid }
}

// FakeAlloyDBInstance represents both sides of the control plane and data
// plane the real AlloyDB service provides: connectionInfo/certificate
// signing, and the server-side mTLS proxy terminating connections on 5433.
type FakeAlloyDBInstance struct {
	project, region, cluster, name string

	ipAddr     string
	publicIP   string
	pscDNSName string
	uid        string
	certExpiry time.Time

	rootCACert   *x509.Certificate
	rootKey      *rsa.PrivateKey
	intermedCert *x509.Certificate
	intermedKey  *rsa.PrivateKey
	serverCert   *x509.Certificate
	serverKey    *rsa.PrivateKey
}

func mustGenerateKey() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return key
}

var (
	rootCAKey     = mustGenerateKey()
	intermedCAKey = mustGenerateKey()
	serverKey     = mustGenerateKey()
)

// NewFakeInstance creates a fake AlloyDB instance with a self-signed CA
// chain and a server leaf whose common name is the instance UID, mirroring
// how the real service's SAN pins to instance_uid rather than a hostname.
func NewFakeInstance(proj, reg, clust, name string, opts ...Option) FakeAlloyDBInstance {
	f := FakeAlloyDBInstance{
		project:    proj,
		region:     reg,
		cluster:    clust,
		name:       name,
		ipAddr:     "127.0.0.1",
		uid:        "00000000-0000-0000-0000-000000000000",
		certExpiry: time.Now().Add(time.Hour),
	}
	for _, o := range opts {
		o(&f)
	}

	rootTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "root.alloydb"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(0, 0, 1),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}
	signedRoot, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, &rootCAKey.PublicKey, rootCAKey)
	if err != nil {
		panic(err)
	}
	rootCert, err := x509.ParseCertificate(signedRoot)
	if err != nil {
		panic(err)
	}

	intermedTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "client.alloydb"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(0, 0, 1),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}
	signedIntermed, err := x509.CreateCertificate(rand.Reader, intermedTemplate, rootCert, &intermedCAKey.PublicKey, rootCAKey)
	if err != nil {
		panic(err)
	}
	intermedCert, err := x509.ParseCertificate(signedIntermed)
	if err != nil {
		panic(err)
	}

	serverTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(3),
		Subject:               pkix.Name{CommonName: f.uid},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(0, 0, 1),
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	signedServer, err := x509.CreateCertificate(rand.Reader, serverTemplate, rootCert, &serverKey.PublicKey, rootCAKey)
	if err != nil {
		panic(err)
	}
	serverCert, err := x509.ParseCertificate(signedServer)
	if err != nil {
		panic(err)
	}

	f.rootCACert = rootCert
	f.rootKey = rootCAKey
	f.intermedCert = intermedCert
	f.intermedKey = intermedCAKey
	f.serverCert = serverCert
	f.serverKey = serverKey
	return f
}

// signClientCert signs a client leaf from a supplied CSR's public key.
func (f FakeAlloyDBInstance) signClientCert(csr *x509.CertificateRequest) ([]byte, error) {
	template := &x509.Certificate{
		Signature:          csr.Signature,
		SignatureAlgorithm: csr.SignatureAlgorithm,
		PublicKeyAlgorithm: csr.PublicKeyAlgorithm,
		PublicKey:          csr.PublicKey,
		SerialNumber:       big.NewInt(4),
		Issuer:             f.intermedCert.Subject,
		Subject:            csr.Subject,
		NotBefore:          time.Now().Add(-time.Minute),
		NotAfter:           f.certExpiry,
		KeyUsage:           x509.KeyUsageDigitalSignature,
		ExtKeyUsage:        []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	return x509.CreateCertificate(rand.Reader, template, f.intermedCert, template.PublicKey, f.intermedKey)
}

// request represents one expected HTTP request and canned response.
type request struct {
	mu sync.Mutex

	method string
	path   string
	remain int

	handle func(http.ResponseWriter, *http.Request)
}

func (r *request) matches(req *http.Request) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.method != "" && r.method != req.Method {
		return false
	}
	if r.path != "" && r.path != req.URL.Path {
		return false
	}
	if r.remain <= 0 {
		return false
	}
	r.remain--
	return true
}

// ConnectionInfoSuccess returns a request stub for the connectionInfo RPC.
func ConnectionInfoSuccess(i FakeAlloyDBInstance, count int) *request {
	p := fmt.Sprintf("/projects/%s/locations/%s/clusters/%s/instances/%s/connectionInfo",
		i.project, i.region, i.cluster, i.name)
	return &request{
		method: http.MethodGet,
		path:   p,
		remain: count,
		handle: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(alloydbapi.ConnectionInfoResponse{
				IPAddress:       i.ipAddr,
				PublicIPAddress: i.publicIP,
				PSCDNSName:      i.pscDNSName,
				InstanceUID:     i.uid,
			})
		},
	}
}

// ConnectionInfoTransientError returns a request stub that fails with a 5xx
// status `failures` times before handing off to the provided success stub.
func ConnectionInfoTransientError(i FakeAlloyDBInstance, failures int, then *request) *request {
	p := fmt.Sprintf("/projects/%s/locations/%s/clusters/%s/instances/%s/connectionInfo",
		i.project, i.region, i.cluster, i.name)
	remaining := failures
	var mu sync.Mutex
	return &request{
		method: http.MethodGet,
		path:   p,
		remain: failures + 1,
		handle: func(w http.ResponseWriter, req *http.Request) {
			mu.Lock()
			defer mu.Unlock()
			if remaining > 0 {
				remaining--
				http.Error(w, "internal error", http.StatusServiceUnavailable)
				return
			}
			then.handle(w, req)
		},
	}
}

// GenerateClientCertificateSuccess returns a request stub for the
// generateClientCertificate RPC. It signs whatever CSR the caller sends.
func GenerateClientCertificateSuccess(i FakeAlloyDBInstance, count int) *request {
	return &request{
		method: http.MethodPost,
		path: fmt.Sprintf("/projects/%s/locations/%s/clusters/%s:generateClientCertificate",
			i.project, i.region, i.cluster),
		remain: count,
		handle: func(w http.ResponseWriter, req *http.Request) {
			b, err := io.ReadAll(req.Body)
			req.Body.Close()
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			var creq alloydbapi.GenerateClientCertificateRequest
			if err := json.Unmarshal(b, &creq); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			block, _ := pem.Decode([]byte(creq.PemCSR))
			if block == nil {
				http.Error(w, "bad csr", http.StatusBadRequest)
				return
			}
			csr, err := x509.ParseCertificateRequest(block.Bytes)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			leaf, err := i.signClientCert(csr)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			certPEM := &bytes.Buffer{}
			pem.Encode(certPEM, &pem.Block{Type: "CERTIFICATE", Bytes: leaf})
			intermedPEM := &bytes.Buffer{}
			pem.Encode(intermedPEM, &pem.Block{Type: "CERTIFICATE", Bytes: i.intermedCert.Raw})
			caPEM := &bytes.Buffer{}
			pem.Encode(caPEM, &pem.Block{Type: "CERTIFICATE", Bytes: i.rootCACert.Raw})

			json.NewEncoder(w).Encode(alloydbapi.GenerateClientCertificateResponse{
				PemCertificate:      certPEM.String(),
				PemCertificateChain: []string{intermedPEM.String(), caPEM.String()},
			})
		},
	}
}

// HTTPClient starts an httptest TLS server that answers the provided request
// stubs (and 501s anything unexpected). Returns a ready *http.Client, the
// server's base URL, and a cleanup func that reports any stub left unused.
func HTTPClient(reqs ...*request) (*http.Client, string, func() error) {
	s := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		for _, r := range reqs {
			if r.matches(req) {
				r.handle(w, req)
				return
			}
		}
		w.WriteHeader(http.StatusNotImplemented)
		fmt.Fprintf(w, "unexpected request to mock control plane: %v", req)
	}))
	cleanup := func() error {
		s.Close()
		for i, r := range reqs {
			if r.remain > 0 {
				return fmt.Errorf("stub %d still had %d expected calls unmet", i, r.remain)
			}
		}
		return nil
	}
	return s.Client(), s.URL, cleanup
}

// StartServerProxy starts a fake server-side proxy on the fixed AlloyDB
// proxy port (5433), performing the server half of the metadata exchange
// and then handing off to a trivial echo of the instance name, standing in
// for the database protocol. Returns a cleanup func.
func StartServerProxy(t *testing.T, inst FakeAlloyDBInstance) func() {
	pool := x509.NewCertPool()
	pool.AddCert(inst.rootCACert)

	var ln net.Listener
	var err error
	for attempt := 0; attempt < 10; attempt++ {
		ln, err = tls.Listen("tcp", ":5433", &tls.Config{
			Certificates: []tls.Certificate{{
				Certificate: [][]byte{inst.serverCert.Raw, inst.rootCACert.Raw},
				PrivateKey:  inst.serverKey,
				Leaf:        inst.serverCert,
			}},
			ClientAuth: tls.RequireAndVerifyClientCert,
			ClientCAs:  pool,
		})
		if err == nil {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("failed to start fake server proxy: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				if err := serverMetadataExchange(conn); err != nil {
					conn.Close()
					return
				}
				conn.Write([]byte(inst.name))
				conn.Close()
			}()
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()
	return func() {
		cancel()
		ln.Close()
	}
}

// serverMetadataExchange performs the server half of the metadata exchange:
// read the client's request, always answer OK. Real validation of the
// OAuth2 token happens server-side in production; the fake does nothing
// with it beyond reading the frame.
func serverMetadataExchange(conn net.Conn) error {
	szBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, szBuf); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(szBuf)
	body := make([]byte, size)
	if _, err := io.ReadFull(conn, body); err != nil {
		return err
	}
	var req connectorspb.MetadataExchangeRequest
	if err := proto.Unmarshal(body, &req); err != nil {
		return err
	}

	resp := &connectorspb.MetadataExchangeResponse{
		ResponseCode: connectorspb.MetadataExchangeResponse_OK,
	}
	data, err := proto.Marshal(resp)
	if err != nil {
		return err
	}
	out := make([]byte, 4, 4+len(data))
	binary.BigEndian.PutUint32(out, uint32(len(data)))
	out = append(out, data...)
	_, err = conn.Write(out)
	return err
}
